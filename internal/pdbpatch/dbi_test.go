package pdbpatch

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func put32(buf []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(buf[off:off+4], v)
}

func put16(buf []byte, off int, v uint16) {
	binary.LittleEndian.PutUint16(buf[off:off+2], v)
}

// buildDbiStream assembles a DBI stream with one manifest module (with
// dirty struct padding), one section contribution entry (v1, also with
// dirty padding), and a file-info substream naming one file with an
// embedded GUID.
func buildDbiStream(t *testing.T) (data []byte, manifestStream, symRecStream, pubSymStream uint16) {
	t.Helper()

	manifestStream = 30
	symRecStream = 21
	pubSymStream = 20

	moduleName := "* Linker Generated Manifest RES *"
	names := append([]byte(moduleName), 0, 0) // module name, then empty object name
	for (moduleInfoFixedSize+len(names))%4 != 0 {
		names = append(names, 0) // struct-alignment padding after the names
	}
	modEntry := make([]byte, moduleInfoFixedSize+len(names))
	put16(modEntry, 6, 0xDEAD)          // sc.padding1 garbage
	put16(modEntry, 22, 0xBEEF)         // sc.padding2 garbage
	put16(modEntry, 34, manifestStream) // stream
	put32(modEntry, 52, 0xFEEDFACE)     // offsets garbage
	copy(modEntry[moduleInfoFixedSize:], names)
	require.Zero(t, len(modEntry)%4)

	secContrib := make([]byte, 4+sectionContribSize)
	put32(secContrib, 0, scVersionV1)
	put16(secContrib, 4+2, 0xAAAA)  // padding1
	put16(secContrib, 4+18, 0xBBBB) // padding2

	const fileName = "{AAAAAAAA-BBBB-CCCC-DDDD-EEEEEEEEEEEE}.c"
	nameBytes := append([]byte(fileName), 0)
	fileInfo := make([]byte, 4+2+2+4+len(nameBytes))
	put16(fileInfo, 4, 0) // file index, unused
	put16(fileInfo, 6, 1) // fileCounts[0] = 1
	put32(fileInfo, 8, 0) // offsets[0] = 0
	copy(fileInfo[12:], nameBytes)

	header := make([]byte, dbiHeaderSize)
	put32(header, 0, dbiHeaderSignature)
	put32(header, 4, dbiVersionV70)
	put16(header, dbiPublicSymbolStream, pubSymStream)
	put16(header, dbiSymbolRecordsStream, symRecStream)
	put32(header, dbiGpModInfoSize, uint32(len(modEntry)))
	put32(header, dbiSectionContributionSize, uint32(len(secContrib)))
	put32(header, dbiFileInfoSize, uint32(len(fileInfo)))

	data = append(data, header...)
	data = append(data, modEntry...)
	data = append(data, secContrib...)
	data = append(data, fileInfo...)
	return data, manifestStream, symRecStream, pubSymStream
}

func TestPatchDbiStreamZeroesPaddingAndFindsManifestModule(t *testing.T) {
	data, manifestStream, symRecStream, pubSymStream := buildDbiStream(t)

	result, err := patchDbiStream(data)
	require.NoError(t, err)
	require.Equal(t, manifestStream, result.manifestModuleStream)
	require.Equal(t, symRecStream, result.symbolRecordsStream)
	require.Equal(t, pubSymStream, result.publicSymbolStream)

	require.Equal(t, uint32(1), binary.LittleEndian.Uint32(data[dbiAge:dbiAge+4]))

	modEntry := data[dbiHeaderSize:]
	require.Equal(t, uint16(0), binary.LittleEndian.Uint16(modEntry[6:8]))
	require.Equal(t, uint16(0), binary.LittleEndian.Uint16(modEntry[22:24]))
	require.Equal(t, uint32(0), binary.LittleEndian.Uint32(modEntry[52:56]))

	secContrib := modEntry[binary.LittleEndian.Uint32(data[dbiGpModInfoSize:dbiGpModInfoSize+4]):]
	require.Equal(t, uint16(0), binary.LittleEndian.Uint16(secContrib[4+2:4+4]))
	require.Equal(t, uint16(0), binary.LittleEndian.Uint16(secContrib[4+18:4+20]))

	require.NotContains(t, string(data), "AAAAAAAA-BBBB")
	require.Contains(t, string(data), nullGUIDText)
}

func TestPatchDbiStreamRejectsBadSignature(t *testing.T) {
	data := make([]byte, dbiHeaderSize)
	_, err := patchDbiStream(data)
	require.Error(t, err)
}
