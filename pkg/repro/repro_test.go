package repro

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jtang613/pdbrepro/internal/msf"
)

// PE32 layout constants, independently reconstructed from the PE32 header
// field offsets (this package deliberately doesn't reach into internal/pe's
// unexported layout, the same way a real caller building test fixtures
// never would).
const (
	eLfanewOff  = 0x3C
	peOff       = 0x40
	fileHdrOff  = peOff + 4
	optHdrOff   = fileHdrOff + 20
	optHdr32Len = 224
	sectionsOff = optHdrOff + optHdr32Len
	sectionRaw0 = sectionsOff + 40
	sectionRVA  = 0x1000

	fhTimeDateStamp = 4
	ohCheckSum      = 64
	ohNumDirs32     = 92
	ohDataDirs32    = 96
	dirDebug        = 6

	debugDirSize = 28
	cvFixedSize  = 24
)

// buildImage assembles a minimal well-formed PE32 image with a single
// section holding one CodeView debug directory entry, whose CV_INFO_PDB70
// record carries sig/age.
func buildImage(t *testing.T, sig [16]byte, age uint32) []byte {
	t.Helper()

	debugOff := 0
	cvOff := debugDirSize
	sectionLen := cvOff + cvFixedSize + 8

	buf := make([]byte, sectionRaw0+sectionLen)

	binary.LittleEndian.PutUint16(buf[0:2], 0x5A4D)
	binary.LittleEndian.PutUint32(buf[eLfanewOff:eLfanewOff+4], peOff)
	binary.LittleEndian.PutUint32(buf[peOff:peOff+4], 0x00004550)

	binary.LittleEndian.PutUint16(buf[fileHdrOff+2:fileHdrOff+4], 1) // NumberOfSections
	binary.LittleEndian.PutUint16(buf[fileHdrOff+16:fileHdrOff+18], optHdr32Len)

	binary.LittleEndian.PutUint16(buf[optHdrOff:optHdrOff+2], 0x10B) // magic
	binary.LittleEndian.PutUint32(buf[optHdrOff+ohNumDirs32:optHdrOff+ohNumDirs32+4], 16)

	dd := optHdrOff + ohDataDirs32 + dirDebug*8
	binary.LittleEndian.PutUint32(buf[dd:dd+4], sectionRVA+uint32(debugOff))
	binary.LittleEndian.PutUint32(buf[dd+4:dd+8], debugDirSize)

	so := sectionsOff
	binary.LittleEndian.PutUint32(buf[so+12:so+16], sectionRVA)          // VirtualAddress
	binary.LittleEndian.PutUint32(buf[so+8:so+12], uint32(sectionLen))   // VirtualSize
	binary.LittleEndian.PutUint32(buf[so+20:so+24], uint32(sectionRaw0)) // PointerToRawData

	ddo := sectionRaw0 + debugOff
	binary.LittleEndian.PutUint32(buf[ddo+4:ddo+8], 0xDEADBEEF) // TimeDateStamp
	binary.LittleEndian.PutUint32(buf[ddo+12:ddo+16], 2)        // Type = CODEVIEW
	binary.LittleEndian.PutUint32(buf[ddo+16:ddo+20], uint32(cvFixedSize+8))
	binary.LittleEndian.PutUint32(buf[ddo+24:ddo+28], uint32(sectionRaw0+cvOff))

	cvo := sectionRaw0 + cvOff
	binary.LittleEndian.PutUint32(buf[cvo:cvo+4], 0x53445352) // 'RSDS'
	copy(buf[cvo+4:cvo+20], sig[:])
	binary.LittleEndian.PutUint32(buf[cvo+20:cvo+24], age)

	return buf
}

// buildPDB assembles a minimal MSF-backed PDB with a header stream (whose
// age/GUID match sig/age) and an empty DBI stream naming no modules and no
// symbol/public streams.
func buildPDB(t *testing.T, path string, sig [16]byte, age, timestamp uint32) {
	t.Helper()

	header := make([]byte, 28+4+8+4+4)
	binary.LittleEndian.PutUint32(header[0:4], 20000404) // version
	binary.LittleEndian.PutUint32(header[4:8], timestamp)
	binary.LittleEndian.PutUint32(header[8:12], age)
	copy(header[12:28], sig[:])
	// empty name map table: stringsSize=0, elemCount=0, elemCountMax=0,
	// presentLen=0, deletedLen=0
	binary.LittleEndian.PutUint32(header[28:32], 0)
	binary.LittleEndian.PutUint32(header[32:36], 0)
	binary.LittleEndian.PutUint32(header[36:40], 0)
	binary.LittleEndian.PutUint32(header[40:44], 0)
	binary.LittleEndian.PutUint32(header[44:48], 0)

	dbi := make([]byte, 64)
	binary.LittleEndian.PutUint32(dbi[0:4], 0xFFFFFFFF) // signature
	binary.LittleEndian.PutUint32(dbi[4:8], 19990903)   // version v70
	binary.LittleEndian.PutUint16(dbi[16:18], 0xFFFF)   // publicSymbolStream: none
	binary.LittleEndian.PutUint16(dbi[20:22], 0xFFFF)   // symbolRecordsStream: none
	// all substream sizes left at 0: no modules, no section contribs, no
	// file info.

	streams := []msf.StreamView{
		msf.NewMemStream(nil),    // stream 0: old stream table, discarded
		msf.NewMemStream(header), // stream 1: PDB header
		msf.NewMemStream(nil),    // stream 2: TPI, unused, passed through
		msf.NewMemStream(dbi),    // stream 3: DBI
	}

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, msf.Write(f, streams))
}

func openPDBHeader(t *testing.T, path string) (version, timestamp, age uint32, guid [16]byte) {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	fi, err := f.Stat()
	require.NoError(t, err)

	m, err := msf.Open(f, fi.Size())
	require.NoError(t, err)

	sv, err := m.Stream(1)
	require.NoError(t, err)
	data := sv.ReadAll()

	version = binary.LittleEndian.Uint32(data[0:4])
	timestamp = binary.LittleEndian.Uint32(data[4:8])
	age = binary.LittleEndian.Uint32(data[8:12])
	copy(guid[:], data[12:28])
	return
}

func TestPatchImageWithMatchingPDBRewritesBoth(t *testing.T) {
	dir := t.TempDir()
	imagePath := filepath.Join(dir, "app.exe")
	pdbPath := filepath.Join(dir, "app.pdb")

	var origSig [16]byte
	for i := range origSig {
		origSig[i] = byte(0x11 * (i + 1))
	}
	const origAge = 7

	image := buildImage(t, origSig, origAge)
	require.NoError(t, os.WriteFile(imagePath, image, 0o644))
	buildPDB(t, pdbPath, origSig, origAge, 0xCAFEBABE)

	err := PatchImage(Options{ImagePath: imagePath, PdbPath: pdbPath})
	require.NoError(t, err)

	patchedImage, err := os.ReadFile(imagePath)
	require.NoError(t, err)
	require.Equal(t, uint32(1262304000), binary.LittleEndian.Uint32(patchedImage[fileHdrOff+fhTimeDateStamp:fileHdrOff+fhTimeDateStamp+4]))
	require.Equal(t, uint32(1262304000), binary.LittleEndian.Uint32(patchedImage[optHdrOff+ohCheckSum:optHdrOff+ohCheckSum+4]))

	cvo := sectionRaw0 + debugDirSize
	newSig := patchedImage[cvo+4 : cvo+20]
	newAge := binary.LittleEndian.Uint32(patchedImage[cvo+20 : cvo+24])
	require.Equal(t, uint32(1), newAge)

	_, timestamp, age, guid := openPDBHeader(t, pdbPath)
	require.Equal(t, uint32(1262304000), timestamp)
	require.Equal(t, uint32(1), age)
	require.Equal(t, newSig, guid[:])
}

func TestPatchImageIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	imagePath := filepath.Join(dir, "app.exe")
	pdbPath := filepath.Join(dir, "app.pdb")

	var origSig [16]byte
	for i := range origSig {
		origSig[i] = byte(0x11 * (i + 1))
	}
	image := buildImage(t, origSig, 7)
	require.NoError(t, os.WriteFile(imagePath, image, 0o644))
	buildPDB(t, pdbPath, origSig, 7, 0xCAFEBABE)

	require.NoError(t, PatchImage(Options{ImagePath: imagePath, PdbPath: pdbPath}))
	firstImage, err := os.ReadFile(imagePath)
	require.NoError(t, err)
	firstPDB, err := os.ReadFile(pdbPath)
	require.NoError(t, err)

	require.NoError(t, PatchImage(Options{ImagePath: imagePath, PdbPath: pdbPath}))
	secondImage, err := os.ReadFile(imagePath)
	require.NoError(t, err)
	secondPDB, err := os.ReadFile(pdbPath)
	require.NoError(t, err)

	require.Equal(t, firstImage, secondImage)
	require.Equal(t, firstPDB, secondPDB)
}

func TestPatchImageDryRunLeavesFilesUntouched(t *testing.T) {
	dir := t.TempDir()
	imagePath := filepath.Join(dir, "app.exe")
	pdbPath := filepath.Join(dir, "app.pdb")

	var origSig [16]byte
	for i := range origSig {
		origSig[i] = byte(0x11 * (i + 1))
	}
	image := buildImage(t, origSig, 7)
	require.NoError(t, os.WriteFile(imagePath, image, 0o644))
	buildPDB(t, pdbPath, origSig, 7, 0xCAFEBABE)

	beforeImage, err := os.ReadFile(imagePath)
	require.NoError(t, err)
	beforePDB, err := os.ReadFile(pdbPath)
	require.NoError(t, err)

	require.NoError(t, PatchImage(Options{ImagePath: imagePath, PdbPath: pdbPath, DryRun: true}))

	afterImage, err := os.ReadFile(imagePath)
	require.NoError(t, err)
	afterPDB, err := os.ReadFile(pdbPath)
	require.NoError(t, err)

	require.Equal(t, beforeImage, afterImage)
	require.Equal(t, beforePDB, afterPDB)

	require.NoFileExists(t, pdbPath+".tmp")
}

func TestPatchImageSignatureMismatchLeavesFilesUntouched(t *testing.T) {
	dir := t.TempDir()
	imagePath := filepath.Join(dir, "app.exe")
	pdbPath := filepath.Join(dir, "app.pdb")

	var imageSig, pdbSig [16]byte
	for i := range imageSig {
		imageSig[i] = byte(i + 1)
		pdbSig[i] = byte(0xFF - i)
	}
	image := buildImage(t, imageSig, 5)
	require.NoError(t, os.WriteFile(imagePath, image, 0o644))
	buildPDB(t, pdbPath, pdbSig, 5, 0xCAFEBABE)

	beforeImage, err := os.ReadFile(imagePath)
	require.NoError(t, err)
	beforePDB, err := os.ReadFile(pdbPath)
	require.NoError(t, err)

	err = PatchImage(Options{ImagePath: imagePath, PdbPath: pdbPath})
	require.Error(t, err)

	afterImage, err := os.ReadFile(imagePath)
	require.NoError(t, err)
	afterPDB, err := os.ReadFile(pdbPath)
	require.NoError(t, err)

	require.Equal(t, beforeImage, afterImage)
	require.Equal(t, beforePDB, afterPDB)
	require.NoFileExists(t, pdbPath+".tmp")
}

func TestPatchImageWithoutPDBOnlyTouchesImage(t *testing.T) {
	dir := t.TempDir()
	imagePath := filepath.Join(dir, "app.exe")

	var sig [16]byte
	image := buildImage(t, sig, 1)
	require.NoError(t, os.WriteFile(imagePath, image, 0o644))

	require.NoError(t, PatchImage(Options{ImagePath: imagePath}))

	patched, err := os.ReadFile(imagePath)
	require.NoError(t, err)
	require.Equal(t, uint32(1262304000), binary.LittleEndian.Uint32(patched[fileHdrOff+fhTimeDateStamp:fileHdrOff+fhTimeDateStamp+4]))
}
