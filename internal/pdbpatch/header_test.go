package pdbpatch

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildHeaderStream(t *testing.T, version uint32, age uint32, sig [16]byte, namedStreams map[string]uint32) []byte {
	t.Helper()

	data := make([]byte, headerFixedSize)
	binary.LittleEndian.PutUint32(data[0:4], version)
	binary.LittleEndian.PutUint32(data[4:8], 0xAAAAAAAA) // stale timestamp
	binary.LittleEndian.PutUint32(data[8:12], age)
	copy(data[12:28], sig[:])

	data = append(data, buildNameMapTable(t, namedStreams)...)
	return data
}

func TestPatchHeaderStreamRewritesFieldsAndFindsNamedStreams(t *testing.T) {
	var imageSig [16]byte
	for i := range imageSig {
		imageSig[i] = byte(i + 1)
	}
	data := buildHeaderStream(t, pdbVersionVC70, 7, imageSig, map[string]uint32{"/LinkInfo": 4, "/names": 9})

	var newSig [16]byte
	for i := range newSig {
		newSig[i] = 0xAB
	}

	result, err := patchHeaderStream(data, true, imageSig, 7, 1262304000, newSig)
	require.NoError(t, err)
	require.Equal(t, uint32(4), result.namedStreams["/LinkInfo"])
	require.Equal(t, uint32(9), result.namedStreams["/names"])

	require.Equal(t, uint32(1262304000), binary.LittleEndian.Uint32(data[4:8]))
	require.Equal(t, uint32(1), binary.LittleEndian.Uint32(data[8:12]))
	require.Equal(t, newSig[:], data[12:28])
}

func TestPatchHeaderStreamRejectsMismatchedSignature(t *testing.T) {
	var imageSig, otherSig [16]byte
	otherSig[0] = 0xFF
	data := buildHeaderStream(t, pdbVersionVC70, 7, otherSig, nil)

	var newSig [16]byte
	_, err := patchHeaderStream(data, true, imageSig, 7, 1262304000, newSig)
	require.Error(t, err)
}

func TestPatchHeaderStreamRejectsMissingImageCV(t *testing.T) {
	var sig [16]byte
	data := buildHeaderStream(t, pdbVersionVC70, 7, sig, nil)

	var newSig [16]byte
	_, err := patchHeaderStream(data, false, sig, 7, 1262304000, newSig)
	require.Error(t, err)
}

func TestPatchHeaderStreamRejectsOldVersion(t *testing.T) {
	var sig [16]byte
	data := buildHeaderStream(t, pdbVersionVC70-1, 7, sig, nil)

	var newSig [16]byte
	_, err := patchHeaderStream(data, true, sig, 7, 1262304000, newSig)
	require.Error(t, err)
}
