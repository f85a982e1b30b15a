package pdbpatch

import (
	"bytes"
	"encoding/binary"
)

// headerFixedSize is the size of the PdbStream70 fixed prefix: version(4)
// + signature/timestamp(4) + age(4) + sig70 GUID(16).
const headerFixedSize = 28

const pdbVersionVC70 = 20000404

// patchHeaderResult carries the named streams the header patcher
// discovered, so the caller can locate and patch "/LinkInfo" and "/names"
// without re-parsing the Name Map Table itself.
type patchHeaderResult struct {
	namedStreams map[string]uint32
}

// patchHeaderStream rewrites the fixed PDB header fields in place
// (timestamp, age, signature GUID) and validates that the PDB's existing
// signature matches the one the paired image expects, a preflight check
// performed before touching anything else.
func patchHeaderStream(data []byte, hasImageCV bool, imageSig [16]byte, imageAge uint32, timestamp uint32, newSignature [16]byte) (*patchHeaderResult, error) {
	if len(data) < headerFixedSize {
		return nil, invalidPdb("missing PDB 7.0 header")
	}

	version := binary.LittleEndian.Uint32(data[0:4])
	if version < pdbVersionVC70 {
		return nil, invalidPdb("unsupported PDB implementation version")
	}

	curSig := data[12:28]
	curAge := binary.LittleEndian.Uint32(data[8:12])
	if !hasImageCV || curAge != imageAge || !bytes.Equal(curSig, imageSig[:]) {
		return nil, invalidPdb("PE and PDB signatures do not match")
	}

	binary.LittleEndian.PutUint32(data[4:8], timestamp)
	binary.LittleEndian.PutUint32(data[8:12], 1)
	copy(data[12:28], newSignature[:])

	table, _, err := nameMapTable(data[headerFixedSize:])
	if err != nil {
		return nil, err
	}

	return &patchHeaderResult{namedStreams: table}, nil
}
