package pdbpatch

import "encoding/binary"

// publicSymbolHeaderSize is sizeof(PublicSymbolHeader): hashTableSize(4) +
// addrMapSize(4) + thunks(4) + thunkSize(4) + thunkTableSecIndex(2) +
// padding1(2) + thunkTableOffset(4) + sectionCount(4).
const publicSymbolHeaderSize = 28

// patchPublicSymbolStream zeros the public symbol stream's struct-
// alignment padding and its sectionCount field, which Microsoft's PDB
// writer leaves uninitialized on some code paths.
func patchPublicSymbolStream(data []byte) error {
	if len(data) < publicSymbolHeaderSize {
		return invalidPdb("public symbol stream too short")
	}
	binary.LittleEndian.PutUint16(data[18:20], 0) // padding1
	binary.LittleEndian.PutUint32(data[24:28], 0) // sectionCount
	return nil
}
