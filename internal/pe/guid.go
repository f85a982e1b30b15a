package pe

import (
	"encoding/binary"
	"fmt"
)

// GUID is a 16-byte Windows GUID, stored in the mixed-endian layout the
// CodeView record and PDB header use on disk: Data1 is a little-endian
// uint32, Data2/Data3 are little-endian uint16, Data4 is eight raw bytes.
// It stringifies and round-trips CodeView/debug-directory GUIDs without
// depending on golang.org/x/sys/windows.
type GUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

// FromWindowsArray constructs a GUID from its on-disk, little-endian byte
// layout (as found in a CV_INFO_PDB70 record or a PDB header stream).
func FromWindowsArray(b [16]byte) GUID {
	return GUID{
		Data1: binary.LittleEndian.Uint32(b[0:4]),
		Data2: binary.LittleEndian.Uint16(b[4:6]),
		Data3: binary.LittleEndian.Uint16(b[6:8]),
		Data4: [8]byte{b[8], b[9], b[10], b[11], b[12], b[13], b[14], b[15]},
	}
}

// ToWindowsArray returns the GUID's on-disk, little-endian byte
// representation.
func (g GUID) ToWindowsArray() [16]byte {
	var b [16]byte
	binary.LittleEndian.PutUint32(b[0:4], g.Data1)
	binary.LittleEndian.PutUint16(b[4:6], g.Data2)
	binary.LittleEndian.PutUint16(b[6:8], g.Data3)
	copy(b[8:16], g.Data4[:])
	return b
}

// String renders the GUID in the braced "{xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx}"
// form used throughout module names and CodeView paths.
func (g GUID) String() string {
	return fmt.Sprintf("{%08x-%04x-%04x-%02x%02x-%02x%02x%02x%02x%02x%02x}",
		g.Data1, g.Data2, g.Data3,
		g.Data4[0], g.Data4[1], g.Data4[2], g.Data4[3],
		g.Data4[4], g.Data4[5], g.Data4[6], g.Data4[7])
}
