package pdbpatch

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/jtang613/pdbrepro/internal/cursor"
)

// nameMapTable reads the "string -> stream index" map that follows the
// fixed PDB header in stream 1: a packed string buffer, a hash-table
// cardinality/capacity pair, two skipped bitsets (present/deleted), and
// finally elemCount (offset, stream) pairs into the string buffer.
//
// Microsoft's PDB writer always serializes the pairs compactly regardless
// of which hash buckets they originally lived in, so no bit-by-bit bucket
// walk is needed to recover them.
func nameMapTable(data []byte) (map[string]uint32, int, error) {
	c := cursor.New(data)
	fail := func() (map[string]uint32, int, error) {
		return nil, 0, invalidPdb("missing PDB name table data")
	}

	stringsLength, err := c.ReadU32()
	if err != nil {
		return fail()
	}

	strings, err := c.ReadBytes(int(stringsLength))
	if err != nil {
		return fail()
	}

	elemCount, err := c.ReadU32()
	if err != nil {
		return fail()
	}
	if err := c.Skip(4); err != nil { // elemCountMax
		return fail()
	}

	presentSize, err := c.ReadU32()
	if err != nil {
		return fail()
	}
	if err := c.Skip(int(presentSize) * 4); err != nil {
		return fail()
	}

	deletedSize, err := c.ReadU32()
	if err != nil {
		return fail()
	}
	if err := c.Skip(int(deletedSize) * 4); err != nil {
		return fail()
	}

	table := make(map[string]uint32, elemCount)
	for i := uint32(0); i < elemCount; i++ {
		offset, err := c.ReadU32()
		if err != nil {
			return fail()
		}
		stream, err := c.ReadU32()
		if err != nil {
			return fail()
		}

		if offset >= stringsLength {
			return nil, 0, invalidPdb("invalid PDB name table offset into strings buffer")
		}
		end := bytes.IndexByte(strings[offset:], 0)
		if end == -1 {
			return nil, 0, invalidPdb("unterminated PDB name table string")
		}
		table[string(strings[offset:offset+uint32(end)])] = stream
	}

	return table, c.Pos(), nil
}

// patchLinkInfoStream truncates the "/LinkInfo" stream to its declared
// size; the bytes past that are leftover garbage from however the linker
// happened to allocate the buffer it wrote from.
func patchLinkInfoStream(data []byte) ([]byte, error) {
	const linkInfoSize = 24 // size(4) + version(4) + cwdOffset(4) + commandOffset(4) + outputFileOffset(4) + libsOffset(4)

	if len(data) == 0 {
		return data, nil
	}
	if len(data) < linkInfoSize {
		return nil, invalidPdb("got partial LinkInfo stream")
	}

	declared := binary.LittleEndian.Uint32(data[0:4])
	if int(declared) > len(data) {
		return nil, invalidPdb("LinkInfo size too large for stream")
	}
	return data[:declared], nil
}

// patchNamesStream normalizes every GUID-bearing file name in the "/names"
// string table and sorts its offsets array, which Microsoft's PDB writer
// otherwise emits in a non-deterministic order.
func patchNamesStream(data []byte) error {
	const headerSize = 12 // signature(4) + version(4) + stringsSize(4)

	if len(data) < headerSize {
		return invalidPdb("missing string table header")
	}

	signature := binary.LittleEndian.Uint32(data[0:4])
	if signature != 0xeffeeffe {
		return invalidPdb("got invalid string table signature")
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	if version != 1 && version != 2 {
		return invalidPdb("got invalid or unsupported string table version")
	}
	stringsSize := binary.LittleEndian.Uint32(data[8:12])

	pos := headerSize
	if len(data)-pos < int(stringsSize) {
		return invalidPdb("got partial string table data")
	}
	strings := data[pos : pos+int(stringsSize)]
	pos += int(stringsSize)

	if len(data)-pos < 4 {
		return invalidPdb("missing string table offset array length")
	}
	offsetsLength := binary.LittleEndian.Uint32(data[pos : pos+4])
	pos += 4

	if len(data)-pos < int(offsetsLength)*4 {
		return invalidPdb("got partial string table offsets array")
	}
	offsets := make([]uint32, offsetsLength)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint32(data[pos+i*4 : pos+i*4+4])
	}

	// There is some non-determinism in the order these offsets are
	// originally serialized in.
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	for i, off := range offsets {
		binary.LittleEndian.PutUint32(data[pos+i*4:pos+i*4+4], off)
	}

	for _, off := range offsets {
		if off == 0 {
			continue
		}
		if off >= stringsSize {
			return invalidPdb("got invalid offset into string table")
		}
		end := bytes.IndexByte(strings[off:], 0)
		if end == -1 {
			return invalidPdb("got invalid offset into string table")
		}
		normalizeFileNameGUID(strings[off : off+uint32(end)])
	}

	return nil
}
