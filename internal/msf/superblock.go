package msf

import (
	"encoding/binary"
	"errors"

	"github.com/jtang613/pdbrepro/internal/cursor"
)

// Magic is the 32-byte ASCII signature every MSF 7.00 container begins
// with.
const Magic = "Microsoft C/C++ MSF 7.00\r\n\x1a\x44\x53\x00\x00\x00"

// MagicSize is the length in bytes of Magic.
const MagicSize = 32

// HeaderSize is the fixed, on-disk size of SuperBlock: the 32-byte magic
// plus five 4-byte fields. The root stream-table-of-pages array is written
// immediately after these bytes, still within page 0, not through any
// further indirection.
const HeaderSize = MagicSize + 4*5

// DefaultPageSize is the page size this package always writes. Readers
// accept any page size a producer used; this package never produces one
// other than 4096, since the Free Page Map layout the writer relies on is
// only verified correct for 4096-byte pages.
const DefaultPageSize = 4096

var (
	// ErrInvalidMagic is returned when the superblock's magic bytes do not
	// match Magic.
	ErrInvalidMagic = errors.New("msf: invalid magic signature")
	// ErrInvalidFileSize is returned when pageSize*pageCount does not equal
	// the file's actual length.
	ErrInvalidFileSize = errors.New("msf: file length does not match page_size * page_count")
	// ErrTruncated is returned whenever a read stops short of the bytes
	// the format promises are present.
	ErrTruncated = errors.New("msf: unexpected end of file")
)

// SuperBlock is the fixed-size header at file offset 0.
type SuperBlock struct {
	Magic [MagicSize]byte

	// PageSize is the file's block size, a power of two, normally 4096.
	PageSize uint32

	// FreePageMapIndex names which of the two FPM slots (1 or 2) is
	// currently active. This package always writes 1 and does not read
	// this field for anything beyond informational purposes.
	FreePageMapIndex uint32

	// PageCount is the total number of pages; PageSize*PageCount must
	// equal the file length.
	PageCount uint32

	// StreamTableSize is the byte length of the serialized stream table
	// (the [count, sizes..., pages...] blob described in file.go).
	StreamTableSize uint32

	// StreamTableIndex is unused by any reader in this format; always
	// ignored.
	StreamTableIndex int32
}

// parseSuperBlock decodes the fixed header fields from buf (which must be
// at least HeaderSize bytes) and validates them against the container's
// total file size.
func parseSuperBlock(buf []byte, fileSize int64) (*SuperBlock, error) {
	if len(buf) < HeaderSize {
		return nil, ErrTruncated
	}

	var sb SuperBlock
	copy(sb.Magic[:], buf[0:MagicSize])
	if string(sb.Magic[:]) != Magic {
		return nil, ErrInvalidMagic
	}

	c := cursor.New(buf)
	if err := c.Seek(MagicSize); err != nil {
		return nil, ErrTruncated
	}

	pageSize, err := c.ReadU32()
	if err != nil {
		return nil, ErrTruncated
	}
	freePageMapIndex, err := c.ReadU32()
	if err != nil {
		return nil, ErrTruncated
	}
	pageCount, err := c.ReadU32()
	if err != nil {
		return nil, ErrTruncated
	}
	streamTableSize, err := c.ReadU32()
	if err != nil {
		return nil, ErrTruncated
	}
	streamTableIndex, err := c.ReadU32()
	if err != nil {
		return nil, ErrTruncated
	}

	sb.PageSize = pageSize
	sb.FreePageMapIndex = freePageMapIndex
	sb.PageCount = pageCount
	sb.StreamTableSize = streamTableSize
	sb.StreamTableIndex = int32(streamTableIndex)

	if sb.PageSize == 0 || int64(sb.PageSize)*int64(sb.PageCount) != fileSize {
		return nil, ErrInvalidFileSize
	}

	return &sb, nil
}

// encode writes the header fields (not the trailing root page array) into a
// HeaderSize-byte buffer.
func (sb *SuperBlock) encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:MagicSize], sb.Magic[:])
	o := MagicSize
	binary.LittleEndian.PutUint32(buf[o:o+4], sb.PageSize)
	binary.LittleEndian.PutUint32(buf[o+4:o+8], sb.FreePageMapIndex)
	binary.LittleEndian.PutUint32(buf[o+8:o+12], sb.PageCount)
	binary.LittleEndian.PutUint32(buf[o+12:o+16], sb.StreamTableSize)
	binary.LittleEndian.PutUint32(buf[o+16:o+20], uint32(sb.StreamTableIndex))
	return buf
}

// StreamTablePageCount returns the number of pages the raw, serialized
// stream table occupies, which is also the number of entries in that
// table's page list. The root array that follows the header names the
// pages holding that page list: ceil(StreamTablePageCount*4 / PageSize)
// entries.
func (sb *SuperBlock) StreamTablePageCount() uint32 {
	return ceilDiv(sb.StreamTableSize, sb.PageSize)
}

func ceilDiv(n, d uint32) uint32 {
	return (n + d - 1) / d
}

// IsFPMPosition reports whether a page at the given index falls on one of
// the Free Page Map's reserved positions (page_size-aligned positions 1 and
// 2), per the periodic repetition the format requires at write time.
func IsFPMPosition(page, pageSize uint32) bool {
	m := page & (pageSize - 1)
	return m == 1 || m == 2
}
