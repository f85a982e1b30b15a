// Package cursor provides bounds-checked little-endian reads over a byte
// slice, shared by the PE, MSF, and PDB parsers.
package cursor

import (
	"encoding/binary"
	"errors"
)

// ErrShortRead is returned whenever a read would run past the end of the
// underlying buffer.
var ErrShortRead = errors.New("cursor: short read")

// Cursor is a position-tracking view over a byte slice. It never panics; any
// read that would exceed the buffer returns ErrShortRead and leaves the
// cursor's position unchanged.
type Cursor struct {
	buf []byte
	pos int
}

// New wraps buf in a Cursor positioned at offset 0.
func New(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// Len returns the total length of the underlying buffer.
func (c *Cursor) Len() int {
	return len(c.buf)
}

// Pos returns the current read position.
func (c *Cursor) Pos() int {
	return c.pos
}

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int {
	return len(c.buf) - c.pos
}

// Seek moves the cursor to an absolute offset. It fails if pos is outside
// [0, Len()].
func (c *Cursor) Seek(pos int) error {
	if pos < 0 || pos > len(c.buf) {
		return ErrShortRead
	}
	c.pos = pos
	return nil
}

// Skip advances the cursor by n bytes.
func (c *Cursor) Skip(n int) error {
	return c.Seek(c.pos + n)
}

// ReadBytes returns the next n bytes and advances the cursor. The returned
// slice aliases the underlying buffer.
func (c *Cursor) ReadBytes(n int) ([]byte, error) {
	if n < 0 || c.pos+n > len(c.buf) {
		return nil, ErrShortRead
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

// PeekBytes returns the next n bytes without advancing the cursor.
func (c *Cursor) PeekBytes(n int) ([]byte, error) {
	if n < 0 || c.pos+n > len(c.buf) {
		return nil, ErrShortRead
	}
	return c.buf[c.pos : c.pos+n], nil
}

// ReadU8 reads a single byte.
func (c *Cursor) ReadU8() (uint8, error) {
	b, err := c.ReadBytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadU16 reads a little-endian uint16.
func (c *Cursor) ReadU16() (uint16, error) {
	b, err := c.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadU32 reads a little-endian uint32.
func (c *Cursor) ReadU32() (uint32, error) {
	b, err := c.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadU64 reads a little-endian uint64.
func (c *Cursor) ReadU64() (uint64, error) {
	b, err := c.ReadBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadCString reads bytes up to and including the next NUL terminator,
// returning the string without the terminator. It fails if no NUL is found
// before the buffer ends.
func (c *Cursor) ReadCString() (string, error) {
	start := c.pos
	for c.pos < len(c.buf) {
		if c.buf[c.pos] == 0 {
			s := string(c.buf[start:c.pos])
			c.pos++
			return s, nil
		}
		c.pos++
	}
	c.pos = start
	return "", ErrShortRead
}

// AlignUp advances the cursor to the next multiple of n relative to the
// start of the buffer.
func (c *Cursor) AlignUp(n int) {
	if rem := c.pos % n; rem != 0 {
		c.pos += n - rem
	}
}
