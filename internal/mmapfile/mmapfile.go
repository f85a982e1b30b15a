// Package mmapfile gives the core a writable byte buffer backed by a file,
// with changes committed to disk on Close. It is the only place in this
// repository that talks to the operating system's virtual memory mapping.
package mmapfile

import (
	"os"

	"github.com/edsrzf/mmap-go"
)

// Image is a shared, read-write memory mapping of a file. Mutations to
// Bytes() are written back to disk when the image is closed.
type Image struct {
	f *os.File
	m mmap.MMap
}

// Open maps the file at path read-write. The file is not resized; its
// current length becomes the length of the returned byte slice.
func Open(path string) (*Image, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Image{f: f, m: m}, nil
}

// Bytes returns the mutable view onto the mapped file.
func (im *Image) Bytes() []byte {
	return im.m
}

// Len returns the length of the mapped region.
func (im *Image) Len() int {
	return len(im.m)
}

// Close flushes pending writes, unmaps the region, and closes the
// underlying file. It is safe to call once; subsequent calls are no-ops
// returning nil.
func (im *Image) Close() error {
	if im.m == nil {
		return nil
	}
	flushErr := im.m.Flush()
	unmapErr := im.m.Unmap()
	im.m = nil
	closeErr := im.f.Close()

	switch {
	case flushErr != nil:
		return flushErr
	case unmapErr != nil:
		return unmapErr
	default:
		return closeErr
	}
}

// OpenOptional behaves like Open, but returns (nil, nil) instead of an
// error when the file does not exist. This matches the ILK helper's
// "silently ignore if it does not exist" contract.
func OpenOptional(path string) (*Image, error) {
	im, err := Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return im, nil
}
