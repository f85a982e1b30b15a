package msf

import "io"

// freePageMap is a bitmap of page_count bits, one bit per page: 1 means
// free, 0 means used. Padding bits beyond page_count in the final byte are
// marked free, matching the reference implementation's convention.
type freePageMap struct {
	data []byte
}

func newFreePageMap(pageCount uint32) *freePageMap {
	n := (int(pageCount) + 7) / 8
	data := make([]byte, n)

	if leftover := n*8 - int(pageCount); leftover > 0 {
		mask := byte(0xFF >> uint(leftover))
		data[n-1] |= ^mask
	}

	return &freePageMap{data: data}
}

func (fpm *freePageMap) setFree(page uint32) {
	fpm.data[page/8] |= 1 << (page % 8)
}

// write spreads the bitmap across the file at every primary FPM position
// (page 1, then every page_size pages after that), pageSize bytes at a
// time. The secondary FPM page of each pair (position 2, 2+page_size, ...)
// is deliberately left untouched -- it stays zero from the preamble, as
// Microsoft's own writer leaves it as scratch space for atomic commits.
// The trailing partial chunk, if any, is padded with 0xFF.
func (fpm *freePageMap) write(w io.WriteSeeker, pageSize uint32) error {
	page := int64(1)
	data := fpm.data
	chunks := len(data) / int(pageSize)

	for i := 0; i < chunks; i++ {
		if _, err := w.Seek(page*int64(pageSize), io.SeekStart); err != nil {
			return err
		}
		if _, err := w.Write(data[i*int(pageSize) : (i+1)*int(pageSize)]); err != nil {
			return err
		}
		page += int64(pageSize)
	}

	if leftover := len(data) % int(pageSize); leftover != 0 {
		if _, err := w.Seek(page*int64(pageSize), io.SeekStart); err != nil {
			return err
		}
		chunkStart := chunks * int(pageSize)
		if _, err := w.Write(data[chunkStart:]); err != nil {
			return err
		}
		ones := make([]byte, int(pageSize)-leftover)
		for i := range ones {
			ones[i] = 0xFF
		}
		if _, err := w.Write(ones); err != nil {
			return err
		}
	}

	return nil
}
