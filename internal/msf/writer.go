package msf

import (
	"encoding/binary"
	"io"
)

// Write serializes streams into a fresh MSF container at w. streams[0] is
// conventionally the old stream table, discarded by convention -- callers
// that have nothing to keep there should pass an empty stream; its page
// list becomes irrelevant and its pages (zero of them) are marked free
// along with the rest.
//
// Layout, in page-emission order:
//  1. four blank preamble pages: header, two FPM slots, one reserved page.
//  2. each stream's pages, in index order, zero-padded to page size. A
//     page position reserved for the FPM (page & (page_size-1) ∈ {1,2}) is
//     skipped by inserting two blank pages first.
//  3. the newly built stream table, written as a stream of its own.
//  4. that stream's page list, written as a stream of its own -- this is
//     the root array that the header points at directly.
//  5. the header plus the root array, written back at offset 0.
//  6. the Free Page Map, built from the accumulated set of free pages.
func Write(w io.WriteSeeker, streams []StreamView) error {
	ww := &writer{w: w, pageSize: DefaultPageSize}

	for i := 0; i < 4; i++ {
		if err := ww.writeBlankPage(); err != nil {
			return invalidMsf("failed writing MSF preamble", err)
		}
	}

	streamSizes := make([]uint32, len(streams))
	streamPages := make([][]uint32, len(streams))
	var freePages []uint32

	for i, s := range streams {
		data := s.ReadAll()
		streamSizes[i] = uint32(len(data))

		pages, err := ww.writeRawStream(data)
		if err != nil {
			return invalidMsf("failed writing stream", err)
		}
		streamPages[i] = pages

		if i == 0 {
			freePages = append(freePages, pages...)
		}
	}

	streamTable := make([]uint32, 0, 1+2*len(streams))
	streamTable = append(streamTable, uint32(len(streams)))
	streamTable = append(streamTable, streamSizes...)
	for _, pages := range streamPages {
		streamTable = append(streamTable, pages...)
	}

	stBytes := encodeU32s(streamTable)
	stPages, err := ww.writeRawStream(stBytes)
	if err != nil {
		return invalidMsf("failed writing stream table", err)
	}

	// stPages (the page list of the raw stream table) is itself written as
	// a stream; the pages *that* lands on become the root array the header
	// points at directly.
	ppBytes := encodeU32s(stPages)
	ppPages, err := ww.writeRawStream(ppBytes)
	if err != nil {
		return invalidMsf("failed writing stream table page list", err)
	}

	rootBytes := encodeU32s(ppPages)
	if len(rootBytes) > int(ww.pageSize)-HeaderSize {
		return invalidMsf("root stream table pages are too large to fit in one page", nil)
	}

	sb := SuperBlock{
		PageSize:         ww.pageSize,
		FreePageMapIndex: 1,
		PageCount:        ww.nextPage,
		StreamTableSize:  uint32(len(stBytes)),
	}
	copy(sb.Magic[:], Magic)

	if _, err := w.Seek(0, io.SeekStart); err != nil {
		return invalidMsf("failed seeking to MSF header", err)
	}
	if _, err := w.Write(sb.encode()); err != nil {
		return invalidMsf("failed writing MSF header", err)
	}
	if _, err := w.Write(rootBytes); err != nil {
		return invalidMsf("failed writing root stream table page list", err)
	}

	fpm := newFreePageMap(ww.nextPage)
	fpm.setFree(3)
	for _, p := range freePages {
		fpm.setFree(p)
	}
	if err := fpm.write(w, ww.pageSize); err != nil {
		return invalidMsf("failed writing free page map", err)
	}

	return nil
}

func encodeU32s(vals []uint32) []byte {
	buf := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], v)
	}
	return buf
}

type writer struct {
	w        io.Writer
	pageSize uint32
	nextPage uint32
}

func (ww *writer) writeBlankPage() error {
	if _, err := ww.w.Write(make([]byte, ww.pageSize)); err != nil {
		return err
	}
	ww.nextPage++
	return nil
}

// allocPage ensures the next page to be emitted does not fall on a
// reserved FPM position, inserting blank pages first if it would, and
// returns the page index that the caller's real data will occupy.
func (ww *writer) allocPage() (uint32, error) {
	for IsFPMPosition(ww.nextPage, ww.pageSize) {
		if err := ww.writeBlankPage(); err != nil {
			return 0, err
		}
	}
	return ww.nextPage, nil
}

func (ww *writer) writeRawStream(data []byte) ([]uint32, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var pages []uint32
	for off := 0; off < len(data); off += int(ww.pageSize) {
		page, err := ww.allocPage()
		if err != nil {
			return nil, err
		}

		end := off + int(ww.pageSize)
		if end > len(data) {
			end = len(data)
		}

		buf := make([]byte, ww.pageSize)
		copy(buf, data[off:end])
		if _, err := ww.w.Write(buf); err != nil {
			return nil, err
		}
		ww.nextPage++
		pages = append(pages, page)
	}
	return pages, nil
}
