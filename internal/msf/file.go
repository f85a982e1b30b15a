// Package msf implements the MSF (MultiStream File) container format that
// every PDB 7.00 file is wrapped in: a page-indirected layout with a
// stream-table-of-stream-tables, read and written independently of what the
// streams themselves mean.
package msf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// File is an opened MSF container: its superblock plus the fully resolved
// list of streams.
type File struct {
	r          io.ReaderAt
	superBlock *SuperBlock
	streamDir  streamDirectory
	streams    []*fileStreamView
}

type streamDirectory struct {
	numStreams   uint32
	streamSizes  []uint32
	streamBlocks [][]uint32
}

// Open parses the MSF container backed by r, whose total length must be
// size bytes. The whole parse is atomic: on any error, no *File is
// returned.
//
// The header at offset 0 is immediately followed (flat, not through any
// further page indirection) by an array of page numbers -- the pages that
// hold the *page list* of the real stream table stream. That page list, in
// turn, names the pages holding the stream table's own serialized bytes.
// This double indirection exists so that a stream table too large for one
// page can still be located from a small, fixed-size root array.
func Open(r io.ReaderAt, size int64) (*File, error) {
	hdr := make([]byte, HeaderSize)
	if _, err := r.ReadAt(hdr, 0); err != nil {
		return nil, invalidMsf("invalid MSF header", err)
	}

	sb, err := parseSuperBlock(hdr, size)
	if err != nil {
		return nil, invalidMsf("invalid MSF header", err)
	}

	f := &File{r: r, superBlock: sb}

	stPageCount := sb.StreamTablePageCount()

	rootBuf := make([]byte, int(stPageCount)*4)
	if len(rootBuf) > 0 {
		if _, err := r.ReadAt(rootBuf, int64(HeaderSize)); err != nil {
			return nil, invalidMsf("failed to read root stream table page list", err)
		}
	}
	rootPages, err := decodeU32s(rootBuf)
	if err != nil {
		return nil, invalidMsf("failed to decode root stream table page list", err)
	}

	// The root pages, read as a stream, yield the real stream table's page
	// list.
	metaStream := &fileStreamView{file: f, size: len(rootBuf), blocks: rootPages, pageSize: int(sb.PageSize)}
	streamTablePages, err := decodeU32s(metaStream.ReadAll())
	if err != nil {
		return nil, invalidMsf("failed to decode stream table page list", err)
	}

	stStream := &fileStreamView{file: f, size: int(sb.StreamTableSize), blocks: streamTablePages, pageSize: int(sb.PageSize)}
	dirData := stStream.ReadAll()
	if len(dirData) != int(sb.StreamTableSize) {
		return nil, invalidMsf("stream table truncated", ErrTruncated)
	}

	if err := f.parseStreamDirectory(dirData); err != nil {
		return nil, invalidMsf("failed to parse stream directory", err)
	}

	f.buildStreams()
	return f, nil
}

func decodeU32s(buf []byte) ([]uint32, error) {
	if len(buf)%4 != 0 {
		return nil, ErrTruncated
	}
	out := make([]uint32, len(buf)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}
	return out, nil
}

// PageSize returns the container's page size.
func (f *File) PageSize() uint32 {
	return f.superBlock.PageSize
}

// PageCount returns the container's total page count.
func (f *File) PageCount() uint32 {
	return f.superBlock.PageCount
}

// NumStreams returns the number of streams in the container, including
// stream 0 (the old stream table).
func (f *File) NumStreams() int {
	return len(f.streams)
}

// Stream returns a read-only view over the stream at index i.
func (f *File) Stream(i int) (StreamView, error) {
	if i < 0 || i >= len(f.streams) {
		return nil, fmt.Errorf("msf: stream index %d out of range [0, %d)", i, len(f.streams))
	}
	return f.streams[i], nil
}

// ReadAllFromFile materializes the given file-backed stream index into a
// fresh mutable copy: the standard entry point for "the driver borrows a
// file-backed view to instantiate a memory-backed copy for each stream it
// intends to mutate."
func (f *File) ReadAllFromFile(index int) (MutableStreamView, error) {
	sv, err := f.Stream(index)
	if err != nil {
		return nil, err
	}
	return NewMemStream(sv.ReadAll()), nil
}

// readAt satisfies reads issued by fileStreamView.
func (f *File) readAt(p []byte, off int64) (int, error) {
	return f.r.ReadAt(p, off)
}

func (f *File) parseStreamDirectory(data []byte) error {
	r := bytes.NewReader(data)

	var numStreams uint32
	if err := binary.Read(r, binary.LittleEndian, &numStreams); err != nil {
		return err
	}

	streamSizes := make([]uint32, numStreams)
	if numStreams > 0 {
		if err := binary.Read(r, binary.LittleEndian, streamSizes); err != nil {
			return err
		}
	}

	pageSize := f.superBlock.PageSize
	streamBlocks := make([][]uint32, numStreams)
	for i, size := range streamSizes {
		// Quirk of the producer: 0xFFFFFFFF marks a deleted/invalid stream.
		// Treat it as zero-length rather than propagating an error, or
		// every later stream index would be off by the blocks it would
		// otherwise have consumed.
		if size == 0xFFFFFFFF {
			streamSizes[i] = 0
			continue
		}
		numBlocks := ceilDiv(size, pageSize)
		blocks := make([]uint32, numBlocks)
		if numBlocks > 0 {
			if err := binary.Read(r, binary.LittleEndian, blocks); err != nil {
				return err
			}
		}
		streamBlocks[i] = blocks
	}

	f.streamDir = streamDirectory{
		numStreams:   numStreams,
		streamSizes:  streamSizes,
		streamBlocks: streamBlocks,
	}
	return nil
}

func (f *File) buildStreams() {
	f.streams = make([]*fileStreamView, f.streamDir.numStreams)
	for i := range f.streams {
		f.streams[i] = &fileStreamView{
			file:     f,
			size:     int(f.streamDir.streamSizes[i]),
			blocks:   f.streamDir.streamBlocks[i],
			pageSize: int(f.superBlock.PageSize),
		}
	}
}
