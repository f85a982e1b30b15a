// Package pdbdump is a read-only diagnostic over the same MSF reader the
// rewriter uses: it exists to inspect a PDB's streams and DBI modules
// without ever mutating them, which is useful for diffing two PDBs to see
// whether a rebuild actually landed as reproducible.
package pdbdump

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/jtang613/pdbrepro/internal/msf"
)

// Info summarizes the MSF container and PDB header stream.
type Info struct {
	Streams      int               `json:"streams"`
	PageSize     uint32            `json:"page_size"`
	PageCount    uint32            `json:"page_count"`
	Version      uint32            `json:"version"`
	Timestamp    uint32            `json:"timestamp"`
	Age          uint32            `json:"age"`
	GUID         string            `json:"guid"`
	NamedStreams map[string]uint32 `json:"named_streams"`
}

// Module describes one DBI module-info entry.
type Module struct {
	Name       string `json:"name"`
	ObjectName string `json:"object_name"`
	Stream     uint16 `json:"stream"`
}

// Dump holds an opened PDB's MSF container for read-only inspection.
type Dump struct {
	f   *os.File
	msf *msf.File
}

// Open opens the PDB file at path and parses its MSF container. The
// returned Dump must be closed by the caller.
func Open(path string) (*Dump, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	m, err := msf.Open(f, fi.Size())
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Dump{f: f, msf: m}, nil
}

// Close releases the underlying file handle.
func (d *Dump) Close() error {
	return d.f.Close()
}

// StreamSizes returns the byte length of every stream in the container,
// in index order.
func (d *Dump) StreamSizes() ([]int, error) {
	sizes := make([]int, d.msf.NumStreams())
	for i := range sizes {
		sv, err := d.msf.Stream(i)
		if err != nil {
			return nil, err
		}
		sizes[i] = sv.Length()
	}
	return sizes, nil
}

const (
	headerFixedSize = 28
	dbiHeaderSize   = 64
)

// Info parses the PDB header stream (#1): version, timestamp, age, GUID,
// and the name map table of named streams ("/names", "/LinkInfo", ...).
func (d *Dump) Info() (*Info, error) {
	info := &Info{
		Streams:      d.msf.NumStreams(),
		PageSize:     d.msf.PageSize(),
		PageCount:    d.msf.PageCount(),
		NamedStreams: map[string]uint32{},
	}

	if d.msf.NumStreams() <= 1 {
		return info, nil
	}
	sv, err := d.msf.Stream(1)
	if err != nil {
		return nil, err
	}
	data := sv.ReadAll()
	if len(data) < headerFixedSize {
		return info, nil
	}

	info.Version = binary.LittleEndian.Uint32(data[0:4])
	info.Timestamp = binary.LittleEndian.Uint32(data[4:8])
	info.Age = binary.LittleEndian.Uint32(data[8:12])
	info.GUID = guidString(data[12:28])

	table, err := readNameMap(data[headerFixedSize:])
	if err == nil {
		info.NamedStreams = table
	}

	return info, nil
}

// Modules parses the DBI stream (#3) module-info substream and returns
// each module's name, object file, and owning stream index.
func (d *Dump) Modules() ([]Module, error) {
	if d.msf.NumStreams() <= 3 {
		return nil, nil
	}
	sv, err := d.msf.Stream(3)
	if err != nil {
		return nil, err
	}
	data := sv.ReadAll()
	if len(data) < dbiHeaderSize {
		return nil, fmt.Errorf("pdbdump: DBI stream too small: %d bytes", len(data))
	}

	modInfoSize := binary.LittleEndian.Uint32(data[24:28])
	if dbiHeaderSize+int(modInfoSize) > len(data) {
		return nil, fmt.Errorf("pdbdump: DBI module info size exceeds stream length")
	}
	region := data[dbiHeaderSize : dbiHeaderSize+int(modInfoSize)]

	var modules []Module
	const fixedSize = 64
	i := 0
	for i < len(region) {
		if len(region)-i < fixedSize {
			break
		}
		entry := region[i:]
		stream := binary.LittleEndian.Uint16(entry[34:36])

		names := entry[fixedSize:]
		nameEnd := bytes.IndexByte(names, 0)
		if nameEnd == -1 {
			break
		}
		name := string(names[:nameEnd])

		objStart := nameEnd + 1
		if objStart > len(names) {
			break
		}
		objEnd := bytes.IndexByte(names[objStart:], 0)
		if objEnd == -1 {
			break
		}
		objName := string(names[objStart : objStart+objEnd])

		modules = append(modules, Module{Name: name, ObjectName: objName, Stream: stream})

		entrySize := fixedSize + objStart + objEnd + 1
		entrySize = (entrySize + 3) &^ 3
		i += entrySize
	}

	return modules, nil
}

func readNameMap(data []byte) (map[string]uint32, error) {
	pos := 0
	need := func(n int) bool { return len(data)-pos >= n }

	if !need(4) {
		return nil, fmt.Errorf("pdbdump: missing name map")
	}
	stringsLen := binary.LittleEndian.Uint32(data[pos : pos+4])
	pos += 4
	if !need(int(stringsLen)) {
		return nil, fmt.Errorf("pdbdump: truncated name map strings")
	}
	strings := data[pos : pos+int(stringsLen)]
	pos += int(stringsLen)

	if !need(8) {
		return nil, fmt.Errorf("pdbdump: missing name map cardinality")
	}
	elemCount := binary.LittleEndian.Uint32(data[pos : pos+4])
	pos += 8

	if !need(4) {
		return nil, fmt.Errorf("pdbdump: missing present bitset length")
	}
	presentLen := binary.LittleEndian.Uint32(data[pos : pos+4])
	pos += 4
	if !need(int(presentLen) * 4) {
		return nil, fmt.Errorf("pdbdump: truncated present bitset")
	}
	pos += int(presentLen) * 4

	if !need(4) {
		return nil, fmt.Errorf("pdbdump: missing deleted bitset length")
	}
	deletedLen := binary.LittleEndian.Uint32(data[pos : pos+4])
	pos += 4
	if !need(int(deletedLen) * 4) {
		return nil, fmt.Errorf("pdbdump: truncated deleted bitset")
	}
	pos += int(deletedLen) * 4

	if !need(int(elemCount) * 8) {
		return nil, fmt.Errorf("pdbdump: truncated name map pairs")
	}

	table := make(map[string]uint32, elemCount)
	for i := uint32(0); i < elemCount; i++ {
		off := binary.LittleEndian.Uint32(data[pos : pos+4])
		stream := binary.LittleEndian.Uint32(data[pos+4 : pos+8])
		pos += 8
		if off >= stringsLen {
			continue
		}
		end := bytes.IndexByte(strings[off:], 0)
		if end == -1 {
			continue
		}
		table[string(strings[off:off+uint32(end)])] = stream
	}
	return table, nil
}

func guidString(g []byte) string {
	return fmt.Sprintf("{%08X-%04X-%04X-%02X%02X-%02X%02X%02X%02X%02X%02X}",
		binary.LittleEndian.Uint32(g[0:4]),
		binary.LittleEndian.Uint16(g[4:6]),
		binary.LittleEndian.Uint16(g[6:8]),
		g[8], g[9], g[10], g[11], g[12], g[13], g[14], g[15])
}
