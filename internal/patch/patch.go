// Package patch implements the ordered, idempotent patch set shared by the
// PE rewriter and the PDB stream patchers.
package patch

import (
	"bytes"
	"fmt"
	"sort"
)

// Patch is a single byte-range replacement, recorded as an offset into a
// buffer rather than a pointer so the patch set stays detached from any one
// buffer's address and is trivially sortable.
type Patch struct {
	Offset uint64
	Length uint32
	Bytes  []byte
	Label  string
}

// Set is an ordered collection of patches against one buffer.
type Set struct {
	patches []Patch
}

// LogEntry describes one applied (non-skipped) patch, for callers that want
// to report progress as "Patching '<label>' at offset 0x<hex> (<n> bytes)"
// lines.
type LogEntry struct {
	Label  string
	Offset uint64
	Length uint32
}

func (e LogEntry) String() string {
	return fmt.Sprintf("Patching '%s' at offset 0x%x (%d bytes)", e.Label, e.Offset, e.Length)
}

// Add appends a patch with no validation. Overlapping patches are a
// programmer error; the set does not detect them.
func (s *Set) Add(offset uint64, data []byte, label string) {
	s.patches = append(s.patches, Patch{
		Offset: offset,
		Length: uint32(len(data)),
		Bytes:  data,
		Label:  label,
	})
}

// Len returns the number of patches currently held.
func (s *Set) Len() int {
	return len(s.patches)
}

// Patches returns the underlying patch slice in its current order.
func (s *Set) Patches() []Patch {
	return s.patches
}

// Sort orders the patches by (offset, length), stably.
func (s *Set) Sort() {
	sort.SliceStable(s.patches, func(i, j int) bool {
		a, b := s.patches[i], s.patches[j]
		if a.Offset != b.Offset {
			return a.Offset < b.Offset
		}
		return a.Length < b.Length
	})
}

// Apply copies every patch's bytes into buf at its recorded offset. A patch
// whose target bytes already equal its replacement is skipped silently (no
// log entry, no write) so that re-running the tool on already-correct
// output is a no-op. When dryRun is true, no bytes are written but the log
// entries still reflect what would have changed.
func (s *Set) Apply(buf []byte, dryRun bool) ([]LogEntry, error) {
	var entries []LogEntry
	for _, p := range s.patches {
		end := p.Offset + uint64(p.Length)
		if end > uint64(len(buf)) {
			return entries, fmt.Errorf("patch: %q: offset %d length %d exceeds buffer of %d bytes", p.Label, p.Offset, p.Length, len(buf))
		}

		dst := buf[p.Offset:end]
		if bytes.Equal(dst, p.Bytes) {
			continue
		}

		entries = append(entries, LogEntry{Label: p.Label, Offset: p.Offset, Length: p.Length})
		if !dryRun {
			copy(dst, p.Bytes)
		}
	}
	return entries, nil
}

// Gaps returns the byte ranges of buf not covered by any patch, in order.
// The patch set must already be sorted. This is used to feed the
// unpatched regions of an image into a hash for the deterministic PDB
// signature.
func (s *Set) Gaps(bufLen int) [][2]uint64 {
	var gaps [][2]uint64
	var cursor uint64
	for _, p := range s.patches {
		if p.Offset > cursor {
			gaps = append(gaps, [2]uint64{cursor, p.Offset})
		}
		end := p.Offset + uint64(p.Length)
		if end > cursor {
			cursor = end
		}
	}
	if cursor < uint64(bufLen) {
		gaps = append(gaps, [2]uint64{cursor, uint64(bufLen)})
	}
	return gaps
}
