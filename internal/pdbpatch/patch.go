// Package pdbpatch rewrites the handful of PDB 7.00 streams that carry
// non-deterministic content between otherwise identical builds: the
// header stream's timestamp/age/signature, the DBI stream's age and its
// substreams' struct-alignment padding, the symbol records and public
// symbol streams' uninitialized trailers, and every file name that
// embeds a volatile GUID.
package pdbpatch

import "github.com/jtang613/pdbrepro/internal/msf"

const (
	streamTableIndex  = 0
	headerStreamIndex = 1
	dbiStreamIndex    = 3
)

// invalidStreamIndex is the PDB convention for "no such stream": the value
// a DBI stream-index field holds when that stream is not present.
const invalidStreamIndex = 0xFFFF

// Patch rewrites f's header, DBI, symbol-record, public-symbol, and
// manifest-module streams (plus their named "/LinkInfo" and "/names"
// companions) in place, and returns the complete, ready-to-write stream
// list for msf.Write -- every stream index from 0 to f.NumStreams(),
// either passed through unchanged or replaced with a patched copy.
//
// hasImageCV, imageSig, and imageAge come from the paired image's
// CodeView debug directory entry; patching fails if they don't match
// this PDB's own recorded signature, a preflight check performed before
// touching anything.
func Patch(f *msf.File, hasImageCV bool, imageSig [16]byte, imageAge uint32, timestamp uint32, newSignature [16]byte) ([]msf.StreamView, error) {
	n := f.NumStreams()
	streams := make([]msf.StreamView, n)
	for i := 0; i < n; i++ {
		sv, err := f.Stream(i)
		if err != nil {
			return nil, err
		}
		streams[i] = sv
	}

	// The old stream table is never read back; discard it so Write
	// doesn't serialize stale page lists for it.
	streams[streamTableIndex] = msf.NewMemStream(nil)

	headerData, err := readStream(f, headerStreamIndex)
	if err != nil {
		return nil, err
	}
	header := msf.NewMemStream(headerData)
	headerBuf := header.Data()

	hdrResult, err := patchHeaderStream(headerBuf, hasImageCV, imageSig, imageAge, timestamp, newSignature)
	if err != nil {
		return nil, err
	}
	streams[headerStreamIndex] = header

	if idx, ok := hdrResult.namedStreams["/LinkInfo"]; ok {
		data, err := readStream(f, int(idx))
		if err != nil {
			return nil, err
		}
		patched, err := patchLinkInfoStream(data)
		if err != nil {
			return nil, err
		}
		streams[idx] = msf.NewMemStream(patched)
	}

	if idx, ok := hdrResult.namedStreams["/names"]; ok {
		data, err := readStream(f, int(idx))
		if err != nil {
			return nil, err
		}
		names := msf.NewMemStream(data)
		if err := patchNamesStream(names.Data()); err != nil {
			return nil, err
		}
		streams[idx] = names
	}

	dbiData, err := readStream(f, dbiStreamIndex)
	if err != nil {
		return nil, err
	}
	if dbiData != nil {
		dbi := msf.NewMemStream(dbiData)
		dbiResult, err := patchDbiStream(dbi.Data())
		if err != nil {
			return nil, err
		}
		streams[dbiStreamIndex] = dbi

		if dbiResult.manifestModuleStream != invalidStreamIndex {
			data, err := readStream(f, int(dbiResult.manifestModuleStream))
			if err != nil {
				return nil, err
			}
			mod := msf.NewMemStream(data)
			if err := patchModuleStream(mod.Data()); err != nil {
				return nil, err
			}
			streams[dbiResult.manifestModuleStream] = mod
		}

		if dbiResult.symbolRecordsStream != invalidStreamIndex {
			data, err := readStream(f, int(dbiResult.symbolRecordsStream))
			if err != nil {
				return nil, err
			}
			symRec := msf.NewMemStream(data)
			if err := patchSymbolRecordsStream(symRec.Data()); err != nil {
				return nil, err
			}
			streams[dbiResult.symbolRecordsStream] = symRec
		}

		if dbiResult.publicSymbolStream != invalidStreamIndex {
			data, err := readStream(f, int(dbiResult.publicSymbolStream))
			if err != nil {
				return nil, err
			}
			pubSym := msf.NewMemStream(data)
			if err := patchPublicSymbolStream(pubSym.Data()); err != nil {
				return nil, err
			}
			streams[dbiResult.publicSymbolStream] = pubSym
		}
	}

	return streams, nil
}

func readStream(f *msf.File, idx int) ([]byte, error) {
	if idx < 0 || idx >= f.NumStreams() {
		return nil, nil
	}
	sv, err := f.Stream(idx)
	if err != nil {
		return nil, err
	}
	return sv.ReadAll(), nil
}
