// Package repro sequences the PE rewriter, the MSF reader/writer, and the
// PDB stream patchers into the single operation the rest of this
// repository exists to support: given one PE/PE+ image and, optionally,
// its paired PDB, rewrite every non-deterministic field in both files so
// that two builds of identical source produce byte-identical output.
package repro

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/jtang613/pdbrepro/internal/ilk"
	"github.com/jtang613/pdbrepro/internal/mmapfile"
	"github.com/jtang613/pdbrepro/internal/msf"
	"github.com/jtang613/pdbrepro/internal/patch"
	"github.com/jtang613/pdbrepro/internal/pdbpatch"
	"github.com/jtang613/pdbrepro/internal/pe"
)

// Options configures one PatchImage invocation.
type Options struct {
	// ImagePath is the PE/PE+ file to rewrite in place.
	ImagePath string
	// PdbPath is the paired PDB to rewrite, or "" to skip PDB patching.
	// The .ilk sidecar is patched whenever the image carries a CodeView
	// entry, whether or not PdbPath is set.
	PdbPath string
	// DryRun computes and reports every patch without writing anything:
	// the image is left untouched, and the PDB temp file is created then
	// deleted rather than renamed into place.
	DryRun bool
	// Logger receives one "Patching '<label>' at offset 0x<hex> (<n> bytes)"
	// line per non-skipped patch. Defaults to a logger that discards its
	// output.
	Logger *log.Logger
}

// PatchImage rewrites opts.ImagePath (and, if given, opts.PdbPath) in
// place, replacing every field enumerated in internal/pe and
// internal/pdbpatch with a deterministic substitute.
//
// The PDB's rewritten contents are fully written to a temporary file
// before any byte of the image is touched, so a PDB-side failure (a
// signature mismatch, a malformed DBI stream) leaves both files exactly
// as they were. The image's patches are applied only after that temp
// file exists; the temp file is renamed over the original PDB only after
// the image patches succeed, and the .ilk sidecar (if present) is
// patched last, since a missing or unpatched .ilk is not itself an
// error.
func PatchImage(opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	image, err := mmapfile.Open(opts.ImagePath)
	if err != nil {
		return fmt.Errorf("repro: opening image: %w", err)
	}
	defer image.Close()

	rewriter, err := pe.Parse(image.Bytes())
	if err != nil {
		return err
	}

	var ps patch.Set
	sigSlot, err := rewriter.EnumeratePatches(&ps)
	if err != nil {
		return err
	}
	ps.Sort()

	digest := ps.GapDigest(image.Bytes())
	if sigSlot != nil {
		copy(sigSlot, digest[:])
	}

	var pdbTmpPath string
	if opts.PdbPath != "" {
		pdbTmpPath, err = writePdbTemp(opts.PdbPath, rewriter, digest)
		if err != nil {
			return err
		}
	}

	entries, err := ps.Apply(image.Bytes(), opts.DryRun)
	if err != nil {
		if pdbTmpPath != "" {
			os.Remove(pdbTmpPath)
		}
		return fmt.Errorf("repro: applying image patches: %w", err)
	}
	for _, e := range entries {
		logger.Println(e.String())
	}

	if pdbTmpPath != "" {
		if err := commitPdbTemp(pdbTmpPath, opts.PdbPath, opts.DryRun, digest, logger); err != nil {
			return err
		}
	}

	if rewriter.HasCodeView() {
		oldSig := rewriter.CVInfo().Signature
		var newSig [16]byte
		copy(newSig[:], digest[:])
		found, err := ilk.Patch(opts.ImagePath, oldSig, newSig, opts.DryRun)
		if err != nil {
			return fmt.Errorf("repro: patching ilk: %w", err)
		}
		if found {
			logger.Printf("Replacing old PDB signature %s with %s in ILK file.",
				pe.FromWindowsArray(oldSig), pe.FromWindowsArray(newSig))
		}
	}

	return nil
}

// writePdbTemp rewrites pdbPath's streams to a sibling "<pdb>.tmp" file
// and returns its path, leaving both it and the original pdbPath in
// place. The caller commits the result with commitPdbTemp once it knows
// the rest of the operation will succeed; the original PDB is never
// touched until that commit. rewriter's CodeView record supplies the
// (age, signature) pair the PDB header must already match, and digest
// becomes the new PDB signature, the same value already registered as the
// CV_INFO_PDB70.Signature patch in the image's own patch set.
func writePdbTemp(pdbPath string, rewriter *pe.Rewriter, digest [16]byte) (tmpPath string, err error) {
	f, err := os.Open(pdbPath)
	if err != nil {
		return "", fmt.Errorf("repro: opening pdb: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("repro: statting pdb: %w", err)
	}

	msfFile, err := msf.Open(f, fi.Size())
	if err != nil {
		return "", err
	}

	cv := rewriter.CVInfo()
	streams, err := pdbpatch.Patch(msfFile, rewriter.HasCodeView(), cv.Signature, cv.Age, pe.Timestamp, digest)
	if err != nil {
		return "", err
	}

	tmpPath = pdbPath + ".tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("repro: creating temp pdb: %w", err)
	}

	writeErr := msf.Write(tmp, streams)
	closeErr := tmp.Close()

	if writeErr != nil {
		os.Remove(tmpPath)
		return "", writeErr
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("repro: closing temp pdb: %w", closeErr)
	}

	return tmpPath, nil
}

// commitPdbTemp is the single commit point for a PDB rewrite: it renames
// tmpPath over pdbPath, or deletes tmpPath without touching pdbPath on a
// dry run. Callers must only reach this after every other part of the
// operation (the image's own patches included) has already succeeded,
// since nothing upstream of this call can be undone once it returns nil.
func commitPdbTemp(tmpPath, pdbPath string, dryRun bool, digest [16]byte, logger *log.Logger) error {
	if dryRun {
		return os.Remove(tmpPath)
	}

	logger.Printf("Patching PDB signature to %s", pe.FromWindowsArray(digest))
	if err := os.Rename(tmpPath, pdbPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("repro: renaming temp pdb over original: %w", err)
	}
	return nil
}
