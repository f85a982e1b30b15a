// Package ilk opportunistically rewrites the old PDB signature embedded in
// a linker-generated .ilk incremental-link database, so that incremental
// linking against the newly repatched PDB doesn't fail on a signature
// mismatch.
package ilk

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/jtang613/pdbrepro/internal/mmapfile"
)

// Patch locates the .ilk file adjacent to imagePath (same path, extension
// replaced with ".ilk"), and replaces the first occurrence of oldSignature
// with newSignature. If the .ilk file does not exist, Patch is a silent
// no-op -- not every linked image has one.
//
// dryRun mirrors the driver's own dry-run contract: the file is mapped and
// scanned, but never written.
func Patch(imagePath string, oldSignature, newSignature [16]byte, dryRun bool) (found bool, err error) {
	ilkPath := replaceExt(imagePath, ".ilk")

	im, err := mmapfile.OpenOptional(ilkPath)
	if err != nil {
		return false, err
	}
	if im == nil {
		return false, nil
	}
	defer im.Close()

	buf := im.Bytes()
	idx := bytes.Index(buf, oldSignature[:])
	if idx < 0 {
		return false, nil
	}

	if !dryRun {
		copy(buf[idx:idx+16], newSignature[:])
	}
	return true, nil
}

func replaceExt(path, ext string) string {
	trimmed := strings.TrimSuffix(path, filepath.Ext(path))
	return trimmed + ext
}
