package patch

import "crypto/md5"

// GapDigest computes the MD5 digest of buf, skipping every byte range
// already covered by a patch in the (sorted) set. The result is a function
// only of the bytes that will be left untouched by Apply, which is what
// makes a content-defined PDB signature reproducible: two source-identical
// builds produce identical unpatched bytes even though the patched fields
// (timestamps, GUIDs) differ run to run until this digest is folded back in
// as one of the patches.
func (s *Set) GapDigest(buf []byte) [16]byte {
	h := md5.New()
	for _, g := range s.Gaps(len(buf)) {
		h.Write(buf[g[0]:g[1]])
	}
	var sum [16]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
