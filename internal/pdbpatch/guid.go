package pdbpatch

import "regexp"

// nullGUIDText is the literal the first GUID found in a file name is
// replaced with. It is exactly 38 bytes, matching guidPattern, so the
// replacement never changes the length of the string it lives in.
const nullGUIDText = "{00000000-0000-0000-0000-000000000000}"

var guidPattern = regexp.MustCompile(`\{[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\}`)

// normalizeFileNameGUID replaces the first braced GUID found in name with
// the null GUID, in place. Temporary object and manifest file names emitted
// by the linker embed a fresh GUID on every build; this is what makes
// those names reproducible. Names with no GUID are left untouched.
func normalizeFileNameGUID(name []byte) {
	loc := guidPattern.FindIndex(name)
	if loc == nil {
		return
	}
	copy(name[loc[0]:loc[1]], nullGUIDText)
}
