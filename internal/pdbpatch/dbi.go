package pdbpatch

import "encoding/binary"

const dbiHeaderSize = 64
const dbiHeaderSignature = 0xFFFFFFFF
const dbiVersionV70 = 19990903

const (
	dbiAge                     = 8
	dbiGlobalSymbolStream      = 12
	dbiPublicSymbolStream      = 16
	dbiSymbolRecordsStream     = 20
	dbiGpModInfoSize           = 24
	dbiSectionContributionSize = 28
	dbiSectionMapSize          = 32
	dbiFileInfoSize            = 36
	dbiTypeServerMapSize       = 40
	dbiDebugHeaderSize         = 48
	dbiEcInfoSize              = 52
)

const (
	scVersionV1 = 0xeffe0000 + 19970605
	scVersionV2 = 0xeffe0000 + 20140516

	sectionContribSize   = 28 // v1 entry
	sectionContribV2Size = 32 // v2 entry: adds a trailing ISectCoff field
)

const moduleInfoFixedSize = 64 // through pdbFileIndex, before the NUL-terminated names

const manifestModuleName = "* Linker Generated Manifest RES *"

// dbiResult reports the streams outside the DBI stream itself that the
// driver still needs to locate and patch.
type dbiResult struct {
	symbolRecordsStream uint16
	publicSymbolStream  uint16
	// manifestModuleStream is the stream index of the module info entry
	// named "* Linker Generated Manifest RES *" with an empty object name,
	// or 0xFFFF if no such module exists.
	manifestModuleStream uint16
}

// patchDbiStream rewrites the DBI stream's age field and zeros the struct
// padding left uninitialized throughout its module-info and
// section-contribution substreams, then normalizes the GUIDs embedded in
// its file-info substream's source/header file names.
//
// data is mutated in place. The caller is still responsible for fetching
// and patching the symbol records stream, public symbol stream, and
// manifest module stream named in the returned dbiResult.
func patchDbiStream(data []byte) (*dbiResult, error) {
	if len(data) < dbiHeaderSize {
		return nil, invalidPdb("DBI stream too short")
	}

	signature := binary.LittleEndian.Uint32(data[0:4])
	if signature != dbiHeaderSignature {
		return nil, invalidPdb("invalid DBI header signature")
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	if version != dbiVersionV70 {
		return nil, invalidPdb("unsupported DBI stream version")
	}

	binary.LittleEndian.PutUint32(data[dbiAge:dbiAge+4], 1)

	result := &dbiResult{
		symbolRecordsStream:  binary.LittleEndian.Uint16(data[dbiSymbolRecordsStream : dbiSymbolRecordsStream+2]),
		publicSymbolStream:   binary.LittleEndian.Uint16(data[dbiPublicSymbolStream : dbiPublicSymbolStream+2]),
		manifestModuleStream: 0xFFFF,
	}

	modInfoSize := binary.LittleEndian.Uint32(data[dbiGpModInfoSize : dbiGpModInfoSize+4])
	secContribSize := binary.LittleEndian.Uint32(data[dbiSectionContributionSize : dbiSectionContributionSize+4])
	sectionMapSize := binary.LittleEndian.Uint32(data[dbiSectionMapSize : dbiSectionMapSize+4])
	fileInfoSize := binary.LittleEndian.Uint32(data[dbiFileInfoSize : dbiFileInfoSize+4])
	typeServerMapSize := binary.LittleEndian.Uint32(data[dbiTypeServerMapSize : dbiTypeServerMapSize+4])
	ecInfoSize := binary.LittleEndian.Uint32(data[dbiEcInfoSize : dbiEcInfoSize+4])
	debugHeaderSize := binary.LittleEndian.Uint32(data[dbiDebugHeaderSize : dbiDebugHeaderSize+4])
	_ = typeServerMapSize
	_ = ecInfoSize
	_ = debugHeaderSize

	offset := dbiHeaderSize
	if offset+int(modInfoSize) > len(data) {
		return nil, invalidPdb("DBI module info size exceeds stream length")
	}

	moduleCount, err := patchModuleInfoSubstream(data[offset:offset+int(modInfoSize)], result)
	if err != nil {
		return nil, err
	}
	offset += int(modInfoSize)

	if offset+int(secContribSize) > len(data) {
		return nil, invalidPdb("DBI section contributions size exceeds stream length")
	}
	if secContribSize > 0 {
		if err := patchSectionContribSubstream(data[offset : offset+int(secContribSize)]); err != nil {
			return nil, err
		}
	}
	offset += int(secContribSize)

	offset += int(sectionMapSize)

	if fileInfoSize > 0 {
		if offset+int(fileInfoSize) > len(data) {
			return nil, invalidPdb("missing file info in DBI stream")
		}
		if err := patchFileInfoSubstream(data[offset:offset+int(fileInfoSize)], moduleCount); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// patchModuleInfoSubstream walks the fixed+variable ModuleInfo entries,
// zeroing their struct-alignment padding and the unused "offsets" field,
// and records the stream index of the linker manifest module (identified
// by name, since its position in the list isn't fixed).
func patchModuleInfoSubstream(data []byte, result *dbiResult) (moduleCount int, err error) {
	i := 0
	for i < len(data) {
		if len(data)-i < moduleInfoFixedSize {
			return 0, invalidPdb("got partial DBI module info")
		}

		entry := data[i:]

		// SectionContribution.padding1 @ offset 4+2, .padding2 @ offset 4+18
		binary.LittleEndian.PutUint16(entry[6:8], 0)
		binary.LittleEndian.PutUint16(entry[22:24], 0)

		// The "offsets" field (@52) is never read back by Microsoft's own
		// DBI implementation and may hold a stale in-memory pointer value.
		binary.LittleEndian.PutUint32(entry[52:56], 0)

		moduleStream := binary.LittleEndian.Uint16(entry[34:36])

		names := entry[moduleInfoFixedSize:]
		modNameEnd := indexByte(names, 0)
		if modNameEnd == -1 {
			return 0, invalidPdb("got partial DBI module info")
		}
		moduleName := string(names[:modNameEnd])

		objNameStart := modNameEnd + 1
		if objNameStart > len(names) {
			return 0, invalidPdb("got partial DBI module info")
		}
		objNameEnd := indexByte(names[objNameStart:], 0)
		if objNameEnd == -1 {
			return 0, invalidPdb("got partial DBI module info")
		}
		objectName := string(names[objNameStart : objNameStart+objNameEnd])

		if moduleName == manifestModuleName && objectName == "" {
			result.manifestModuleStream = moduleStream
		}

		entrySize := moduleInfoFixedSize + objNameStart + objNameEnd + 1
		entrySize = (entrySize + 3) &^ 3

		i += entrySize
		moduleCount++
	}
	return moduleCount, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// patchSectionContribSubstream zeros the struct-alignment padding fields
// of every SectionContribution entry; Microsoft's DBI writer leaves them
// uninitialized.
func patchSectionContribSubstream(data []byte) error {
	if len(data) < 4 {
		return invalidPdb("got invalid section contribution substream version")
	}
	version := binary.LittleEndian.Uint32(data[0:4])

	entrySize := sectionContribSize
	switch version {
	case scVersionV1:
		entrySize = sectionContribSize
	case scVersionV2:
		entrySize = sectionContribV2Size
	default:
		return invalidPdb("got invalid section contribution substream version")
	}

	entries := data[4:]
	for off := 0; off+sectionContribSize <= len(entries); off += entrySize {
		// padding1 @ offset 2, padding2 @ offset 18
		binary.LittleEndian.PutUint16(entries[off+2:off+4], 0)
		binary.LittleEndian.PutUint16(entries[off+18:off+20], 0)
	}
	return nil
}

// patchFileInfoSubstream normalizes the GUIDs embedded in the source and
// header file names listed at the end of the DBI stream.
func patchFileInfoSubstream(data []byte, moduleCount int) error {
	const fileInfoHeaderSize = 4 // modiref(2) + modcref(2)

	p := fileInfoHeaderSize
	p += moduleCount * 2 // file indices array, unused

	if p+moduleCount*2 > len(data) {
		return invalidPdb("got partial file info in DBI stream")
	}
	fileCounts := make([]uint16, moduleCount)
	for i := 0; i < moduleCount; i++ {
		fileCounts[i] = binary.LittleEndian.Uint16(data[p+i*2 : p+i*2+2])
	}
	p += moduleCount * 2

	if p >= len(data) {
		return invalidPdb("got partial file info in DBI stream")
	}

	offsetCount := 0
	for _, c := range fileCounts {
		offsetCount += int(c)
	}

	if p+offsetCount*4 > len(data) {
		return invalidPdb("got partial file info in DBI stream")
	}
	offsets := make([]uint32, offsetCount)
	for i := 0; i < offsetCount; i++ {
		offsets[i] = binary.LittleEndian.Uint32(data[p+i*4 : p+i*4+4])
	}
	p += offsetCount * 4

	if p >= len(data) {
		return invalidPdb("got partial file info in DBI stream")
	}
	names := data[p:]

	for _, off := range offsets {
		if int(off) >= len(names) {
			return invalidPdb("invalid offset for file info name")
		}
		end := indexByte(names[off:], 0)
		if end == -1 {
			return invalidPdb("file name exceeds file info section size")
		}
		normalizeFileNameGUID(names[off : int(off)+end])
	}

	return nil
}
