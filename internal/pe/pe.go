// Package pe parses just enough of the PE/PE+ (Portable Executable) image
// format to rewrite the handful of fields that make two otherwise-identical
// builds differ on disk: the file header timestamp, the optional header
// checksum, the export/resource/debug directory timestamps, and the
// CodeView record's PDB signature and age.
package pe

import (
	"encoding/binary"

	"github.com/jtang613/pdbrepro/internal/patch"
)

// Timestamp is the fixed TimeDateStamp value written to every field this
// package patches, chosen arbitrarily as 2010-01-01 00:00:00 UTC.
const Timestamp uint32 = 1262304000

// PdbAge is the fixed Age value written into the CodeView record and the
// paired PDB's header stream.
const PdbAge uint32 = 1

const (
	dosMagic   = 0x5A4D     // "MZ"
	peSigValue = 0x00004550 // "PE\0\0"

	e_lfanewOffset = 0x3C

	optHdr32Magic = 0x10B
	optHdr64Magic = 0x20B

	fileHeaderSize    = 20
	optHdr32Size      = 224
	optHdr64Size      = 240
	sectionHeaderSize = 40
	dataDirEntrySize  = 8
	debugDirSize      = 28
	cvInfoFixedSize   = 24 // CvSignature(4) + Signature(16) + Age(4)
	exportDirSize     = 40
	resourceDirSize   = 16

	dirExport   = 0
	dirResource = 2
	dirDebug    = 6

	debugTypeCodeView = 2
	cvSignaturePDB70  = 0x53445352 // "RSDS"
)

// field offsets within IMAGE_FILE_HEADER
const (
	fhNumberOfSections     = 2
	fhTimeDateStamp        = 4
	fhSizeOfOptionalHeader = 16
)

// field offsets shared by IMAGE_OPTIONAL_HEADER32/64 (identical up to and
// including CheckSum)
const (
	ohMagic          = 0
	ohCheckSum       = 64
	ohNumberOfDirs32 = 92
	ohDataDirs32     = 96
	ohNumberOfDirs64 = 108
	ohDataDirs64     = 112
)

// field offsets within IMAGE_SECTION_HEADER
const (
	shVirtualSize    = 8
	shVirtualAddress = 12
	shRawDataPointer = 20
)

// field offsets within IMAGE_DEBUG_DIRECTORY
const (
	ddTimeDateStamp  = 4
	ddType           = 12
	ddSizeOfData     = 16
	ddPointerRawData = 24
)

// Section is a resolved section header's address-translation fields.
type Section struct {
	VirtualAddress uint32
	VirtualSize    uint32
	RawPointer     uint32
}

// CVInfo is the parsed, fixed-size prefix of a CV_INFO_PDB70 record: the
// PDB signature GUID and age, captured before any patch is applied so the
// driver can compare them against the PDB file's own header.
type CVInfo struct {
	Signature [16]byte
	Age       uint32
}

// Rewriter holds a parsed PE/PE+ image and everything needed to translate
// RVAs and enumerate its deterministic-rebuild patches. It operates on buf
// in place; buf must remain valid for the Rewriter's lifetime.
type Rewriter struct {
	buf  []byte
	is64 bool

	fileHeaderOff int
	optHeaderOff  int
	numDataDirs   uint32
	sections      []Section

	// cvOff is the file offset of the CV_INFO_PDB70 record this image
	// points at, or -1 if the image carries no CodeView debug entry.
	cvOff      int
	cvOriginal CVInfo

	// debugDirBase is the file offset of the IMAGE_DEBUG_DIRECTORY array,
	// and debugDirCount the number of entries in it. debugDirBase is -1
	// if the image carries no debug data directory at all.
	debugDirBase  int
	debugDirCount int
}

// Parse validates and parses a PE/PE+ image held entirely in buf.
func Parse(buf []byte) (*Rewriter, error) {
	if len(buf) < 0x40 {
		return nil, invalidImage("file too small for a DOS header")
	}
	if binary.LittleEndian.Uint16(buf[0:2]) != dosMagic {
		return nil, invalidImage("missing MZ signature")
	}

	if len(buf) < e_lfanewOffset+4 {
		return nil, invalidImage("file too small for e_lfanew")
	}
	lfanew := int32(binary.LittleEndian.Uint32(buf[e_lfanewOffset : e_lfanewOffset+4]))
	if lfanew < 0 || int(lfanew)+4 > len(buf) {
		return nil, invalidImage("e_lfanew out of range")
	}

	peOff := int(lfanew)
	if binary.LittleEndian.Uint32(buf[peOff:peOff+4]) != peSigValue {
		return nil, invalidImage("missing PE signature")
	}

	fileHeaderOff := peOff + 4
	if fileHeaderOff+fileHeaderSize > len(buf) {
		return nil, invalidImage("file too small for IMAGE_FILE_HEADER")
	}

	numSections := int(binary.LittleEndian.Uint16(buf[fileHeaderOff+fhNumberOfSections : fileHeaderOff+fhNumberOfSections+2]))
	sizeOfOptHeader := int(binary.LittleEndian.Uint16(buf[fileHeaderOff+fhSizeOfOptionalHeader : fileHeaderOff+fhSizeOfOptionalHeader+2]))

	optHeaderOff := fileHeaderOff + fileHeaderSize
	if optHeaderOff+sizeOfOptHeader > len(buf) {
		return nil, invalidImage("file too small for IMAGE_OPTIONAL_HEADER")
	}
	if sizeOfOptHeader < 2 {
		return nil, invalidImage("optional header too small to hold a magic value")
	}

	magic := binary.LittleEndian.Uint16(buf[optHeaderOff : optHeaderOff+2])

	var is64 bool
	var numDataDirsOff int
	switch magic {
	case optHdr32Magic:
		is64 = false
		numDataDirsOff = optHeaderOff + ohNumberOfDirs32
	case optHdr64Magic:
		is64 = true
		numDataDirsOff = optHeaderOff + ohNumberOfDirs64
	default:
		return nil, invalidImage("unrecognized optional header magic")
	}
	if numDataDirsOff+4 > len(buf) {
		return nil, invalidImage("file too small for NumberOfRvaAndSizes")
	}
	numDataDirs := binary.LittleEndian.Uint32(buf[numDataDirsOff : numDataDirsOff+4])

	sectionsOff := optHeaderOff + sizeOfOptHeader
	if sectionsOff+numSections*sectionHeaderSize > len(buf) {
		return nil, invalidImage("file too small for section headers")
	}

	sections := make([]Section, numSections)
	for i := 0; i < numSections; i++ {
		o := sectionsOff + i*sectionHeaderSize
		sections[i] = Section{
			VirtualAddress: binary.LittleEndian.Uint32(buf[o+shVirtualAddress : o+shVirtualAddress+4]),
			VirtualSize:    binary.LittleEndian.Uint32(buf[o+shVirtualSize : o+shVirtualSize+4]),
			RawPointer:     binary.LittleEndian.Uint32(buf[o+shRawDataPointer : o+shRawDataPointer+4]),
		}
	}

	r := &Rewriter{
		buf:           buf,
		is64:          is64,
		fileHeaderOff: fileHeaderOff,
		optHeaderOff:  optHeaderOff,
		numDataDirs:   numDataDirs,
		sections:      sections,
		cvOff:         -1,
		debugDirBase:  -1,
	}

	if err := r.findCodeView(); err != nil {
		return nil, err
	}

	return r, nil
}

// Is64 reports whether the image is PE32+ (as opposed to PE32).
func (r *Rewriter) Is64() bool { return r.is64 }

// HasCodeView reports whether the image carries a CodeView (RSDS) debug
// directory entry.
func (r *Rewriter) HasCodeView() bool { return r.cvOff >= 0 }

// CVInfo returns the CodeView signature and age captured at Parse time,
// before any patch has been applied.
func (r *Rewriter) CVInfo() CVInfo { return r.cvOriginal }

// Translate converts a relative virtual address into a file offset by
// linear-scanning the section table for the section that contains it.
// When no section contains rva, Translate returns (0, false).
func (r *Rewriter) Translate(rva uint32) (int, bool) {
	for _, s := range r.sections {
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+s.VirtualSize {
			return int(s.RawPointer + (rva - s.VirtualAddress)), true
		}
	}
	return 0, false
}

// dataDir returns the virtual address and size of the idx'th data
// directory entry, and whether that entry is present (a nonzero va,
// within the declared NumberOfRvaAndSizes). minSize is the size of the
// struct the caller intends to read through this directory; Microsoft
// is free to grow that struct in future versions, so a directory whose
// declared Size is at least minSize is accepted even if it is larger,
// but a present directory declaring a Size smaller than minSize is a
// malformed image, not an absent one, and is reported as an error.
// Pass minSize 0 for directories (like the debug directory) whose
// entry count, rather than a fixed struct size, is what Size encodes.
func (r *Rewriter) dataDir(idx int, minSize uint32) (va, size uint32, present bool, err error) {
	if uint32(idx) >= r.numDataDirs {
		return 0, 0, false, nil
	}

	var base int
	if r.is64 {
		base = r.optHeaderOff + ohDataDirs64
	} else {
		base = r.optHeaderOff + ohDataDirs32
	}
	off := base + idx*dataDirEntrySize
	if off+dataDirEntrySize > len(r.buf) {
		return 0, 0, false, nil
	}

	va = binary.LittleEndian.Uint32(r.buf[off : off+4])
	size = binary.LittleEndian.Uint32(r.buf[off+4 : off+8])
	if va == 0 {
		return va, size, false, nil
	}
	if size < minSize {
		return 0, 0, false, invalidImage("IMAGE_DATA_DIRECTORY.Size is invalid")
	}
	return va, size, true, nil
}

// findCodeView locates the image's debug data directory, if any, and
// records the file offset and entry count of its IMAGE_DEBUG_DIRECTORY
// array so EnumeratePatches can later patch each entry's nonzero
// TimeDateStamp.
// If exactly one entry is of type CodeView, findCodeView also records
// the file offset of its CV_INFO_PDB70 record along with the record's
// original signature and age. More than one CodeView entry is rejected.
func (r *Rewriter) findCodeView() error {
	va, size, present, err := r.dataDir(dirDebug, 0)
	if err != nil {
		return err
	}
	if !present {
		return nil
	}

	off, ok := r.Translate(va)
	if !ok {
		return invalidImage("debug directory RVA does not map to any section")
	}
	if off+int(size) > len(r.buf) {
		return invalidImage("debug directory runs past end of file")
	}
	if size%debugDirSize != 0 {
		return invalidImage("debug directory size is not a multiple of IMAGE_DEBUG_DIRECTORY")
	}

	count := int(size) / debugDirSize
	r.debugDirBase = off
	r.debugDirCount = count

	found := -1
	for i := 0; i < count; i++ {
		o := off + i*debugDirSize
		typ := binary.LittleEndian.Uint32(r.buf[o+ddType : o+ddType+4])
		if typ != debugTypeCodeView {
			continue
		}
		if found >= 0 {
			return invalidImage("found multiple CodeView debug entries")
		}
		found = o
	}
	if found < 0 {
		return nil
	}

	ptr := int(binary.LittleEndian.Uint32(r.buf[found+ddPointerRawData : found+ddPointerRawData+4]))
	sz := int(binary.LittleEndian.Uint32(r.buf[found+ddSizeOfData : found+ddSizeOfData+4]))
	if ptr+cvInfoFixedSize > len(r.buf) || sz < cvInfoFixedSize {
		return invalidImage("CodeView record too small")
	}

	sig := binary.LittleEndian.Uint32(r.buf[ptr : ptr+4])
	if sig != cvSignaturePDB70 {
		return invalidImage("CodeView record is not RSDS (PDB 7.0)")
	}

	r.cvOff = ptr
	copy(r.cvOriginal.Signature[:], r.buf[ptr+4:ptr+20])
	r.cvOriginal.Age = binary.LittleEndian.Uint32(r.buf[ptr+20 : ptr+24])
	return nil
}

// EnumeratePatches registers every deterministic-rebuild patch this image
// needs into ps: the file header timestamp, the optional header checksum,
// any present export/resource directory timestamps, every debug directory
// entry's timestamp that is nonzero (entries whose timestamp is already
// zero are left alone), and -- if the image carries a CodeView entry -- its
// PDB signature and age.
//
// The PDB signature patch is registered as a 16-byte placeholder slice
// that the caller must fill in after sorting ps and computing its gap
// digest (the signature itself is derived from a hash of the image's
// unpatched regions, which this patch is one of). EnumeratePatches returns
// that placeholder slice so the caller can copy the digest into it in
// place; the returned slice aliases the bytes already registered with ps,
// so mutating it after the call updates what Apply will later write.
//
// EnumeratePatches returns an error if a present export, resource, or
// debug data directory declares a Size smaller than the struct it is
// supposed to hold: such an image is malformed, not merely missing the
// directory, and patching it would read or write past the directory's
// true extent.
func (r *Rewriter) EnumeratePatches(ps *patch.Set) (sigSlot []byte, err error) {
	var tsBuf [4]byte
	binary.LittleEndian.PutUint32(tsBuf[:], Timestamp)

	ps.Add(uint64(r.fileHeaderOff+fhTimeDateStamp), append([]byte(nil), tsBuf[:]...), "IMAGE_FILE_HEADER.TimeDateStamp")

	checksumOff := r.optHeaderOff + ohCheckSum
	ps.Add(uint64(checksumOff), append([]byte(nil), tsBuf[:]...), "IMAGE_OPTIONAL_HEADER.CheckSum")

	if va, _, present, err := r.dataDir(dirExport, exportDirSize); err != nil {
		return nil, err
	} else if present {
		off, ok := r.Translate(va)
		if !ok {
			return nil, invalidImage("export directory RVA does not map to any section")
		}
		if off+exportDirSize > len(r.buf) {
			return nil, invalidImage("export directory runs past end of file")
		}
		ps.Add(uint64(off+4), append([]byte(nil), tsBuf[:]...), "IMAGE_EXPORT_DIRECTORY.TimeDateStamp")
	}

	if va, _, present, err := r.dataDir(dirResource, resourceDirSize); err != nil {
		return nil, err
	} else if present {
		off, ok := r.Translate(va)
		if !ok {
			return nil, invalidImage("resource directory RVA does not map to any section")
		}
		if off+resourceDirSize > len(r.buf) {
			return nil, invalidImage("resource directory runs past end of file")
		}
		ps.Add(uint64(off+4), append([]byte(nil), tsBuf[:]...), "IMAGE_RESOURCE_DIRECTORY.TimeDateStamp")
	}

	for i := 0; i < r.debugDirCount; i++ {
		o := r.debugDirBase + i*debugDirSize
		cur := binary.LittleEndian.Uint32(r.buf[o+ddTimeDateStamp : o+ddTimeDateStamp+4])
		if cur != 0 {
			ps.Add(uint64(o+ddTimeDateStamp), append([]byte(nil), tsBuf[:]...), "IMAGE_DEBUG_DIRECTORY.TimeDateStamp")
		}
	}

	if r.cvOff >= 0 {
		sigSlot = make([]byte, 16)
		ps.Add(uint64(r.cvOff+4), sigSlot, "CV_INFO_PDB70.Signature")

		var ageBuf [4]byte
		binary.LittleEndian.PutUint32(ageBuf[:], PdbAge)
		ps.Add(uint64(r.cvOff+20), ageBuf[:], "CV_INFO_PDB70.Age")
	}

	return sigSlot, nil
}
