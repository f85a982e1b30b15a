package pdbpatch

import "encoding/binary"

// cvSignatureC13 marks a module debug info substream as using C13-style
// line number records; that is the only format whose first symbol record
// this package inspects.
const cvSignatureC13 = 4

// symObjname is the S_OBJNAME symbol record type: the object file path a
// module was compiled from, embedding a GUID when it names a linker
// manifest resource.
const symObjname = 0x1101

// patchSymbolRecordsStream zeros the up-to-3 bytes of alignment padding
// at the end of each symbol record. Each record's data length is rounded
// up to a multiple of 4, and Microsoft's PDB writer never initializes
// that trailing pad, so it holds whatever garbage was already in the
// allocated buffer.
func patchSymbolRecordsStream(data []byte) error {
	i := 0
	for i < len(data) {
		if len(data)-i < 4 {
			return invalidPdb("got partial symbol record")
		}

		length := binary.LittleEndian.Uint16(data[i : i+2])

		// A record's length must cover at least its own type field, and
		// the whole record (length field included) must be 4-byte aligned.
		if length < 2 || (int(length)+2)%4 != 0 {
			return invalidPdb("invalid symbol record size")
		}

		dataLength := int(length) - 2
		if i+4+dataLength > len(data) {
			return invalidPdb("symbol record size too large")
		}

		rec := data[i+4 : i+4+dataLength]

		// Up to 3 bytes of padding trail the record. Find the last
		// NUL-terminated field before the pad so it isn't mistaken for
		// padding itself; dataLength < 3 saturates to 0 rather than
		// underflowing.
		tail := 0
		if dataLength > 3 {
			tail = dataLength - 3
		}
		for tail+1 < dataLength && rec[tail] != 0 {
			tail++
		}
		for ; tail < dataLength; tail++ {
			rec[tail] = 0
		}

		i += 4 + dataLength
	}
	return nil
}

// patchModuleStream normalizes the GUID embedded in a module's S_OBJNAME
// record, if the module's debug info is C13-formatted and its first
// record is an S_OBJNAME. Every other module stream shape is left
// untouched.
func patchModuleStream(data []byte) error {
	if len(data) < 4 {
		return invalidPdb("got partial module info stream")
	}

	sig := binary.LittleEndian.Uint32(data[0:4])
	if sig != cvSignatureC13 {
		return nil
	}
	data = data[4:]

	const symbolRecordHeader = 4
	if len(data) < symbolRecordHeader {
		return invalidPdb("missing symbol record in module info stream")
	}

	recLength := binary.LittleEndian.Uint16(data[0:2])
	recType := binary.LittleEndian.Uint16(data[2:4])
	if recType != symObjname {
		return nil
	}

	// OBJNAMESYM: signature(4) + NUL-terminated name.
	const objnameFixed = 4
	if len(data)-symbolRecordHeader < objnameFixed {
		return invalidPdb("missing OBJNAMESYM symbol record signature")
	}
	if int(recLength)+2 > len(data) {
		return invalidPdb("got partial OBJNAMESYM symbol record")
	}

	sym := data[symbolRecordHeader:]
	signature := binary.LittleEndian.Uint32(sym[0:4])
	if signature != 0 {
		return invalidPdb("got invalid OBJNAMESYM symbol record signature")
	}

	name := sym[objnameFixed:]
	end := -1
	for i, b := range name {
		if b == 0 {
			end = i
			break
		}
	}
	if end == -1 {
		return invalidPdb("object path in symbol record is not null-terminated")
	}

	normalizeFileNameGUID(name[:end])
	return nil
}
