package psi

import "encoding/binary"

// maxEntryBytesPerSection is the room left for table-specific entries after
// the 5 fixed header bytes (table_id_extension, version/current_next,
// section_number, last_section_number) and the 4-byte CRC (spec.md §4.3
// invariants: section_length ≤ 1021).
const maxEntryBytesPerSection = maxSectionLength - 5 - 4

// sectionAssembler packs variable-length entries into one or more sections,
// splitting when maxEntryBytesPerSection would be exceeded, then finalizes
// section_number/last_section_number and computes CRC-32 once per section
// (spec.md §9 "a single encoder produces bytes; CRC-32 is computed once at
// the end").
type sectionAssembler struct {
	tableID   TableID
	extension uint16
	version   uint8
	prefix    []byte   // per-section fixed fields repeated in every split section (e.g. SDT's original_network_id)
	sections  [][]byte // each entry is the accumulated entry-bytes for that section, prefix included
}

func newSectionAssembler(tableID TableID, extension uint16, version uint8) *sectionAssembler {
	return newSectionAssemblerWithPrefix(tableID, extension, version, nil)
}

// newSectionAssemblerWithPrefix is used by tables whose fixed header carries
// additional per-section fields beyond table_id_extension (SDT's
// original_network_id, NIT's network_descriptors_length wrapper). prefix is
// repeated verbatim at the start of every section this assembler produces.
func newSectionAssemblerWithPrefix(tableID TableID, extension uint16, version uint8, prefix []byte) *sectionAssembler {
	return &sectionAssembler{
		tableID:   tableID,
		extension: extension,
		version:   version,
		prefix:    prefix,
		sections:  [][]byte{append([]byte{}, prefix...)},
	}
}

// addEntry appends an entry's bytes to the current section, starting a new
// section first if it would not fit (spec.md §4.3 PAT/SDT/NIT multi-section
// split, §8 Section split boundary behavior).
func (a *sectionAssembler) addEntry(entry []byte) {
	cur := a.sections[len(a.sections)-1]
	if len(cur)+len(entry) > maxEntryBytesPerSection && len(cur) > len(a.prefix) {
		a.sections = append(a.sections, append([]byte{}, a.prefix...))
		cur = a.sections[len(a.sections)-1]
	}
	a.sections[len(a.sections)-1] = append(cur, entry...)
}

// finish encodes every accumulated section to its final wire bytes,
// including section_number/last_section_number and a trailing CRC-32.
func (a *sectionAssembler) finish() [][]byte {
	last := len(a.sections) - 1
	out := make([][]byte, 0, len(a.sections))
	for i, entries := range a.sections {
		out = append(out, encodeSection(a.tableID, a.extension, a.version, byte(i), byte(last), entries))
	}
	return out
}

// encodeSection writes one complete section: header, entries, CRC-32.
func encodeSection(tableID TableID, extension uint16, version, sectionNumber, lastSectionNumber byte, entries []byte) []byte {
	sectionLength := 5 + len(entries) + 4

	buf := make([]byte, 3+sectionLength)
	buf[0] = byte(tableID)
	buf[1] = 0xB0 | byte((sectionLength>>8)&0x0F) // section_syntax_indicator=1, reserved=11
	buf[2] = byte(sectionLength)
	binary.BigEndian.PutUint16(buf[3:5], extension)
	buf[5] = 0xC0 | (version&0x1F)<<1 | 0x01 // reserved(2) + version(5) + current_next=1
	buf[6] = sectionNumber
	buf[7] = lastSectionNumber
	copy(buf[8:], entries)

	crcOffset := 8 + len(entries)
	crc := ComputeCRC32(buf[:crcOffset])
	binary.BigEndian.PutUint32(buf[crcOffset:], crc)
	return buf
}

// VerifySection checks a section's trailing CRC-32 against its content
// (spec.md §4.3 "CRC-32 is verified"; §8 "After any PSI rebuild, CRC-32 of
// each section matches recomputation").
func VerifySection(section []byte) bool {
	if len(section) < 4 {
		return false
	}
	want := binary.BigEndian.Uint32(section[len(section)-4:])
	got := ComputeCRC32(section[:len(section)-4])
	return want == got
}
