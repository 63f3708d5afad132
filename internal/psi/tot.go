package psi

import "encoding/binary"

// BuildTOT builds a TOT section: UTC_time followed by a descriptor loop
// carrying a single local_time_offset_descriptor, then a CRC-32. Unlike
// PAT/PMT/SDT/NIT, TOT has no table_id_extension or version/current_next
// fields, so it is assembled directly rather than through sectionAssembler
// (spec.md §4.3 TOT).
func BuildTOT(p TOTParams) []byte {
	desc := localTimeOffsetDescriptor(p.CountryCode, p.OffsetMinutes)

	sectionLength := 5 + 2 + len(desc) + 4
	buf := make([]byte, 3+sectionLength)
	buf[0] = byte(TableIDTOT)
	buf[1] = 0x70 | byte((sectionLength>>8)&0x0F)
	buf[2] = byte(sectionLength)
	encodeMJDTime(buf[3:8], p.UTC)

	descLen := len(desc)
	buf[8] = 0xF0 | byte((descLen>>8)&0x0F)
	buf[9] = byte(descLen)
	copy(buf[10:], desc)

	crcOffset := 10 + descLen
	crc := ComputeCRC32(buf[:crcOffset])
	binary.BigEndian.PutUint32(buf[crcOffset:], crc)
	return buf
}
