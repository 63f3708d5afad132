package psi

// BuildTDT builds a TDT section: table_id, section_length(=5), then the
// 5-byte MJD+BCD UTC_time field. TDT carries no CRC and is never split
// (spec.md §4.3 TDT).
func BuildTDT(utc MJDTime) []byte {
	buf := make([]byte, 8)
	buf[0] = byte(TableIDTDT)
	buf[1] = 0x70 // section_syntax_indicator=0, reserved=11, section_length hi nibble=0
	buf[2] = 5
	encodeMJDTime(buf[3:8], utc)
	return buf
}

// encodeMJDTime writes the shared 5-byte MJD+BCD time field used by TDT
// and TOT (spec.md §4.3 TDT/TOT).
func encodeMJDTime(out []byte, t MJDTime) {
	out[0] = byte(t.MJD >> 8)
	out[1] = byte(t.MJD)
	out[2] = bcdByte(t.Hour)
	out[3] = bcdByte(t.Minute)
	out[4] = bcdByte(t.Second)
}
