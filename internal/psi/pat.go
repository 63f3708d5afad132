package psi

// BuildPAT regenerates the PAT for the given transport stream id, one entry
// per ready service, splitting into multiple sections when the encoding
// would exceed 1021 bytes (spec.md §4.3 PAT).
func BuildPAT(tsid uint16, programs []PATProgram, version uint8) [][]byte {
	a := newSectionAssembler(TableIDPAT, tsid, version)
	for _, p := range programs {
		entry := make([]byte, 4)
		entry[0] = byte(p.ProgramNumber >> 8)
		entry[1] = byte(p.ProgramNumber)
		entry[2] = 0xE0 | byte(p.PMTPID>>8&0x1F)
		entry[3] = byte(p.PMTPID)
		a.addEntry(entry)
	}
	return a.finish()
}

// ParsedPAT is a parsed PAT section's table-specific fields
// (spec.md §9 tagged-variant model).
type ParsedPAT struct {
	TSID     uint16
	Programs []PATProgram
}

// ParsePATSection parses and CRC-verifies a single PAT section.
func ParsePATSection(section []byte) (*ParsedPAT, error) {
	if len(section) < 12 || TableID(section[0]) != TableIDPAT {
		return nil, ErrMalformedSection
	}
	if !VerifySection(section) {
		return nil, ErrCRCMismatch
	}
	sectionLength := int(section[1]&0x0F)<<8 | int(section[2])
	end := 3 + sectionLength - 4 // exclude CRC
	if end > len(section) {
		end = len(section)
	}
	tsid := uint16(section[3])<<8 | uint16(section[4])
	pat := &ParsedPAT{TSID: tsid}
	for i := 8; i+4 <= end; i += 4 {
		programNumber := uint16(section[i])<<8 | uint16(section[i+1])
		pid := (uint16(section[i+2]&0x1F) << 8) | uint16(section[i+3])
		if programNumber == 0 {
			continue // NIT PID entry, not a service
		}
		pat.Programs = append(pat.Programs, PATProgram{ProgramNumber: programNumber, PMTPID: pid})
	}
	return pat, nil
}
