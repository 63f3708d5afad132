package psi

// BuildPMT regenerates a single service's PMT: PNR and PCR_PID take the
// service's output values, elementary-stream PIDs are already rewritten by
// the caller via the service's remap table (spec.md §4.3 PMT).
func BuildPMT(p PMTParams) [][]byte {
	a := newSectionAssembler(TableIDPMT, p.ProgramNumber, p.Version)

	// program_info_length is always 0: this implementation does not carry
	// program-level descriptors through from the input.
	header := make([]byte, 4)
	header[0] = 0xE0 | byte(p.PCRPID>>8&0x1F)
	header[1] = byte(p.PCRPID)
	header[2] = 0xF0
	header[3] = 0x00
	a.addEntry(header)

	for _, s := range p.Streams {
		entry := make([]byte, 5)
		entry[0] = s.StreamType
		entry[1] = 0xE0 | byte(s.PID>>8&0x1F)
		entry[2] = byte(s.PID)
		entry[3] = 0xF0
		entry[4] = 0x00
		a.addEntry(entry)
	}

	return a.finish()
}

// ParsedPMT is a parsed PMT section's table-specific fields.
type ParsedPMT struct {
	ProgramNumber uint16
	PCRPID        uint16
	Streams       []PMTElementaryStream
}

// ParsePMTSection parses and CRC-verifies a single PMT section.
func ParsePMTSection(section []byte) (*ParsedPMT, error) {
	if len(section) < 16 || TableID(section[0]) != TableIDPMT {
		return nil, ErrMalformedSection
	}
	if !VerifySection(section) {
		return nil, ErrCRCMismatch
	}
	sectionLength := int(section[1]&0x0F)<<8 | int(section[2])
	end := 3 + sectionLength - 4
	if end > len(section) {
		end = len(section)
	}
	programNumber := uint16(section[3])<<8 | uint16(section[4])
	pcrPID := (uint16(section[8]&0x1F) << 8) | uint16(section[9])
	programInfoLength := int(section[10]&0x0F)<<8 | int(section[11])

	pmt := &ParsedPMT{ProgramNumber: programNumber, PCRPID: pcrPID}
	i := 12 + programInfoLength
	for i+5 <= end {
		streamType := section[i]
		pid := (uint16(section[i+1]&0x1F) << 8) | uint16(section[i+2])
		esInfoLength := int(section[i+3]&0x0F)<<8 | int(section[i+4])
		pmt.Streams = append(pmt.Streams, PMTElementaryStream{StreamType: streamType, PID: pid})
		i += 5 + esInfoLength
	}
	return pmt, nil
}
