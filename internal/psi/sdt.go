package psi

// BuildSDT regenerates the SDT for the current multiplex, one service-loop
// entry per ready service (spec.md §4.3 SDT). onid and utf8 select the
// original_network_id field and string codepage respectively.
func BuildSDT(tsid, onid uint16, services []SDTServiceEntry, utf8 bool, version uint8) [][]byte {
	prefix := []byte{byte(onid >> 8), byte(onid), 0xFF} // original_network_id + reserved_future_use
	a := newSectionAssemblerWithPrefix(TableIDSDT, tsid, version, prefix)

	for _, s := range services {
		desc := serviceDescriptor(s.ServiceType, s.ProviderName, s.ServiceName, utf8)
		entry := make([]byte, 5+len(desc))
		entry[0] = byte(s.ServiceID >> 8)
		entry[1] = byte(s.ServiceID)
		entry[2] = 0xFC // reserved_future_use(6) + EIT_schedule_flag(0) + EIT_present_following_flag(0)
		runningStatus := s.RunningStatus
		if runningStatus == 0 {
			runningStatus = 4 // "running"
		}
		descLen := len(desc)
		entry[3] = (runningStatus << 5) | byte((descLen>>8)&0x0F) // free_CA_mode=0
		entry[4] = byte(descLen)
		copy(entry[5:], desc)
		a.addEntry(entry)
	}

	return a.finish()
}
