package psi

// BuildNIT regenerates the NIT: one TS-loop entry for the current multiplex
// carrying, in order, service_list_descriptor, logical_channel_descriptor
// (tag configurable, default 0x83), and the delivery_system_descriptor last
// (spec.md §4.3 NIT; §4.3 invariants: LCN before delivery descriptors).
//
// This implementation always emits a single transport_stream loop entry, so
// transport_stream_loop_length is computed once up front rather than
// incrementally; a multiplex large enough to need a second NIT section for
// that single entry's descriptors is not expected in practice.
func BuildNIT(networkID uint16, networkName string, ts NITTransportStream, utf8 bool, version uint8) [][]byte {
	networkDesc := networkNameDescriptor(networkName, utf8)

	var services []SDTServiceEntry
	for _, sid := range ts.ServiceIDs {
		services = append(services, SDTServiceEntry{ServiceID: sid})
	}

	lcnTag := ts.LCNDescriptorTag
	if lcnTag == 0 {
		lcnTag = DefaultLCNDescriptorTag
	}

	var descs []byte
	descs = append(descs, serviceListDescriptor(services)...)
	descs = append(descs, logicalChannelDescriptor(lcnTag, ts.ServiceIDs, ts.LCNs)...)
	descs = append(descs, deliverySystemDescriptor(ts.Delivery)...)

	tsEntry := make([]byte, 6+len(descs))
	tsEntry[0] = byte(ts.TSID >> 8)
	tsEntry[1] = byte(ts.TSID)
	tsEntry[2] = byte(ts.ONID >> 8)
	tsEntry[3] = byte(ts.ONID)
	descsLen := len(descs)
	tsEntry[4] = 0xF0 | byte((descsLen>>8)&0x0F)
	tsEntry[5] = byte(descsLen)
	copy(tsEntry[6:], descs)

	networkDescLen := len(networkDesc)
	prefix := make([]byte, 2+networkDescLen+2) // network_descriptors_length+descs, then transport_stream_loop_length
	prefix[0] = 0xF0 | byte((networkDescLen>>8)&0x0F)
	prefix[1] = byte(networkDescLen)
	copy(prefix[2:], networkDesc)
	tsLoopLenOff := 2 + networkDescLen
	prefix[tsLoopLenOff] = 0xF0 | byte((len(tsEntry)>>8)&0x0F)
	prefix[tsLoopLenOff+1] = byte(len(tsEntry))

	a := newSectionAssemblerWithPrefix(TableIDNIT, networkID, version, prefix)
	a.addEntry(tsEntry)

	return a.finish()
}

// networkNameDescriptor builds a network_name_descriptor (tag 0x40).
func networkNameDescriptor(name string, utf8 bool) []byte {
	return encodeDescriptor(0x40, encodeDVBString(name, utf8))
}
