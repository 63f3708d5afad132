package psi

// encodeDescriptor wraps payload in the standard tag/length descriptor
// header.
func encodeDescriptor(tag byte, payload []byte) []byte {
	out := make([]byte, 2+len(payload))
	out[0] = tag
	out[1] = byte(len(payload))
	copy(out[2:], payload)
	return out
}

// encodeDVBString encodes a string for a DVB descriptor, prefixing the
// UTF-8 character-coding marker (0x15) when codepage requests UTF-8,
// otherwise emitting raw bytes (spec.md §4.3 SDT: "encoded per the stream's
// codepage, UTF-8 marker 0x15 if requested, otherwise raw bytes").
func encodeDVBString(s string, utf8 bool) []byte {
	if !utf8 {
		return []byte(s)
	}
	out := make([]byte, 0, len(s)+1)
	out = append(out, 0x15)
	out = append(out, s...)
	return out
}

// serviceDescriptor builds a service_descriptor (tag 0x48) carrying
// service_type, provider_name, and service_name (spec.md §4.3 SDT).
func serviceDescriptor(serviceType byte, provider, name string, utf8 bool) []byte {
	providerBytes := encodeDVBString(provider, utf8)
	nameBytes := encodeDVBString(name, utf8)
	payload := make([]byte, 0, 3+len(providerBytes)+len(nameBytes))
	payload = append(payload, serviceType)
	payload = append(payload, byte(len(providerBytes)))
	payload = append(payload, providerBytes...)
	payload = append(payload, byte(len(nameBytes)))
	payload = append(payload, nameBytes...)
	return encodeDescriptor(DescriptorTagService, payload)
}

// serviceListDescriptor builds a service_list_descriptor (tag 0x41): one
// (service_id, service_type) pair per listed service (spec.md §4.3 NIT).
func serviceListDescriptor(services []SDTServiceEntry) []byte {
	payload := make([]byte, 0, 3*len(services))
	for _, s := range services {
		payload = append(payload, byte(s.ServiceID>>8), byte(s.ServiceID), s.ServiceType)
	}
	return encodeDescriptor(DescriptorTagServiceList, payload)
}

// logicalChannelDescriptor builds a logical_channel_descriptor under the
// configured tag (default 0x83): one (service_id, visible+lcn) pair per
// entry (spec.md §4.3 NIT, §4.3 invariants: tag 0x83 before delivery
// descriptors).
func logicalChannelDescriptor(tag int, services []uint16, lcns map[uint16]uint16) []byte {
	payload := make([]byte, 0, 4*len(services))
	for _, sid := range services {
		lcn := lcns[sid]
		payload = append(payload, byte(sid>>8), byte(sid))
		payload = append(payload, byte(0xFC|(lcn>>8)&0x03), byte(lcn)) // visible=1, reserved bits set
	}
	return encodeDescriptor(byte(tag), payload)
}

// deliverySystemDescriptor builds the appropriate cable/satellite/
// terrestrial delivery_system_descriptor for the configured system
// (spec.md §4.3 NIT: "last, due to legacy analyzers").
func deliverySystemDescriptor(d DeliveryDescriptor) []byte {
	switch d.System {
	case "satellite":
		payload := make([]byte, 11)
		payload[0] = byte(d.FrequencyKHz >> 24)
		payload[1] = byte(d.FrequencyKHz >> 16)
		payload[2] = byte(d.FrequencyKHz >> 8)
		payload[3] = byte(d.FrequencyKHz)
		payload[9] = byte(d.SymbolrateKsps >> 8)
		payload[10] = byte(d.SymbolrateKsps)
		return encodeDescriptor(DescriptorTagSatelliteDelivery, payload)
	case "terrestrial":
		payload := make([]byte, 11)
		payload[0] = byte(d.FrequencyKHz >> 24)
		payload[1] = byte(d.FrequencyKHz >> 16)
		payload[2] = byte(d.FrequencyKHz >> 8)
		payload[3] = byte(d.FrequencyKHz)
		return encodeDescriptor(DescriptorTagTerrestrialDeliv, payload)
	default: // cable
		payload := make([]byte, 11)
		payload[0] = byte(d.FrequencyKHz >> 24)
		payload[1] = byte(d.FrequencyKHz >> 16)
		payload[2] = byte(d.FrequencyKHz >> 8)
		payload[3] = byte(d.FrequencyKHz)
		payload[8] = byte(d.SymbolrateKsps >> 8)
		payload[9] = byte(d.SymbolrateKsps)
		return encodeDescriptor(DescriptorTagCableDelivery, payload)
	}
}

// localTimeOffsetDescriptor builds a local_time_offset_descriptor
// (tag 0x58) carrying a single country/offset entry (spec.md §4.3 TOT).
func localTimeOffsetDescriptor(countryCode string, offsetMinutes int) []byte {
	cc := []byte(countryCode)
	for len(cc) < 3 {
		cc = append(cc, ' ')
	}
	payload := make([]byte, 13)
	copy(payload[0:3], cc)
	payload[3] = 0x00 // country_region_id + reserved + local_time_offset_polarity
	sign := byte(0)
	if offsetMinutes < 0 {
		sign = 1
		offsetMinutes = -offsetMinutes
	}
	payload[3] = sign
	payload[4] = bcdByte(byte(offsetMinutes / 60))
	payload[5] = bcdByte(byte(offsetMinutes % 60))
	return encodeDescriptor(DescriptorTagLocalTimeOffset, payload)
}

// bcdByte encodes a value 0-99 as a single BCD byte.
func bcdByte(v byte) byte {
	return (v/10)<<4 | (v % 10)
}
