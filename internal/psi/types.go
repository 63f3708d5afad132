package psi

// Table IDs (spec.md §4.3, §GLOSSARY).
const (
	TableIDPAT TableID = 0x00
	TableIDCAT TableID = 0x01
	TableIDPMT TableID = 0x02
	TableIDNIT TableID = 0x40
	TableIDSDT TableID = 0x42
	TableIDTDT TableID = 0x70
	TableIDTOT TableID = 0x73
)

// TableID identifies a PSI/SI table.
type TableID byte

// maxSectionLength is the section_length limit a single section may carry
// before it must be split (spec.md §4.3, §4.3 invariants, §8 Section split).
const maxSectionLength = 1021

// Descriptor tags used by regenerated tables (spec.md §4.3).
const (
	DescriptorTagService           = 0x48
	DescriptorTagServiceList       = 0x41
	DescriptorTagLocalTimeOffset   = 0x58
	DefaultLCNDescriptorTag        = 0x83
	DescriptorTagCableDelivery     = 0x44
	DescriptorTagSatelliteDelivery = 0x43
	DescriptorTagTerrestrialDeliv  = 0x5A
)

// PATProgram is one PAT entry (spec.md §4.3 PAT).
type PATProgram struct {
	ProgramNumber uint16
	PMTPID        uint16
}

// PMTElementaryStream is one elementary stream entry in a PMT
// (spec.md §4.3 PMT).
type PMTElementaryStream struct {
	StreamType uint8
	PID        uint16
}

// PMTParams carries the fields needed to regenerate a single service's PMT
// (spec.md §4.3 PMT: header copied from input, PNR and PCR_PID replaced).
type PMTParams struct {
	ProgramNumber uint16
	PCRPID        uint16
	Streams       []PMTElementaryStream
	Version       uint8
}

// SDTServiceEntry is one service_loop entry in SDT (spec.md §4.3 SDT).
type SDTServiceEntry struct {
	ServiceID    uint16
	ServiceType  uint8
	ProviderName string
	ServiceName  string
	RunningStatus uint8
}

// NITTransportStream is the single TS-loop entry this multiplex emits in
// NIT (spec.md §4.3 NIT).
type NITTransportStream struct {
	TSID             uint16
	ONID             uint16
	ServiceIDs       []uint16
	LCNs             map[uint16]uint16 // serviceID -> LCN
	LCNDescriptorTag int
	Delivery         DeliveryDescriptor
}

// DeliveryDescriptor carries the subset of cable/satellite/terrestrial
// delivery_system_descriptor fields this implementation regenerates
// (spec.md §6 mux config: delivery, frequency_khz, symbolrate_ksps,
// modulation, fec).
type DeliveryDescriptor struct {
	System         string // cable, satellite, terrestrial
	FrequencyKHz   uint32
	SymbolrateKsps uint32
	Modulation     string
	FEC            string
}

// TOTParams carries the fields needed to regenerate a TOT section
// (spec.md §4.3 TOT: UTC time plus a single local_time_offset_descriptor).
type TOTParams struct {
	UTC               MJDTime
	CountryCode       string
	OffsetMinutes     int
}

// MJDTime is a UTC instant expressed as Modified Julian Date + BCD time,
// the wire format shared by TDT and TOT (spec.md §4.3 TDT/TOT).
type MJDTime struct {
	MJD                uint16
	Hour, Minute, Second uint8 // BCD-encoded on the wire
}
