package psi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC32_MatchesKnownVector(t *testing.T) {
	// A one-program PAT section (transport_stream_id 1, program 1 on PMT
	// PID 0x0020), table_id through the program entry; its MPEG-2 CRC-32
	// is 0xA2C32941.
	data := []byte{0x00, 0xB0, 0x0D, 0x00, 0x01, 0xC1, 0x00, 0x00, 0x00, 0x01, 0xE0, 0x20}
	crc := ComputeCRC32(data)
	assert.Equal(t, uint32(0xA2C32941), crc)
}

func TestBuildPAT_RoundTripsThroughParse(t *testing.T) {
	programs := []PATProgram{
		{ProgramNumber: 1, PMTPID: 0x1001},
		{ProgramNumber: 2, PMTPID: 0x1002},
	}
	sections := BuildPAT(0x42, programs, 3)
	require.Len(t, sections, 1)
	assert.True(t, VerifySection(sections[0]))

	parsed, err := ParsePATSection(sections[0])
	require.NoError(t, err)
	assert.Equal(t, uint16(0x42), parsed.TSID)
	assert.Equal(t, programs, parsed.Programs)
}

func TestBuildPAT_SkipsProgramNumberZeroOnParse(t *testing.T) {
	programs := []PATProgram{{ProgramNumber: 0, PMTPID: 0x10}, {ProgramNumber: 5, PMTPID: 0x1005}}
	sections := BuildPAT(0x1, programs, 0)
	parsed, err := ParsePATSection(sections[0])
	require.NoError(t, err)
	require.Len(t, parsed.Programs, 1)
	assert.Equal(t, uint16(5), parsed.Programs[0].ProgramNumber)
}

func TestBuildPAT_SplitsAcrossSectionsWhenOversized(t *testing.T) {
	var programs []PATProgram
	for i := uint16(1); i <= 300; i++ {
		programs = append(programs, PATProgram{ProgramNumber: i, PMTPID: 0x1000 + i})
	}
	sections := BuildPAT(0x1, programs, 0)
	require.Greater(t, len(sections), 1)

	var total []PATProgram
	for i, sec := range sections {
		assert.True(t, VerifySection(sec), "section %d CRC", i)
		parsed, err := ParsePATSection(sec)
		require.NoError(t, err)
		total = append(total, parsed.Programs...)
		assert.LessOrEqual(t, len(sec), maxSectionLength+3)
	}
	assert.Equal(t, programs, total)
}

func TestParsePATSection_RejectsBadCRC(t *testing.T) {
	sections := BuildPAT(0x42, []PATProgram{{ProgramNumber: 1, PMTPID: 0x100}}, 0)
	corrupt := append([]byte{}, sections[0]...)
	corrupt[len(corrupt)-1] ^= 0xFF

	_, err := ParsePATSection(corrupt)
	assert.ErrorIs(t, err, ErrCRCMismatch)
}

func TestBuildPMT_RoundTripsThroughParse(t *testing.T) {
	params := PMTParams{
		ProgramNumber: 7,
		PCRPID:        0x100,
		Streams: []PMTElementaryStream{
			{StreamType: 0x02, PID: 0x100},
			{StreamType: 0x0F, PID: 0x101},
		},
		Version: 1,
	}
	sections := BuildPMT(params)
	require.Len(t, sections, 1)

	parsed, err := ParsePMTSection(sections[0])
	require.NoError(t, err)
	assert.Equal(t, params.ProgramNumber, parsed.ProgramNumber)
	assert.Equal(t, params.PCRPID, parsed.PCRPID)
	assert.Equal(t, params.Streams, parsed.Streams)
}

func TestBuildCAT_HasEmptyDescriptorLoopAndValidCRC(t *testing.T) {
	sections := BuildCAT(2)
	require.Len(t, sections, 1)
	assert.True(t, VerifySection(sections[0]))
	assert.Equal(t, byte(TableIDCAT), sections[0][0])
}

func TestBuildSDT_EncodesServiceNamesAndCRC(t *testing.T) {
	services := []SDTServiceEntry{
		{ServiceID: 1, ServiceType: 0x01, ProviderName: "Acme", ServiceName: "News HD"},
	}
	sections := BuildSDT(0x42, 0x1, services, true, 0)
	require.Len(t, sections, 1)
	assert.True(t, VerifySection(sections[0]))

	sec := sections[0]
	onid := uint16(sec[8])<<8 | uint16(sec[9])
	assert.Equal(t, uint16(1), onid)
}

func TestBuildNIT_IncludesTransportStreamLoopLength(t *testing.T) {
	ts := NITTransportStream{
		TSID:       0x42,
		ONID:       0x1,
		ServiceIDs: []uint16{1, 2},
		LCNs:       map[uint16]uint16{1: 100, 2: 101},
		Delivery:   DeliveryDescriptor{System: "cable", FrequencyKHz: 306000, SymbolrateKsps: 6900},
	}
	sections := BuildNIT(0x1, "TestNet", ts, true, 0)
	require.Len(t, sections, 1)
	sec := sections[0]
	assert.True(t, VerifySection(sec))

	networkDescLen := int(sec[8]&0x0F)<<8 | int(sec[9])
	tsLoopLenOff := 10 + networkDescLen
	require.Less(t, tsLoopLenOff+1, len(sec))
	tsLoopLen := int(sec[tsLoopLenOff]&0x0F)<<8 | int(sec[tsLoopLenOff+1])
	remaining := len(sec) - (tsLoopLenOff + 2) - 4 // exclude trailing CRC
	assert.Equal(t, remaining, tsLoopLen)
}

func TestBuildTDT_HasNoCRCAndFixedLength(t *testing.T) {
	buf := BuildTDT(MJDTime{MJD: 58849, Hour: 12, Minute: 30, Second: 0})
	assert.Len(t, buf, 8)
	assert.Equal(t, byte(TableIDTDT), buf[0])
	assert.Equal(t, byte(0x12), buf[5]) // BCD hour 12
	assert.Equal(t, byte(0x30), buf[6]) // BCD minute 30
}

func TestBuildTOT_EncodesLocalTimeOffsetDescriptorAndCRC(t *testing.T) {
	buf := BuildTOT(TOTParams{
		UTC:           MJDTime{MJD: 58849, Hour: 12, Minute: 0, Second: 0},
		CountryCode:   "GBR",
		OffsetMinutes: 60,
	})
	assert.Equal(t, byte(TableIDTOT), buf[0])
	assert.True(t, VerifySection(buf))

	descLen := int(buf[8]&0x0F)<<8 | int(buf[9])
	assert.Equal(t, byte(DescriptorTagLocalTimeOffset), buf[10])
	assert.Equal(t, len(buf)-4, 10+descLen)
}

func TestVerifySection_RejectsTruncatedInput(t *testing.T) {
	assert.False(t, VerifySection([]byte{0x01, 0x02}))
}
