package ringbuffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/tscore/internal/config"
	"github.com/relaycore/tscore/internal/tspacket"
)

func testStreamConfig() config.StreamConfig {
	return config.StreamConfig{
		ID:                 "s1",
		BandwidthKbps:      4000,
		BufferingSec:       6,
		ClientStartOffset:  3,
		MaxClientLagMs:     2000,
		KeyframeDetectMode: config.KeyframeDetectRandomAccess,
		TSResyncEnabled:    true,
		TSDropCorruptEnable: true,
	}
}

// nullPacket returns a syntactically valid NULL-PID packet.
func nullPacket() []byte {
	pkt := make([]byte, tspacket.Size)
	pkt[0] = tspacket.SyncByte
	pkt[1] = 0x1F
	pkt[2] = 0xFF
	pkt[3] = 0x10
	return pkt
}

func TestFeed_StoresWholePackets(t *testing.T) {
	b := NewBuffer(testStreamConfig())
	data := append(nullPacket(), nullPacket()...)
	require.NoError(t, b.Feed(data))
	assert.Equal(t, int64(2), b.WriteIndex())
}

func TestFeed_RejectsCorruptionWhenResyncDisabled(t *testing.T) {
	cfg := testStreamConfig()
	cfg.TSResyncEnabled = false
	b := NewBuffer(cfg)
	bad := append([]byte{0x00}, nullPacket()...)
	err := b.Feed(bad)
	assert.ErrorIs(t, err, ErrFeedCorrupt)
}

func TestFeed_ResyncsOnCorruptionWhenEnabled(t *testing.T) {
	b := NewBuffer(testStreamConfig())
	bad := append([]byte{0x00, 0x00}, nullPacket()...)
	require.NoError(t, b.Feed(bad))
	assert.Equal(t, int64(1), b.WriteIndex())
}

func TestStorePacket_FirstByteIsSyncByte(t *testing.T) {
	b := NewBuffer(testStreamConfig())
	require.NoError(t, b.Feed(nullPacket()))
	slot := (b.WriteIndex() - 1) % b.Capacity()
	assert.Equal(t, byte(tspacket.SyncByte), b.slots[slot][0])
}

func TestReadNext_ReturnsStoredPacket(t *testing.T) {
	b := NewBuffer(testStreamConfig())
	require.NoError(t, b.Feed(nullPacket()))

	r := b.AcquireReader("ua", "127.0.0.1")
	defer b.Release(r)
	r.readIndex = 0

	pkt, res := b.ReadNext(r)
	require.Equal(t, ReadOK, res)
	assert.Equal(t, byte(tspacket.SyncByte), pkt[0])
}

func TestReadNext_LagDropWhenBehindWindow(t *testing.T) {
	cfg := testStreamConfig()
	cfg.MaxClientLagMs = 1
	b := NewBuffer(cfg)
	for i := 0; i < 100; i++ {
		require.NoError(t, b.Feed(nullPacket()))
	}

	r := b.AcquireReader("ua", "127.0.0.1")
	defer b.Release(r)
	r.readIndex = 0

	_, res := b.ReadNext(r)
	assert.Equal(t, ReadLagDrop, res)
}

func TestResync_BumpsGenerationAndReanchorsReader(t *testing.T) {
	b := NewBuffer(testStreamConfig())
	require.NoError(t, b.Feed(nullPacket()))

	r := b.AcquireReader("ua", "127.0.0.1")
	defer b.Release(r)
	r.readIndex = 0

	b.Resync()
	assert.Equal(t, int64(1), b.Generation())

	_, res := b.ReadNext(r)
	assert.Equal(t, ReadWait, res)
	assert.Equal(t, int64(1), r.generation)
}

func TestParsePAT_RecordsPMTPID(t *testing.T) {
	b := NewBuffer(testStreamConfig())
	pkt := buildPATPacket(t, 1, 0x1001)
	require.NoError(t, b.Feed(pkt))
	assert.Equal(t, uint16(0x1001), b.pmtPID)
}

func TestParsePMT_RecordsVideoAndAudioPID(t *testing.T) {
	b := NewBuffer(testStreamConfig())
	b.pmtPID = 0x1001
	pkt := buildPMTPacket(t, 0x1001, 0x100, 0x101)
	require.NoError(t, b.Feed(pkt))
	assert.Equal(t, uint16(0x100), b.videoPID)
	assert.Equal(t, uint16(0x101), b.audioPID)
}

// buildPATPacket constructs a single-packet PAT section carrying one program.
func buildPATPacket(t *testing.T, programNumber uint16, pmtPID uint16) []byte {
	t.Helper()
	var section []byte
	section = append(section, 0x00)             // table_id
	section = append(section, 0xB0, 0x00)       // section_syntax + length placeholder
	section = append(section, 0x00, 0x01)       // transport_stream_id
	section = append(section, 0xC1)             // version/current_next
	section = append(section, 0x00, 0x00)       // section_number, last_section_number
	section = append(section, byte(programNumber>>8), byte(programNumber))
	section = append(section, byte(0xE0|(pmtPID>>8)), byte(pmtPID))
	section = append(section, 0, 0, 0, 0) // CRC placeholder

	sectionLen := len(section) - 3
	section[1] = 0xB0 | byte(sectionLen>>8)
	section[2] = byte(sectionLen)

	return wrapInPacket(tspacket.PIDPAT, section)
}

// buildPMTPacket constructs a single-packet PMT section carrying one video
// and one audio elementary stream.
func buildPMTPacket(t *testing.T, pmtPID uint16, videoPID, audioPID uint16) []byte {
	t.Helper()
	var section []byte
	section = append(section, 0x02)       // table_id
	section = append(section, 0xB0, 0x00) // length placeholder
	section = append(section, 0x00, 0x01) // program_number
	section = append(section, 0xC1)
	section = append(section, 0x00, 0x00)                          // section_number/last
	section = append(section, byte(0xE0|(videoPID>>8)), byte(videoPID)) // PCR_PID
	section = append(section, 0xF0, 0x00)                          // program_info_length = 0

	section = append(section, 0x1B, byte(0xE0|(videoPID>>8)), byte(videoPID), 0xF0, 0x00)
	section = append(section, 0x04, byte(0xE0|(audioPID>>8)), byte(audioPID), 0xF0, 0x00)

	section = append(section, 0, 0, 0, 0) // CRC placeholder

	sectionLen := len(section) - 3
	section[1] = 0xB0 | byte(sectionLen>>8)
	section[2] = byte(sectionLen)

	return wrapInPacket(pmtPID, section)
}

func wrapInPacket(pid uint16, section []byte) []byte {
	pkt := make([]byte, tspacket.Size)
	pkt[0] = tspacket.SyncByte
	pkt[1] = 0x40 | byte(pid>>8) // PUSI set
	pkt[2] = byte(pid)
	pkt[3] = 0x10 // payload only, CC 0
	pkt[4] = 0x00 // pointer_field
	copy(pkt[5:], section)
	return pkt
}
