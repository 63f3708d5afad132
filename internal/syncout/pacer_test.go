package syncout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/tscore/internal/tspacket"
)

// pcrPacket builds a 188-byte packet whose adaptation field carries pcr on
// pid, with no payload bytes.
func pcrPacket(pid uint16, pcr tspacket.PCR42) []byte {
	pkt := make([]byte, tspacket.Size)
	for i := range pkt {
		pkt[i] = 0xFF
	}
	pkt[0] = tspacket.SyncByte
	pkt[1] = byte(pid >> 8 & 0x1F)
	pkt[2] = byte(pid)
	pkt[3] = 0x20 // adaptation_field_control: AF only, no payload
	pkt[4] = 7    // AF length: flags byte + 6-byte PCR
	pkt[5] = 0x10 // PCR_flag
	tspacket.WritePCR(pkt, pcr)
	return pkt
}

// plainPacket builds a 188-byte packet with a payload and no adaptation
// field, for the non-PCR packets between two PCR references.
func plainPacket(pid uint16) []byte {
	pkt := make([]byte, tspacket.Size)
	pkt[0] = tspacket.SyncByte
	pkt[1] = byte(pid >> 8 & 0x1F)
	pkt[2] = byte(pid)
	pkt[3] = 0x10 // payload only
	return pkt
}

func TestPacer_LocksOnFirstPCRPID(t *testing.T) {
	p := NewPacer()
	_, locked := p.PCRPID()
	assert.False(t, locked)

	_, ok := p.Feed(pcrPacket(0x100, 0))
	assert.False(t, ok, "the first PCR only establishes the lock, no block yet")

	pid, locked := p.PCRPID()
	assert.True(t, locked)
	assert.Equal(t, uint16(0x100), pid)
}

func TestPacer_ClosesBlockOnSecondPCR(t *testing.T) {
	p := NewPacer()
	_, ok := p.Feed(pcrPacket(0x100, 0))
	require.False(t, ok)

	for i := 0; i < 4; i++ {
		_, ok := p.Feed(plainPacket(0x100))
		assert.False(t, ok)
	}

	// 2,700,000 ticks at 27MHz = 100ms, well inside the 500ms bound. The run
	// carries the locking PCR packet itself plus the 4 plain packets fed
	// since, so 5 packets in total.
	block, ok := p.Feed(pcrPacket(0x100, 2_700_000))
	require.True(t, ok)
	assert.Len(t, block.Packets, 5)
	assert.InDelta(t, 20000.0, block.TSSyncUs, 0.001) // 100_000us / 5 packets
}

func TestPacer_RejectsBlockOverMaxDuration(t *testing.T) {
	p := NewPacer()
	p.Feed(pcrPacket(0x100, 0))
	p.Feed(plainPacket(0x100))

	// 20,000,000 ticks / 27 ≈ 740,740us, over the 500,000us bound.
	block, ok := p.Feed(pcrPacket(0x100, 20_000_000))
	assert.False(t, ok)
	assert.Zero(t, block)
}

func TestPacer_RejectsZeroDurationBlock(t *testing.T) {
	p := NewPacer()
	p.Feed(pcrPacket(0x100, 1000))
	p.Feed(plainPacket(0x100))

	block, ok := p.Feed(pcrPacket(0x100, 1000))
	assert.False(t, ok)
	assert.Zero(t, block)
}

func TestPacer_LeadingPCRPacketAloneFormsValidRun(t *testing.T) {
	p := NewPacer()
	p.Feed(pcrPacket(0x100, 0))

	// Back-to-back PCRs with nothing buffered in between still close a
	// 1-packet run: the lock-establishing PCR packet itself.
	block, ok := p.Feed(pcrPacket(0x100, 2_700_000))
	require.True(t, ok)
	assert.Len(t, block.Packets, 1)
	assert.InDelta(t, 100000.0, block.TSSyncUs, 0.001)
}

func TestPacer_HandlesWraparound(t *testing.T) {
	p := NewPacer()
	near := tspacket.PCR42(tspacket.MaxPCRTicks - 1_350_000) // 50ms before wrap
	p.Feed(pcrPacket(0x100, near))
	p.Feed(plainPacket(0x100))

	// Wrapped PCR 50ms past zero: total elapsed should be ~100ms across the
	// locking PCR packet and the one plain packet fed after it.
	block, ok := p.Feed(pcrPacket(0x100, 1_350_000))
	require.True(t, ok)
	assert.Len(t, block.Packets, 2)
	assert.InDelta(t, 50000.0, block.TSSyncUs, 1.0)
}

func TestPacer_IgnoresPCROnOtherPID(t *testing.T) {
	p := NewPacer()
	p.Feed(pcrPacket(0x100, 0))

	// A PCR-bearing packet on a different PID must not close the block.
	_, ok := p.Feed(pcrPacket(0x200, 5_000_000))
	assert.False(t, ok)

	block, ok := p.Feed(pcrPacket(0x100, 2_700_000))
	require.True(t, ok)
	assert.Len(t, block.Packets, 2) // locking PCR packet + the stray PID-0x200 packet
}

func TestPacer_ResetDropsLockAndPending(t *testing.T) {
	p := NewPacer()
	p.Feed(pcrPacket(0x100, 0))
	p.Feed(plainPacket(0x100))

	p.Reset()
	_, locked := p.PCRPID()
	assert.False(t, locked)

	_, ok := p.Feed(pcrPacket(0x200, 0))
	assert.False(t, ok)
	pid, locked := p.PCRPID()
	assert.True(t, locked)
	assert.Equal(t, uint16(0x200), pid)
}
