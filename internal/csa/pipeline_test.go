package csa

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/tscore/internal/config"
	"github.com/relaycore/tscore/internal/tspacket"
)

// testPacket builds a syntactically valid 188-byte packet with the given
// PID and transport_scrambling_control, optionally marked PUSI.
func testPacket(pid uint16, tsc byte, pusi bool) []byte {
	pkt := make([]byte, tspacket.Size)
	pkt[0] = tspacket.SyncByte
	pkt[1] = byte(pid >> 8 & 0x1F)
	if pusi {
		pkt[1] |= 0x40
	}
	pkt[2] = byte(pid)
	pkt[3] = 0x10 | (tsc << 6) // payload only, no adaptation field
	return pkt
}

// A pipeline with no CSA key established yet must still forward clear
// (PAT/PMT/unscrambled ES) packets unchanged rather than dropping them
// into the batcher, which never returns unscrambled input.
func TestProcessPacket_ClearPacketsPassThrough(t *testing.T) {
	cfg := config.DecryptConfig{ECMPid: 0}
	p := NewPipeline(cfg, nil, nil, slog.Default())

	pat := testPacket(0x0000, 0b00, true)
	out := p.ProcessPacket(pat, time.Now())
	require.Len(t, out, 1)
	assert.Same(t, &pat[0], &out[0][0])
}

// Clear packets interleaved with scrambled ones must still be forwarded
// immediately, even while the batcher is mid-accumulation for the
// scrambled parity.
func TestProcessPacket_ClearPacketInterleavedWithScrambledBatch(t *testing.T) {
	cfg := config.DecryptConfig{ECMPid: 0}
	p := NewPipeline(cfg, nil, nil, slog.Default())

	scrambled := testPacket(0x100, 0b10, false)
	clear := testPacket(0x101, 0b00, false)

	// No active key yet: the scrambled packet enters the batch but is
	// not flushed (batch size defaults to 64), so nothing comes back for
	// it on this call.
	out := p.ProcessPacket(scrambled, time.Now())
	assert.Empty(t, out)

	// The clear packet must still come back immediately regardless of
	// the batcher's pending state.
	out = p.ProcessPacket(clear, time.Now())
	require.Len(t, out, 1)
	assert.Same(t, &clear[0], &out[0][0])
}

// Once a key is installed, a full batch of scrambled packets is flushed
// and decrypted (transport_scrambling_control cleared) on this call.
func TestProcessPacket_ScrambledBatchFlushesWhenFull(t *testing.T) {
	cfg := config.DecryptConfig{ECMPid: 0x101}
	p := NewPipeline(cfg, nil, nil, slog.Default())
	p.cs.ks.applyImmediately([8]byte{1, 2, 3, 4, 5, 6, 7, 8}, [8]byte{8, 7, 6, 5, 4, 3, 2, 1})

	var lastOut [][]byte
	for i := 0; i < defaultBatchSize; i++ {
		lastOut = p.ProcessPacket(testPacket(0x100, 0b10, false), time.Now())
	}
	require.Len(t, lastOut, defaultBatchSize)
	for _, pkt := range lastOut {
		assert.Equal(t, byte(0), tspacket.TransportScramblingControl(pkt))
	}
}

func TestFlush_DrainsPartialBatch(t *testing.T) {
	cfg := config.DecryptConfig{ECMPid: 0x101}
	p := NewPipeline(cfg, nil, nil, slog.Default())
	p.cs.ks.applyImmediately([8]byte{1}, [8]byte{2})

	out := p.ProcessPacket(testPacket(0x100, 0b10, false), time.Now())
	assert.Empty(t, out, "single packet should not flush a 64-packet batch")

	flushed := p.Flush()
	require.Len(t, flushed, 1)
	assert.Equal(t, byte(0), tspacket.TransportScramblingControl(flushed[0]))
}

func TestDecodeBISS(t *testing.T) {
	cw, ok := decodeBISS("0102030405060708")
	require.True(t, ok)
	assert.Equal(t, [8]byte{1, 2, 3, 4, 5, 6, 7, 8}, cw)

	_, ok = decodeBISS("not-hex-and-wrong-length")
	assert.False(t, ok)

	_, ok = decodeBISS("")
	assert.False(t, ok)
}
