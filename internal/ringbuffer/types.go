// Package ringbuffer implements the live TS ring buffer with metadata
// indexing and Smart Start client join logic.
package ringbuffer

import (
	"errors"

	"github.com/relaycore/tscore/internal/tspacket"
)

// ErrBufferClosed is returned by operations on a closed buffer.
var ErrBufferClosed = errors.New("ringbuffer: closed")

// ErrFeedCorrupt is returned by Feed when resync is disabled and the byte
// stream does not align on sync bytes.
var ErrFeedCorrupt = errors.New("ringbuffer: input_corrupt")

// ReadResult classifies the outcome of ReadNext beyond a plain packet.
type ReadResult int

const (
	// ReadOK means pkt contains a valid packet.
	ReadOK ReadResult = iota
	// ReadLagDrop means the reader was jumped forward; pkt is the packet at
	// the new position, or nil when the lag window ends at the write index.
	ReadLagDrop
	// ReadWait means no new data arrived before the timeout.
	ReadWait
	// ReadClosed means the buffer was closed.
	ReadClosed
)

// SlotMeta is the per-slot metadata record (spec.md §3).
type SlotMeta struct {
	PID             uint16
	PUSI            bool
	AF              bool
	RandomAccess    bool
	PCRPresent      bool
	PCR90k          uint64
	IsPAT           bool
	IsPMT           bool
	PESStart        bool
	PTSValid        bool
	PTS90k          uint64
	IsKeyframe      bool
	HasSPS          bool
	HasPPS          bool
	HasVPS          bool
}

// LastSeen holds the rolling last-seen indices for a stream (spec.md §3).
type LastSeen struct {
	LastPAT       int64
	LastPMT       int64
	LastPCR       int64
	LastParamset  int64
	LastKeyframe  int64
	LastVideoPTS  int64
	LastAudioPTS  int64
}

// newLastSeen returns a LastSeen with all indices initialized to -1
// (meaning "never seen").
func newLastSeen() LastSeen {
	return LastSeen{LastPAT: -1, LastPMT: -1, LastPCR: -1, LastParamset: -1, LastKeyframe: -1, LastVideoPTS: -1, LastAudioPTS: -1}
}

// Checkpoint flag bits (spec.md §3).
const (
	CheckpointFlagPAT = 1 << iota
	CheckpointFlagPMT
	CheckpointFlagPCR
	CheckpointFlagParamset
	CheckpointFlagPTSOK
)

// Checkpoint is an immutable snapshot taken at a keyframe write, used by
// Smart Start to pick a join point (spec.md §4.2).
type Checkpoint struct {
	Index        int64
	LastSeen     LastSeen
	VideoPTS90k  uint64
	AudioPTS90k  uint64
	Flags        uint8
}

// effectiveFlags recomputes flags after invalidating any reference whose
// index has aged out of the buffer (index < minIndex).
func (c Checkpoint) effectiveFlags(minIndex int64) uint8 {
	f := c.Flags
	if c.LastSeen.LastPAT < minIndex {
		f &^= CheckpointFlagPAT
	}
	if c.LastSeen.LastPMT < minIndex {
		f &^= CheckpointFlagPMT
	}
	if c.LastSeen.LastPCR < minIndex {
		f &^= CheckpointFlagPCR
	}
	if c.LastSeen.LastParamset < minIndex {
		f &^= CheckpointFlagParamset
	}
	return f
}

// avDesyncMs returns (video_pts - audio_pts) * 1000/90000 (spec.md §3).
func (c Checkpoint) avDesyncMs() float64 {
	return float64(int64(c.VideoPTS90k)-int64(c.AudioPTS90k)) / 90.0
}

// packetsForMs converts a millisecond duration into a packet count at the
// stream's configured bandwidth, used throughout Smart Start math.
func packetsForMs(ms int, bandwidthKbps int) int64 {
	if bandwidthKbps <= 0 {
		bandwidthKbps = 4000
	}
	bytesPerMs := float64(bandwidthKbps) * 1000 / 8 / 1000
	return int64(float64(ms) * bytesPerMs / tspacket.Size)
}

// msForPackets is the inverse of packetsForMs.
func msForPackets(n int64, bandwidthKbps int) float64 {
	if bandwidthKbps <= 0 {
		bandwidthKbps = 4000
	}
	bytesPerMs := float64(bandwidthKbps) * 1000 / 8 / 1000
	return float64(n) * tspacket.Size / bytesPerMs
}
