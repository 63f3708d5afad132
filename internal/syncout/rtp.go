package syncout

import (
	"math/rand"
	"time"

	"github.com/pion/rtp"

	"github.com/relaycore/tscore/internal/tspacket"
)

// tsPacketsPerDatagram packs seven 188-byte TS packets per UDP datagram
// (1316 bytes), per spec.md §4.6 "RTP option".
const tsPacketsPerDatagram = 7

// rtpPayloadType is the standard MP2T payload type (spec.md §4.6: "payload
// type 33 (MP2T)").
const rtpPayloadType = 33

// rtpPacker wraps runs of TS packets into UDP datagram payloads, optionally
// prefixed with a 12-byte RTP header (spec.md §4.6 "RTP option").
type rtpPacker struct {
	enabled bool
	seq     uint16
	ssrc    uint32
}

// newRTPPacker builds a packer; when enabled, SSRC is randomized once and
// held fixed for the life of the stream (spec.md §4.6: "32-bit SSRC
// (random, fixed per stream)").
func newRTPPacker(enabled bool) *rtpPacker {
	p := &rtpPacker{enabled: enabled}
	if enabled {
		p.ssrc = rand.Uint32()
	}
	return p
}

// Wrap packs pkts into one datagram payload. When RTP is enabled, each
// call advances the 16-bit sequence number and stamps a wallclock-ms
// timestamp.
func (p *rtpPacker) Wrap(pkts [][]byte) ([]byte, error) {
	payload := make([]byte, 0, len(pkts)*tspacket.Size)
	for _, pkt := range pkts {
		payload = append(payload, pkt...)
	}
	if !p.enabled {
		return payload, nil
	}

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    rtpPayloadType,
			SequenceNumber: p.seq,
			Timestamp:      uint32(time.Now().UnixMilli()), //nolint:gosec // intentional truncation, spec-defined wraparound
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
	p.seq++
	return pkt.Marshal()
}

// datagramChunks groups a flat packet stream into datagram-sized chunks of
// tsPacketsPerDatagram packets, padding the final partial chunk with NULL
// packets so every emitted datagram carries a full 1316-byte TS payload.
func datagramChunks(pkts [][]byte, nullPacket func() []byte) [][][]byte {
	var chunks [][][]byte
	for i := 0; i < len(pkts); i += tsPacketsPerDatagram {
		end := i + tsPacketsPerDatagram
		if end > len(pkts) {
			end = len(pkts)
		}
		chunk := append([][]byte(nil), pkts[i:end]...)
		for len(chunk) < tsPacketsPerDatagram {
			chunk = append(chunk, nullPacket())
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}
