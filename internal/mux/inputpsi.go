package mux

import (
	"context"
	"io"

	"github.com/asticode/go-astits"
	"github.com/relaycore/tscore/internal/psi"
)

// inputPSIDemuxer discovers an SPTS input's PAT/PMT using go-astits's
// decoder before that service's remap table can be built (spec.md §4.4
// "Service readiness"). Regeneration of output PSI is hand-rolled in
// internal/psi; only input-side discovery uses go-astits, since it has no
// section-builder API of its own.
type inputPSIDemuxer struct {
	dmx *astits.Demuxer
}

func newInputPSIDemuxer(ctx context.Context, r io.Reader) *inputPSIDemuxer {
	return &inputPSIDemuxer{dmx: astits.NewDemuxer(ctx, r)}
}

// DiscoverPMT reads TS packets from r until go-astits observes a PMT
// section, translating it into this package's psi.ParsedPMT shape along
// with the PID it rode in on. It blocks until a PMT is seen, r is
// exhausted (io.EOF propagates unchanged so the caller can treat
// stream-end as "PMT never discovered"), or ctx is cancelled. Callers feed
// the result into (*Multiplexer).RegisterPMT.
func DiscoverPMT(ctx context.Context, r io.Reader) (*psi.ParsedPMT, uint16, error) {
	return newInputPSIDemuxer(ctx, r).discoverPMT()
}

// discoverPMT reads from the input until a PMT is seen, returning it
// translated into this package's psi.ParsedPMT shape. io.EOF propagates
// unchanged to let the caller treat stream-end as "PMT never discovered".
func (d *inputPSIDemuxer) discoverPMT() (*psi.ParsedPMT, uint16, error) {
	for {
		data, err := d.dmx.NextData()
		if err != nil {
			return nil, 0, err
		}
		if data.PMT == nil {
			continue
		}
		pmt := &psi.ParsedPMT{
			ProgramNumber: data.PMT.ProgramNumber,
			PCRPID:        uint16(data.PMT.PCRPID),
		}
		for _, es := range data.PMT.ElementaryStreams {
			pmt.Streams = append(pmt.Streams, psi.PMTElementaryStream{
				StreamType: uint8(es.StreamType),
				PID:        uint16(es.ElementaryPID),
			})
		}
		return pmt, data.PID, nil
	}
}
