package mux

import (
	"github.com/relaycore/tscore/internal/config"
	"github.com/relaycore/tscore/internal/psi"
	"github.com/relaycore/tscore/internal/tspacket"
)

// service holds one SPTS input's remux state: its discovered input PMT,
// its output PID/PNR assignment, and the per-PID continuity counters it
// emits (spec.md §4.4 "Service readiness").
type service struct {
	cfg config.ServiceConfig

	inputPMTPID  uint16
	inputPNR     uint16
	inputPCRPID  uint16
	inputStreams []psi.PMTElementaryStream

	outputPNR    uint16
	outputPCRPID uint16
	remap        map[uint16]uint16 // input PID -> output PID, or tspacket.DropPID
	ccByOutPID   map[uint16]byte

	pcr *pcrRestamper

	pmtDiscovered bool
	mappingReady  bool
}

func newService(cfg config.ServiceConfig) *service {
	return &service{
		cfg:        cfg,
		remap:      make(map[uint16]uint16),
		ccByOutPID: make(map[uint16]byte),
	}
}

// ready reports whether this service may contribute to PAT/PMT/SDT/NIT
// (spec.md §4.4 "Service readiness"): its input PMT has been parsed, its
// mapping established, and its output PNR/PCR PID assigned.
func (s *service) ready() bool {
	return s.pmtDiscovered && s.mappingReady && s.outputPNR != 0 && s.outputPCRPID != 0
}

// applyDiscoveredPMT records an input PMT's PNR, PCR PID, and elementary
// streams, ready for PID allocation by the owning Multiplexer.
func (s *service) applyDiscoveredPMT(pmt *psi.ParsedPMT) {
	s.inputPNR = pmt.ProgramNumber
	s.inputPCRPID = pmt.PCRPID
	s.inputStreams = pmt.Streams
	s.pmtDiscovered = true
}

// nextCC returns and advances the continuity counter for an output PID
// (spec.md §4.4 "Continuity counter rewrite").
func (s *service) nextCC(outPID uint16) byte {
	cc := s.ccByOutPID[outPID]
	s.ccByOutPID[outPID] = (cc + 1) & 0x0F
	return cc
}

// remapPacket applies the packet-plane rules of spec.md §4.4 to a single
// input TS packet, returning the rewritten packet and true, or (nil,
// false) if the packet is dropped. passthrough selects whether this service
// is the designated single-service passthrough source for the reserved
// PIDs (PAT, CAT, NIT, SDT, EIT, TDT/TOT).
func (s *service) remapPacket(pkt []byte, passthrough bool) ([]byte, bool) {
	pid := tspacket.PID(pkt)

	switch pid {
	case tspacket.PIDPAT, tspacket.PIDCAT, tspacket.PIDNIT, tspacket.PIDSDT, tspacket.PIDEIT, tspacket.PIDTDT:
		if !passthrough {
			return nil, false
		}
	}

	if pid == s.inputPMTPID {
		return nil, false // fed to PMT parser elsewhere, not forwarded directly
	}

	outPID, mapped := s.remap[pid]
	if !mapped || outPID == tspacket.DropPID {
		return nil, false
	}

	out := make([]byte, tspacket.Size)
	copy(out, pkt)
	tspacket.SetPID(out, outPID)
	if tspacket.HasPayload(out) {
		tspacket.SetContinuityCounter(out, s.nextCC(outPID))
	}
	return out, true
}

// maybeRestampPCR replaces out's PCR in place when restamping is enabled,
// out carries the service's output PCR PID, and a PCR is present
// (spec.md §4.4 "PCR restamp").
func (s *service) maybeRestampPCR(out []byte, outPID uint16, restampEnabled bool, nowUs int64) {
	if !restampEnabled || outPID != s.outputPCRPID || s.pcr == nil {
		return
	}
	inputPCR, ok := tspacket.ReadPCR(out)
	if !ok {
		return
	}
	tspacket.WritePCR(out, s.pcr.next(nowUs, inputPCR))
}
