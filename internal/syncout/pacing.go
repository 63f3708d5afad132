package syncout

import "github.com/relaycore/tscore/internal/tspacket"

// maxBlockTimeUs bounds a valid PCR block (spec.md §4.6: "reject blocks
// with block_time_us = 0 or > 500_000").
const maxBlockTimeUs = 500_000

// pcrDeltaUs computes the elapsed time in microseconds between two 42-bit
// PCR values expressed in 27MHz ticks, handling wraparound.
func pcrDeltaUs(a, b tspacket.PCR42) int64 {
	diff := int64(b) - int64(a)
	if diff < 0 {
		diff += int64(tspacket.MaxPCRTicks)
	}
	return diff * 1_000_000 / 27_000_000
}

// PacedBlock is a run of packets between two PCR references on the locked
// PCR PID, each to be emitted TSSyncUs apart (spec.md §4.6 "Algorithm").
type PacedBlock struct {
	Packets  [][]byte
	TSSyncUs float64
}

// Pacer locks onto the PID of the first PCR-bearing packet it observes
// (spec.md §4.6: "the first defines pcr_pid") and groups subsequently fed
// packets into PacedBlocks bounded by successive PCRs on that PID.
type Pacer struct {
	pcrPID  uint16
	locked  bool
	lastPCR tspacket.PCR42
	pending [][]byte
}

// NewPacer returns an unlocked Pacer.
func NewPacer() *Pacer {
	return &Pacer{}
}

// PCRPID returns the locked PCR PID and whether a lock has been acquired.
func (p *Pacer) PCRPID() (uint16, bool) {
	return p.pcrPID, p.locked
}

// Reset drops the current PCR lock and any pending run, so the next PCR
// pair observed re-establishes pacing from scratch (spec.md §8 scenario 6:
// "after producer resumes, the consumer re-locks PCR within the next
// observed PCR block").
func (p *Pacer) Reset() {
	p.locked = false
	p.pending = nil
}

// Feed appends pkt to the pending run. When pkt itself carries a PCR on
// the locked PID, the accumulated run (everything fed since the previous
// PCR packet) closes out as a PacedBlock. A block whose computed
// block_time_us is zero, negative, or exceeds 500ms is rejected (its
// packets are simply dropped from pacing, per spec.md §4.6) and ok is
// false.
func (p *Pacer) Feed(pkt []byte) (block PacedBlock, ok bool) {
	pcr, hasPCR := tspacket.ReadPCR(pkt)
	pid := tspacket.PID(pkt)

	if !p.locked {
		if hasPCR {
			p.pcrPID = pid
			p.locked = true
			p.lastPCR = pcr
		}
		p.pending = append(p.pending, pkt)
		return PacedBlock{}, false
	}

	if hasPCR && pid == p.pcrPID {
		blockTimeUs := pcrDeltaUs(p.lastPCR, pcr)
		run := p.pending
		p.pending = [][]byte{pkt}
		p.lastPCR = pcr

		if blockTimeUs <= 0 || blockTimeUs > maxBlockTimeUs || len(run) == 0 {
			return PacedBlock{}, false
		}
		return PacedBlock{Packets: run, TSSyncUs: float64(blockTimeUs) / float64(len(run))}, true
	}

	p.pending = append(p.pending, pkt)
	return PacedBlock{}, false
}
