package mux

import "github.com/relaycore/tscore/internal/tspacket"

// pcrWrapTicks is 2^33 * 300, the modulus the 42-bit PCR wraps at.
const pcrWrapTicks = tspacket.MaxPCRTicks

// pcrRestamper produces an output PCR train for one service's PCR PID,
// either free-running from wall-clock elapsed time or smoothed against the
// input PCR (spec.md §4.4 "PCR restamp").
type pcrRestamper struct {
	smoothing     bool
	alpha         float64
	maxOffsetTicks int64

	restampStart  int64 // elapsed_us reference point; set on first call
	started       bool
	offsetTicks   int64 // δ, only used when smoothing
}

func newPCRRestamper(smoothing bool, alpha float64, maxOffsetTicks int64) *pcrRestamper {
	return &pcrRestamper{smoothing: smoothing, alpha: alpha, maxOffsetTicks: maxOffsetTicks}
}

// freeRunning computes output PCR = (elapsed_us_since_restamp_start × 27)
// mod 2^33·300 (spec.md §4.4).
func (p *pcrRestamper) freeRunning(nowUs int64) tspacket.PCR42 {
	if !p.started {
		p.restampStart = nowUs
		p.started = true
	}
	elapsed := nowUs - p.restampStart
	return tspacket.PCR42(uint64(elapsed*27) % pcrWrapTicks)
}

// smooth maintains an exponentially smoothed offset δ between the target
// free-running PCR and the input PCR: δ ← δ + α·(diff − δ), clamped to
// ±maxOffsetTicks, output = input_PCR + δ mod 2^33·300 (spec.md §4.4).
func (p *pcrRestamper) smooth(nowUs int64, inputPCR tspacket.PCR42) tspacket.PCR42 {
	target := p.freeRunning(nowUs)
	diff := wrappedDiff(int64(target), int64(inputPCR), int64(pcrWrapTicks))

	p.offsetTicks += int64(p.alpha * float64(diff-p.offsetTicks))
	if p.offsetTicks > p.maxOffsetTicks {
		p.offsetTicks = p.maxOffsetTicks
	} else if p.offsetTicks < -p.maxOffsetTicks {
		p.offsetTicks = -p.maxOffsetTicks
	}

	out := (int64(inputPCR) + p.offsetTicks) % int64(pcrWrapTicks)
	if out < 0 {
		out += int64(pcrWrapTicks)
	}
	return tspacket.PCR42(out)
}

// next produces the output PCR for a service, dispatching on whether
// smoothing is enabled.
func (p *pcrRestamper) next(nowUs int64, inputPCR tspacket.PCR42) tspacket.PCR42 {
	if p.smoothing {
		return p.smooth(nowUs, inputPCR)
	}
	return p.freeRunning(nowUs)
}

// wrappedDiff returns b-a normalized to [-mod/2, mod/2], the shortest
// signed distance around a wraparound counter.
func wrappedDiff(a, b, mod int64) int64 {
	d := (b - a) % mod
	if d > mod/2 {
		d -= mod
	} else if d < -mod/2 {
		d += mod
	}
	return d
}
