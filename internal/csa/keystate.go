package csa

import "time"

// Parity selects which half of a 16-byte CSA key a control word occupies.
type Parity int

const (
	ParityEven Parity = iota
	ParityOdd
)

// keyState is the per-CA-stream key material: an active 16-byte key
// (even CW in [0:8), odd CW in [8:16)), a staged candidate key pending
// key-guard validation, and the candidate's accept/reject counters
// (spec.md §4.5 "Key state per CA stream").
type keyState struct {
	active    [16]byte
	hasActive [2]bool // whether active[0:8]/active[8:16] have ever been set

	candidate     [16]byte
	candidateMask [2]bool // which halves the candidate changes
	candSince     time.Time
	candOK        int
	candFail      int

	evenCipher *cipher
	oddCipher  *cipher
}

func newKeyState() *keyState {
	return &keyState{}
}

// half returns the 8-byte slice of k for the given parity.
func half(k *[16]byte, p Parity) []byte {
	if p == ParityEven {
		return k[0:8]
	}
	return k[8:16]
}

// stageCandidate records an incoming CW pair as a candidate, computing
// which halves changed by comparing each half's checksum byte to the
// active key's corresponding half (spec.md §4.5 step 3: "Compute which
// halves changed by comparing checksum bytes of the unchanged half to the
// active key; default to both").
func (ks *keyState) stageCandidate(evenCW, oddCW [8]byte, now time.Time) {
	copy(ks.candidate[0:8], evenCW[:])
	copy(ks.candidate[8:16], oddCW[:])

	ks.candidateMask[0] = !ks.hasActive[0] || checksumByte(evenCW[:]) != checksumByte(ks.active[0:8])
	ks.candidateMask[1] = !ks.hasActive[1] || checksumByte(oddCW[:]) != checksumByte(ks.active[8:16])
	if !ks.candidateMask[0] && !ks.candidateMask[1] {
		ks.candidateMask[0], ks.candidateMask[1] = true, true // default to both
	}

	ks.candSince = now
	ks.candOK = 0
	ks.candFail = 0
}

// candidateExpired reports whether the staged candidate is older than 10s
// and should be discarded (spec.md §4.5 "Candidates older than 10 s are
// discarded").
func (ks *keyState) candidateExpired(now time.Time) bool {
	if ks.candSince.IsZero() {
		return false
	}
	return now.Sub(ks.candSince) > 10*time.Second
}

// acceptCandidate promotes the staged candidate into the active key and
// rebuilds the CSA cipher schedule for each changed half.
func (ks *keyState) acceptCandidate() {
	if ks.candidateMask[0] {
		copy(ks.active[0:8], ks.candidate[0:8])
		ks.hasActive[0] = true
		var cw [8]byte
		copy(cw[:], ks.active[0:8])
		ks.evenCipher = newCipher(cw)
	}
	if ks.candidateMask[1] {
		copy(ks.active[8:16], ks.candidate[8:16])
		ks.hasActive[1] = true
		var cw [8]byte
		copy(cw[:], ks.active[8:16])
		ks.oddCipher = newCipher(cw)
	}
	ks.candOK, ks.candFail = 0, 0
	ks.candSince = time.Time{}
}

// applyImmediately installs a CW pair directly into the active key without
// staging, used when key_guard is disabled (spec.md §4.5 step 4:
// "Otherwise apply immediately").
func (ks *keyState) applyImmediately(evenCW, oddCW [8]byte) {
	copy(ks.active[0:8], evenCW[:])
	copy(ks.active[8:16], oddCW[:])
	ks.hasActive[0], ks.hasActive[1] = true, true
	ks.evenCipher = newCipher(evenCW)
	ks.oddCipher = newCipher(oddCW)
}

// cipherFor returns the installed CSA cipher for the given parity, or nil
// if no active key has been set for that half yet.
func (ks *keyState) cipherFor(p Parity) *cipher {
	if p == ParityEven {
		return ks.evenCipher
	}
	return ks.oddCipher
}

// checksumByte is CSA's convention of treating the control word's
// trailing checksum byte (cw[3] and cw[7] in the even/odd split, here
// just the 8th byte of the half) as a cheap equality probe before
// comparing the whole half.
func checksumByte(cw []byte) byte {
	return cw[7]
}
