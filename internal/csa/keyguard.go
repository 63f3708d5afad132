package csa

import (
	"time"

	"github.com/relaycore/tscore/internal/tspacket"
)

// guardOutcome classifies the state of a staged candidate key after a
// probe (spec.md §4.5 "Key guard").
type guardOutcome int

const (
	guardPending guardOutcome = iota
	guardAccept
	guardReject
)

// probePESStart runs one key-guard validation: a scrambled PES-start
// packet is decrypted with the candidate key for its parity, and the
// first three payload bytes are checked against the PES start code
// (spec.md §4.5 "decrypt the packet with the candidate key schedule into
// a scratch buffer; if the first three payload bytes are 00 00 01,
// increment cand_ok, else cand_fail").
func (ks *keyState) probePESStart(pkt []byte) {
	tsc := tspacket.TransportScramblingControl(pkt)
	var p Parity
	switch tsc {
	case 0b10:
		p = ParityEven
	case 0b11:
		p = ParityOdd
	default:
		return
	}
	if !ks.candidateMask[p] {
		return // this half's candidate is unchanged from active; nothing to validate
	}

	payload := tspacket.Payload(pkt)
	if len(payload) < blockSize {
		return
	}
	scratch := append([]byte(nil), payload...)

	var cw [8]byte
	copy(cw[:], half(&ks.candidate, p))
	newCipher(cw).decrypt(scratch)

	if len(scratch) >= 3 && scratch[0] == 0x00 && scratch[1] == 0x00 && scratch[2] == 0x01 {
		ks.candOK++
	} else {
		ks.candFail++
	}
}

// guardDecision reports whether the staged candidate has crossed the
// accept threshold (cand_ok >= 2) or the reject threshold (cand_fail >= 2).
func (ks *keyState) guardDecision() guardOutcome {
	if ks.candOK >= 2 {
		return guardAccept
	}
	if ks.candFail >= 2 {
		return guardReject
	}
	return guardPending
}

// rejectCandidate discards the staged candidate without touching the
// active key (spec.md §4.5 "no active key is ever mutated by a rejected
// candidate").
func (ks *keyState) rejectCandidate() {
	ks.candOK, ks.candFail = 0, 0
	ks.candSince = time.Time{}
}
