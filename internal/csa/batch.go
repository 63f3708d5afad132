package csa

import "github.com/relaycore/tscore/internal/tspacket"

// defaultBatchSize mirrors libdvbcsa's suggested cluster size order of
// magnitude for vectorized batch decryption (spec.md §4.5 "Per-stream
// storage").
const defaultBatchSize = 64

// Batcher accumulates scrambled TS packets by transport_scrambling_control
// parity and flushes them through the CSA cipher once the batch fills or
// the parity changes (spec.md §4.5 "Batch decryption").
type Batcher struct {
	size   int
	pkts   [][]byte
	parity Parity
	have   bool
}

// NewBatcher creates a Batcher with the given cluster size (packets).
func NewBatcher(size int) *Batcher {
	if size <= 0 {
		size = defaultBatchSize
	}
	return &Batcher{size: size}
}

// Add appends a scrambled packet to the batch, flushing first if the
// parity changed or the batch is already full. Clear (unscrambled)
// packets are not batched and never appear in the return value; callers
// forward those unchanged. The returned slice holds packets flushed as a
// result of this call, decrypted in place.
func (b *Batcher) Add(pkt []byte, ks *keyState) [][]byte {
	tsc := tspacket.TransportScramblingControl(pkt)
	if tsc != 0b10 && tsc != 0b11 {
		return nil
	}
	parity := ParityEven
	if tsc == 0b11 {
		parity = ParityOdd
	}

	var flushed [][]byte
	if b.have && (parity != b.parity || len(b.pkts) >= b.size) {
		flushed = b.Flush(ks)
	}
	b.parity = parity
	b.have = true
	b.pkts = append(b.pkts, pkt)

	if len(b.pkts) >= b.size {
		flushed = append(flushed, b.Flush(ks)...)
	}
	return flushed
}

// Flush decrypts and clears the current batch using the active key for
// the batch's parity. If no active key has been established yet for that
// half, packets are returned still scrambled (spec.md §3 CA Stream
// invariant: the active key is never overwritten except via the staged
// candidate path, so there is nothing to decrypt with before a key
// arrives).
func (b *Batcher) Flush(ks *keyState) [][]byte {
	if len(b.pkts) == 0 {
		return nil
	}
	out := b.pkts
	b.pkts = nil
	b.have = false

	c := ks.cipherFor(b.parity)
	if c == nil {
		return out
	}
	for _, pkt := range out {
		payload := tspacket.Payload(pkt)
		if payload == nil {
			continue
		}
		c.decrypt(payload)
		tspacket.SetTransportScramblingControl(pkt, 0)
	}
	return out
}
