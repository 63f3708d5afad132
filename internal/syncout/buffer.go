// Package syncout implements the PCR-paced UDP/RTP sync output: a
// producer/consumer ring buffer, PCR-block pacing, optional RTP framing,
// and batched UDP send (spec.md §4.6).
package syncout

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Buffer is the SPSC handoff between the producer thread (feeding TS
// packets into the sync output) and the consumer thread (PCR pacing and
// UDP send). Pushes never block the producer; on overflow the incoming
// packet is dropped and a rate-limited warning logged (spec.md §5
// "Backpressure": "the producer drops the incoming packet... never
// blocks the ingest thread").
type Buffer struct {
	capacityBytes int

	mu     sync.Mutex
	cond   *sync.Cond
	pkts   [][]byte
	bytes  int
	closed bool

	dropped     int64
	dropLimiter *rate.Limiter
	log         *slog.Logger
}

// NewBuffer creates a Buffer sized to capacityBytes.
func NewBuffer(capacityBytes int, log *slog.Logger) *Buffer {
	b := &Buffer{
		capacityBytes: capacityBytes,
		dropLimiter:   rate.NewLimiter(rate.Every(5*time.Second), 1),
		log:           log,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Push appends pkt without blocking. If the buffer is at capacity, pkt is
// dropped.
func (b *Buffer) Push(pkt []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if b.bytes+len(pkt) > b.capacityBytes {
		b.dropped++
		if b.log != nil && b.dropLimiter.Allow() {
			b.log.Warn("syncout: consumer ring overflow, dropping packet", "dropped_total", b.dropped)
		}
		return
	}
	b.pkts = append(b.pkts, pkt)
	b.bytes += len(pkt)
	b.cond.Broadcast()
}

// WaitForBytes blocks until the buffer holds at least n bytes or is
// closed, returning false in the latter case (spec.md §4.6 "The consumer
// waits until the buffer holds at least N bytes").
func (b *Buffer) WaitForBytes(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.bytes < n && !b.closed {
		b.cond.Wait()
	}
	return b.bytes >= n
}

// Pop removes and returns up to max buffered packets (all of them if max
// <= 0), or nil if empty.
func (b *Buffer) Pop(max int) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pkts) == 0 {
		return nil
	}
	if max <= 0 || max > len(b.pkts) {
		max = len(b.pkts)
	}
	out := b.pkts[:max]
	b.pkts = b.pkts[max:]
	for _, p := range out {
		b.bytes -= len(p)
	}
	return out
}

// Len reports the number of buffered packets.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pkts)
}

// Close unblocks any waiting consumer; further pushes are discarded.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

// Dropped returns the cumulative dropped-packet count.
func (b *Buffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
