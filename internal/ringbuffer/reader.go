package ringbuffer

import (
	"time"

	"github.com/google/uuid"
)

// readTimeout bounds how long ReadNext blocks awaiting new data before
// returning ReadWait (spec.md §4.1 read_next).
const readTimeout = 1 * time.Second

// Reader is a client's position within a Buffer (spec.md §4.1
// acquire_reader/read_next).
type Reader struct {
	ID         uuid.UUID
	UserAgent  string
	RemoteAddr string

	readIndex  int64
	generation int64

	connectedAt time.Time
	startDebug  *StartDebug
}

// AcquireReader selects an initial read position using Smart Start (or the
// fallback offset) and registers the reader with the buffer (spec.md §4.1
// acquire_reader, §4.2).
func (b *Buffer) AcquireReader(userAgent, remoteAddr string) *Reader {
	start, debug := b.selectStart()

	b.clientsMu.Lock()
	defer b.clientsMu.Unlock()

	b.mu.Lock()
	gen := b.gen
	b.mu.Unlock()

	r := &Reader{
		ID:          uuid.New(),
		UserAgent:   userAgent,
		RemoteAddr:  remoteAddr,
		readIndex:   start,
		generation:  gen,
		connectedAt: time.Now(),
		startDebug:  debug,
	}
	b.clients[r.ID] = r
	return r
}

// Release deregisters a reader from the buffer.
func (b *Buffer) Release(r *Reader) {
	b.clientsMu.Lock()
	delete(b.clients, r.ID)
	b.clientsMu.Unlock()
}

// ClientCount returns the number of connected readers (spec.md §3 Stream
// Descriptor lifecycle: destroyed only when connected client count is zero).
func (b *Buffer) ClientCount() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	return len(b.clients)
}

// ReadNext returns the packet at r's read position, advancing it, or
// signals a lag-drop / wait / closed condition (spec.md §4.1 read_next).
func (b *Buffer) ReadNext(r *Reader) ([]byte, ReadResult) {
	b.mu.Lock()
	if r.generation != b.gen {
		// Stale generation: re-anchor to current W (spec.md §3, scenario 2).
		r.readIndex = b.w
		r.generation = b.gen
	}

	maxLag := b.cfg.MaxClientLagMs
	minIndex := int64(0)
	if maxLag > 0 {
		lagPackets := packetsForMs(maxLag, b.cfg.BandwidthKbps)
		if b.w-lagPackets > 0 {
			minIndex = b.w - lagPackets
		}
	} else if b.w-b.capacity > 0 {
		minIndex = b.w - b.capacity
	}
	lagged := false
	if r.readIndex < minIndex {
		r.readIndex = minIndex
		lagged = true
		if r.readIndex >= b.w {
			b.mu.Unlock()
			return nil, ReadLagDrop
		}
	}

	for r.readIndex >= b.w && !b.closed {
		ch := b.notifyCh
		b.mu.Unlock()
		select {
		case <-ch:
		case <-time.After(readTimeout):
			return nil, ReadWait
		}
		b.mu.Lock()
	}
	if b.closed && r.readIndex >= b.w {
		b.mu.Unlock()
		return nil, ReadClosed
	}

	slot := r.readIndex % b.capacity
	pkt := b.slots[slot]
	r.readIndex++
	b.mu.Unlock()

	out := make([]byte, len(pkt))
	copy(out, pkt[:])
	if lagged {
		return out, ReadLagDrop
	}
	return out, ReadOK
}
