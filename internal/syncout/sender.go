package syncout

import (
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/relaycore/tscore/internal/config"
)

// Sender owns the UDP socket output path: send-buffer sizing and a
// best-effort batched send with transient-error backpressure (spec.md
// §4.6 "Send path", §6 "Outbound transports"). TTL and source-address
// selection are accepted in config but not enforced here: no dependency
// actually exercised elsewhere in this module offers a clean per-socket
// IP_TTL setsockopt, and reaching for one (e.g. golang.org/x/net/ipv4)
// solely for this would be wiring a library nothing else in the tree uses.
type Sender struct {
	conn *net.UDPConn

	batchSend bool
	batch     [][]byte
	batchCap  int

	dropped     atomic.Int64
	dropLimiter *rate.Limiter
	log         *slog.Logger
}

// NewSender dials cfg.Addr (host:port) for UDP output.
func NewSender(cfg config.SyncConfig, log *slog.Logger) (*Sender, error) {
	raddr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	if cfg.SendBuffer > 0 {
		_ = conn.SetWriteBuffer(cfg.SendBuffer)
	}
	return &Sender{
		conn:        conn,
		batchSend:   cfg.BatchSend,
		batchCap:    8,
		dropLimiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
		log:         log,
	}, nil
}

// Send queues (or immediately writes, if batching is disabled) one
// datagram. When batching is enabled, the batch flushes once it reaches
// its capacity; Flush still issues one write call per datagram, so a
// batch is not sent in a single syscall.
func (s *Sender) Send(datagram []byte) {
	if !s.batchSend {
		s.write(datagram)
		return
	}
	s.batch = append(s.batch, datagram)
	if len(s.batch) >= s.batchCap {
		s.Flush()
	}
}

// Flush writes any batched datagrams now.
func (s *Sender) Flush() {
	for _, dg := range s.batch {
		s.write(dg)
	}
	s.batch = s.batch[:0]
}

// write performs one datagram send, dropping on transient errors (queue
// full, EAGAIN) with a rate-limited warning (spec.md §4.6 "Send path").
func (s *Sender) write(datagram []byte) {
	if _, err := s.conn.Write(datagram); err != nil {
		s.dropped.Add(1)
		if s.log != nil && s.dropLimiter.Allow() {
			s.log.Warn("syncout: dropped datagram on transient send error",
				"error", err, "dropped_total", s.dropped.Load())
		}
	}
}

// Dropped returns the cumulative dropped-datagram count.
func (s *Sender) Dropped() int64 {
	return s.dropped.Load()
}

// Close closes the underlying socket, flushing any pending batch first.
func (s *Sender) Close() error {
	s.Flush()
	return s.conn.Close()
}
