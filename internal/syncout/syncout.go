package syncout

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaycore/tscore/internal/config"
	"github.com/relaycore/tscore/internal/tspacket"
)

// Output is one PCR-paced UDP/RTP sync output instance: a producer-fed
// ring buffer and a dedicated consumer goroutine that performs PCR-based
// pacing and UDP send (spec.md §4.6 "Threading").
type Output struct {
	cfg    config.SyncConfig
	log    *slog.Logger
	buf    *Buffer
	pacer  *Pacer
	rtp    *rtpPacker
	sender *Sender

	lastVideoPID uint16
}

// New builds an Output. The consumer does not start until Run is called.
func New(cfg config.SyncConfig, log *slog.Logger) (*Output, error) {
	sender, err := NewSender(cfg, log)
	if err != nil {
		return nil, err
	}
	// The ring holds twice the sync_mb threshold that Run waits for, so the
	// threshold is reachable before Push starts dropping packets.
	capacityBytes := 2 * cfg.SyncMB * 1024 * 1024
	if capacityBytes <= 0 {
		capacityBytes = 4 * 1024 * 1024
	}
	return &Output{
		cfg:    cfg,
		log:    log,
		buf:    NewBuffer(capacityBytes, log),
		pacer:  NewPacer(),
		rtp:    newRTPPacker(cfg.RTPEnabled),
		sender: sender,
	}, nil
}

// Push is the producer-side entry point: feed one TS packet into the sync
// output's ring buffer. Never blocks (spec.md §5 "Backpressure").
func (o *Output) Push(pkt []byte) {
	o.buf.Push(pkt)
	if _, hasPCR := tspacket.ReadPCR(pkt); hasPCR {
		o.lastVideoPID = tspacket.PID(pkt)
	}
}

// Close shuts the output down, unblocking the consumer and closing the
// socket.
func (o *Output) Close() error {
	o.buf.Close()
	return o.sender.Close()
}

// Run is the consumer loop: wait for threshold bytes, scan for PCR blocks,
// pace emission to wall clock, and send UDP/RTP datagrams. It runs until
// ctx is cancelled or the buffer is closed (spec.md §4.6 "Algorithm",
// §5 "Sync output consumer suspends on usleep computed from PCR math").
func (o *Output) Run(ctx context.Context) {
	thresholdBytes := o.cfg.SyncMB * 1024 * 1024
	if thresholdBytes <= 0 {
		thresholdBytes = 2 * 1024 * 1024
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if !o.buf.WaitForBytes(thresholdBytes) {
			return // buffer closed
		}

		pkts := o.buf.Pop(0)
		if len(pkts) == 0 {
			continue
		}
		o.emitRun(ctx, pkts)
	}
}

// emitRun feeds a batch of packets through the pacer, emitting each closed
// block with wall-clock pacing. Packets not yet closed into a block stay
// pending inside the pacer and open the block closed by a later batch.
func (o *Output) emitRun(ctx context.Context, pkts [][]byte) {
	var blockStart time.Time

	for _, pkt := range pkts {
		block, ok := o.pacer.Feed(pkt)
		if !ok {
			continue
		}
		blockStart = time.Now()
		o.emitBlock(ctx, block, blockStart)
	}
}

// emitBlock sends one PCR-paced block's packets as datagram chunks,
// sleeping between sends so chunk i is sent at
// blockStart + i*TSSyncUs*tsPacketsPerDatagram. Pacing is per datagram of
// tsPacketsPerDatagram packets, not per packet.
func (o *Output) emitBlock(ctx context.Context, block PacedBlock, blockStart time.Time) {
	if block.TSSyncUs <= 0 {
		return
	}
	chunkIntervalUs := block.TSSyncUs * float64(tsPacketsPerDatagram)
	chunks := datagramChunks(block.Packets, o.nullPacket)

	for i, chunk := range chunks {
		deadline := blockStart.Add(time.Duration(float64(i) * chunkIntervalUs * float64(time.Microsecond)))
		sleepUntil(ctx, deadline)

		datagram, err := o.rtp.Wrap(chunk)
		if err != nil {
			continue
		}
		o.sender.Send(datagram)
	}
	o.sender.Flush()
}

// sleepUntil blocks until deadline or ctx cancellation, whichever first.
func sleepUntil(ctx context.Context, deadline time.Time) {
	d := time.Until(deadline)
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// nullPacket builds a stuffing packet at the last known video PID, or the
// reserved NULL PID if none has been observed yet (spec.md §4.6: "If
// buffer underruns, the missing packet slot is filled with a NULL
// packet").
func (o *Output) nullPacket() []byte {
	pkt := make([]byte, tspacket.Size)
	pkt[0] = tspacket.SyncByte
	pid := o.lastVideoPID
	if pid == 0 {
		pid = tspacket.PIDNull
	}
	tspacket.SetPID(pkt, pid)
	pkt[3] = 0x10
	for i := 4; i < tspacket.Size; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}
