package csa

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/tscore/internal/config"
)

// ECM section table ids (spec.md §4.5 "On PID-matched ECM").
const (
	TableIDECMEven byte = 0x80
	TableIDECMOdd  byte = 0x81
)

// defaultECMTimeout bounds how long a single CAM request waits before the
// adaptive window expires and the request is treated as not_found
// (spec.md §7 "ecm_timeout").
const defaultECMTimeout = 2 * time.Second

// CAMResponse is the result of one ECM request against a CAM backend.
type CAMResponse struct {
	Found  bool
	EvenCW [8]byte
	OddCW  [8]byte
}

// CAM is the external collaborator that speaks one CAM backend's wire
// protocol. The specific on-the-wire framing of CAM protocols is out of
// scope for this core (spec.md §1); callers supply a CAM implementation
// that already knows how to talk to a given head-end's ECM service.
type CAM interface {
	SendECM(ctx context.Context, requestID uuid.UUID, caid uint16, ecmPID uint16, ecm []byte) (CAMResponse, error)
}

// ECMStats holds the per-CA-stream ECM counters named in spec.md §6
// Observability, plus the RTT histogram buckets (≤50, ≤100, ≤250, ≤500,
// >500 ms).
type ECMStats struct {
	Sent      atomic.Int64
	Retry     atomic.Int64
	OKPrimary atomic.Int64
	OKBackup  atomic.Int64
	NotFound  atomic.Int64

	rttMu      sync.Mutex
	rttBuckets [5]int64
}

func (s *ECMStats) observeRTT(d time.Duration) {
	s.rttMu.Lock()
	defer s.rttMu.Unlock()
	switch {
	case d <= 50*time.Millisecond:
		s.rttBuckets[0]++
	case d <= 100*time.Millisecond:
		s.rttBuckets[1]++
	case d <= 250*time.Millisecond:
		s.rttBuckets[2]++
	case d <= 500*time.Millisecond:
		s.rttBuckets[3]++
	default:
		s.rttBuckets[4]++
	}
}

// Histogram returns a snapshot of the RTT bucket counts.
func (s *ECMStats) Histogram() [5]int64 {
	s.rttMu.Lock()
	defer s.rttMu.Unlock()
	return s.rttBuckets
}

// CAStream is the per-ECM-PID decrypt context: key state, ECM retry
// bookkeeping, and statistics (spec.md §3 "CA Stream").
type CAStream struct {
	ecmPID uint16
	caid   uint16
	ks     *keyState
	Stats  ECMStats

	mu          sync.Mutex
	lastSend    time.Time
	lastSuccess time.Time
	fails       int
}

// readyToSend implements the "not-currently-repeating guard": adaptive
// backoff while failing, a 2s keepalive once stable (spec.md §4.5 step 1).
func (cs *CAStream) readyToSend(now time.Time) bool {
	if cs.lastSend.IsZero() {
		return true
	}
	interval := backoffInterval(cs.fails, cs.ecmPID)
	if cs.fails == 0 && !cs.lastSuccess.IsZero() {
		interval = 2 * time.Second
	}
	return now.Sub(cs.lastSend) >= interval
}

// backoffInterval computes the ECM retry interval: min(2s, 250ms *
// 2^min(fails,3)) plus a per-PID deterministic jitter (spec.md §4.5 step 1,
// §8 "ECM backoff").
func backoffInterval(fails int, ecmPID uint16) time.Duration {
	shift := fails
	if shift > 3 {
		shift = 3
	}
	base := 250 * time.Millisecond * time.Duration(uint(1)<<uint(shift))
	if base > 2*time.Second {
		base = 2 * time.Second
	}
	jitter := time.Duration(ecmPID%53) * time.Millisecond
	return base + jitter
}

// Dispatcher drives ECM/EMM dispatch to one or two CAM backends with
// request hedging, maintaining one CAStream per ECM PID (spec.md §4.5).
type Dispatcher struct {
	cfg      config.DecryptConfig
	primary  CAM
	backup   CAM
	keyGuard bool
	log      *slog.Logger

	mu      sync.Mutex
	streams map[uint16]*CAStream
}

// NewDispatcher builds a Dispatcher. key_guard is forced on whenever a
// backup CAM is configured (spec.md §4.5 step 4: "forced when dual-CAM is
// used").
func NewDispatcher(cfg config.DecryptConfig, primary, backup CAM, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		primary:  primary,
		backup:   backup,
		keyGuard: cfg.KeyGuard || backup != nil,
		log:      log,
		streams:  make(map[uint16]*CAStream),
	}
}

// streamFor returns (creating if necessary) the CAStream for ecmPID.
func (d *Dispatcher) streamFor(ecmPID, caid uint16) *CAStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	cs, ok := d.streams[ecmPID]
	if !ok {
		cs = &CAStream{ecmPID: ecmPID, caid: caid, ks: newKeyState()}
		d.streams[ecmPID] = cs
	}
	return cs
}

// HandleECMSection evaluates one PID-matched section against the repeat
// guard and, if eligible, dispatches it to the CAM backend(s) on a
// background goroutine. It returns whether a send was issued.
func (d *Dispatcher) HandleECMSection(ctx context.Context, ecmPID, caid uint16, section []byte, now time.Time) bool {
	if len(section) == 0 {
		return false
	}
	switch section[0] {
	case TableIDECMEven, TableIDECMOdd:
	default:
		return false
	}

	cs := d.streamFor(ecmPID, caid)
	cs.mu.Lock()
	if !cs.readyToSend(now) {
		cs.mu.Unlock()
		return false
	}
	retry := cs.fails > 0
	cs.lastSend = now
	cs.mu.Unlock()

	cs.Stats.Sent.Add(1)
	if retry {
		cs.Stats.Retry.Add(1)
	}

	go d.sendWithHedge(ctx, cs, append([]byte(nil), section...))
	return true
}

type camResult struct {
	resp       CAMResponse
	err        error
	fromBackup bool
}

// sendWithHedge sends the ECM to the primary CAM and, if a backup is
// configured with cam_backup_hedge_ms > 0, schedules a single-shot hedge
// send to the backup unless the primary has already answered
// (spec.md §4.5 steps 1-2).
func (d *Dispatcher) sendWithHedge(ctx context.Context, cs *CAStream, ecm []byte) {
	ctx, cancel := context.WithTimeout(ctx, defaultECMTimeout)
	defer cancel()

	reqID := uuid.New()
	start := time.Now()

	primaryCh := make(chan camResult, 1)
	go func() {
		resp, err := d.primary.SendECM(ctx, reqID, cs.caid, cs.ecmPID, ecm)
		primaryCh <- camResult{resp: resp, err: err}
	}()

	var backupCh chan camResult
	var hedgeTimer *time.Timer
	if d.backup != nil && d.cfg.CAMBackupHedgeMs > 0 {
		backupCh = make(chan camResult, 1)
		hedgeTimer = time.AfterFunc(time.Duration(d.cfg.CAMBackupHedgeMs)*time.Millisecond, func() {
			resp, err := d.backup.SendECM(ctx, reqID, cs.caid, cs.ecmPID, ecm)
			backupCh <- camResult{resp: resp, err: err, fromBackup: true}
		})
	}

	select {
	case res := <-primaryCh:
		if res.err == nil && res.resp.Found {
			// Only a successful primary answer cancels the backup hedge
			// (spec.md §5: "Hedge timers are cancelled on ECM success
			// from the primary CAM or on stream close"). A failing
			// primary must not starve the backup path.
			if hedgeTimer != nil {
				hedgeTimer.Stop()
			}
			d.applyResult(cs, res, start)
			return
		}
		if backupCh == nil {
			d.applyResult(cs, res, start)
			return
		}
		select {
		case bres := <-backupCh:
			d.applyResult(cs, bres, start)
		case <-ctx.Done():
			d.applyResult(cs, res, start)
		}
	case res := <-backupCh:
		d.applyResult(cs, res, start)
		go func() { <-primaryCh }() // drain the late primary answer
	}
}

// applyResult records stats and, on success, stages or applies the
// returned control words depending on key_guard (spec.md §4.5 steps 3-4).
func (d *Dispatcher) applyResult(cs *CAStream, res camResult, start time.Time) {
	cs.Stats.observeRTT(time.Since(start))

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if res.err != nil || !res.resp.Found {
		cs.fails++
		cs.Stats.NotFound.Add(1)
		if d.log != nil {
			d.log.Warn("csa: ECM not found", "ecm_pid", cs.ecmPID, "fails", cs.fails)
		}
		return
	}

	cs.fails = 0
	cs.lastSuccess = time.Now()
	if res.fromBackup {
		cs.Stats.OKBackup.Add(1)
	} else {
		cs.Stats.OKPrimary.Add(1)
	}

	if d.keyGuard {
		cs.ks.stageCandidate(res.resp.EvenCW, res.resp.OddCW, cs.lastSuccess)
	} else {
		cs.ks.applyImmediately(res.resp.EvenCW, res.resp.OddCW)
	}
}
