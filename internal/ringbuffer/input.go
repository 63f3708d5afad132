package ringbuffer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/relaycore/tscore/internal/config"
)

// InputState classifies the current state of one prioritized input
// (spec.md §6 Observability: state ∈ {OK, PROBING, DOWN}).
type InputState string

// Input states.
const (
	InputStateOK      InputState = "OK"
	InputStateProbing InputState = "PROBING"
	InputStateDown    InputState = "DOWN"
)

// InputProbe is the collaborator that actually dials an input URL to check
// reachability; supplied by the ingest layer so the selector stays
// transport-agnostic.
type InputProbe func(ctx context.Context, url string) error

// inputStatus tracks one configured input's runtime state.
type inputStatus struct {
	cfg   config.InputConfig
	state InputState
	lastOK time.Time
	lastErr error
}

// InputSelector implements the backup input policy named in spec.md §6
// (backup_type, backup_start_delay_sec, backup_return_delay_sec,
// backup_probe_interval_sec) but not elaborated in §4; it mirrors the
// active/passive failover shape of the teacher's stream relay fallback
// handling, adapted to probe-and-switch semantics instead of slate
// generation.
type InputSelector struct {
	cfg   config.StreamConfig
	probe InputProbe

	mu           sync.Mutex
	inputs       []*inputStatus
	activeIdx    int
	switchedAt   time.Time
	downSince    time.Time
}

// NewInputSelector builds a selector over cfg.Inputs sorted by ascending
// priority (lower value = higher priority, tried first).
func NewInputSelector(cfg config.StreamConfig, probe InputProbe) *InputSelector {
	inputs := make([]*inputStatus, 0, len(cfg.Inputs))
	for _, in := range cfg.Inputs {
		if !in.Enable {
			continue
		}
		inputs = append(inputs, &inputStatus{cfg: in, state: InputStateProbing})
	}
	sort.SliceStable(inputs, func(i, j int) bool {
		return inputs[i].cfg.Priority < inputs[j].cfg.Priority
	})
	return &InputSelector{cfg: cfg, probe: probe, inputs: inputs}
}

// InputAt returns the full configuration (URL, bind device) for a
// previously returned index, so the ingest layer can pick a transport (HTTP
// pull vs UDP multicast) and apply per-input settings that NextInput's
// (idx, url) pair doesn't carry.
func (s *InputSelector) InputAt(idx int) config.InputConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.inputs) {
		return config.InputConfig{}
	}
	return s.inputs[idx].cfg
}

// ActiveURL returns the currently selected input URL, or "" if none.
func (s *InputSelector) ActiveURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeIdx >= len(s.inputs) {
		return ""
	}
	return s.inputs[s.activeIdx].cfg.URL
}

// ActiveIndex returns the index of the currently selected input.
func (s *InputSelector) ActiveIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeIdx
}

// ReportFailure marks the active input down and, if a higher-priority input
// was previously preferred, leaves the selector to be advanced by the
// caller's reconnect loop (spec.md §8 scenario 2: input failover).
func (s *InputSelector) ReportFailure(idx int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.inputs) {
		return
	}
	s.inputs[idx].state = InputStateDown
	s.inputs[idx].lastErr = err
	if idx == s.activeIdx {
		s.downSince = time.Now()
	}
}

// ReportSuccess marks an input OK.
func (s *InputSelector) ReportSuccess(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.inputs) {
		return
	}
	s.inputs[idx].state = InputStateOK
	s.inputs[idx].lastOK = time.Now()
}

// NextInput advances to the next-priority enabled input after the current
// one fails, honoring backup_start_delay_sec before a backup is considered
// eligible at all.
func (s *InputSelector) NextInput() (int, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inputs) == 0 {
		return 0, "", false
	}
	start := s.activeIdx + 1
	for i := start; i < len(s.inputs); i++ {
		delay := time.Duration(s.cfg.BackupStartDelaySec) * time.Second
		if delay > 0 && time.Since(s.downSince) < delay {
			continue
		}
		s.activeIdx = i
		return i, s.inputs[i].cfg.URL, true
	}
	return s.activeIdx, "", false
}

// MaybeReturnToPrimary implements backup_type=active return-to-primary
// probing: once the higher-priority input has been OK for
// backup_return_delay_sec, the selector switches back. For any other
// backup_type it never switches and always returns false.
func (s *InputSelector) MaybeReturnToPrimary() (int, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.BackupType != config.BackupActive {
		return s.activeIdx, "", false
	}
	if s.activeIdx == 0 || len(s.inputs) == 0 {
		return s.activeIdx, "", false
	}
	primary := s.inputs[0]
	if primary.state != InputStateOK {
		return s.activeIdx, "", false
	}
	returnDelay := time.Duration(s.cfg.BackupReturnDelaySec) * time.Second
	if time.Since(primary.lastOK) < returnDelay {
		return s.activeIdx, "", false
	}
	s.activeIdx = 0
	return 0, primary.cfg.URL, true
}

// RunProbeLoop periodically probes non-active inputs at
// backup_probe_interval_sec so MaybeReturnToPrimary has fresh state to act
// on; it runs until ctx is cancelled.
func (s *InputSelector) RunProbeLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.BackupProbeInterval) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.probeInactive(ctx)
		}
	}
}

func (s *InputSelector) probeInactive(ctx context.Context) {
	if s.probe == nil {
		return
	}
	s.mu.Lock()
	active := s.activeIdx
	targets := make([]int, 0, len(s.inputs))
	for i := range s.inputs {
		if i != active {
			targets = append(targets, i)
		}
	}
	s.mu.Unlock()

	for _, i := range targets {
		s.mu.Lock()
		url := s.inputs[i].cfg.URL
		s.mu.Unlock()
		if err := s.probe(ctx, url); err != nil {
			s.ReportFailure(i, err)
		} else {
			s.ReportSuccess(i)
		}
	}
}
