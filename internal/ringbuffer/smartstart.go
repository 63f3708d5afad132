package ringbuffer

import "time"

// StartDebug records how a start index was chosen, when start_debug_enabled
// is set (spec.md §4.2 Debug record).
type StartDebug struct {
	Mode        string // "smart_checkpoint" or "fallback_offset"
	Checkpoint  int64
	PATIndex    int64
	PMTIndex    int64
	PCRIndex    int64
	ParamsetIdx int64
	DesyncMs    float64
	Score       float64
}

const (
	modeSmartCheckpoint = "smart_checkpoint"
	modeFallbackOffset  = "fallback_offset"
)

// selectStart implements Smart Start (spec.md §4.2). It returns the chosen
// start index and, if start_debug_enabled, a debug record.
func (b *Buffer) selectStart() (int64, *StartDebug) {
	b.mu.Lock()
	w := b.w
	capacity := b.capacity
	bw := b.cfg.BandwidthKbps

	if !b.cfg.SmartStartEnabled {
		b.mu.Unlock()
		return b.fallbackIndex(w, capacity, bw), nil
	}

	deadline := time.Now().Add(time.Duration(b.cfg.SmartWaitReadyMs) * time.Millisecond)

	var cp scoredCheckpoint
	var score float64
	found := false
	for {
		minIndex := int64(0)
		if b.w-capacity > 0 {
			minIndex = b.w - capacity
		}
		target := b.w - packetsForMs(b.cfg.SmartTargetDelayMs, bw)
		if target < 0 {
			target = 0
		}
		if target < minIndex {
			target = minIndex
		}

		cp, score, found = b.bestCheckpoint(minIndex, target, bw)
		if found || b.closed || time.Now().After(deadline) {
			break
		}
		ch := b.notifyCh
		b.mu.Unlock()
		select {
		case <-ch:
		case <-time.After(time.Until(deadline)):
		}
		b.mu.Lock()
	}
	w = b.w
	capacity = b.capacity
	b.mu.Unlock()

	if !found {
		// Ready-wait exhausted: fall back to the time-offset heuristic. No
		// SMART_START_FALLBACK event or log line is emitted; the fallback
		// shows only in the debug record's mode, when that is enabled.
		idx := b.fallbackIndex(w, capacity, bw)
		if b.cfg.StartDebugEnabled {
			return idx, &StartDebug{Mode: modeFallbackOffset}
		}
		return idx, nil
	}

	start := cp.baseStart
	var debug *StartDebug
	if b.cfg.StartDebugEnabled {
		debug = &StartDebug{
			Mode:        modeSmartCheckpoint,
			Checkpoint:  cp.Index,
			PATIndex:    cp.LastSeen.LastPAT,
			PMTIndex:    cp.LastSeen.LastPMT,
			PCRIndex:    cp.LastSeen.LastPCR,
			ParamsetIdx: cp.LastSeen.LastParamset,
			DesyncMs:    cp.avDesyncMs(),
			Score:       score,
		}
	}
	minIndex := int64(0)
	if w-capacity > 0 {
		minIndex = w - capacity
	}
	if start < minIndex {
		start = minIndex
	}
	return start, debug
}

// scoredCheckpoint pairs a checkpoint with the start index it implies.
type scoredCheckpoint struct {
	Checkpoint
	baseStart int64
}

// bestCheckpoint scans the checkpoint ring for the minimum-score surviving
// checkpoint that satisfies the stream's requirement filter (spec.md §4.2
// Algorithm). Caller must hold b.mu.
func (b *Buffer) bestCheckpoint(minIndex, target int64, bw int) (scoredCheckpoint, float64, bool) {
	var best scoredCheckpoint
	bestScore := float64(-1)
	found := false

	lookback := packetsForMs(b.cfg.SmartLookbackMs, bw)
	maxK := target + lookback

	for _, cp := range b.checkpoints {
		if cp.Index < minIndex {
			continue
		}
		if cp.LastSeen.LastPAT >= 0 && cp.LastSeen.LastPAT < minIndex {
			continue
		}
		if cp.Index > maxK {
			continue
		}
		flags := cp.effectiveFlags(minIndex)
		if b.cfg.SmartRequirePATPMT && (flags&CheckpointFlagPAT == 0 || flags&CheckpointFlagPMT == 0) {
			continue
		}
		// smart_require_keyframe is satisfied trivially: every checkpoint is
		// by construction taken at a keyframe.
		if b.cfg.SmartRequirePCR && flags&CheckpointFlagPCR == 0 {
			continue
		}
		if b.cfg.ParamsetRequired && flags&CheckpointFlagParamset == 0 {
			continue
		}
		if b.cfg.AVPTSAlignEnabled && flags&CheckpointFlagPTSOK != 0 {
			desync := cp.avDesyncMs()
			if desync < 0 {
				desync = -desync
			}
			if b.cfg.AVPTSMaxDesyncMs > 0 && desync > float64(b.cfg.AVPTSMaxDesyncMs) {
				continue
			}
		}

		leadMs := msForPackets(cp.Index-target, bw)
		if leadMs < 0 {
			leadMs = -leadMs
		}
		if b.cfg.SmartMaxLeadMs > 0 && leadMs > float64(b.cfg.SmartMaxLeadMs) {
			continue
		}

		dist := cp.Index - target
		if dist < 0 {
			dist = -dist
		}
		desync := cp.avDesyncMs()
		if desync < 0 {
			desync = -desync
		}
		score := float64(dist) + desync

		if !found || score < bestScore {
			base := cp.Index
			if flags&CheckpointFlagPAT != 0 {
				base = cp.LastSeen.LastPAT
			} else if flags&CheckpointFlagPMT != 0 {
				base = cp.LastSeen.LastPMT
			}
			base = b.extendBackwards(base, cp, minIndex, bw)
			best = scoredCheckpoint{Checkpoint: cp, baseStart: base}
			bestScore = score
			found = true
		}
	}

	return best, bestScore, found
}

// extendBackwards pulls the start index back to the paramset or PCR index
// if doing so still fits under smart_max_lead_ms (spec.md §4.2 Algorithm).
func (b *Buffer) extendBackwards(base int64, cp Checkpoint, minIndex int64, bw int) int64 {
	candidate := base
	if cp.LastSeen.LastParamset >= minIndex && cp.LastSeen.LastParamset < candidate {
		candidate = cp.LastSeen.LastParamset
	}
	if cp.LastSeen.LastPCR >= minIndex && cp.LastSeen.LastPCR < candidate {
		candidate = cp.LastSeen.LastPCR
	}
	leadMs := msForPackets(cp.Index-candidate, bw)
	if b.cfg.SmartMaxLeadMs > 0 && leadMs > float64(b.cfg.SmartMaxLeadMs) {
		return base
	}
	if candidate < minIndex {
		return minIndex
	}
	return candidate
}

// fallbackIndex computes the time-offset fallback position
// W - packets_for_ms(client_start_offset_sec * 1000) (spec.md §4.2
// Ready-wait).
func (b *Buffer) fallbackIndex(w, capacity int64, bw int) int64 {
	offsetMs := b.cfg.ClientStartOffset * 1000
	idx := w - packetsForMs(offsetMs, bw)
	minIndex := int64(0)
	if w-capacity > 0 {
		minIndex = w - capacity
	}
	if idx < minIndex {
		idx = minIndex
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}
