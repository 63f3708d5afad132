package mux

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// nullStuffMaxPerTick caps how many NULL packets one shaper tick may emit
// (spec.md §4.4 "CBR shaper").
const nullStuffMaxPerTick = 2000

const shaperTick = 10 * time.Millisecond

// cbrShaper implements the constant-bitrate shaper: on each 10ms tick it
// compares the expected packet count for target_bitrate_bps against what
// was actually sent and stuffs NULL packets to close the gap
// (spec.md §4.4 "CBR shaper").
type cbrShaper struct {
	targetBitrateBps int64
	tickStart        time.Time
	sentPackets      int64

	overLimiter *rate.Limiter // gates the "input exceeds target for >1s" warning
	overSince   time.Time
	log         *slog.Logger
}

func newCBRShaper(targetBitrateBps int64, log *slog.Logger) *cbrShaper {
	return &cbrShaper{
		targetBitrateBps: targetBitrateBps,
		tickStart:        time.Now(),
		overLimiter:      rate.NewLimiter(rate.Every(10*time.Second), 1),
		log:              log,
	}
}

// recordSent is called once per real (non-NULL) packet emitted.
func (c *cbrShaper) recordSent() {
	c.sentPackets++
}

// tick runs the 10ms shaping step and returns how many NULL packets to
// stuff before the next tick (spec.md §4.4: "expected = target_bitrate ×
// elapsed_us / (188 × 8 × 10^6); if expected > sent_packets, emit up to
// 2000 NULL packets").
func (c *cbrShaper) tick(now time.Time) int {
	if c.tickStart.IsZero() {
		c.tickStart = now
	}
	elapsedUs := now.Sub(c.tickStart).Microseconds()
	expected := c.targetBitrateBps * elapsedUs / (188 * 8 * 1_000_000)

	stuff := 0
	if expected > c.sentPackets {
		stuff = int(expected - c.sentPackets)
		if stuff > nullStuffMaxPerTick {
			stuff = nullStuffMaxPerTick
		}
		c.sentPackets += int64(stuff)
		c.overSince = time.Time{}
		return stuff
	}

	if c.overSince.IsZero() {
		c.overSince = now
	} else if now.Sub(c.overSince) > time.Second && c.overLimiter.Allow() {
		c.log.Warn("mux: input exceeds target bitrate", "target_bitrate_bps", c.targetBitrateBps)
	}

	return stuff
}
