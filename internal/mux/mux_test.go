package mux

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/relaycore/tscore/internal/config"
	"github.com/relaycore/tscore/internal/psi"
	"github.com/relaycore/tscore/internal/tspacket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPIDAllocator_SkipsReservedAndInUse(t *testing.T) {
	a := newPIDAllocator()
	first := a.allocate()
	assert.Equal(t, firstAllocatablePID, first)

	a.reserve(firstAllocatablePID + 1)
	second := a.allocate()
	assert.Equal(t, firstAllocatablePID+2, second)
}

func TestPIDAllocator_ReserveRejectsReservedPID(t *testing.T) {
	a := newPIDAllocator()
	assert.False(t, a.reserve(tspacket.PIDPAT))
	assert.False(t, a.reserve(tspacket.PIDNull))
}

func TestResolvePNRs_ClaimsRequestedFirst(t *testing.T) {
	resolved, fellBack := resolvePNRs([]uint16{5, 0, 5})
	assert.Equal(t, uint16(5), resolved[0])
	assert.NotEqual(t, uint16(5), resolved[2]) // conflict with index 0, falls back
	assert.NotEqual(t, uint16(0), resolved[1])
	assert.ElementsMatch(t, []int{1, 2}, fellBack)
}

func TestResolvePNRs_FallbackPicksLowestFree(t *testing.T) {
	resolved, _ := resolvePNRs([]uint16{2, 0})
	assert.Equal(t, uint16(2), resolved[0])
	assert.Equal(t, uint16(1), resolved[1])
}

func TestPCRRestamper_FreeRunningWrapsAtModulus(t *testing.T) {
	p := newPCRRestamper(false, 0, 0)
	out := p.freeRunning(0)
	assert.Equal(t, tspacket.PCR42(0), out)

	later := p.freeRunning(1000)
	assert.Equal(t, uint64(1000*27), later.Ticks27m())

	// 95,443,717,689µs × 27 = 2^33·300 + 3 ticks, so the output wraps to 3.
	wrapped := p.freeRunning(95_443_717_689)
	assert.Equal(t, tspacket.PCR42(3), wrapped)
}

func TestPCRRestamper_SmoothingClampsOffset(t *testing.T) {
	p := newPCRRestamper(true, 1.0, 1000)
	// Force a huge diff between the free-running target and an unrelated
	// input PCR; alpha=1 means offset jumps straight to diff, then clamps.
	out := p.smooth(0, tspacket.PCR42(5_000_000))
	assert.NotZero(t, out)
	assert.LessOrEqual(t, p.offsetTicks, int64(1000))
	assert.GreaterOrEqual(t, p.offsetTicks, int64(-1000))
}

func TestCBRShaper_StuffsNullsToMeetTarget(t *testing.T) {
	s := newCBRShaper(188*8*1000, testLogger()) // 1000 packets/sec
	start := time.Now()
	n := s.tick(start.Add(100 * time.Millisecond))
	assert.Greater(t, n, 0)
}

func TestCBRShaper_NoStuffWhenAlreadyMeetingTarget(t *testing.T) {
	s := newCBRShaper(188*8*1000, testLogger())
	start := time.Now()
	s.sentPackets = 1_000_000 // far ahead of any realistic expected count
	n := s.tick(start.Add(10 * time.Millisecond))
	assert.Equal(t, 0, n)
}

func buildTestPMTSection(t *testing.T) ([]byte, *psi.ParsedPMT) {
	t.Helper()
	sections := psi.BuildPMT(psi.PMTParams{
		ProgramNumber: 1,
		PCRPID:        0x100,
		Streams: []psi.PMTElementaryStream{
			{StreamType: 0x02, PID: 0x100},
			{StreamType: 0x0F, PID: 0x101},
		},
	})
	parsed, err := psi.ParsePMTSection(sections[0])
	require.NoError(t, err)
	return sections[0], parsed
}

func testMuxConfig() config.MuxConfig {
	return config.MuxConfig{
		TSID:          0x1,
		ONID:          0x1,
		NetworkID:     0x1,
		NetworkName:   "Test",
		Codepage:      "utf-8",
		SIIntervalMs:  500,
		TargetBitrate: 8_000_000,
		PassSDT:       true,
		PassNIT:       true,
		PassTDT:       true,
		Services: []config.ServiceConfig{
			{StreamID: "svc1", ConfiguredPNR: 1, ServiceName: "Test Service", ProviderName: "Test"},
		},
	}
}

func TestMultiplexer_ReconcileMarksServiceReady(t *testing.T) {
	m := New(testMuxConfig(), testLogger())
	_, parsed := buildTestPMTSection(t)
	m.RegisterPMT("svc1", 0x1000, parsed)
	m.Reconcile()

	s := m.services["svc1"]
	require.True(t, s.ready())
	assert.NotZero(t, s.outputPNR)
	assert.NotZero(t, s.outputPCRPID)
}

func TestMultiplexer_ProcessPacketDropsReservedPIDsWhenNotPassthrough(t *testing.T) {
	m := New(testMuxConfig(), testLogger())
	_, parsed := buildTestPMTSection(t)
	m.RegisterPMT("svc1", 0x1000, parsed)
	m.Reconcile()

	pkt := make([]byte, tspacket.Size)
	pkt[0] = tspacket.SyncByte
	tspacket.SetPID(pkt, tspacket.PIDSDT)
	pkt[3] = 0x10

	_, forwarded := m.ProcessPacket("svc1", pkt, 0)
	assert.False(t, forwarded)
}

func TestMultiplexer_ProcessPacketRemapsElementaryPID(t *testing.T) {
	m := New(testMuxConfig(), testLogger())
	_, parsed := buildTestPMTSection(t)
	m.RegisterPMT("svc1", 0x1000, parsed)
	m.Reconcile()

	pkt := make([]byte, tspacket.Size)
	pkt[0] = tspacket.SyncByte
	tspacket.SetPID(pkt, 0x100) // video PID from the fixture PMT
	pkt[3] = 0x10

	out, forwarded := m.ProcessPacket("svc1", pkt, 0)
	require.True(t, forwarded)
	assert.NotEqual(t, uint16(0x100), tspacket.PID(out))
}

func TestMultiplexer_MaybeEmitSIRespectsInterval(t *testing.T) {
	m := New(testMuxConfig(), testLogger())
	now := time.Now()
	first := m.MaybeEmitSI(now, psi.MJDTime{MJD: 58849})
	assert.NotEmpty(t, first) // TDT/TOT always emitted regardless of dirty state

	second := m.MaybeEmitSI(now.Add(10*time.Millisecond), psi.MJDTime{MJD: 58849})
	assert.Nil(t, second) // interval not elapsed
}

// Two services whose inputs happen to number their PIDs identically (both
// carry video on 0x100, audio on 0x101) and both request the same PNR must
// still land disjoint on the shared output multiplex: the PID allocator is
// shared across services, and the second service's PNR request must fall
// back (spec.md §8 scenario 3 "two services from the same source multiplex
// must not collide on output PID or PNR").
func TestMultiplexer_TwoServicesFromSameSourceMultiplexGetDisjointPIDsAndPNRs(t *testing.T) {
	cfg := testMuxConfig()
	cfg.Services = []config.ServiceConfig{
		{StreamID: "svc1", ConfiguredPNR: 1, ServiceName: "Service One", ProviderName: "Test"},
		{StreamID: "svc2", ConfiguredPNR: 1, ServiceName: "Service Two", ProviderName: "Test"},
	}
	m := New(cfg, testLogger())

	_, parsed1 := buildTestPMTSection(t)
	_, parsed2 := buildTestPMTSection(t)
	m.RegisterPMT("svc1", 0x1000, parsed1)
	m.RegisterPMT("svc2", 0x1000, parsed2) // same input PMT PID as svc1, distinct service
	m.Reconcile()

	s1 := m.services["svc1"]
	s2 := m.services["svc2"]
	require.True(t, s1.ready())
	require.True(t, s2.ready())

	// PNR collision: both services configured PNR=1, so one must fall back.
	assert.NotEqual(t, s1.outputPNR, s2.outputPNR)

	// PID disjointness: the PMT PID and every elementary PID each service
	// was allocated must not overlap with the other service's allocation,
	// even though both input services used the identical PID numbering.
	outPIDs := make(map[uint16]string)
	for _, s := range []*service{s1, s2} {
		for inPID, outPID := range s.remap {
			if outPID == tspacket.DropPID {
				continue
			}
			if owner, collided := outPIDs[outPID]; collided {
				t.Fatalf("output PID %#x allocated to both %s and %s (input PID %#x)", outPID, owner, s.cfg.StreamID, inPID)
			}
			outPIDs[outPID] = s.cfg.StreamID
		}
	}
	assert.Equal(t, 6, len(outPIDs)) // 2 services × (PMT + video + audio)
	assert.NotEqual(t, s1.outputPCRPID, s2.outputPCRPID)
}

func TestWrapSectionInPackets_SetsPUSIOnlyOnFirst(t *testing.T) {
	section := make([]byte, 300) // forces a 2-packet split
	pkts := wrapSectionInPackets(section, tspacket.PIDPAT)
	require.Len(t, pkts, 2)
	assert.True(t, tspacket.PUSI(pkts[0]))
	assert.False(t, tspacket.PUSI(pkts[1]))
}
