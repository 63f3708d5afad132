package mux

import (
	"log/slog"
	"time"

	"github.com/relaycore/tscore/internal/config"
	"github.com/relaycore/tscore/internal/psi"
	"github.com/relaycore/tscore/internal/tspacket"
)

// Multiplexer combines one or more SPTS services into a single MPTS output
// (spec.md §4.4). It owns PID/PNR allocation, the per-service packet-plane
// remap, PCR restamping, CC rewrite, CBR shaping, and PSI emission.
type Multiplexer struct {
	cfg config.MuxConfig
	log *slog.Logger

	pids     *pidAllocator
	services map[string]*service // keyed by StreamID

	si        *siBuilder
	shaper    *cbrShaper
	siCCByPID map[uint16]byte

	siIntervalMs int
	lastSITick   time.Time
}

// New builds a Multiplexer from static service configuration. Services
// start unready; call RegisterPMT as each input's PMT is discovered, then
// Reconcile to (re)run PID/PNR allocation.
func New(cfg config.MuxConfig, log *slog.Logger) *Multiplexer {
	m := &Multiplexer{
		cfg:          cfg,
		log:          log,
		pids:         newPIDAllocator(),
		services:     make(map[string]*service),
		si:           newSIBuilder(cfg),
		shaper:       newCBRShaper(cfg.TargetBitrate, log),
		siCCByPID:    make(map[uint16]byte),
		siIntervalMs: cfg.SIIntervalMs,
	}
	for _, sc := range cfg.Services {
		m.services[sc.StreamID] = newService(sc)
	}
	return m
}

// RegisterPMT records a service's discovered input PMT PID and parsed PMT,
// marking PSI dirty so the next Reconcile and SI tick pick it up
// (spec.md §4.4 "Service readiness").
func (m *Multiplexer) RegisterPMT(streamID string, pmtPID uint16, pmt *psi.ParsedPMT) {
	s, ok := m.services[streamID]
	if !ok {
		return
	}
	s.inputPMTPID = pmtPID
	s.applyDiscoveredPMT(pmt)
	m.si.markDirty()
}

// Reconcile (re)runs PID allocation for every discovered-but-unmapped
// service and PNR resolution across all services whose input PMT has been
// discovered (spec.md §4.4 "PID assignment", "PNR resolution").
func (m *Multiplexer) Reconcile() {
	var pending []*service
	var requestedPNRs []uint16
	// PNRs already held by mapped services are claimed first, so a service
	// becoming ready later is never handed one of them.
	for _, s := range m.services {
		if s.mappingReady {
			requestedPNRs = append(requestedPNRs, s.outputPNR)
		}
	}
	mapped := len(requestedPNRs)
	for _, s := range m.services {
		if !s.pmtDiscovered || s.mappingReady {
			continue
		}
		pending = append(pending, s)
		pnr := s.cfg.ConfiguredPNR
		if pnr == 0 {
			pnr = s.inputPNR
		}
		requestedPNRs = append(requestedPNRs, pnr)
	}
	if len(pending) == 0 {
		return
	}

	resolved, fellBack := resolvePNRs(requestedPNRs)
	for _, i := range fellBack {
		if i < mapped {
			continue
		}
		m.log.Warn("mux: PNR conflict or missing, assigned fallback",
			"stream_id", pending[i-mapped].cfg.StreamID, "pnr", resolved[i])
	}

	for i, s := range pending {
		s.outputPNR = resolved[mapped+i]
		m.allocateServicePIDs(s)
		s.mappingReady = true
		s.pcr = newPCRRestamper(m.cfg.PCRSmoothing, m.cfg.PCRSmoothAlpha, defaultPCRSmoothMaxOffsetTicks)
	}
	m.si.markDirty()
}

const defaultPCRSmoothMaxOffsetTicks = 27000 // 1ms of 27MHz ticks; a fixed bound, not read from configuration

// allocateServicePIDs assigns output PIDs for a service's PMT PID, PCR
// PID, and every elementary stream, honoring disable_auto_remap
// passthrough (spec.md §4.4 "PID assignment").
func (m *Multiplexer) allocateServicePIDs(s *service) {
	if m.cfg.DisableAutoRemap {
		if !m.pids.reserve(s.inputPMTPID) {
			m.log.Warn("mux: PID conflict under disable_auto_remap, service rejected",
				"stream_id", s.cfg.StreamID, "pid", s.inputPMTPID)
			return
		}
		s.remap[s.inputPMTPID] = s.inputPMTPID
	} else {
		s.remap[s.inputPMTPID] = m.pids.allocate()
	}

	if s.inputPCRPID == s.inputPMTPID {
		s.outputPCRPID = s.remap[s.inputPMTPID]
	}

	for _, es := range s.inputStreams {
		var outPID uint16
		if m.cfg.DisableAutoRemap {
			if !m.pids.reserve(es.PID) {
				s.remap[es.PID] = tspacket.DropPID
				continue
			}
			outPID = es.PID
		} else {
			outPID = m.pids.allocate()
		}
		s.remap[es.PID] = outPID
		if es.PID == s.inputPCRPID {
			s.outputPCRPID = outPID
		}
	}
}

// ProcessPacket applies the packet-plane rules to one input TS packet for
// the named service and returns the output packet(s): zero or one
// remapped data packet, PCR-restamped in place when applicable
// (spec.md §4.4 "Packet plane", "PCR restamp", "Continuity counter
// rewrite").
func (m *Multiplexer) ProcessPacket(streamID string, pkt []byte, nowUs int64) ([]byte, bool) {
	s, ok := m.services[streamID]
	if !ok || !s.mappingReady {
		return nil, false
	}

	passthrough := m.singlePassthroughSource(s)
	out, forwarded := s.remapPacket(pkt, passthrough)
	if !forwarded {
		return nil, false
	}

	outPID := tspacket.PID(out)
	s.maybeRestampPCR(out, outPID, m.cfg.PCRRestamp, nowUs)
	m.shaper.recordSent()
	return out, true
}

// singlePassthroughSource reports whether s is configured as the sole
// SDT/NIT/TDT passthrough source in an SPTS-only mux (spec.md §4.4
// "except when single-service passthrough is enabled").
func (m *Multiplexer) singlePassthroughSource(s *service) bool {
	return m.cfg.SPTSOnly && len(m.services) == 1
}

// MaybeEmitSI runs the SI interval timer: on the first call and whenever
// the interval has elapsed since the last emission, it returns the full
// batch of PSI sections wrapped into TS packets ready for output, and nil
// otherwise (spec.md §4.4 "PSI emission"). Each
// packet's continuity counter is assigned from the mux's own per-PID
// sequence (spec.md §4.4 "Continuity counter rewrite" applies to every
// emitted PID, not only remapped service PIDs).
func (m *Multiplexer) MaybeEmitSI(now time.Time, utc psi.MJDTime) [][]byte {
	interval := time.Duration(m.siIntervalMs) * time.Millisecond
	if !m.lastSITick.IsZero() && now.Sub(m.lastSITick) < interval {
		return nil
	}
	m.lastSITick = now

	var services []*service
	for _, s := range m.services {
		services = append(services, s)
	}
	sections := m.si.emit(services, utc)

	var pkts [][]byte
	for _, sec := range sections {
		for _, pkt := range wrapSectionInPackets(sec.data, sec.pid) {
			tspacket.SetContinuityCounter(pkt, m.nextSICC(sec.pid))
			pkts = append(pkts, pkt)
		}
	}
	return pkts
}

// nextSICC returns and advances the continuity counter for a regenerated
// PSI PID, mirroring service.nextCC but scoped to the mux's own reserved
// PIDs and per-service output PMT PIDs rather than a single service's
// remap table.
func (m *Multiplexer) nextSICC(pid uint16) byte {
	cc := m.siCCByPID[pid]
	m.siCCByPID[pid] = (cc + 1) & 0x0F
	return cc
}

// ShaperTick runs the CBR shaper's 10ms tick and returns the NULL packets
// (PID 0x1FFF, AFC 0x10) to emit before the next tick.
func (m *Multiplexer) ShaperTick(now time.Time) [][]byte {
	n := m.shaper.tick(now)
	out := make([][]byte, n)
	for i := range out {
		out[i] = nullPacket()
	}
	return out
}

func nullPacket() []byte {
	pkt := make([]byte, tspacket.Size)
	pkt[0] = tspacket.SyncByte
	tspacket.SetPID(pkt, tspacket.PIDNull)
	pkt[3] = 0x10 // AFC=01 (payload only, no adaptation field), CC left at 0
	return pkt
}

// wrapSectionInPackets packetizes a single PSI section into one or more TS
// packets with PUSI set on the first, zero-stuffed to the packet size.
func wrapSectionInPackets(section []byte, pid uint16) [][]byte {
	const payloadSize = tspacket.Size - 4
	var out [][]byte
	// pointer_field(1) precedes the section on a PUSI packet.
	remaining := append([]byte{0x00}, section...)
	first := true
	for len(remaining) > 0 {
		pkt := make([]byte, tspacket.Size)
		pkt[0] = tspacket.SyncByte
		tspacket.SetPID(pkt, pid)
		if first {
			pkt[1] |= 0x40 // PUSI
		}
		pkt[3] = 0x10 // AFC=01, CC assigned by caller via SetContinuityCounter

		n := len(remaining)
		if n > payloadSize {
			n = payloadSize
		}
		copy(pkt[4:], remaining[:n])
		for i := 4 + n; i < tspacket.Size; i++ {
			pkt[i] = 0xFF
		}
		remaining = remaining[n:]
		out = append(out, pkt)
		first = false
	}
	return out
}
