package mux

import (
	"github.com/relaycore/tscore/internal/config"
	"github.com/relaycore/tscore/internal/psi"
	"github.com/relaycore/tscore/internal/tspacket"
)

// siSection pairs one regenerated PSI section with the output PID it must
// be demuxed onto. PMT sections need this tag because their output PID is
// per-service (each service owns its own output PMT PID), unlike
// PAT/CAT/SDT/NIT/TDT/TOT which always ride their one reserved PID
// (spec.md §4.4 "PID assignment" reserved-PID table).
type siSection struct {
	pid  uint16
	data []byte
}

// siBuilder rebuilds PAT/SDT/NIT and every ready service's PMT when dirty,
// and always emits TOT (and TDT, when PassTDT is set) fresh since they
// carry wall-clock time
// (spec.md §4.4 "PSI emission").
type siBuilder struct {
	cfg     config.MuxConfig
	dirty   bool
	version uint8
}

func newSIBuilder(cfg config.MuxConfig) *siBuilder {
	return &siBuilder{cfg: cfg}
}

// markDirty flags that PAT/PMT/SDT/NIT must be rebuilt on the next
// emission tick (a service became ready, lost readiness, or its mapping
// changed).
func (b *siBuilder) markDirty() {
	b.dirty = true
}

// emit returns the full, PID-tagged set of PSI sections to send this SI
// interval tick: PAT, SDT, NIT, and every ready service's PMT are only
// regenerated when dirty; TOT is rebuilt every tick from utc, and TDT too
// when PassTDT is set.
func (b *siBuilder) emit(services []*service, utc psi.MJDTime) []siSection {
	var out []siSection

	if b.dirty {
		out = append(out, tagSections(tspacket.PIDPAT, b.buildPAT(services))...)
		if b.cfg.PassSDT {
			out = append(out, tagSections(tspacket.PIDSDT, b.buildSDT(services))...)
		}
		if b.cfg.PassNIT {
			out = append(out, tagSections(tspacket.PIDNIT, b.buildNIT(services))...)
		}
		if b.cfg.PassCAT {
			out = append(out, tagSections(tspacket.PIDCAT, psi.BuildCAT(b.version))...)
		}
		for _, s := range services {
			if !s.ready() {
				continue
			}
			pmtPID, ok := s.remap[s.inputPMTPID]
			if !ok {
				continue
			}
			out = append(out, tagSections(pmtPID, b.buildPMT(s))...)
		}
		b.version++
		b.dirty = false
	}

	if b.cfg.PassTDT {
		out = append(out, siSection{pid: tspacket.PIDTDT, data: psi.BuildTDT(utc)})
	}
	out = append(out, siSection{pid: tspacket.PIDTDT, data: psi.BuildTOT(psi.TOTParams{
		UTC:           utc,
		CountryCode:   b.cfg.Country,
		OffsetMinutes: int(b.cfg.UTCOffset.Minutes()),
	})})

	return out
}

func tagSections(pid uint16, sections [][]byte) []siSection {
	out := make([]siSection, len(sections))
	for i, s := range sections {
		out[i] = siSection{pid: pid, data: s}
	}
	return out
}

func (b *siBuilder) buildPAT(services []*service) [][]byte {
	var programs []psi.PATProgram
	for _, s := range services {
		if !s.ready() {
			continue
		}
		pmtPID, ok := s.remap[s.inputPMTPID]
		if !ok {
			continue
		}
		programs = append(programs, psi.PATProgram{ProgramNumber: s.outputPNR, PMTPID: pmtPID})
	}
	return psi.BuildPAT(b.cfg.TSID, programs, b.version)
}

func (b *siBuilder) buildSDT(services []*service) [][]byte {
	var entries []psi.SDTServiceEntry
	for _, s := range services {
		if !s.ready() {
			continue
		}
		entries = append(entries, psi.SDTServiceEntry{
			ServiceID:    s.outputPNR,
			ServiceType:  s.cfg.ServiceType,
			ProviderName: s.cfg.ProviderName,
			ServiceName:  s.cfg.ServiceName,
		})
	}
	utf8 := b.cfg.Codepage == "utf-8"
	return psi.BuildSDT(b.cfg.TSID, b.cfg.ONID, entries, utf8, b.version)
}

func (b *siBuilder) buildNIT(services []*service) [][]byte {
	var serviceIDs []uint16
	lcns := make(map[uint16]uint16)
	for _, s := range services {
		if !s.ready() {
			continue
		}
		serviceIDs = append(serviceIDs, s.outputPNR)
		if s.cfg.LCN != 0 {
			lcns[s.outputPNR] = s.cfg.LCN
		}
	}
	lcnTag := psi.DefaultLCNDescriptorTag
	if len(b.cfg.LCNDescriptorTags) > 0 {
		lcnTag = b.cfg.LCNDescriptorTags[0]
	}
	ts := psi.NITTransportStream{
		TSID:             b.cfg.TSID,
		ONID:             b.cfg.ONID,
		ServiceIDs:       serviceIDs,
		LCNs:             lcns,
		LCNDescriptorTag: lcnTag,
		Delivery: psi.DeliveryDescriptor{
			System:         string(b.cfg.Delivery),
			FrequencyKHz:   b.cfg.FrequencyKHz,
			SymbolrateKsps: b.cfg.SymbolrateKsps,
			Modulation:     b.cfg.Modulation,
			FEC:            b.cfg.FEC,
		},
	}
	utf8 := b.cfg.Codepage == "utf-8"
	return psi.BuildNIT(b.cfg.NetworkID, b.cfg.NetworkName, ts, utf8, b.version)
}

func (b *siBuilder) buildPMT(s *service) [][]byte {
	var streams []psi.PMTElementaryStream
	for _, es := range s.inputStreams {
		outPID, ok := s.remap[es.PID]
		if !ok || outPID == tspacket.DropPID {
			continue
		}
		streams = append(streams, psi.PMTElementaryStream{StreamType: es.StreamType, PID: outPID})
	}
	return psi.BuildPMT(psi.PMTParams{
		ProgramNumber: s.outputPNR,
		PCRPID:        s.outputPCRPID,
		Streams:       streams,
		Version:       b.version,
	})
}
