package ringbuffer

import (
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/google/uuid"

	"github.com/relaycore/tscore/internal/config"
	"github.com/relaycore/tscore/internal/tspacket"
)

const checkpointRingSize = 1024

// idrScanLimit bounds how many bytes of a PES payload are scanned for a NAL
// start code when keyframe_detect_mode is idr_parse (spec.md §4.1, default
// 256 KiB).
const idrScanLimit = 256 * 1024

// Buffer is a per-stream, packet-aligned ring buffer with metadata indexing
// and Smart Start support (spec.md §3, §4.1, §4.2).
type Buffer struct {
	cfg config.StreamConfig

	mu       sync.Mutex
	notifyCh chan struct{}
	closed   bool

	capacity int64 // packets
	slots    [][tspacket.Size]byte
	metas    []SlotMeta

	w    int64 // write index, monotonically increasing
	gen  int64 // generation counter

	last LastSeen

	checkpoints   []Checkpoint
	checkpointPos int

	pmtPID     uint16
	videoPID   uint16
	audioPID   uint16
	videoCodec videoCodec

	// keyframe detection (idr_parse) running state, reset at each PES start
	kfMode      config.KeyframeDetectMode
	scanning    bool
	scanBytes   int
	pendingByte byte
	havePending bool

	clients   map[uuid.UUID]*Reader
	clientsMu sync.RWMutex

	resyncBuf []byte
}

// NewBuffer constructs a Buffer sized per cfg.CapacityBytes (spec.md §3).
func NewBuffer(cfg config.StreamConfig) *Buffer {
	capPackets := int64(cfg.CapacityBytes() / tspacket.Size)
	if capPackets < 1 {
		capPackets = 1
	}
	b := &Buffer{
		cfg:       cfg,
		capacity:  capPackets,
		slots:     make([][tspacket.Size]byte, capPackets),
		metas:     make([]SlotMeta, capPackets),
		w:         0,
		gen:       0,
		last:      newLastSeen(),
		checkpoints: make([]Checkpoint, 0, checkpointRingSize),
		kfMode:    cfg.KeyframeDetectMode,
		clients:   make(map[uuid.UUID]*Reader),
	}
	if b.kfMode == "" {
		b.kfMode = config.KeyframeDetectAuto
	}
	b.notifyCh = make(chan struct{})
	return b
}

// broadcast wakes every goroutine blocked in waitForData by swapping in a
// fresh notify channel. Caller must hold b.mu.
func (b *Buffer) broadcast() {
	close(b.notifyCh)
	b.notifyCh = make(chan struct{})
}

// Capacity returns the buffer's packet capacity.
func (b *Buffer) Capacity() int64 { return b.capacity }

// WriteIndex returns the current write index W.
func (b *Buffer) WriteIndex() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.w
}

// Generation returns the current generation counter G.
func (b *Buffer) Generation() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gen
}

// Resync bumps the generation counter, forcing connected clients holding a
// stale generation to be re-anchored on their next read (spec.md §3, used on
// input failover per scenario 2 of spec.md §8).
func (b *Buffer) Resync() {
	b.mu.Lock()
	b.gen++
	b.broadcast()
	b.mu.Unlock()
}

// Close marks the buffer closed and wakes all waiters.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.broadcast()
	b.mu.Unlock()
}

// Feed splits a byte stream into 188-byte packets and stores each one
// (spec.md §4.1 feed). It maintains a small carry-over buffer across calls
// for partial trailing packets.
func (b *Buffer) Feed(data []byte) error {
	buf := append(b.resyncBuf, data...)
	i := 0
	for {
		remaining := len(buf) - i
		if remaining < tspacket.Size {
			break
		}
		if buf[i] != tspacket.SyncByte {
			if !b.cfg.TSResyncEnabled {
				return ErrFeedCorrupt
			}
			if !b.cfg.TSDropCorruptEnable {
				return ErrFeedCorrupt
			}
			i++
			continue
		}
		// Look ahead to the next packet's sync byte when available.
		if remaining >= 2*tspacket.Size && buf[i+tspacket.Size] != tspacket.SyncByte {
			if !b.cfg.TSResyncEnabled || !b.cfg.TSDropCorruptEnable {
				return ErrFeedCorrupt
			}
			i++
			continue
		}
		pkt := buf[i : i+tspacket.Size]
		b.storePacket(pkt)
		i += tspacket.Size
	}
	b.resyncBuf = append(b.resyncBuf[:0], buf[i:]...)
	return nil
}

// storePacket atomically appends pkt, computes its metadata, updates
// rolling indices, appends a checkpoint iff a keyframe is detected, bumps W
// and broadcasts the not-empty condition (spec.md §4.1 store_packet).
func (b *Buffer) storePacket(pkt []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := b.w
	slot := idx % b.capacity
	copy(b.slots[slot][:], pkt)

	meta := b.parseMeta(pkt, idx)
	b.metas[slot] = meta

	if meta.IsPAT {
		b.last.LastPAT = idx
	}
	if meta.IsPMT {
		b.last.LastPMT = idx
	}
	if meta.PCRPresent {
		b.last.LastPCR = idx
	}
	if meta.HasSPS || meta.HasPPS || meta.HasVPS {
		b.last.LastParamset = idx
	}
	if meta.PTSValid {
		if meta.PID == b.videoPID {
			b.last.LastVideoPTS = idx
		} else if meta.PID == b.audioPID {
			b.last.LastAudioPTS = idx
		}
	}
	if meta.IsKeyframe {
		b.last.LastKeyframe = idx
		b.appendCheckpoint(idx)
	}

	b.w = idx + 1
	b.broadcast()
}

// appendCheckpoint snapshots the five last-seen indices plus A/V PTS into the
// fixed 1024-entry checkpoint ring (spec.md §3).
func (b *Buffer) appendCheckpoint(idx int64) {
	var flags uint8
	if b.last.LastPAT >= 0 {
		flags |= CheckpointFlagPAT
	}
	if b.last.LastPMT >= 0 {
		flags |= CheckpointFlagPMT
	}
	if b.last.LastPCR >= 0 {
		flags |= CheckpointFlagPCR
	}
	if b.last.LastParamset >= 0 {
		flags |= CheckpointFlagParamset
	}
	var vpts, apts uint64
	if b.last.LastVideoPTS >= 0 && b.last.LastAudioPTS >= 0 {
		vpts = b.metas[b.last.LastVideoPTS%b.capacity].PTS90k
		apts = b.metas[b.last.LastAudioPTS%b.capacity].PTS90k
		flags |= CheckpointFlagPTSOK
	}
	cp := Checkpoint{
		Index:       idx,
		LastSeen:    b.last,
		VideoPTS90k: vpts,
		AudioPTS90k: apts,
		Flags:       flags,
	}
	if len(b.checkpoints) < checkpointRingSize {
		b.checkpoints = append(b.checkpoints, cp)
	} else {
		b.checkpoints[b.checkpointPos] = cp
		b.checkpointPos = (b.checkpointPos + 1) % checkpointRingSize
	}
}

// parseMeta computes the per-packet metadata record (spec.md §4.1).
func (b *Buffer) parseMeta(pkt []byte, idx int64) SlotMeta {
	meta := SlotMeta{
		PID:          tspacket.PID(pkt),
		PUSI:         tspacket.PUSI(pkt),
		AF:           tspacket.HasAdaptationField(pkt),
		RandomAccess: tspacket.RandomAccessIndicator(pkt),
	}

	if pcr, ok := tspacket.ReadPCR(pkt); ok {
		meta.PCRPresent = true
		meta.PCR90k = pcr.Base90k()
	}

	payload := tspacket.Payload(pkt)

	switch meta.PID {
	case tspacket.PIDPAT:
		if meta.PUSI && len(payload) > 0 {
			b.parsePAT(payload)
			meta.IsPAT = true
		}
	case b.pmtPID:
		if b.pmtPID != 0 && meta.PUSI && len(payload) > 0 {
			b.parsePMT(payload)
			meta.IsPMT = true
		}
	}

	if meta.PUSI && len(payload) > 0 && (meta.PID == b.videoPID || meta.PID == b.audioPID) {
		meta.PESStart = tspacket.IsPESStart(payload)
		if meta.PESStart && tspacket.PESHasPTS(payload) {
			if pts, err := tspacket.ReadPTSFromPES(payload, 9); err == nil {
				meta.PTSValid = true
				meta.PTS90k = uint64(pts)
			}
		}
	}

	b.detectKeyframe(&meta, payload)

	return meta
}

// parsePAT records the PMT PID of the first program_number != 0 entry
// (spec.md §4.1 PSI detection rules). It handles only the single-packet
// case: the section must start and fit within this packet's payload, which
// covers the overwhelming majority of real PATs.
func (b *Buffer) parsePAT(payload []byte) {
	if len(payload) < 1 {
		return
	}
	pf := int(payload[0])
	off := 1 + pf
	if off+8 > len(payload) {
		return
	}
	section := payload[off:]
	if len(section) < 8 || section[0] != 0x00 {
		return
	}
	sectionLength := int(section[1]&0x0F)<<8 | int(section[2])
	end := 3 + sectionLength
	if end > len(section) {
		end = len(section)
	}
	i := 8
	for i+4 <= end-4 { // leave room for trailing CRC32
		programNumber := int(section[i])<<8 | int(section[i+1])
		pid := (uint16(section[i+2]&0x1F) << 8) | uint16(section[i+3])
		if programNumber != 0 {
			b.pmtPID = pid
			return
		}
		i += 4
	}
}

// PMT stream_type values for video elementary streams (spec.md §4.1).
const (
	streamTypeMPEG2Video = 0x02
	streamTypeH264       = 0x1B
	streamTypeHEVC       = 0x24
)

// parsePMT records the video PID, audio PID, and codec tag (spec.md §4.1).
func (b *Buffer) parsePMT(payload []byte) {
	if len(payload) < 1 {
		return
	}
	pf := int(payload[0])
	off := 1 + pf
	if off+12 > len(payload) {
		return
	}
	section := payload[off:]
	if len(section) < 12 || section[0] != 0x02 {
		return
	}
	sectionLength := int(section[1]&0x0F)<<8 | int(section[2])
	end := 3 + sectionLength
	if end > len(section) {
		end = len(section)
	}
	programInfoLength := int(section[10]&0x0F)<<8 | int(section[11])
	i := 12 + programInfoLength
	var videoPID, audioPID uint16
	var codec videoCodec
	for i+5 <= end-4 {
		streamType := section[i]
		pid := (uint16(section[i+1]&0x1F) << 8) | uint16(section[i+2])
		esInfoLength := int(section[i+3]&0x0F)<<8 | int(section[i+4])
		switch streamType {
		case streamTypeH264:
			if videoPID == 0 {
				videoPID = pid
				codec = videoCodecH264
			}
		case streamTypeHEVC:
			if videoPID == 0 {
				videoPID = pid
				codec = videoCodecHEVC
			}
		case streamTypeMPEG2Video:
			if videoPID == 0 {
				videoPID = pid
				codec = videoCodecUnknown
			}
		default:
			if audioPID == 0 && pid != videoPID {
				audioPID = pid
			}
		}
		i += 5 + esInfoLength
	}
	if videoPID != 0 {
		b.videoPID = videoPID
		b.videoCodec = codec
	}
	if audioPID != 0 {
		b.audioPID = audioPID
	}
}

// videoCodec disambiguates which NAL-unit syntax a video PID's paramset/
// keyframe bytes should be read as, so scanIDR checks a single
// interpretation of the first NAL byte instead of both H.264 and HEVC at
// once (spec.md §4.1's PAT/PMT codec tag recorded from stream_type).
type videoCodec int

const (
	videoCodecUnknown videoCodec = iota
	videoCodecH264
	videoCodecHEVC
)

// detectKeyframe implements the three keyframe_detect_mode strategies
// (spec.md §4.1).
func (b *Buffer) detectKeyframe(meta *SlotMeta, payload []byte) {
	if meta.PID != b.videoPID || b.videoPID == 0 {
		return
	}

	switch b.kfMode {
	case config.KeyframeDetectRandomAccess:
		meta.IsKeyframe = meta.RandomAccess
		return
	case config.KeyframeDetectAuto:
		if meta.RandomAccess && (!b.cfg.ParamsetRequired || b.last.LastParamset > 0) {
			meta.IsKeyframe = meta.RandomAccess
			return
		}
		fallthrough
	case config.KeyframeDetectIDRParse:
		if b.videoCodec == videoCodecUnknown {
			// No NAL-unit syntax to parse for this stream_type (e.g.
			// MPEG-2 video): fall back to the adaptation field flag
			// rather than guessing at a codec.
			meta.IsKeyframe = meta.RandomAccess
			return
		}
		b.scanIDR(meta, payload)
	}
}

// scanIDR scans up to idrScanLimit bytes of a video PES for NAL start codes,
// tracking SPS/PPS/VPS and IDR presence across packets belonging to the same
// access unit (spec.md §4.1 idr_parse). The PID's recorded codec
// (b.videoCodec, from the PMT stream_type) selects a single NAL-type
// interpretation, avoiding the false positives that checking both H.264 and
// HEVC type ranges on the same byte would produce.
func (b *Buffer) scanIDR(meta *SlotMeta, payload []byte) {
	if meta.PUSI {
		b.scanning = true
		b.scanBytes = 0
	}
	if !b.scanning || len(payload) == 0 {
		return
	}
	if b.scanBytes >= idrScanLimit {
		b.scanning = false
		return
	}
	n := len(payload)
	if b.scanBytes+n > idrScanLimit {
		n = idrScanLimit - b.scanBytes
	}
	switch b.videoCodec {
	case videoCodecH264:
		scanH264NALUnits(payload[:n], func(t h264.NALUType) {
			switch t {
			case h264.NALUTypeIDR:
				meta.IsKeyframe = true
			case h264.NALUTypeSPS:
				meta.HasSPS = true
			case h264.NALUTypePPS:
				meta.HasPPS = true
			}
		})
	case videoCodecHEVC:
		scanHEVCNALUnits(payload[:n], func(t h265.NALUType) {
			switch t {
			case h265.NALUType_IDR_W_RADL, h265.NALUType_IDR_N_LP:
				meta.IsKeyframe = true
			case h265.NALUType_VPS_NUT:
				meta.HasVPS = true
			case h265.NALUType_SPS_NUT:
				meta.HasSPS = true
			case h265.NALUType_PPS_NUT:
				meta.HasPPS = true
			}
		})
	}
	b.scanBytes += n
}

// scanH264NALUnits walks buf for Annex-B start codes and classifies each
// NAL unit's first byte as an h264.NALUType (mediacommon's constants for
// the low-5-bit type field), per spec.md §4.1 idr_parse.
func scanH264NALUnits(buf []byte, fn func(h264.NALUType)) {
	forEachNALStart(buf, func(first byte) {
		fn(h264.NALUType(first & 0x1F))
	})
}

// scanHEVCNALUnits walks buf for Annex-B start codes and classifies each
// NAL unit's first byte as an h265.NALUType (mediacommon's constants for
// bits 1-6 of the type field), per spec.md §4.1 idr_parse.
func scanHEVCNALUnits(buf []byte, fn func(h265.NALUType)) {
	forEachNALStart(buf, func(first byte) {
		fn(h265.NALUType((first >> 1) & 0x3F))
	})
}

// forEachNALStart walks buf looking for Annex-B start codes (00 00 01 or
// 00 00 00 01) and invokes fn with the first byte following each one. A
// byte-level scan (rather than mediacommon's h264.AnnexB.Unmarshal, which
// expects a complete Annex-B stream starting on a start code) is kept here
// because scanIDR is fed raw per-packet payload fragments that routinely
// begin mid-NAL on PES continuation packets.
func forEachNALStart(buf []byte, fn func(first byte)) {
	for i := 0; i+3 < len(buf); i++ {
		if buf[i] != 0x00 || buf[i+1] != 0x00 {
			continue
		}
		start := -1
		if buf[i+2] == 0x01 {
			start = i + 3
		} else if i+4 < len(buf) && buf[i+2] == 0x00 && buf[i+3] == 0x01 {
			start = i + 4
		}
		if start < 0 || start >= len(buf) {
			continue
		}
		fn(buf[start])
	}
}
