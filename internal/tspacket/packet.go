// Package tspacket provides low-level MPEG-TS packet constants and byte-level
// accessors shared by the ring buffer, PSI parser, multiplexer, and
// decryption pipeline. All of tscore's components operate on fixed 188-byte
// packets; this package is the single place that reaches into their bytes.
package tspacket

import "errors"

// Size is the fixed length of a transport stream packet.
const Size = 188

// SyncByte is the required first byte of every TS packet.
const SyncByte = 0x47

// Reserved PIDs (spec.md §4.4).
const (
	PIDPAT  uint16 = 0x0000
	PIDCAT  uint16 = 0x0001
	PIDNIT  uint16 = 0x0010
	PIDSDT  uint16 = 0x0011
	PIDEIT  uint16 = 0x0012
	PIDTDT  uint16 = 0x0014
	PIDNull uint16 = 0x1FFF
)

// DropPID is the remap-table sentinel meaning "discard this packet".
const DropPID uint16 = 0xFFFF

// ErrShortPacket is returned by accessors when the slice is smaller than Size.
var ErrShortPacket = errors.New("tspacket: short packet")

// ErrBadSync is returned when a packet's first byte isn't SyncByte.
var ErrBadSync = errors.New("tspacket: bad sync byte")

// Validate checks packet length and the sync byte invariant (spec.md §3).
func Validate(pkt []byte) error {
	if len(pkt) < Size {
		return ErrShortPacket
	}
	if pkt[0] != SyncByte {
		return ErrBadSync
	}
	return nil
}

// PID extracts the 13-bit packet identifier from a packet's header.
func PID(pkt []byte) uint16 {
	return (uint16(pkt[1]&0x1F) << 8) | uint16(pkt[2])
}

// SetPID rewrites the 13-bit PID in place, preserving TEI/PUSI/priority bits.
func SetPID(pkt []byte, pid uint16) {
	pkt[1] = (pkt[1] & 0xE0) | byte(pid>>8)
	pkt[2] = byte(pid)
}

// TEI reports the transport_error_indicator bit.
func TEI(pkt []byte) bool {
	return pkt[1]&0x80 != 0
}

// PUSI reports the payload_unit_start_indicator bit.
func PUSI(pkt []byte) bool {
	return pkt[1]&0x40 != 0
}

// TransportScramblingControl returns the 2-bit scrambling control field
// (00 = clear, 10/11 = scrambled with even/odd key).
func TransportScramblingControl(pkt []byte) byte {
	return (pkt[3] & 0xC0) >> 6
}

// SetTransportScramblingControl rewrites the 2-bit scrambling control field.
func SetTransportScramblingControl(pkt []byte, tsc byte) {
	pkt[3] = (pkt[3] & 0x3F) | (tsc << 6)
}

// HasAdaptationField reports whether the adaptation_field_control indicates
// an adaptation field is present (binary 10 or 11).
func HasAdaptationField(pkt []byte) bool {
	return pkt[3]&0x20 != 0
}

// HasPayload reports whether the adaptation_field_control indicates a
// payload is present (binary 01 or 11).
func HasPayload(pkt []byte) bool {
	return pkt[3]&0x10 != 0
}

// ContinuityCounter returns the 4-bit continuity counter.
func ContinuityCounter(pkt []byte) byte {
	return pkt[3] & 0x0F
}

// SetContinuityCounter rewrites the 4-bit continuity counter.
func SetContinuityCounter(pkt []byte, cc byte) {
	pkt[3] = (pkt[3] & 0xF0) | (cc & 0x0F)
}

// AdaptationFieldLength returns the length byte of the adaptation field, or
// 0 if none is present.
func AdaptationFieldLength(pkt []byte) int {
	if !HasAdaptationField(pkt) {
		return 0
	}
	return int(pkt[4])
}

// PayloadOffset returns the byte offset of the payload within pkt, accounting
// for an optional adaptation field. Returns Size (empty payload) if the
// adaptation field consumes the whole packet.
func PayloadOffset(pkt []byte) int {
	if !HasAdaptationField(pkt) {
		return 4
	}
	afLen := AdaptationFieldLength(pkt)
	off := 5 + afLen
	if off > Size {
		return Size
	}
	return off
}

// Payload returns the packet's payload bytes, or nil if HasPayload is false.
func Payload(pkt []byte) []byte {
	if !HasPayload(pkt) {
		return nil
	}
	off := PayloadOffset(pkt)
	if off >= Size {
		return nil
	}
	return pkt[off:Size]
}

// PCRPresent reports whether the adaptation field carries a PCR.
func PCRPresent(pkt []byte) bool {
	if !HasAdaptationField(pkt) || AdaptationFieldLength(pkt) < 1 {
		return false
	}
	return pkt[5]&0x10 != 0
}

// RandomAccessIndicator reports the adaptation field's random_access_indicator.
func RandomAccessIndicator(pkt []byte) bool {
	if !HasAdaptationField(pkt) || AdaptationFieldLength(pkt) < 1 {
		return false
	}
	return pkt[5]&0x40 != 0
}

// PCR42 is a full 42-bit Program Clock Reference: base (33 bits, 90kHz) times
// 300 plus a 9-bit extension (27MHz).
type PCR42 uint64

// Base90k returns the 33-bit 90kHz base component of the PCR.
func (p PCR42) Base90k() uint64 { return uint64(p) / 300 }

// Ext27m returns the 9-bit 27MHz extension component of the PCR.
func (p PCR42) Ext27m() uint64 { return uint64(p) % 300 }

// Ticks27m returns the PCR expressed in 27MHz ticks (base*300 + ext).
func (p PCR42) Ticks27m() uint64 { return uint64(p) }

// MaxPCRTicks is 2^33 * 300, the PCR wraparound modulus in 27MHz ticks.
const MaxPCRTicks = uint64(1<<33) * 300

// ReadPCR extracts the 42-bit PCR from a packet's adaptation field. Ok is
// false if no PCR is present.
func ReadPCR(pkt []byte) (pcr PCR42, ok bool) {
	if !PCRPresent(pkt) {
		return 0, false
	}
	b := pkt[6:12]
	base := (uint64(b[0]) << 25) | (uint64(b[1]) << 17) | (uint64(b[2]) << 9) | (uint64(b[3]) << 1) | (uint64(b[4]) >> 7)
	ext := (uint64(b[4]&0x01) << 8) | uint64(b[5])
	return PCR42(base*300 + ext), true
}

// WritePCR encodes a 42-bit PCR into a packet's adaptation field in place.
// The caller must ensure PCRPresent(pkt) is true.
func WritePCR(pkt []byte, pcr PCR42) {
	base := pcr.Base90k()
	ext := pcr.Ext27m()
	b := pkt[6:12]
	b[0] = byte(base >> 25)
	b[1] = byte(base >> 17)
	b[2] = byte(base >> 9)
	b[3] = byte(base >> 1)
	b[4] = byte((base&0x01)<<7) | 0x7E | byte((ext>>8)&0x01)
	b[5] = byte(ext)
}

// PTS90k is a 33-bit Presentation Timestamp in 90kHz units.
type PTS90k uint64

// ReadPTSFromPES decodes a 33-bit PTS from the standard 5-byte PES field
// beginning at payload[off]. The caller must have already validated the PES
// start code and the marker bit at payload[7].
func ReadPTSFromPES(payload []byte, off int) (PTS90k, error) {
	if off+5 > len(payload) {
		return 0, ErrShortPacket
	}
	b := payload[off : off+5]
	pts := (uint64(b[0]&0x0E) << 29) |
		(uint64(b[1]) << 22) |
		(uint64(b[2]&0xFE) << 14) |
		(uint64(b[3]) << 7) |
		(uint64(b[4]) >> 1)
	return PTS90k(pts), nil
}

// IsPESStart reports whether payload begins with the PES start code prefix
// 00 00 01 immediately followed by a stream id byte.
func IsPESStart(payload []byte) bool {
	return len(payload) >= 4 && payload[0] == 0x00 && payload[1] == 0x00 && payload[2] == 0x01
}

// PESHasPTS reports whether a PES header (starting at payload[0]) declares a
// PTS via the flags byte at payload[7] and has enough bytes for it.
func PESHasPTS(payload []byte) bool {
	return len(payload) >= 14 && payload[7]&0x80 != 0
}
