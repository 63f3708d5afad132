// Package mux implements the MPTS multiplexer: PID/PNR allocation, the
// packet-plane remap, PCR restamp and smoothing, continuity-counter
// rewrite, CBR shaping, and PSI regeneration and emission (spec.md §4.4).
package mux

import "github.com/relaycore/tscore/internal/tspacket"

// firstAllocatablePID is where the elementary-PID allocator starts
// scanning upward, skipping reserved and in-use PIDs (spec.md §4.4 "PID
// assignment").
const firstAllocatablePID uint16 = 0x0020

// reservedPIDs are never handed out by the allocator.
var reservedPIDs = map[uint16]bool{
	tspacket.PIDPAT:  true,
	tspacket.PIDCAT:  true,
	tspacket.PIDNIT:  true,
	tspacket.PIDSDT:  true,
	tspacket.PIDEIT:  true,
	tspacket.PIDTDT:  true,
	tspacket.PIDNull: true,
}

// pidAllocator hands out output elementary PIDs, scanning upward from
// firstAllocatablePID and skipping reserved-or-in-use PIDs.
type pidAllocator struct {
	inUse map[uint16]bool
	next  uint16
}

func newPIDAllocator() *pidAllocator {
	return &pidAllocator{inUse: make(map[uint16]bool), next: firstAllocatablePID}
}

// reserve claims a specific PID (used by disable_auto_remap passthrough).
// It returns false if the PID is reserved or already claimed.
func (a *pidAllocator) reserve(pid uint16) bool {
	if reservedPIDs[pid] || a.inUse[pid] {
		return false
	}
	a.inUse[pid] = true
	return true
}

// allocate returns the next free, non-reserved PID.
func (a *pidAllocator) allocate() uint16 {
	for reservedPIDs[a.next] || a.inUse[a.next] {
		a.next++
	}
	pid := a.next
	a.inUse[pid] = true
	a.next++
	return pid
}

// release frees a previously claimed PID so it can be reused (input
// removed or service torn down).
func (a *pidAllocator) release(pid uint16) {
	delete(a.inUse, pid)
}
