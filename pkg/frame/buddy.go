// Package frame implements the C1 component of the kernel core: the buddy
// physical-frame allocator (spec.md §4.1). It owns a simulated physical RAM
// arena and hands out page-aligned frames and contiguous runs to every other
// component (page-table nodes, heap tier 3, shared-memory regions).
package frame

import (
	"sync"

	"github.com/exo-os/kernel/pkg/genutil"
	"github.com/exo-os/kernel/pkg/kerrors"
	"github.com/exo-os/kernel/pkg/units"
)

// MaxOrder is the highest buddy order: a block of order 12 is 4096 frames
// (16 MiB at a 4 KiB page size), matching spec.md §3's "k∈[0,12]".
const MaxOrder = 12

// State is the per-frame lifecycle state from spec.md §3.
type State int

const (
	StateFree State = iota
	StateAllocated
	StateReserved
)

// Allocator is the buddy frame allocator. Free-lists are kept as sets
// (start-frame-index -> struct{}) rather than literal doubly-linked lists:
// the spec only requires O(1) pop-any and O(1) buddy-membership test, both
// of which a map gives for free, and nothing in spec.md §8 depends on
// free-list iteration order (unlike the scheduler's ready queues, which do,
// and are FIFO — see pkg/sched).
type Allocator struct {
	mu sync.Mutex

	base        uintptr // physical base address of the arena
	totalFrames uint64
	ram         []byte // simulated physical RAM backing every frame in the arena

	state     []State
	blockSize []uint // order of the allocated block a frame belongs to, valid only when state==StateAllocated and the frame is the block's base

	freeSets [MaxOrder + 1]map[uint64]struct{}

	freeFrames uint64
	usedFrames uint64
}

// New creates an allocator over a simulated arena of arenaBytes, rounded
// down to a whole number of frames. The first reservedBytes (rounded up to a
// whole number of frames) are marked StateReserved and never enter the free
// lists — this models the kernel image, boot structures, and similar
// always-owned physical memory.
func New(arenaBytes units.Size, reservedBytes units.Size) *Allocator {
	totalFrames := uint64(arenaBytes) / units.PageSize
	a := &Allocator{
		base:        0,
		totalFrames: totalFrames,
		ram:         make([]byte, totalFrames*units.PageSize),
		state:       make([]State, totalFrames),
		blockSize:   make([]uint, totalFrames),
	}
	for k := range a.freeSets {
		a.freeSets[k] = make(map[uint64]struct{})
	}

	reservedFrames := units.PageCount(uint64(reservedBytes))
	if reservedFrames > totalFrames {
		reservedFrames = totalFrames
	}
	for i := uint64(0); i < reservedFrames; i++ {
		a.state[i] = StateReserved
	}

	// Seed free-lists by greedily carving the remaining frames into the
	// largest aligned power-of-two blocks possible, starting after the
	// reserved prefix.
	frame := reservedFrames
	for frame < totalFrames {
		order := MaxOrder
		for order > 0 {
			blockFrames := uint64(1) << uint(order)
			if frame%blockFrames == 0 && frame+blockFrames <= totalFrames {
				break
			}
			order--
		}
		a.freeSets[order][frame] = struct{}{}
		a.freeFrames += uint64(1) << uint(order)
		frame += uint64(1) << uint(order)
	}
	return a
}

// TotalFrames returns the number of frames in the arena, including reserved ones.
func (a *Allocator) TotalFrames() uint64 {
	return a.totalFrames
}

// FreeFrames returns the number of frames currently on some free-list.
func (a *Allocator) FreeFrames() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeFrames
}

// UsedFrames returns the number of frames currently allocated to an owner.
func (a *Allocator) UsedFrames() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usedFrames
}

func (a *Allocator) frameToAddr(frameIdx uint64) uintptr {
	return a.base + uintptr(frameIdx)*units.PageSize
}

func (a *Allocator) addrToFrame(addr uintptr) (uint64, bool) {
	if addr < a.base {
		return 0, false
	}
	off := addr - a.base
	if off%units.PageSize != 0 {
		return 0, false
	}
	idx := uint64(off) / units.PageSize
	if idx >= a.totalFrames {
		return 0, false
	}
	return idx, true
}

// AllocFrame allocates a single page-aligned frame (order 0).
func (a *Allocator) AllocFrame() (uintptr, error) {
	return a.AllocOrder(0)
}

// AllocContiguous rounds n up to the next power of two and allocates that
// many frames as a single contiguous run (spec.md §4.1).
func (a *Allocator) AllocContiguous(n uint64) (uintptr, error) {
	if n == 0 {
		return 0, kerrors.Wrapf(kerrors.InvalidSize, "frame.AllocContiguous", "requested 0 frames")
	}
	order := units.Order(units.NextPowerOfTwo(n))
	return a.AllocOrder(order)
}

// AllocOrder allocates a single block of exactly 2^order frames.
func (a *Allocator) AllocOrder(order uint) (uintptr, error) {
	if order > MaxOrder {
		return 0, kerrors.Wrapf(kerrors.InvalidSize, "frame.AllocOrder", "order %d exceeds max order %d", order, MaxOrder)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	k, ok := a.smallestAvailableOrder(order)
	if !ok {
		return 0, kerrors.New(kerrors.OutOfMemory, "frame.AllocOrder")
	}

	frameIdx := a.popAny(k)

	// Split down to the requested order, keeping the lower-address half and
	// returning the higher-address half to its free-list (spec.md §4.1
	// tie-break rule).
	for k > order {
		k--
		buddy := frameIdx + (uint64(1) << k)
		a.freeSets[k][buddy] = struct{}{}
		a.freeFrames += uint64(1) << k
	}

	blockFrames := uint64(1) << order
	for i := uint64(0); i < blockFrames; i++ {
		a.state[frameIdx+i] = StateAllocated
	}
	a.blockSize[frameIdx] = order
	a.freeFrames -= blockFrames
	a.usedFrames += blockFrames

	return a.frameToAddr(frameIdx), nil
}

// smallestAvailableOrder returns the smallest order k >= order whose
// free-list is non-empty, via a generic ceiling search over the (small,
// rebuilt-per-call) set of currently non-empty orders.
func (a *Allocator) smallestAvailableOrder(order uint) (uint, bool) {
	avail := make([]uint, 0, MaxOrder+1)
	for k := uint(0); k <= MaxOrder; k++ {
		if len(a.freeSets[k]) > 0 {
			avail = append(avail, k)
		}
	}
	idx := genutil.CeilIndex(avail, order)
	if idx >= len(avail) {
		return 0, false
	}
	return avail[idx], true
}

// popAny removes and returns an arbitrary free block's start frame at order k.
// Map iteration order is unspecified; nothing in the spec requires a
// particular choice here (contrast pkg/sched's ready queues, which are FIFO).
func (a *Allocator) popAny(k uint) uint64 {
	for frameIdx := range a.freeSets[k] {
		delete(a.freeSets[k], frameIdx)
		return frameIdx
	}
	panic("frame: popAny called on empty free-list")
}

// Free returns a block of order order, previously returned by AllocOrder (or
// AllocFrame/AllocContiguous) at addr, to the allocator, coalescing with its
// buddy whenever possible (spec.md §4.1).
func (a *Allocator) Free(addr uintptr, order uint) error {
	if order > MaxOrder {
		return kerrors.Wrapf(kerrors.InvalidSize, "frame.Free", "order %d exceeds max order %d", order, MaxOrder)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	frameIdx, ok := a.addrToFrame(addr)
	if !ok {
		return kerrors.Wrapf(kerrors.InvalidAddress, "frame.Free", "address %#x is not a valid frame address", addr)
	}
	if a.state[frameIdx] != StateAllocated {
		return kerrors.Wrapf(kerrors.InvalidParameter, "frame.Free", "frame %#x is not allocated", addr)
	}
	if a.blockSize[frameIdx] != order {
		return kerrors.Wrapf(kerrors.InvalidParameter, "frame.Free", "frame %#x was allocated at order %d, not %d", addr, a.blockSize[frameIdx], order)
	}

	blockFrames := uint64(1) << order
	for i := uint64(0); i < blockFrames; i++ {
		a.state[frameIdx+i] = StateFree
	}
	a.freeFrames += blockFrames
	a.usedFrames -= blockFrames

	k := order
	for k < MaxOrder {
		buddy := frameIdx ^ (uint64(1) << k)
		if buddy+(uint64(1)<<k) > a.totalFrames {
			break
		}
		if _, free := a.freeSets[k][buddy]; !free {
			break
		}
		delete(a.freeSets[k], buddy)
		if buddy < frameIdx {
			frameIdx = buddy
		}
		k++
	}

	a.freeSets[k][frameIdx] = struct{}{}
	return nil
}

// Reserved reports whether the frame at addr is permanently reserved.
func (a *Allocator) Reserved(addr uintptr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx, ok := a.addrToFrame(addr)
	if !ok {
		return false
	}
	return a.state[idx] == StateReserved
}

// Bytes returns a slice aliasing the simulated physical RAM at [addr,
// addr+size). Callers that hold a frame (a page-table node, a heap tier-3
// block, a shm region) use this as their "direct map" window instead of
// real MMIO — it is the one piece of this module that stands in for the
// identity-mapped kernel window a freestanding kernel would use.
func (a *Allocator) Bytes(addr uintptr, size int) []byte {
	off := int(addr - a.base)
	return a.ram[off : off+size]
}

// Base returns the arena's physical base address.
func (a *Allocator) Base() uintptr {
	return a.base
}
