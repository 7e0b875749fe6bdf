// Package heap implements C4: the three-tier heap allocator (spec.md §4.4).
// Tier 1 (thread cache) is wait-free per owning thread; Tier 2 (per-CPU
// slab) refills Tier 1 from pages carved out of Tier 3, a buddy allocator
// over a heap arena kept distinct from pkg/frame's simulated physical RAM.
package heap

import (
	"sync"

	"github.com/exo-os/kernel/pkg/frame"
	"github.com/exo-os/kernel/pkg/genutil"
	"github.com/exo-os/kernel/pkg/kerrors"
	"github.com/exo-os/kernel/pkg/units"
)

// classSizes are the 16 tier-1 size classes from spec.md §4.4, ascending so
// genutil.CeilIndex can binary-search them.
var classSizes = [...]uint32{8, 16, 24, 32, 48, 64, 96, 128, 192, 256, 384, 512, 768, 1024, 1536, 2048}

const (
	numClasses = len(classSizes)
	// binCap is "capped at 64" objects per tier-1 bin (spec.md §4.4).
	binCap = 64
	// largeThreshold is "size > 2 KiB ... straight to Tier 3" (spec.md §4.4).
	largeThreshold = 2048
	// refillBatch is how many objects Tier 2 hands a missing Tier 1 bin at once.
	refillBatch = 16
	// tier3MaxOrder caps Tier 3 at "4 KiB-1 MiB blocks" (spec.md §4.4):
	// order 0 = 4 KiB (units.PageSize), order 8 = 1 MiB.
	tier3MaxOrder = 8
)

func classIndex(size uint32) (int, bool) {
	idx := genutil.CeilIndex(classSizes[:], size)
	if idx >= numClasses {
		return 0, false
	}
	return idx, true
}

// Heap owns Tier 3 (the buddy arena) and the per-CPU Tier 2 slabs that sit
// above it. A Heap is shared process-wide; ThreadCaches are obtained from it
// per kernel thread.
type Heap struct {
	tier3 *frame.Allocator // buddy allocator over a dedicated heap arena

	mu     sync.Mutex
	slabs  []*cpuSlab // one per configured CPU, indexed by cpu id
	numCPU int
}

// New creates a Heap with a tier-3 arena of arenaSize bytes (rounded to
// whole 4 KiB pages) shared by numCPU per-CPU tier-2 slabs.
func New(arenaSize units.Size, numCPU int) *Heap {
	if numCPU < 1 {
		numCPU = 1
	}
	h := &Heap{
		tier3:  frame.New(arenaSize, 0),
		slabs:  make([]*cpuSlab, numCPU),
		numCPU: numCPU,
	}
	for i := range h.slabs {
		h.slabs[i] = newCPUSlab(h.tier3)
	}
	return h
}

// slabFor returns the tier-2 slab for cpu, clamping out-of-range ids to CPU 0
// the way a scheduler falling back to a default run-queue would.
func (h *Heap) slabFor(cpu int) *cpuSlab {
	if cpu < 0 || cpu >= len(h.slabs) {
		cpu = 0
	}
	return h.slabs[cpu]
}

// AllocLarge services the large-alloc path directly from Tier 3: "size > 2
// KiB or alignment > tier-1 max ⇒ straight to Tier 3" (spec.md §4.4).
func (h *Heap) AllocLarge(size units.Size) (uintptr, error) {
	pages := units.PageCount(uint64(size))
	order := units.Order(units.NextPowerOfTwo(pages))
	if order > tier3MaxOrder {
		return 0, kerrors.Wrapf(kerrors.InvalidSize, "heap.AllocLarge", "size %d exceeds tier-3 max block (1 MiB)", size)
	}
	return h.tier3.AllocOrder(order)
}

// FreeLarge returns a Tier-3 block previously returned by AllocLarge.
func (h *Heap) FreeLarge(addr uintptr, size units.Size) error {
	pages := units.PageCount(uint64(size))
	order := units.Order(units.NextPowerOfTwo(pages))
	return h.tier3.Free(addr, order)
}

// Bytes exposes the tier-3 arena bytes at [addr, addr+size), mirroring
// pkg/frame.Allocator.Bytes so callers can read/write through a returned
// address without an unsafe pointer.
func (h *Heap) Bytes(addr uintptr, size int) []byte {
	return h.tier3.Bytes(addr, size)
}

// ThreadCache is the wait-free Tier 1 owned by exactly one kernel thread
// (spec.md §4.4: "Tier 1 (thread cache, wait-free)"). It is never accessed
// from more than one goroutine, so it needs no internal locking; refills
// and flushes go through the owning cpuSlab's lock instead.
type ThreadCache struct {
	heap *Heap
	cpu  int
	bins [numClasses][]uintptr // LIFO free-lists, one per size class
}

// NewThreadCache binds a Tier 1 cache to cpu's Tier 2 slab.
func (h *Heap) NewThreadCache(cpu int) *ThreadCache {
	return &ThreadCache{heap: h, cpu: cpu}
}

// Alloc returns size bytes, routing through Tier 1 → Tier 2 → Tier 3 per
// spec.md §4.4.
func (tc *ThreadCache) Alloc(size units.Size) (uintptr, error) {
	if size == 0 {
		return 0, kerrors.Wrapf(kerrors.InvalidSize, "heap.Alloc", "requested 0 bytes")
	}
	if size > largeThreshold {
		return tc.heap.AllocLarge(size)
	}

	idx, ok := classIndex(uint32(size))
	if !ok {
		return tc.heap.AllocLarge(size)
	}

	bin := tc.bins[idx]
	if len(bin) == 0 {
		slab := tc.heap.slabFor(tc.cpu)
		refilled, err := slab.refill(idx, refillBatch)
		if err != nil {
			return 0, err
		}
		bin = append(bin, refilled...)
	}
	if len(bin) == 0 {
		return 0, kerrors.New(kerrors.OutOfMemory, "heap.Alloc")
	}

	n := len(bin) - 1
	addr := bin[n]
	tc.bins[idx] = bin[:n]
	return addr, nil
}

// Free returns size bytes previously obtained from Alloc back to Tier 1,
// capping the bin at binCap objects (spec.md §4.4); large allocations go
// straight back to Tier 3.
func (tc *ThreadCache) Free(addr uintptr, size units.Size) error {
	if size > largeThreshold {
		return tc.heap.FreeLarge(addr, size)
	}
	idx, ok := classIndex(uint32(size))
	if !ok {
		return tc.heap.FreeLarge(addr, size)
	}

	if len(tc.bins[idx]) >= binCap {
		tc.Flush(idx)
	}
	tc.bins[idx] = append(tc.bins[idx], addr)
	return nil
}

// Flush returns every object in bin classIdx to Tier 2 without touching any
// other bin (spec.md §4.4: "A flush of a bin returns all its objects to Tier
// 2 without touching other bins").
func (tc *ThreadCache) Flush(classIdx int) {
	bin := tc.bins[classIdx]
	if len(bin) == 0 {
		return
	}
	slab := tc.heap.slabFor(tc.cpu)
	slab.reclaim(classIdx, bin)
	tc.bins[classIdx] = tc.bins[classIdx][:0]
}

// FlushAll flushes every size class, e.g. on thread exit.
func (tc *ThreadCache) FlushAll() {
	for i := range tc.bins {
		tc.Flush(i)
	}
}
