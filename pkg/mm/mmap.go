// Package mm implements the POSIX mmap surface (a supplemented feature:
// spec.md's C3 leaves mmap/munmap/mprotect "not in this spec" territory,
// but the original implementation's memory/mmap.rs MmapManager builds real
// page-table-backed mappings, so this layer adapts that onto pkg/mm/addrspace
// instead of leaving it unimplemented). One Mapper instance is owned per
// process, the same way the original's MmapManager was documented as
// "per-process in real implementation" despite shipping as a single global.
package mm

import (
	"sort"
	"sync"

	"github.com/exo-os/kernel/pkg/kerrors"
	"github.com/exo-os/kernel/pkg/mm/addrspace"
	"github.com/exo-os/kernel/pkg/mm/pagetable"
	"github.com/exo-os/kernel/pkg/units"
)

// Flags mirrors the POSIX mmap() flags word (MAP_SHARED, MAP_PRIVATE, ...).
type Flags uint32

const (
	MapShared    Flags = 0x01
	MapPrivate   Flags = 0x02
	MapFixed     Flags = 0x10
	MapAnonymous Flags = 0x20
	MapGrowsdown Flags = 0x100
	MapLocked    Flags = 0x2000
	MapStack     Flags = 0x20000
	MapPopulate  Flags = 0x8000
)

func (f Flags) isFixed() bool { return f&MapFixed != 0 }

// Advice is the POSIX madvise() advice enum.
type Advice int32

const (
	AdviceNormal Advice = iota
	AdviceRandom
	AdviceSequential
	AdviceWillNeed
	AdviceDontNeed
)

// mapping is the bookkeeping record for one mmap() call, kept alongside (not
// instead of) the addrspace.Region it installs, since Region alone doesn't
// carry MAP_LOCKED/fd/offset.
type mapping struct {
	start  uintptr
	size   units.Size
	flags  Flags
	locked bool
}

func (m mapping) end() uintptr { return m.start + uintptr(m.size) }

// Mapper is a per-process mmap/brk arena layered on top of one
// addrspace.AddressSpace (original implementation's MmapManager, scoped down
// from a kernel-wide singleton to one instance per process the way a real
// kernel's mm_struct is one per process).
type Mapper struct {
	mu      sync.Mutex
	as      *addrspace.AddressSpace
	nextVA  uintptr
	top     uintptr
	mapped  []mapping
	brkBase uintptr
	brkTop  uintptr
}

// New creates a Mapper whose anonymous mappings are handed out starting at
// base and must stay below top (the original's MmapManager started anonymous
// mappings at a fixed 2GiB hint; base/top let the caller place that window
// anywhere that doesn't collide with the process's code/data/stack regions).
func New(as *addrspace.AddressSpace, base, top uintptr) *Mapper {
	return &Mapper{as: as, nextVA: base, top: top}
}

// Mmap implements spec.md's supplemented mmap(): round the size up to whole
// pages, pick (or validate) a virtual address, install the region, and for
// an anonymous mapping back it with zeroed frames immediately (this
// simulation has no file-backed path yet, so MAP_ANONYMOUS is the only
// backing store mmap supports; a non-anonymous request is rejected rather
// than silently degraded).
func (mp *Mapper) Mmap(hint uintptr, size units.Size, prot pagetable.Flags, flags Flags) (uintptr, error) {
	if size == 0 {
		return 0, kerrors.Wrapf(kerrors.InvalidSize, "mm.Mmap", "requested 0 bytes")
	}
	if flags&MapAnonymous == 0 {
		return 0, kerrors.Wrapf(kerrors.InvalidParameter, "mm.Mmap", "only MAP_ANONYMOUS is supported")
	}
	aligned := units.Size(units.PageCount(uint64(size)) * units.PageSize)

	mp.mu.Lock()
	defer mp.mu.Unlock()

	var start uintptr
	switch {
	case flags.isFixed():
		if hint == 0 || hint%units.PageSize != 0 {
			return 0, kerrors.Wrapf(kerrors.AlignmentError, "mm.Mmap", "MAP_FIXED address %#x is not page-aligned", hint)
		}
		if mp.overlaps(hint, aligned) {
			return 0, kerrors.Wrapf(kerrors.AlreadyMapped, "mm.Mmap", "MAP_FIXED range [%#x,%#x) is already mapped", hint, hint+uintptr(aligned))
		}
		start = hint
	case hint != 0 && hint%units.PageSize == 0 && !mp.overlaps(hint, aligned):
		start = hint
	default:
		var err error
		start, err = mp.findFreeLocked(aligned)
		if err != nil {
			return 0, err
		}
	}

	kind := addrspace.KindMmap
	if flags&MapStack != 0 {
		kind = addrspace.KindStack
	}
	// An empty, non-nil data slice makes MapSegmentData zero every page.
	if err := mp.as.MapSegmentData(start, aligned, prot, kind, []byte{}); err != nil {
		return 0, err
	}

	mp.mapped = append(mp.mapped, mapping{start: start, size: aligned, flags: flags})
	mp.sortMappedLocked()
	if start+uintptr(aligned) > mp.nextVA {
		mp.nextVA = start + uintptr(aligned)
	}
	return start, nil
}

// Munmap implements spec.md's supplemented munmap(): addr/size must name an
// exact existing mapping (this simulation doesn't split partially-unmapped
// regions, matching the original's MmapManager which only ever removes whole
// entries it finds overlapping the request).
func (mp *Mapper) Munmap(addr uintptr, size units.Size) error {
	aligned := units.Size(units.PageCount(uint64(size)) * units.PageSize)

	mp.mu.Lock()
	idx := mp.indexOfLocked(addr, aligned)
	if idx < 0 {
		mp.mu.Unlock()
		return kerrors.Wrapf(kerrors.NotMapped, "mm.Munmap", "no mapping at [%#x,%#x)", addr, addr+uintptr(aligned))
	}
	mp.mapped = append(mp.mapped[:idx], mp.mapped[idx+1:]...)
	mp.mu.Unlock()

	return mp.as.UnmapRange(addr, aligned)
}

// Mprotect implements spec.md's supplemented mprotect(): rewrite the page
// flags of an existing mapping in place.
func (mp *Mapper) Mprotect(addr uintptr, size units.Size, prot pagetable.Flags) error {
	aligned := units.Size(units.PageCount(uint64(size)) * units.PageSize)

	mp.mu.Lock()
	idx := mp.indexOfLocked(addr, aligned)
	mp.mu.Unlock()
	if idx < 0 {
		return kerrors.Wrapf(kerrors.NotMapped, "mm.Mprotect", "no mapping at [%#x,%#x)", addr, addr+uintptr(aligned))
	}
	return mp.as.ProtectRange(addr, aligned, prot)
}

// Madvise implements spec.md's supplemented madvise(): this simulation has
// no page reclaim or readahead path, so every advice value is a no-op once
// the target mapping is validated, mirroring the original's mmap.rs which
// logs and returns Ok for MADV_DONTNEED/MADV_WILLNEED without acting on them.
func (mp *Mapper) Madvise(addr uintptr, size units.Size, advice Advice) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if _, ok := mp.as.FindRegion(addr); !ok {
		return kerrors.Wrapf(kerrors.NotMapped, "mm.Madvise", "address %#x is not mapped", addr)
	}
	return nil
}

// Mlock/Munlock implement spec.md's supplemented mlock()/munlock(): flip the
// bookkeeping-only locked bit the original's mmap.rs tracks on MmapEntry.
// This simulation has no swap path, so there is nothing physical to pin;
// the flag exists so mincore/meminfo-style introspection can report it.
func (mp *Mapper) Mlock(addr uintptr, size units.Size) error { return mp.setLocked(addr, size, true) }

func (mp *Mapper) Munlock(addr uintptr, size units.Size) error {
	return mp.setLocked(addr, size, false)
}

func (mp *Mapper) setLocked(addr uintptr, size units.Size, locked bool) error {
	aligned := units.Size(units.PageCount(uint64(size)) * units.PageSize)
	mp.mu.Lock()
	defer mp.mu.Unlock()
	idx := mp.indexOfLocked(addr, aligned)
	if idx < 0 {
		return kerrors.Wrapf(kerrors.NotMapped, "mm.setLocked", "no mapping at [%#x,%#x)", addr, addr+uintptr(aligned))
	}
	mp.mapped[idx].locked = locked
	return nil
}

// Mincore reports, for each page in [addr, addr+size), whether it is
// currently resident (spec.md's supplemented mincore(): every page this
// simulation maps is resident immediately, so this is a presence check
// rather than a real working-set query).
func (mp *Mapper) Mincore(addr uintptr, size units.Size) ([]bool, error) {
	pageCount := units.PageCount(uint64(size))
	out := make([]bool, pageCount)
	for i := uint64(0); i < pageCount; i++ {
		_, resident := mp.as.FindRegion(addr + uintptr(i*units.PageSize))
		out[i] = resident
	}
	return out, nil
}

// MeminfoLine is one row of a /proc/self/maps-style report (spec.md's
// supplemented meminfo(), grounded on the original's get_mapping_info()).
type MeminfoLine struct {
	Start, End uintptr
	Flags      pagetable.Flags
	Kind       addrspace.Kind
	Locked     bool
}

// Meminfo returns every mapping this Mapper has installed, sorted by
// address, the Go-idiomatic equivalent of iterating /proc/self/maps.
func (mp *Mapper) Meminfo() []MeminfoLine {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	out := make([]MeminfoLine, 0, len(mp.mapped))
	for _, m := range mp.mapped {
		r, ok := mp.as.FindRegion(m.start)
		if !ok {
			continue
		}
		out = append(out, MeminfoLine{Start: r.Start, End: r.End(), Flags: r.Flags, Kind: r.Kind, Locked: m.locked})
	}
	return out
}

// Brk implements the classic brk()/sbrk() heap-growth syscall: newBrk == 0
// queries the current break, otherwise the break is grown or shrunk to
// newBrk (rounded to a page boundary), mapping or unmapping the delta
// (spec.md §4.2 describes the arena-based heap allocator; brk is the
// syscall-level knob a libc's malloc uses to ask the kernel for more
// address space before handing it to that allocator).
func (mp *Mapper) Brk(newBrk uintptr) (uintptr, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if mp.brkBase == 0 {
		return 0, kerrors.Wrapf(kerrors.InvalidParameter, "mm.Brk", "heap not initialized, call InitBrk first")
	}
	if newBrk == 0 {
		return mp.brkTop, nil
	}
	if newBrk < mp.brkBase {
		return 0, kerrors.Wrapf(kerrors.InvalidParameter, "mm.Brk", "new break %#x precedes heap base %#x", newBrk, mp.brkBase)
	}

	oldTop := units.PageAlignUp(mp.brkTop)
	newTop := units.PageAlignUp(newBrk)
	switch {
	case newTop > oldTop:
		if err := mp.as.MapRange(oldTop, units.Size(newTop-oldTop), pagetable.Present|pagetable.Writable, addrspace.KindHeap); err != nil {
			return 0, err
		}
	case newTop < oldTop:
		if err := mp.as.UnmapRange(newTop, units.Size(oldTop-newTop)); err != nil {
			return 0, err
		}
	}
	mp.brkTop = newBrk
	return mp.brkTop, nil
}

// InitBrk establishes the heap's initial break, mapping nothing yet (the
// first Brk call past base is what grows it). Brk fails with
// InvalidParameter until InitBrk has run; exec() does not call it.
func (mp *Mapper) InitBrk(base uintptr) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.brkBase, mp.brkTop = base, base
}

// Mremap implements a minimal mremap(): it unmaps the exact mapping
// [oldAddr, oldAddr+oldSize) and then installs a fresh anonymous private
// mapping of newSize at an address Mmap picks. It never resizes in place,
// and the old contents are not carried over: the new mapping is zeroed.
// MREMAP_FIXED is not supported.
func (mp *Mapper) Mremap(oldAddr uintptr, oldSize, newSize units.Size, prot pagetable.Flags) (uintptr, error) {
	if newSize == 0 {
		return 0, kerrors.Wrapf(kerrors.InvalidSize, "mm.Mremap", "requested 0 bytes")
	}
	if err := mp.Munmap(oldAddr, oldSize); err != nil {
		return 0, err
	}
	return mp.Mmap(0, newSize, prot, MapAnonymous|MapPrivate)
}

func (mp *Mapper) overlaps(start uintptr, size units.Size) bool {
	end := start + uintptr(size)
	for _, m := range mp.mapped {
		if start < m.end() && m.start < end {
			return true
		}
	}
	return false
}

func (mp *Mapper) indexOfLocked(addr uintptr, size units.Size) int {
	for i, m := range mp.mapped {
		if m.start == addr && m.size == size {
			return i
		}
	}
	return -1
}

func (mp *Mapper) sortMappedLocked() {
	sort.Slice(mp.mapped, func(i, j int) bool { return mp.mapped[i].start < mp.mapped[j].start })
}

func (mp *Mapper) findFreeLocked(size units.Size) (uintptr, error) {
	start := units.PageAlignUp(mp.nextVA)
	if mp.top != 0 && start+uintptr(size) > mp.top {
		return 0, kerrors.Wrapf(kerrors.OutOfMemory, "mm.findFreeLocked", "mmap arena exhausted growing to %#x", start+uintptr(size))
	}
	return start, nil
}
