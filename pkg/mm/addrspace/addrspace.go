// Package addrspace implements C3: per-process address spaces (spec.md
// §4.3). Each AddressSpace owns a root page-table frame and a sorted,
// non-overlapping region list; cloning for fork shares physical frames
// copy-on-write instead of duplicating them.
package addrspace

import (
	"sort"
	"sync"

	"github.com/exo-os/kernel/pkg/frame"
	"github.com/exo-os/kernel/pkg/kerrors"
	"github.com/exo-os/kernel/pkg/mm/pagetable"
	"github.com/exo-os/kernel/pkg/units"
)

// Kind is the region type enum from spec.md §3 ("Address space").
type Kind int

const (
	KindCode Kind = iota
	KindData
	KindHeap
	KindStack
	KindMmap
	KindSharedLib
	KindKernel
)

// Region is one entry of an address space's region list (spec.md §3).
type Region struct {
	Start uintptr
	Size  units.Size
	Flags pagetable.Flags
	Kind  Kind
}

// End returns the exclusive upper bound of the region.
func (r Region) End() uintptr { return r.Start + uintptr(r.Size) }

func (r Region) overlaps(other Region) bool {
	return r.Start < other.End() && other.Start < r.End()
}

// cowTable is the shared copy-on-write refcount ledger a parent and its
// fork children reference through the same pointer: a frame shared by N
// address spaces is only returned to pkg/frame when the last one drops it.
// spec.md §4.3 leaves the write-fault copy itself out of scope ("The fault
// handler (not in this spec) performs the copy on write"); this ledger is
// the bookkeeping that handler would consult.
type cowTable struct {
	mu   sync.Mutex
	refs map[uintptr]uint32
}

func newCOWTable() *cowTable {
	return &cowTable{refs: make(map[uintptr]uint32)}
}

func (c *cowTable) retain(frameAddr uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs[frameAddr]++
}

// release drops one reference and reports whether the caller held the last
// one (and must free the frame back to pkg/frame). Every mapped frame is
// retained once at allocation time, so an untracked frame (ok == false)
// still correctly resolves to "free it" rather than leaking.
func (c *cowTable) release(frameAddr uintptr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.refs[frameAddr]
	if !ok || n <= 1 {
		delete(c.refs, frameAddr)
		return true
	}
	c.refs[frameAddr] = n - 1
	return false
}

// AddressSpace is a per-process virtual memory container (spec.md §4.3).
type AddressSpace struct {
	mu sync.Mutex

	ID   uint64
	Root uintptr

	regions []Region

	frames *frame.Allocator
	mapper *pagetable.Mapper
	cow    *cowTable
}

// New allocates a fresh address space with a new root page-table node whose
// upper half is aliased to kernelRoot (spec.md §3: "kernel half is shared
// read-only ... by reusing the upper-half PML4 entries").
func New(id uint64, frames *frame.Allocator, mapper *pagetable.Mapper, kernelRoot uintptr) (*AddressSpace, error) {
	root, err := mapper.NewRoot()
	if err != nil {
		return nil, kerrors.Wrap(kerrors.OutOfMemory, "addrspace.New", err)
	}
	if kernelRoot != 0 {
		mapper.RootEntries(root, kernelRoot)
	}
	return &AddressSpace{
		ID:     id,
		Root:   root,
		frames: frames,
		mapper: mapper,
		cow:    newCOWTable(),
	}, nil
}

// AddRegion inserts region into the sorted region list, rejecting overlaps
// with any existing region (spec.md §4.3: "reject if it overlaps an
// existing region").
func (as *AddressSpace) AddRegion(region Region) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.addRegionLocked(region)
}

func (as *AddressSpace) addRegionLocked(region Region) error {
	for _, existing := range as.regions {
		if region.overlaps(existing) {
			return kerrors.Wrapf(kerrors.AlreadyMapped, "addrspace.AddRegion",
				"region [%#x,%#x) overlaps existing region [%#x,%#x)",
				region.Start, region.End(), existing.Start, existing.End())
		}
	}
	idx := sort.Search(len(as.regions), func(i int) bool { return as.regions[i].Start >= region.Start })
	as.regions = append(as.regions, Region{})
	copy(as.regions[idx+1:], as.regions[idx:])
	as.regions[idx] = region
	return nil
}

// Regions returns a snapshot copy of the region list, sorted by start.
func (as *AddressSpace) Regions() []Region {
	as.mu.Lock()
	defer as.mu.Unlock()
	out := make([]Region, len(as.regions))
	copy(out, as.regions)
	return out
}

// MapRange allocates one frame per page covering [va, va+size), maps each
// with flags, and records the whole range as a single region (spec.md
// §4.3: "allocate frames, map each page, record a region").
func (as *AddressSpace) MapRange(va uintptr, size units.Size, flags pagetable.Flags, kind Kind) error {
	return as.mapRange(va, size, flags, kind, nil)
}

// MapSegmentData is MapRange plus copying data into the mapped pages and
// zeroing the remainder, used by the ELF loader for PT_LOAD segments
// (spec.md §4.11 step 3: "allocate a frame, copy the overlapping slice of
// file data, zero the remainder (BSS)").
func (as *AddressSpace) MapSegmentData(va uintptr, size units.Size, flags pagetable.Flags, kind Kind, data []byte) error {
	return as.mapRange(va, size, flags, kind, data)
}

func (as *AddressSpace) mapRange(va uintptr, size units.Size, flags pagetable.Flags, kind Kind, data []byte) error {
	if uint64(va)%units.PageSize != 0 {
		return kerrors.Wrapf(kerrors.AlignmentError, "addrspace.MapRange", "va %#x is not page-aligned", va)
	}
	pageCount := units.PageCount(uint64(size))
	alignedSize := units.Size(pageCount * units.PageSize)

	as.mu.Lock()
	defer as.mu.Unlock()

	region := Region{Start: va, Size: alignedSize, Flags: flags, Kind: kind}
	if err := as.addRegionLocked(region); err != nil {
		return err
	}

	mapped := make([]uintptr, 0, pageCount)
	for i := uint64(0); i < pageCount; i++ {
		pa, err := as.frames.AllocFrame()
		if err != nil {
			as.unwindPartialMap(mapped, va, alignedSize)
			return kerrors.Wrap(kerrors.OutOfMemory, "addrspace.MapRange", err)
		}
		mapped = append(mapped, pa)
		// Every mapped frame starts at refcount 1 in the shared COW ledger,
		// whether or not it ever ends up shared — this keeps release's
		// decrement arithmetic uniform between never-forked and forked pages.
		as.cow.retain(pa)

		if data != nil {
			dst := as.frames.Bytes(pa, units.PageSize)
			lo := i * units.PageSize
			hi := lo + units.PageSize
			if lo < uint64(len(data)) {
				n := hi
				if n > uint64(len(data)) {
					n = uint64(len(data))
				}
				copy(dst, data[lo:n])
				for j := n - lo; j < units.PageSize; j++ {
					dst[j] = 0
				}
			} else {
				for j := range dst {
					dst[j] = 0
				}
			}
		}

		pageVA := va + uintptr(i*units.PageSize)
		if err := as.mapper.Map(as.Root, pageVA, pa, flags); err != nil {
			as.unwindPartialMap(mapped, va, alignedSize)
			return err
		}
	}
	return nil
}

func (as *AddressSpace) unwindPartialMap(mapped []uintptr, va uintptr, size units.Size) {
	for i, pa := range mapped {
		pageVA := va + uintptr(uint64(i)*units.PageSize)
		_ = as.mapper.Unmap(as.Root, pageVA)
		if as.cow.release(pa) {
			_ = as.frames.Free(pa, 0)
		}
	}
	as.removeRegionLocked(va, size)
}

func (as *AddressSpace) removeRegionLocked(va uintptr, size units.Size) {
	for i, r := range as.regions {
		if r.Start == va && r.Size == size {
			as.regions = append(as.regions[:i], as.regions[i+1:]...)
			return
		}
	}
}

// CloneForFork duplicates the region list into a new address space; every
// writable region's leaf entries are rewritten read-only with the COW flag
// set in both parent and child, and the underlying frames become shared
// (spec.md §4.3 clone_for_fork).
func (as *AddressSpace) CloneForFork(childID uint64, kernelRoot uintptr) (*AddressSpace, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	childRoot, err := as.mapper.NewRoot()
	if err != nil {
		return nil, kerrors.Wrap(kerrors.OutOfMemory, "addrspace.CloneForFork", err)
	}
	if kernelRoot != 0 {
		as.mapper.RootEntries(childRoot, kernelRoot)
	}

	child := &AddressSpace{
		ID:      childID,
		Root:    childRoot,
		frames:  as.frames,
		mapper:  as.mapper,
		cow:     as.cow,
		regions: make([]Region, len(as.regions)),
	}
	copy(child.regions, as.regions)

	for _, r := range as.regions {
		if r.Kind == KindKernel {
			continue
		}
		writable := r.Flags&pagetable.Writable != 0
		pageCount := units.PageCount(uint64(r.Size))
		for i := uint64(0); i < pageCount; i++ {
			pageVA := r.Start + uintptr(i*units.PageSize)
			res := as.mapper.Walk(as.Root, pageVA)
			if res.Kind != pagetable.KindPresent {
				continue
			}

			childFlags := res.Flags
			parentFlags := res.Flags
			if writable {
				childFlags = (childFlags &^ pagetable.Writable) | pagetable.COW
				parentFlags = (parentFlags &^ pagetable.Writable) | pagetable.COW
				if err := as.mapper.Protect(as.Root, pageVA, parentFlags); err != nil {
					return nil, err
				}
			}
			if err := as.mapper.Map(childRoot, pageVA, res.PhysAddr, childFlags); err != nil {
				return nil, err
			}
			as.cow.retain(res.PhysAddr)
		}
	}
	return child, nil
}

// Destroy unmaps every region, returning every leaf frame to pkg/frame
// unless another address space still shares it (COW refcount > 0), then
// frees the root page-table node (spec.md §4.3 destroy).
func (as *AddressSpace) Destroy() error {
	as.mu.Lock()
	defer as.mu.Unlock()

	for _, r := range as.regions {
		if r.Kind == KindKernel {
			continue
		}
		pageCount := units.PageCount(uint64(r.Size))
		for i := uint64(0); i < pageCount; i++ {
			pageVA := r.Start + uintptr(i*units.PageSize)
			res := as.mapper.Walk(as.Root, pageVA)
			if res.Kind != pagetable.KindPresent {
				continue
			}
			if err := as.mapper.Unmap(as.Root, pageVA); err != nil {
				return err
			}
			if as.cow.release(res.PhysAddr) {
				if err := as.frames.Free(res.PhysAddr, 0); err != nil {
					return err
				}
			}
		}
	}
	as.regions = nil
	return as.frames.Free(as.Root, 0)
}

// FindRegion returns the region containing va, if any (used by pkg/mm's
// mmap layer to resolve munmap/mprotect targets back to a region).
func (as *AddressSpace) FindRegion(va uintptr) (Region, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, r := range as.regions {
		if va >= r.Start && va < r.End() {
			return r, true
		}
	}
	return Region{}, false
}

// UnmapRange tears down exactly the region starting at va (va, size must
// match an existing region's bounds precisely), returning every frame not
// still shared under COW and removing the region entry (spec.md §4.3's
// Destroy loop, narrowed from "every region" to one caller-chosen region so
// pkg/mm can implement munmap without tearing down the whole address space).
func (as *AddressSpace) UnmapRange(va uintptr, size units.Size) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	var target *Region
	for i := range as.regions {
		if as.regions[i].Start == va && as.regions[i].Size == size {
			target = &as.regions[i]
			break
		}
	}
	if target == nil {
		return kerrors.Wrapf(kerrors.NotMapped, "addrspace.UnmapRange", "no region at [%#x,%#x)", va, va+uintptr(size))
	}

	pageCount := units.PageCount(uint64(size))
	for i := uint64(0); i < pageCount; i++ {
		pageVA := va + uintptr(i*units.PageSize)
		res := as.mapper.Walk(as.Root, pageVA)
		if res.Kind != pagetable.KindPresent {
			continue
		}
		if err := as.mapper.Unmap(as.Root, pageVA); err != nil {
			return err
		}
		if as.cow.release(res.PhysAddr) {
			if err := as.frames.Free(res.PhysAddr, 0); err != nil {
				return err
			}
		}
	}
	as.removeRegionLocked(va, size)
	return nil
}

// ProtectRange rewrites the page-table flags of every page in the region
// starting at va (mirroring CloneForFork's per-page Protect loop) and
// updates the region's recorded Flags to match, used by pkg/mm's mprotect.
func (as *AddressSpace) ProtectRange(va uintptr, size units.Size, flags pagetable.Flags) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	idx := -1
	for i := range as.regions {
		if as.regions[i].Start == va && as.regions[i].Size == size {
			idx = i
			break
		}
	}
	if idx < 0 {
		return kerrors.Wrapf(kerrors.NotMapped, "addrspace.ProtectRange", "no region at [%#x,%#x)", va, va+uintptr(size))
	}

	pageCount := units.PageCount(uint64(size))
	for i := uint64(0); i < pageCount; i++ {
		pageVA := va + uintptr(i*units.PageSize)
		if err := as.mapper.Protect(as.Root, pageVA, flags); err != nil {
			return err
		}
	}
	as.regions[idx].Flags = flags
	return nil
}
