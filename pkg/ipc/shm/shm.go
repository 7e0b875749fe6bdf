// Package shm implements C8: the shared-memory pool (spec.md §4.8) — a
// global id/name-indexed map of regions carved out of pkg/frame, ref-counted
// so the last detach returns every frame and, if named, removes the name.
package shm

import (
	"sync"

	"github.com/exo-os/kernel/pkg/frame"
	"github.com/exo-os/kernel/pkg/kerrors"
	"github.com/exo-os/kernel/pkg/units"
)

// Region is one shm allocation (spec.md §3 "Shm region").
type Region struct {
	ID       uint64
	Name     string // empty if anonymous
	Size     units.Size
	Perms    uint32 // POSIX mode bits
	OwnerUID uint32
	RefCount uint32

	contiguous bool
	base       uintptr   // valid when contiguous
	frames     []uintptr // per-page frame addresses when scattered
}

// PageCount returns how many pages back this region.
func (r *Region) PageCount() uint64 { return units.PageCount(uint64(r.Size)) }

// Pool is the global shm allocator and registry.
type Pool struct {
	mu      sync.Mutex
	frames  *frame.Allocator
	byID    map[uint64]*Region
	byName  map[string]uint64
	nextID  uint64
}

// New creates a Pool drawing frames from the given allocator.
func New(frames *frame.Allocator) *Pool {
	return &Pool{frames: frames, byID: make(map[uint64]*Region), byName: make(map[string]uint64), nextID: 1}
}

// Allocate implements spec.md §4.8 allocate(): round up to frames, try
// contiguous, fall back to scattered (rolling back any partial gather on
// failure), zero every frame, assign a monotonically increasing id.
func (p *Pool) Allocate(size units.Size, perms uint32, owner uint32) (*Region, error) {
	if size == 0 {
		return nil, kerrors.Wrapf(kerrors.InvalidSize, "shm.Allocate", "requested 0 bytes")
	}
	pages := units.PageCount(uint64(size))

	p.mu.Lock()
	defer p.mu.Unlock()

	region := &Region{Size: size, Perms: perms, OwnerUID: owner}

	if base, err := p.frames.AllocContiguous(pages); err == nil {
		region.contiguous = true
		region.base = base
	} else {
		gathered := make([]uintptr, 0, pages)
		for i := uint64(0); i < pages; i++ {
			pa, ferr := p.frames.AllocFrame()
			if ferr != nil {
				for _, g := range gathered {
					_ = p.frames.Free(g, 0)
				}
				return nil, kerrors.Wrap(kerrors.OutOfMemory, "shm.Allocate", ferr)
			}
			gathered = append(gathered, pa)
		}
		region.frames = gathered
	}

	p.zeroRegion(region)

	region.ID = p.nextID
	p.nextID++
	p.byID[region.ID] = region
	return region, nil
}

func (p *Pool) zeroRegion(r *Region) {
	if r.contiguous {
		b := p.frames.Bytes(r.base, int(r.PageCount()*units.PageSize))
		for i := range b {
			b[i] = 0
		}
		return
	}
	for _, pa := range r.frames {
		b := p.frames.Bytes(pa, units.PageSize)
		for i := range b {
			b[i] = 0
		}
	}
}

// CreateNamed allocates a region and publishes it under name, refusing if
// the name already exists (spec.md §4.8 create_named()).
func (p *Pool) CreateNamed(name string, size units.Size, perms uint32, owner uint32) (*Region, error) {
	p.mu.Lock()
	if _, exists := p.byName[name]; exists {
		p.mu.Unlock()
		return nil, kerrors.Wrapf(kerrors.AlreadyExists, "shm.CreateNamed", "name %q already exists", name)
	}
	p.mu.Unlock()

	region, err := p.Allocate(size, perms, owner)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	region.Name = name
	p.byName[name] = region.ID
	p.mu.Unlock()
	return region, nil
}

// OpenNamed returns the id registered under name (spec.md §4.8
// open_named()).
func (p *Pool) OpenNamed(name string) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byName[name]
	if !ok {
		return 0, kerrors.Wrapf(kerrors.NotFound, "shm.OpenNamed", "name %q not found", name)
	}
	return id, nil
}

// Attach increments the ref-count and returns the region's base physical
// address (spec.md §4.8 attach()). For a scattered region this is the first
// frame's address; callers needing a specific offset should use
// PhysForOffset instead.
func (p *Pool) Attach(id uint64) (uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.byID[id]
	if !ok {
		return 0, kerrors.Wrapf(kerrors.NotFound, "shm.Attach", "id %d not found", id)
	}
	r.RefCount++
	return p.baseAddr(r), nil
}

func (p *Pool) baseAddr(r *Region) uintptr {
	if r.contiguous {
		return r.base
	}
	if len(r.frames) == 0 {
		return 0
	}
	return r.frames[0]
}

// AttachChecked is Attach plus a POSIX mode-bit check against uid (spec.md
// §4.8 attach_checked()): the owner's bits apply when uid matches, else the
// "other" bits.
func (p *Pool) AttachChecked(id uint64, uid uint32, needWrite bool) (uintptr, error) {
	p.mu.Lock()
	r, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return 0, kerrors.Wrapf(kerrors.NotFound, "shm.AttachChecked", "id %d not found", id)
	}

	var bits uint32
	if uid == r.OwnerUID {
		bits = (r.Perms >> 6) & 0o7
	} else {
		bits = r.Perms & 0o7
	}
	if bits&0o4 == 0 || (needWrite && bits&0o2 == 0) {
		p.mu.Unlock()
		return 0, kerrors.Wrapf(kerrors.PermissionDenied, "shm.AttachChecked", "uid %d denied on region %d", uid, id)
	}
	r.RefCount++
	addr := p.baseAddr(r)
	p.mu.Unlock()
	return addr, nil
}

// Detach decrements the ref-count, freeing every frame and removing the
// name (if any) on last-drop (spec.md §4.8 detach()).
func (p *Pool) Detach(id uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.byID[id]
	if !ok {
		return kerrors.Wrapf(kerrors.NotFound, "shm.Detach", "id %d not found", id)
	}
	if r.RefCount == 0 {
		return kerrors.Wrapf(kerrors.InvalidParameter, "shm.Detach", "id %d has no outstanding attaches", id)
	}
	r.RefCount--
	if r.RefCount > 0 {
		return nil
	}

	if r.contiguous {
		if err := p.frames.Free(r.base, units.Order(units.NextPowerOfTwo(r.PageCount()))); err != nil {
			return err
		}
	} else {
		for _, pa := range r.frames {
			if err := p.frames.Free(pa, 0); err != nil {
				return err
			}
		}
	}
	delete(p.byID, id)
	if r.Name != "" {
		delete(p.byName, r.Name)
	}
	return nil
}

// PhysForOffset returns the frame address backing byte offset within the
// region: O(1) for a contiguous region, O(offset/page) for a scattered one
// (spec.md §4.8 phys_for_offset()).
func (p *Pool) PhysForOffset(id uint64, offset uint64) (uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.byID[id]
	if !ok {
		return 0, kerrors.Wrapf(kerrors.NotFound, "shm.PhysForOffset", "id %d not found", id)
	}
	page := offset / units.PageSize
	if page >= r.PageCount() {
		return 0, kerrors.Wrapf(kerrors.InvalidAddress, "shm.PhysForOffset", "offset %d exceeds region size %d", offset, r.Size)
	}
	if r.contiguous {
		return r.base + uintptr(page*units.PageSize), nil
	}
	return r.frames[page], nil
}
