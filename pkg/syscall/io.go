// Memory-mapping and shared-memory syscalls: the mmap/munmap/mprotect/brk
// family over a process's pkg/mm.Mapper, and the shm_open-style family over
// the kernel's shared pkg/ipc/shm.Pool (spec.md's supplemented mmap
// surface and §4.8 shm, respectively).
package syscall

import (
	"github.com/exo-os/kernel/pkg/mm"
	"github.com/exo-os/kernel/pkg/mm/pagetable"
	"github.com/exo-os/kernel/pkg/units"
)

// Mmap implements the mmap() syscall against p's mapper.
func (k *Kernel) Mmap(p *Process, hint uintptr, size units.Size, prot pagetable.Flags, flags mm.Flags) (Result, uintptr) {
	addr, err := p.MM.Mmap(hint, size, prot, flags)
	if err != nil {
		return errno(err), 0
	}
	return ok(int64(addr)), addr
}

// Munmap implements the munmap() syscall.
func (k *Kernel) Munmap(p *Process, addr uintptr, size units.Size) Result {
	if err := p.MM.Munmap(addr, size); err != nil {
		return errno(err)
	}
	return ok(0)
}

// Mprotect implements the mprotect() syscall.
func (k *Kernel) Mprotect(p *Process, addr uintptr, size units.Size, prot pagetable.Flags) Result {
	if err := p.MM.Mprotect(addr, size, prot); err != nil {
		return errno(err)
	}
	return ok(0)
}

// Madvise/Mlock/Munlock/Mincore/Brk/Mremap pass straight through to p's
// mapper; this package's only job for them is the errno translation at the
// boundary.
func (k *Kernel) Madvise(p *Process, addr uintptr, size units.Size, advice mm.Advice) Result {
	if err := p.MM.Madvise(addr, size, advice); err != nil {
		return errno(err)
	}
	return ok(0)
}

func (k *Kernel) Mlock(p *Process, addr uintptr, size units.Size) Result {
	if err := p.MM.Mlock(addr, size); err != nil {
		return errno(err)
	}
	return ok(0)
}

func (k *Kernel) Munlock(p *Process, addr uintptr, size units.Size) Result {
	if err := p.MM.Munlock(addr, size); err != nil {
		return errno(err)
	}
	return ok(0)
}

func (k *Kernel) Mincore(p *Process, addr uintptr, size units.Size) (Result, []bool) {
	res, err := p.MM.Mincore(addr, size)
	if err != nil {
		return errno(err), nil
	}
	return ok(0), res
}

func (k *Kernel) Brk(p *Process, newBrk uintptr) (Result, uintptr) {
	top, err := p.MM.Brk(newBrk)
	if err != nil {
		return errno(err), 0
	}
	return ok(int64(top)), top
}

func (k *Kernel) Mremap(p *Process, oldAddr uintptr, oldSize, newSize units.Size, prot pagetable.Flags) (Result, uintptr) {
	addr, err := p.MM.Mremap(oldAddr, oldSize, newSize, prot)
	if err != nil {
		return errno(err), 0
	}
	return ok(int64(addr)), addr
}

// Meminfo implements a /proc/self/maps-style introspection syscall.
func (k *Kernel) Meminfo(p *Process) []mm.MeminfoLine {
	return p.MM.Meminfo()
}

// ShmCreateNamed/ShmOpenNamed/ShmAttach/ShmDetach implement the shm_open()
// family (spec.md §4.8), delegating straight to the kernel's shared pool.
func (k *Kernel) ShmCreateNamed(name string, size units.Size, perms uint32, owner uint32) (Result, uint64) {
	r, err := k.Shm.CreateNamed(name, size, perms, owner)
	if err != nil {
		return errno(err), 0
	}
	return ok(int64(r.ID)), r.ID
}

func (k *Kernel) ShmOpenNamed(name string) (Result, uint64) {
	id, err := k.Shm.OpenNamed(name)
	if err != nil {
		return errno(err), 0
	}
	return ok(int64(id)), id
}

func (k *Kernel) ShmAttach(id uint64, uid uint32, needWrite bool) (Result, uintptr) {
	addr, err := k.Shm.AttachChecked(id, uid, needWrite)
	if err != nil {
		return errno(err), 0
	}
	return ok(int64(addr)), addr
}

func (k *Kernel) ShmDetach(id uint64) Result {
	if err := k.Shm.Detach(id); err != nil {
		return errno(err)
	}
	return ok(0)
}
