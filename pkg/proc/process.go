// Package proc implements C12: process lifecycle (spec.md §4.12). It layers
// POSIX process semantics (pid/ppid/fd-table/children/zombie reaping) on
// top of pkg/sched (thread scheduling), pkg/mm/addrspace (per-process
// virtual memory) and pkg/loader/elf (program loading) — none of which know
// anything about a "process". This mirrors the original implementation's
// syscall/handlers/process.rs Process control block, adapted from a single
// global table guarded by one lock into the teacher's per-object-mutex
// style used throughout this module (pkg/ipc/namespace, pkg/ipc/shm).
package proc

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/exo-os/kernel/pkg/frame"
	"github.com/exo-os/kernel/pkg/kerrors"
	"github.com/exo-os/kernel/pkg/loader/elf"
	"github.com/exo-os/kernel/pkg/mm"
	"github.com/exo-os/kernel/pkg/mm/addrspace"
	"github.com/exo-os/kernel/pkg/mm/pagetable"
	"github.com/exo-os/kernel/pkg/sched"
	"github.com/exo-os/kernel/pkg/sched/thread"
)

// mmapArenaBase/Top bound the window pkg/mm.Mapper hands out anonymous
// mappings in, chosen to sit well below the user stack's top (exec.go's
// userStackTop) and well above a typical ELF load address so it doesn't
// need to consult the loaded image's extent to stay clear of it.
const (
	mmapArenaBase = uintptr(0x0000_2000_0000_0000)
	mmapArenaTop  = uintptr(0x0000_3000_0000_0000)
)

// maxConcurrentForks bounds how many Fork calls may be cloning an address
// space at once, the same way a real kernel bounds concurrent page-table
// walkers rather than letting an unbounded burst of fork() calls exhaust
// physical frames before any of them finish (spec.md §5's general resource-
// bounding posture, applied to this hosted simulation's one shared
// frame.Allocator).
const maxConcurrentForks = 64

// FDCloexec is the only fd flag this package interprets itself (close-on-exec);
// the rest (O_APPEND etc.) are opaque bytes it carries for pkg/syscall.
const FDCloexec = 1

// FdEntry is one row of a process's file descriptor table (spec.md §4.12
// "fd-table"), recovered from the original implementation's FdEntry.
type FdEntry struct {
	Handle      uint64
	Flags       uint32
	StatusFlags uint32
	Offset      int64
}

// State is a process's lifecycle state, distinct from thread.State: a
// process becomes a Zombie when its main thread exits, and is only removed
// from the table once its parent reaps it with Wait.
type State int

const (
	Running State = iota
	Zombie
)

// Process is the process control block (spec.md §3 "Process").
type Process struct {
	mu sync.Mutex

	PID, PPID, PGID, SID uint64
	MainTID              uint64
	MainThread           *thread.Thread
	Name                 string

	fds    map[int32]FdEntry
	nextFD int32

	AS      *addrspace.AddressSpace
	MM      *mm.Mapper
	Cwd     string
	Environ []string

	ExitStatus atomic.Int32
	State      State
	Children   []uint64

	UID, GID, EUID, EGID uint32

	cond *sync.Cond
}

func newProcess(pid, ppid, pgid, sid uint64, name string, as *addrspace.AddressSpace, cwd string, environ []string, uid, gid, euid, egid uint32) *Process {
	p := &Process{
		PID: pid, PPID: ppid, PGID: pgid, SID: sid,
		Name:    name,
		fds:     make(map[int32]FdEntry),
		nextFD:  0,
		AS:      as,
		MM:      mm.New(as, mmapArenaBase, mmapArenaTop),
		Cwd:     cwd,
		Environ: environ,
		UID:     uid, GID: gid, EUID: euid, EGID: egid,
	}
	p.cond = sync.NewCond(&p.mu)
	p.fds[0] = FdEntry{Handle: 0}
	p.fds[1] = FdEntry{Handle: 1}
	p.fds[2] = FdEntry{Handle: 2}
	p.nextFD = 3
	return p
}

// AllocFD returns the lowest unused fd number and reserves it.
func (p *Process) AllocFD(entry FdEntry) int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	fd := int32(0)
	for {
		if _, used := p.fds[fd]; !used {
			break
		}
		fd++
	}
	p.fds[fd] = entry
	if fd >= p.nextFD {
		p.nextFD = fd + 1
	}
	return fd
}

// FD looks up an open file descriptor.
func (p *Process) FD(fd int32) (FdEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.fds[fd]
	return e, ok
}

// CloseFD removes fd from the table.
func (p *Process) CloseFD(fd int32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.fds[fd]; !ok {
		return false
	}
	delete(p.fds, fd)
	return true
}

func (p *Process) dupFDTableLocked() map[int32]FdEntry {
	out := make(map[int32]FdEntry, len(p.fds))
	for fd, e := range p.fds {
		out[fd] = e
	}
	return out
}

func (p *Process) closeCloexecFdsLocked() {
	for fd, e := range p.fds {
		if e.Flags&FDCloexec != 0 {
			delete(p.fds, fd)
		}
	}
}

// Manager is the process table and the only component with enough context
// (scheduler + frame allocator + page mapper + kernel root) to implement
// fork/exec/exit/wait (spec.md §4.12). It is the Go-idiomatic equivalent of
// the original implementation's global PROCESS_TABLE + NEXT_PID.
type Manager struct {
	mu      sync.Mutex
	procs   map[uint64]*Process
	nextPID atomic.Uint64

	scheduler  *sched.Scheduler
	frames     *frame.Allocator
	mapper     *pagetable.Mapper
	kernelRoot uintptr

	forkSem *semaphore.Weighted
}

// NewManager creates an empty process table. kernelRoot is the page-table
// root whose upper half every address space shares (spec.md §4.3).
func NewManager(s *sched.Scheduler, frames *frame.Allocator, mapper *pagetable.Mapper, kernelRoot uintptr) *Manager {
	m := &Manager{
		procs:      make(map[uint64]*Process),
		scheduler:  s,
		frames:     frames,
		mapper:     mapper,
		kernelRoot: kernelRoot,
		forkSem:    semaphore.NewWeighted(maxConcurrentForks),
	}
	m.nextPID.Store(1)
	return m
}

// InitProcess creates pid 1 ("init"), the eventual reparenting target for
// orphaned children (spec.md §4.12 exit() "reparent children to pid 1").
func (m *Manager) InitProcess(name string, as *addrspace.AddressSpace, entry, stackTop uintptr) *Process {
	p := newProcess(1, 0, 1, 1, name, as, "/", nil, 0, 0, 0, 0)
	th := m.scheduler.Spawn(name, entry, stackTop, 1)
	p.MainTID = th.TID
	p.MainThread = th

	m.mu.Lock()
	m.procs[1] = p
	m.nextPID.Store(2)
	m.mu.Unlock()
	return p
}

// Lookup returns the process registered under pid.
func (m *Manager) Lookup(pid uint64) (*Process, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[pid]
	return p, ok
}

// Fork implements spec.md §4.12 fork(): allocate a pid, duplicate the fd
// table, COW-clone the address space, and admit a child thread that resumes
// at the parent's current context with its return-value register zeroed
// (the parent's own return value -- the child's pid -- is the syscall
// dispatcher's job to fill in, not this package's).
//
// Cloning an address space walks every one of the parent's page-table
// entries, so Fork acquires forkSem first: maxConcurrentForks bounds how
// many of those walks run at once, the same way a real kernel throttles
// concurrent forks rather than letting an unbounded burst blow through the
// shared frame.Allocator before any of them finish.
func (m *Manager) Fork(parent *Process, parentThread *thread.Thread) (*Process, error) {
	if err := m.forkSem.Acquire(context.Background(), 1); err != nil {
		return nil, kerrors.Wrap(kerrors.Interrupted, "proc.Fork", err)
	}
	defer m.forkSem.Release(1)

	childPID := m.nextPID.Add(1)

	parent.mu.Lock()
	fds := parent.dupFDTableLocked()
	cwd := parent.Cwd
	environ := append([]string(nil), parent.Environ...)
	name := parent.Name
	uid, gid, euid, egid := parent.UID, parent.GID, parent.EUID, parent.EGID
	pgid, sid := parent.PGID, parent.SID
	parent.mu.Unlock()

	childAS, err := parent.AS.CloneForFork(childPID, m.kernelRoot)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.OutOfMemory, "proc.Fork", err)
	}

	child := newProcess(childPID, parent.PID, pgid, sid, name, childAS, cwd, environ, uid, gid, euid, egid)
	child.fds = fds

	// The child thread starts Ready; scheduler.Spawn's fresh entry/stackTop
	// are overwritten below before the thread is ever dispatched, so this
	// race-free window is safe under the same admission discipline Spawn
	// already documents (fork-safe lock-free admit).
	childThread := m.scheduler.Spawn(name, 0, 0, childPID)
	ctxCopy := *parentThread.Context
	ctxCopy.Regs[0] = 0 // fork() returns 0 in the child
	childThread.Context = &ctxCopy
	child.MainTID = childThread.TID
	child.MainThread = childThread

	m.mu.Lock()
	m.procs[childPID] = child
	m.mu.Unlock()

	parent.mu.Lock()
	parent.Children = append(parent.Children, childPID)
	parent.mu.Unlock()

	return child, nil
}

// Exit implements spec.md §4.12 exit(): close fds, unmap the address space,
// record the exit status, reparent children to pid 1, and signal the
// parent (original implementation's sys_exit steps 2-6).
func (m *Manager) Exit(p *Process, cpu int, code int) {
	p.mu.Lock()
	p.fds = make(map[int32]FdEntry)
	as := p.AS
	p.AS = nil
	p.mu.Unlock()

	if as != nil {
		_ = as.Destroy()
	}

	p.ExitStatus.Store(int32(code))
	p.mu.Lock()
	p.State = Zombie
	children := p.Children
	p.Children = nil
	p.mu.Unlock()

	m.mu.Lock()
	initProc := m.procs[1]
	for _, cpid := range children {
		if child, ok := m.procs[cpid]; ok {
			child.mu.Lock()
			child.PPID = 1
			child.mu.Unlock()
			if initProc != nil {
				initProc.mu.Lock()
				initProc.Children = append(initProc.Children, cpid)
				initProc.mu.Unlock()
			}
		}
	}
	parent := m.procs[p.PPID]
	m.mu.Unlock()

	m.scheduler.Terminate(cpu, code)

	if parent != nil {
		if parent.MainThread != nil {
			parent.MainThread.Raise(thread.SigChld)
		}
		parent.mu.Lock()
		parent.cond.Broadcast()
		parent.mu.Unlock()
	}
}

// Wait implements spec.md §4.12 wait(): pid>0 waits for that specific
// child, pid<=0 waits for any child. nohang mirrors WNOHANG: return
// (0,0,nil) immediately instead of blocking when no zombie is ready.
//
// The zombie check and the decision to block happen under parent.mu, the
// same lock Exit holds while it calls parent.cond.Broadcast — that is what
// keeps this from missing a wakeup that lands between "no zombie yet" and
// "start waiting".
func (m *Manager) Wait(parent *Process, pid int64, nohang bool) (uint64, int, error) {
	for {
		parent.mu.Lock()
		target, err := m.findZombieChildLocked(parent, pid)
		if err != nil {
			parent.mu.Unlock()
			return 0, 0, err
		}
		if target != nil {
			parent.mu.Unlock()
			code := int(target.ExitStatus.Load())
			m.reap(parent, target.PID)
			return target.PID, code, nil
		}
		if nohang {
			parent.mu.Unlock()
			return 0, 0, nil
		}

		parent.cond.Wait() // atomically unlocks parent.mu while blocked, relocks on wake
		parent.mu.Unlock()
	}
}

// findZombieChildLocked must be called with parent.mu held.
func (m *Manager) findZombieChildLocked(parent *Process, pid int64) (*Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pid > 0 {
		child, ok := m.procs[uint64(pid)]
		if !ok || child.PPID != parent.PID {
			return nil, kerrors.Wrapf(kerrors.NotFound, "proc.Wait", "pid %d is not a child of %d", pid, parent.PID)
		}
		child.mu.Lock()
		isZombie := child.State == Zombie
		child.mu.Unlock()
		if isZombie {
			return child, nil
		}
		return nil, nil
	}

	if len(parent.Children) == 0 {
		return nil, kerrors.New(kerrors.NotFound, "proc.Wait")
	}
	for _, cpid := range parent.Children {
		child, ok := m.procs[cpid]
		if !ok {
			continue
		}
		child.mu.Lock()
		isZombie := child.State == Zombie
		child.mu.Unlock()
		if isZombie {
			return child, nil
		}
	}
	return nil, nil
}

func (m *Manager) reap(parent *Process, childPID uint64) {
	m.mu.Lock()
	delete(m.procs, childPID)
	m.mu.Unlock()

	parent.mu.Lock()
	for i, cpid := range parent.Children {
		if cpid == childPID {
			parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
			break
		}
	}
	parent.mu.Unlock()
}
