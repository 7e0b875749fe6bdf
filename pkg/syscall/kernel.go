// Package syscall is the POSIX-facing dispatch layer (spec.md §6/§7): it
// translates user-visible syscall numbers and arguments into calls against
// pkg/proc, pkg/sched, pkg/ipc/{ring,endpoint,namespace,shm}, and pkg/mm,
// and translates every kerrors.Kind result back into a negative errno via
// pkg/posix — the same shape as the original implementation's
// syscall/handlers/*.rs dispatch functions, minus the Rust trait-object
// indirection.
package syscall

import (
	"sync"

	"github.com/exo-os/kernel/pkg/frame"
	"github.com/exo-os/kernel/pkg/ipc/endpoint"
	"github.com/exo-os/kernel/pkg/ipc/namespace"
	"github.com/exo-os/kernel/pkg/ipc/ring"
	"github.com/exo-os/kernel/pkg/ipc/shm"
	"github.com/exo-os/kernel/pkg/kerrors"
	"github.com/exo-os/kernel/pkg/posix"
	"github.com/exo-os/kernel/pkg/proc"
	"github.com/exo-os/kernel/pkg/sched"
)

// channel is the registry row backing one namespace.TypeChannel entry: the
// namespace tracks name/permission metadata, this package owns the live
// ring+endpoint object the name resolves to (namespace.Entry intentionally
// carries no object reference, per pkg/ipc/namespace's design).
type channel struct {
	ring *ring.Ring
	ep   *endpoint.Endpoint
}

// Kernel is the single dispatch target every syscall handler method hangs
// off of, aggregating every subsystem a syscall might need to reach.
type Kernel struct {
	Procs  *proc.Manager
	Sched  *sched.Scheduler
	Names  *namespace.Namespace
	Shm    *shm.Pool
	Frames *frame.Allocator

	mu       sync.Mutex
	channels map[string]*channel
	anonEPs  map[uint64]*endpoint.Endpoint
	nextEPID uint64
}

// NewKernel wires the dispatch layer over an already-constructed process
// manager, scheduler, shm pool and frame allocator (assembled by
// internal/boot).
func NewKernel(procs *proc.Manager, s *sched.Scheduler, shmPool *shm.Pool, frames *frame.Allocator) *Kernel {
	return &Kernel{
		Procs:    procs,
		Sched:    s,
		Names:    namespace.New(),
		Shm:      shmPool,
		Frames:   frames,
		channels: make(map[string]*channel),
		anonEPs:  make(map[uint64]*endpoint.Endpoint),
		nextEPID: 1,
	}
}

// Result is a syscall's return value in the Linux ABI convention: a
// non-negative value on success, or -errno on failure, packed into one
// int64 register the way a real syscall return path would.
type Result int64

// ok packs a successful non-negative return value.
func ok(v int64) Result { return Result(v) }

// errno packs err as a negative-errno Result (spec.md §6/§7's convention).
func errno(err error) Result {
	if err == nil {
		return 0
	}
	return Result(posix.Negated(err))
}

func kindErrno(k kerrors.Kind, op string) Result {
	return errno(kerrors.New(k, op))
}
