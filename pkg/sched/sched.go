// Package sched implements C10: the three-queue preemptive scheduler
// (spec.md §4.10). Admission is lock-free (a CAS-linked pending list) so
// fork can call AddThread from inside any lock-stack; dispatch itself runs
// under the caller's interrupt-disabled guard and owns the ready queues,
// the blocked map and the zombie map behind a single mutex, matching
// spec.md §5's "spinlocks with interrupt-disable for short mutable state".
//
// This is a hosted simulation: there is one Scheduler per kernel, fed a
// fixed number of simulated CPUs. Schedule(cpu, ...) performs every state
// transition spec.md §4.10 describes and returns the thread that is now
// Running on that CPU; it does not itself perform a register-level context
// switch (that belongs to the out-of-scope architecture bring-up layer, via
// pkg/arch).
package sched

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/exo-os/kernel/pkg/arch"
	"github.com/exo-os/kernel/pkg/kerrors"
	"github.com/exo-os/kernel/pkg/sched/thread"
)

// QueueClass is one of the three ready queues (spec.md §4.10).
type QueueClass int

const (
	Hot QueueClass = iota
	Normal
	Cold
	numClasses
)

// Classification thresholds (spec.md §4.10: "Hot <1 ms EMA, Normal 1-10 ms,
// Cold >10 ms").
const (
	hotThreshold  = time.Millisecond
	coldThreshold = 10 * time.Millisecond
)

// affinityWindow is "less than 50 ms" from spec.md §4.10 "Cache affinity".
const affinityWindow = 50 * time.Millisecond

func classify(ema time.Duration) QueueClass {
	switch {
	case ema < hotThreshold:
		return Hot
	case ema <= coldThreshold:
		return Normal
	default:
		return Cold
	}
}

// pendingNode is one link of the lock-free admission list (spec.md §4.10
// "a lock-free pending ingest list (atomic-pointer singly linked)").
type pendingNode struct {
	th   *thread.Thread
	next *pendingNode
}

// Scheduler is the whole of C10.
type Scheduler struct {
	arch arch.Architecture

	pendingHead atomic.Pointer[pendingNode]
	nextTID     atomic.Uint64

	mu      sync.Mutex
	ready   [numClasses][]*thread.Thread
	blocked map[uint64]*thread.Thread
	zombie  map[uint64]*thread.Thread
	current []*thread.Thread // indexed by simulated cpu id
	idle    []*thread.Thread // indexed by simulated cpu id

	Metrics  *Metrics
	Balancer *Balancer
}

// New creates a Scheduler for numCPU simulated CPUs.
func New(a arch.Architecture, numCPU int) *Scheduler {
	if numCPU < 1 {
		numCPU = 1
	}
	return &Scheduler{
		arch:     a,
		nextTID:  atomic.Uint64{},
		blocked:  make(map[uint64]*thread.Thread),
		zombie:   make(map[uint64]*thread.Thread),
		current:  make([]*thread.Thread, numCPU),
		idle:     make([]*thread.Thread, numCPU),
		Metrics:  newMetrics(),
		Balancer: NewBalancer(),
	}
}

// SetIdleThread installs cpu's idle thread (spec.md §5: "Each CPU has its
// own idle thread").
func (s *Scheduler) SetIdleThread(cpu int, idle *thread.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idle[cpu] = idle
}

// admit pushes t onto the pending list via a CAS loop that never takes a
// lock — this is the property spec.md §4.10 calls out as making fork safe
// to call from inside any lock-stack.
func (s *Scheduler) admit(t *thread.Thread) {
	node := &pendingNode{th: t}
	for {
		old := s.pendingHead.Load()
		node.next = old
		if s.pendingHead.CompareAndSwap(old, node) {
			return
		}
	}
}

// Spawn allocates a tid, builds a Thread and admits it (spec.md §4.10
// spawn()).
func (s *Scheduler) Spawn(name string, entry, stackTop uintptr, pid uint64) *thread.Thread {
	tid := s.nextTID.Add(1)
	t := thread.New(tid, pid, name, entry, stackTop)
	s.admit(t)
	return t
}

// AddThread admits an already-constructed thread (used by fork, spec.md
// §4.12 step 6) through the same lock-free path as Spawn.
func (s *Scheduler) AddThread(t *thread.Thread) {
	s.admit(t)
}

// drainPendingLocked empties the pending list into the ready queues,
// classifying each thread by its current EMA (spec.md §4.10 dispatch step
// 1). Caller must hold s.mu.
func (s *Scheduler) drainPendingLocked() {
	head := s.pendingHead.Swap(nil)
	// The list is newest-first; walk it into a slice and enqueue oldest
	// first so FIFO order within a class reflects admission order.
	var nodes []*thread.Thread
	for n := head; n != nil; n = n.next {
		nodes = append(nodes, n.th)
	}
	for i := len(nodes) - 1; i >= 0; i-- {
		s.enqueueLocked(nodes[i])
	}
}

func (s *Scheduler) enqueueLocked(t *thread.Thread) {
	t.State = thread.Ready
	class := classify(t.EMA)
	s.ready[class] = append(s.ready[class], t)
	s.Metrics.recordAdmission(t.TID, class)
}

// pickVictimLocked selects the next thread to run on cpu: Hot > Normal >
// Cold, preferring an affinity match within the last 50 ms over a fresher
// candidate of the same class, otherwise FIFO head (spec.md §4.10 "Cache
// affinity", "Within a queue, ordering is FIFO; no stealing across
// queues").
func (s *Scheduler) pickVictimLocked(cpu int) *thread.Thread {
	now := time.Now()
	for class := Hot; class < numClasses; class++ {
		q := s.ready[class]
		if len(q) == 0 {
			continue
		}
		for i, t := range q {
			if t.LastCPUID == cpu && now.Sub(t.LastSwitchOut) < affinityWindow {
				s.ready[class] = append(append([]*thread.Thread{}, q[:i]...), q[i+1:]...)
				s.Metrics.recordDispatch(class)
				return t
			}
		}
		t := q[0]
		s.ready[class] = q[1:]
		s.Metrics.recordDispatch(class)
		return t
	}
	return nil
}

// Schedule runs one dispatch pass for cpu (spec.md §4.10 "Dispatch"): drain
// admissions, retire the outgoing thread according to its state, pick a
// victim (or the idle thread, or halt), and install it as cpu's current
// thread. lastSlice is how long the outgoing thread actually ran, fed into
// its EMA before it is reclassified.
func (s *Scheduler) Schedule(cpu int, lastSlice time.Duration) *thread.Thread {
	s.arch.DisableInterrupts()
	defer s.arch.EnableInterrupts()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.drainPendingLocked()

	if out := s.current[cpu]; out != nil {
		switch out.State {
		case thread.Running:
			out.UpdateEMA(lastSlice)
			out.LastCPUID = cpu
			out.LastSwitchOut = time.Now()
			s.enqueueLocked(out)
		case thread.Blocked:
			s.blocked[out.TID] = out
		case thread.Terminated:
			s.zombie[out.TID] = out
		}
	}

	next := s.pickVictimLocked(cpu)
	if next == nil {
		next = s.idle[cpu]
	}
	if next != nil {
		next.State = thread.Running
	} else {
		s.arch.EnableInterrupts()
		s.arch.Halt()
		s.arch.DisableInterrupts()
	}
	s.current[cpu] = next
	return next
}

// CurrentThread returns cpu's currently running thread, or nil.
func (s *Scheduler) CurrentThread(cpu int) *thread.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current[cpu]
}

// BlockCurrent marks cpu's current thread Blocked and immediately
// dispatches (spec.md §4.10 "Blocking": "block_current() sets state to
// Blocked and calls schedule()").
func (s *Scheduler) BlockCurrent(cpu int, lastSlice time.Duration) *thread.Thread {
	s.mu.Lock()
	if cur := s.current[cpu]; cur != nil {
		cur.State = thread.Blocked
	}
	s.mu.Unlock()
	return s.Schedule(cpu, lastSlice)
}

// Unblock finds tid in the blocked map, marks it Ready, and re-admits it
// through the pending list (spec.md §4.10 "the wake path unblock(tid)").
func (s *Scheduler) Unblock(tid uint64) error {
	s.mu.Lock()
	t, ok := s.blocked[tid]
	if ok {
		delete(s.blocked, tid)
	}
	s.mu.Unlock()
	if !ok {
		return kerrors.Wrapf(kerrors.NotFound, "sched.Unblock", "tid %d is not blocked", tid)
	}
	t.State = thread.Ready
	s.admit(t)
	return nil
}

// Terminate marks cpu's current thread Terminated; the next Schedule call
// moves it to the zombie map (spec.md §4.9 exit lifecycle).
func (s *Scheduler) Terminate(cpu int, exitCode int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.current[cpu]; cur != nil {
		cur.State = thread.Terminated
		cur.ExitCode = exitCode
	}
}

// ReapZombie removes and returns tid from the zombie map (used by
// pkg/proc's wait()).
func (s *Scheduler) ReapZombie(tid uint64) (*thread.Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.zombie[tid]
	if ok {
		delete(s.zombie, tid)
	}
	return t, ok
}

// QueueLengths reports the current length of each ready queue, for
// diagnostics and load-balancer feed.
func (s *Scheduler) QueueLengths() [3]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return [3]int{len(s.ready[Hot]), len(s.ready[Normal]), len(s.ready[Cold])}
}
