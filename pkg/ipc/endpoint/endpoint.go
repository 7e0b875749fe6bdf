// Package endpoint implements C6: a ring plus a wait queue and capability
// flags (spec.md §4.6). It is the blocking face of the IPC fabric; pkg/ipc/ring
// stays purely non-blocking so its hot path never touches a mutex.
//
// Hosted-simulation note: spec.md's "park via the scheduler until woken" is
// realized here as an ordinary blocked goroutine on a channel — the
// scheduler package (pkg/sched) models kernel-thread scheduling, but an
// endpoint's wait queue is a leaf collaborator, not itself a scheduled
// entity, so it uses Go's native blocking the way the teacher's code blocks
// on channels rather than reimplementing parking by hand.
package endpoint

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/exo-os/kernel/pkg/ipc/ring"
	"github.com/exo-os/kernel/pkg/kerrors"
)

// Capability is the flag set an endpoint was created with (spec.md §4.6).
type Capability uint8

const (
	CanSend Capability = 1 << iota
	CanRecv
	// NonBlocking makes every blocking call behave like its Try variant
	// (spec.md §4.6: "Non-blocking bit short-circuits blocking sends to
	// WouldBlock").
	NonBlocking
)

// State is the endpoint lifecycle (spec.md §4.6 half-close).
type State int

const (
	StateActive State = iota
	StateHalfClosed
	StateClosed
)

const (
	fastPathAttempts = 16
	slowSpinAttempts = 100
)

type waiter struct {
	ch chan struct{}
}

func newWaiter() *waiter { return &waiter{ch: make(chan struct{})} }

func (w *waiter) wake() {
	select {
	case <-w.ch:
		// already woken
	default:
		close(w.ch)
	}
}

// Stats are the atomically-bumped counters spec.md §4.6 calls for
// ("statistics counters are bumped atomically").
type Stats struct {
	Sent atomic.Uint64
	Recv atomic.Uint64
}

// Endpoint wraps a ring with capability flags, lifecycle state, and two
// wait-queues (one per direction).
type Endpoint struct {
	ring *ring.Ring
	caps Capability

	mu           sync.Mutex
	state        State
	sendWaiters  []*waiter
	recvWaiters  []*waiter

	Stats Stats
}

// New creates an Endpoint over r with the given capability flags, Active.
func New(r *ring.Ring, caps Capability) *Endpoint {
	return &Endpoint{ring: r, caps: caps, state: StateActive}
}

func (e *Endpoint) checkDirection(need Capability, opName string) error {
	e.mu.Lock()
	state := e.state
	caps := e.caps
	e.mu.Unlock()

	if state == StateClosed {
		return kerrors.New(kerrors.IoError, opName) // Closed
	}
	if caps&need == 0 {
		return kerrors.New(kerrors.PermissionDenied, opName)
	}
	if need == CanSend && state == StateHalfClosed {
		return kerrors.New(kerrors.IoError, opName)
	}
	return nil
}

// TrySend is the non-blocking send (spec.md §4.6 try_send).
func (e *Endpoint) TrySend(msg ring.Message) error {
	if err := e.checkDirection(CanSend, "endpoint.TrySend"); err != nil {
		return err
	}
	if err := e.ring.TrySend(msg); err != nil {
		return err
	}
	e.Stats.Sent.Add(1)
	e.wakeRecvWaiters()
	return nil
}

// TryRecv is the non-blocking recv (spec.md §4.6 try_recv).
func (e *Endpoint) TryRecv() (ring.Message, error) {
	if err := e.checkDirection(CanRecv, "endpoint.TryRecv"); err != nil {
		return ring.Message{}, err
	}
	msg, err := e.ring.TryRecv()
	if err != nil {
		return ring.Message{}, err
	}
	e.Stats.Recv.Add(1)
	e.wakeSendWaiters()
	return msg, nil
}

// Send is the blocking send from spec.md §4.6/§4.5 "Blocking send/recv":
// fast-path spin, then register-and-park, retrying on every spurious wake.
func (e *Endpoint) Send(ctx context.Context, msg ring.Message) error {
	if err := e.checkDirection(CanSend, "endpoint.Send"); err != nil {
		return err
	}
	if e.caps&NonBlocking != 0 {
		return e.TrySend(msg)
	}
	return e.blockingLoop(ctx, "endpoint.Send", func() error { return e.TrySend(msg) }, e.registerSendWaiter, e.unregisterSendWaiter)
}

// Recv is the blocking recv dual of Send.
func (e *Endpoint) Recv(ctx context.Context) (ring.Message, error) {
	if err := e.checkDirection(CanRecv, "endpoint.Recv"); err != nil {
		return ring.Message{}, err
	}
	if e.caps&NonBlocking != 0 {
		return e.TryRecv()
	}
	var result ring.Message
	err := e.blockingLoop(ctx, "endpoint.Recv", func() error {
		msg, err := e.TryRecv()
		if err == nil {
			result = msg
		}
		return err
	}, e.registerRecvWaiter, e.unregisterRecvWaiter)
	return result, err
}

// SendTimeout and RecvTimeout give the blocking calls a deadline (spec.md
// §5 "Cancellation & timeouts").
func (e *Endpoint) SendTimeout(msg ring.Message, d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return e.Send(ctx, msg)
}

func (e *Endpoint) RecvTimeout(d time.Duration) (ring.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return e.Recv(ctx)
}

func (e *Endpoint) blockingLoop(ctx context.Context, op string, attempt func() error, register func() *waiter, unregister func(*waiter)) error {
	for i := 0; i < fastPathAttempts; i++ {
		if err := attempt(); err == nil || !isWouldBlock(err) {
			return err
		}
		runtime.Gosched()
	}

	w := register()
	defer unregister(w)

	for i := 0; i < slowSpinAttempts; i++ {
		if err := attempt(); err == nil || !isWouldBlock(err) {
			return err
		}
	}

	for {
		select {
		case <-w.ch:
			if e.State() == StateClosed {
				return kerrors.New(kerrors.IoError, op)
			}
			err := attempt()
			if err == nil || !isWouldBlock(err) {
				return err
			}
			// Spurious wake: re-register and keep waiting (spec.md §4.5:
			// "Spurious wakes retry from step 1").
			unregister(w)
			w = register()
		case <-ctx.Done():
			unregister(w)
			return kerrors.New(kerrors.Timeout, op)
		}
	}
}

func isWouldBlock(err error) bool {
	return kerrors.KindOf(err) == kerrors.WouldBlock
}

func (e *Endpoint) registerSendWaiter() *waiter {
	w := newWaiter()
	e.mu.Lock()
	e.sendWaiters = append(e.sendWaiters, w)
	e.mu.Unlock()
	return w
}

func (e *Endpoint) registerRecvWaiter() *waiter {
	w := newWaiter()
	e.mu.Lock()
	e.recvWaiters = append(e.recvWaiters, w)
	e.mu.Unlock()
	return w
}

func (e *Endpoint) unregisterSendWaiter(w *waiter) { e.removeWaiter(&e.sendWaiters, w) }
func (e *Endpoint) unregisterRecvWaiter(w *waiter) { e.removeWaiter(&e.recvWaiters, w) }

func (e *Endpoint) removeWaiter(list *[]*waiter, w *waiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, cur := range *list {
		if cur == w {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

func (e *Endpoint) wakeSendWaiters() {
	e.mu.Lock()
	waiters := append([]*waiter(nil), e.sendWaiters...)
	e.mu.Unlock()
	for _, w := range waiters {
		w.wake()
	}
}

func (e *Endpoint) wakeRecvWaiters() {
	e.mu.Lock()
	waiters := append([]*waiter(nil), e.recvWaiters...)
	e.mu.Unlock()
	for _, w := range waiters {
		w.wake()
	}
}

// State returns the current lifecycle state.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ShutdownSend clears the send flag, transitioning to HalfClosed if recv is
// still permitted, else Closed (spec.md §4.6 half-close). Resume wakes both
// waiter populations.
func (e *Endpoint) ShutdownSend() {
	e.mu.Lock()
	e.caps &^= CanSend
	if e.caps&CanRecv != 0 {
		e.state = StateHalfClosed
	} else {
		e.state = StateClosed
	}
	e.mu.Unlock()
	e.wakeSendWaiters()
	e.wakeRecvWaiters()
}

// Close transitions the endpoint to Closed and wakes every waiter with
// Closed (spec.md §4.6: "On drop, the endpoint closes and the wait queue
// wakes all waiters with Closed").
func (e *Endpoint) Close() {
	e.mu.Lock()
	e.state = StateClosed
	e.mu.Unlock()
	e.wakeSendWaiters()
	e.wakeRecvWaiters()
}
