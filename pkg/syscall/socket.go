// Named-channel and endpoint syscalls: the POSIX-socket-shaped face spec.md
// §4.6/§4.7 puts over the IPC ring fabric (create/open/unlink a named
// channel, then send/recv against the endpoint it resolves to).
package syscall

import (
	"context"
	"time"

	"github.com/exo-os/kernel/pkg/ipc/endpoint"
	"github.com/exo-os/kernel/pkg/ipc/namespace"
	"github.com/exo-os/kernel/pkg/ipc/ring"
	"github.com/exo-os/kernel/pkg/kerrors"
)

// ChannelCreate implements the named-channel analogue of socket()+bind():
// allocate a ring, wrap it in an endpoint with the requested capabilities,
// and publish it under name (spec.md §4.7 create() + §4.6 new endpoint).
func (k *Kernel) ChannelCreate(name string, capacity uint64, perms uint32, caps endpoint.Capability, flags namespace.CreateFlags, ownerPID, ownerGID uint32) Result {
	r, err := ring.New(capacity)
	if err != nil {
		return errno(err)
	}
	if _, err := k.Names.Create(name, namespace.TypeChannel, perms, flags, ownerPID, ownerGID); err != nil {
		return errno(err)
	}

	k.mu.Lock()
	k.channels[name] = &channel{ring: r, ep: endpoint.New(r, caps)}
	k.mu.Unlock()
	return ok(0)
}

// ChannelOpen implements the named-channel analogue of connect(): a
// permission-checked lookup that hands back an endpoint id, not the
// endpoint itself, so callers address it the way they address an fd
// (spec.md §4.7 open()).
func (k *Kernel) ChannelOpen(name string, wantRead, wantWrite bool, pid, gid uint32) (Result, uint64) {
	if _, err := k.Names.Open(name, wantRead, wantWrite, pid, gid); err != nil {
		return errno(err), 0
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	ch, found := k.channels[name]
	if !found {
		return kindErrno(kerrors.NotFound, "syscall.ChannelOpen"), 0
	}
	id := k.nextEPID
	k.nextEPID++
	k.anonEPs[id] = ch.ep
	return ok(int64(id)), id
}

// ChannelClose releases an endpoint id obtained from ChannelOpen and drops the corresponding namespace client-count (spec.md §4.7 close()).
func (k *Kernel) ChannelClose(name string, epID uint64) Result {
	k.mu.Lock()
	delete(k.anonEPs, epID)
	k.mu.Unlock()
	k.Names.Close(name)
	return ok(0)
}

// ChannelUnlink implements unlink(): the owner removes the name from the
// namespace; existing endpoint ids stay valid for their holders (spec.md
// §4.7 unlink()).
func (k *Kernel) ChannelUnlink(name string, pid uint32) Result {
	if err := k.Names.Unlink(name, pid); err != nil {
		return errno(err)
	}
	return ok(0)
}

func (k *Kernel) endpointFor(epID uint64) (*endpoint.Endpoint, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	ep, ok := k.anonEPs[epID]
	if !ok {
		return nil, kerrors.Wrapf(kerrors.NotFound, "syscall.endpointFor", "endpoint id %d not found", epID)
	}
	return ep, nil
}

// Send implements the blocking send() syscall against an endpoint id
// (spec.md §4.5/§4.6 blocking send).
func (k *Kernel) Send(ctx context.Context, epID uint64, payload []byte) Result {
	ep, err := k.endpointFor(epID)
	if err != nil {
		return errno(err)
	}
	if err := ep.Send(ctx, ring.NewMessage(payload)); err != nil {
		return errno(err)
	}
	return ok(0)
}

// Recv implements the blocking recv() syscall against an endpoint id.
// Callers that only need the synchronous (non-context) send/recv path can
// use SendTimeout/RecvTimeout directly on the endpoint via TrySend/TryRecv
// below.
func (k *Kernel) Recv(ctx context.Context, epID uint64) (Result, []byte) {
	ep, err := k.endpointFor(epID)
	if err != nil {
		return errno(err), nil
	}
	msg, err := ep.Recv(ctx)
	if err != nil {
		return errno(err), nil
	}
	return ok(0), k.payloadOf(msg)
}

// TrySend/TryRecv implement the non-blocking variants (spec.md §4.6
// try_send/try_recv), returning WouldBlock as a negative EAGAIN rather than
// parking.
func (k *Kernel) TrySend(epID uint64, payload []byte) Result {
	ep, err := k.endpointFor(epID)
	if err != nil {
		return errno(err)
	}
	if err := ep.TrySend(ring.NewMessage(payload)); err != nil {
		return errno(err)
	}
	return ok(0)
}

func (k *Kernel) TryRecv(epID uint64) (Result, []byte) {
	ep, err := k.endpointFor(epID)
	if err != nil {
		return errno(err), nil
	}
	msg, err := ep.TryRecv()
	if err != nil {
		return errno(err), nil
	}
	return ok(0), k.payloadOf(msg)
}

// SendTimeout/RecvTimeout give a blocking call a deadline instead of a
// caller-owned context, for callers whose syscall ABI passes a duration
// (spec.md §5 "Cancellation & timeouts").
func (k *Kernel) SendTimeout(epID uint64, payload []byte, d time.Duration) Result {
	ep, err := k.endpointFor(epID)
	if err != nil {
		return errno(err)
	}
	if err := ep.SendTimeout(ring.NewMessage(payload), d); err != nil {
		return errno(err)
	}
	return ok(0)
}

func (k *Kernel) RecvTimeout(epID uint64, d time.Duration) (Result, []byte) {
	ep, err := k.endpointFor(epID)
	if err != nil {
		return errno(err), nil
	}
	msg, err := ep.RecvTimeout(d)
	if err != nil {
		return errno(err), nil
	}
	return ok(0), k.payloadOf(msg)
}

// payloadOf extracts a received message's bytes regardless of transfer
// mode: inline/register modes copy straight out of the slot, while page and
// zero-copy modes hand off a physical frame that this package reads through
// the shared pkg/frame.Allocator instead of copying on the ring's hot path
// (spec.md §4.5's transfer-mode selection keeps the ring itself payload-size
// agnostic; this is where that indirection gets resolved back into bytes).
func (k *Kernel) payloadOf(msg ring.Message) []byte {
	switch msg.Mode {
	case ring.ModeRegister, ring.ModeInline:
		return append([]byte(nil), msg.Inline[:msg.InlineLen]...)
	case ring.ModePage, ring.ModeZeroCopy:
		if k.Frames == nil || msg.PhysAddr == 0 {
			return nil
		}
		return append([]byte(nil), k.Frames.Bytes(msg.PhysAddr, int(msg.PhysSize))...)
	default:
		return nil
	}
}
