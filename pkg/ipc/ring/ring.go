// Package ring implements C5: the MPMC ring, the core of the IPC fabric
// (spec.md §4.5). It is the most complex single component of the kernel: a
// bounded lock-free queue with four cache-aligned atomic counters and
// per-slot sequence numbers that let producers and consumers make progress
// without ever blocking each other.
//
// Grounded on the disruptor-pattern ring buffer (cache-aligned slots,
// CAS-claimed cursors, gating sequence) retrieved from the example pack,
// generalized from its single-consumer design to the MPMC claim/commit
// scheme spec.md §4.5 requires.
package ring

import (
	"runtime"
	"sync/atomic"

	"github.com/exo-os/kernel/pkg/kerrors"
	"github.com/exo-os/kernel/pkg/units"
)

// cacheLineSize is the padding unit used to keep the four counters and each
// slot on separate cache lines, preventing false sharing between producer
// and consumer cores (spec.md §4.5: "Four cache-aligned 64-bit counters").
const cacheLineSize = 64

// MinCapacity is the smallest ring capacity spec.md §4.5 allows ("capacity
// a power of two >= 16").
const MinCapacity = 16

// TransferMode is the producer-side payload strategy selected by size
// (spec.md §4.5 "Transfer-mode selection").
type TransferMode int

const (
	ModeRegister TransferMode = iota // <=8B, still an inline slot
	ModeInline                       // <=56B, copied into the slot payload
	ModePage                         // <=4KiB, one physical frame handed off
	ModeZeroCopy                     // >4KiB, frame list in the shm pool
)

const (
	inlineCapacity = 56
	pageCapacity   = units.PageSize
)

// SelectMode implements the exact size thresholds from spec.md §4.5.
func SelectMode(size int) TransferMode {
	switch {
	case size <= 8:
		return ModeRegister
	case size <= inlineCapacity:
		return ModeInline
	case size <= pageCapacity:
		return ModePage
	default:
		return ModeZeroCopy
	}
}

// Message is one ring payload. Exactly one of the Inline bytes or the
// PhysAddr/PhysSize pair is meaningful, depending on Mode.
type Message struct {
	Mode      TransferMode
	Inline    [inlineCapacity]byte
	InlineLen int
	PhysAddr  uintptr
	PhysSize  uintptr
}

// NewMessage picks a transfer mode for payload and copies it inline when it
// fits, leaving PhysAddr/PhysSize for the caller to fill in for the page and
// zero-copy modes (those go through the shm pool, which this package does
// not depend on).
func NewMessage(payload []byte) Message {
	m := Message{Mode: SelectMode(len(payload))}
	if m.Mode == ModeRegister || m.Mode == ModeInline {
		m.InlineLen = copy(m.Inline[:], payload)
	}
	return m
}

type paddedCounter struct {
	v atomic.Uint64
	_ [cacheLineSize - 8]byte
}

type slot struct {
	sequence atomic.Uint64
	msg      Message
	_        [cacheLineSize]byte // nominal pad; msg already dominates a line
}

// Ring is the MPMC bounded queue (spec.md §4.5).
type Ring struct {
	capacity uint64
	mask     uint64
	slots    []slot

	producerClaim  paddedCounter
	producerCommit paddedCounter
	consumerClaim  paddedCounter
	consumerCommit paddedCounter
}

// New creates a Ring of the given capacity, which must be a power of two
// >= MinCapacity.
func New(capacity uint64) (*Ring, error) {
	if capacity < MinCapacity || !units.IsPowerOfTwo(capacity) {
		return nil, kerrors.Wrapf(kerrors.InvalidSize, "ring.New", "capacity %d must be a power of two >= %d", capacity, MinCapacity)
	}
	r := &Ring{capacity: capacity, mask: capacity - 1, slots: make([]slot, capacity)}
	for i := range r.slots {
		r.slots[i].sequence.Store(uint64(i))
	}
	return r, nil
}

// Capacity returns the ring's slot count.
func (r *Ring) Capacity() uint64 { return r.capacity }

// Len reports the number of messages currently in flight (observability
// only; spec.md §4.5 "Ordering": commit counters are "for observability
// (length) only").
func (r *Ring) Len() uint64 {
	return r.producerCommit.v.Load() - r.consumerCommit.v.Load()
}

// TrySend is the non-blocking produce path from spec.md §4.5.
func (r *Ring) TrySend(msg Message) error {
	for {
		claim := r.producerClaim.v.Load()
		if claim-r.consumerCommit.v.Load() >= r.capacity {
			return kerrors.New(kerrors.WouldBlock, "ring.TrySend")
		}
		if r.producerClaim.v.CompareAndSwap(claim, claim+1) {
			r.writeSlot(claim, msg)
			r.advanceProducerCommit()
			return nil
		}
	}
}

// TryRecv is the non-blocking consume path from spec.md §4.5.
func (r *Ring) TryRecv() (Message, error) {
	for {
		claim := r.consumerClaim.v.Load()
		if claim >= r.producerCommit.v.Load() {
			return Message{}, kerrors.New(kerrors.WouldBlock, "ring.TryRecv")
		}
		if r.consumerClaim.v.CompareAndSwap(claim, claim+1) {
			msg := r.readSlot(claim)
			r.advanceConsumerCommit()
			return msg, nil
		}
	}
}

// SendBatch reserves up to len(msgs) consecutive producer claims with a
// single CAS, writes every payload it reserved, and issues one commit
// advance (spec.md §4.5 "Batch"). It never reserves a partial run split
// across multiple CAS attempts; the returned count is how many of msgs it
// actually wrote, which may be zero.
func (r *Ring) SendBatch(msgs []Message) (int, error) {
	k := uint64(len(msgs))
	if k == 0 {
		return 0, nil
	}
	for {
		claim := r.producerClaim.v.Load()
		avail := r.capacity - (claim - r.consumerCommit.v.Load())
		if avail == 0 {
			return 0, kerrors.New(kerrors.WouldBlock, "ring.SendBatch")
		}
		take := k
		if take > avail {
			take = avail
		}
		if r.producerClaim.v.CompareAndSwap(claim, claim+take) {
			for i := uint64(0); i < take; i++ {
				r.writeSlot(claim+i, msgs[i])
			}
			r.advanceProducerCommit()
			return int(take), nil
		}
	}
}

// RecvBatch is the consumer-side dual of SendBatch: it drains up to
// len(out) available messages into out in one CAS, returning how many it
// filled.
func (r *Ring) RecvBatch(out []Message) (int, error) {
	k := uint64(len(out))
	if k == 0 {
		return 0, nil
	}
	for {
		claim := r.consumerClaim.v.Load()
		avail := r.producerCommit.v.Load() - claim
		if avail == 0 {
			return 0, kerrors.New(kerrors.WouldBlock, "ring.RecvBatch")
		}
		take := k
		if take > avail {
			take = avail
		}
		if r.consumerClaim.v.CompareAndSwap(claim, claim+take) {
			for i := uint64(0); i < take; i++ {
				out[i] = r.readSlot(claim + i)
			}
			r.advanceConsumerCommit()
			return int(take), nil
		}
	}
}

// writeSlot spins until the slot at claim's index is ready for a producer
// (sequence == claim), writes the payload, then publishes via a
// store-release of sequence = claim+1 (spec.md §4.5 steps 4-6).
func (r *Ring) writeSlot(claim uint64, msg Message) {
	idx := claim & r.mask
	s := &r.slots[idx]
	for s.sequence.Load() != claim {
		runtime.Gosched()
	}
	s.msg = msg
	s.sequence.Store(claim + 1)
}

// readSlot spins until the slot is ready for a consumer (sequence ==
// claim+1), reads the payload, then advances sequence to claim+capacity so
// the slot is ready for the next producer epoch (spec.md §4.5 consume).
func (r *Ring) readSlot(claim uint64) Message {
	idx := claim & r.mask
	s := &r.slots[idx]
	for s.sequence.Load() != claim+1 {
		runtime.Gosched()
	}
	msg := s.msg
	s.sequence.Store(claim + r.capacity)
	return msg
}

// advanceProducerCommit busy-advances producer_commit to the highest
// contiguous claim whose slot has been published (spec.md §4.5 step 7).
func (r *Ring) advanceProducerCommit() {
	for {
		commit := r.producerCommit.v.Load()
		idx := commit & r.mask
		if r.slots[idx].sequence.Load() != commit+1 {
			return
		}
		r.producerCommit.v.CompareAndSwap(commit, commit+1)
	}
}

// advanceConsumerCommit is the consumer-side dual of advanceProducerCommit.
func (r *Ring) advanceConsumerCommit() {
	for {
		commit := r.consumerCommit.v.Load()
		idx := commit & r.mask
		if r.slots[idx].sequence.Load() != commit+r.capacity {
			return
		}
		r.consumerCommit.v.CompareAndSwap(commit, commit+1)
	}
}
