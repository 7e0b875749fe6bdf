// Package pagetable implements C2: the 4-level page-table walker
// (spec.md §4.2). It owns only traversal logic; every intermediate node is
// a frame borrowed from pkg/frame, and leaf/parent entries are written
// straight into the frame allocator's simulated physical RAM the way a
// real walker writes into identity-mapped physical memory.
package pagetable

import (
	"encoding/binary"

	"github.com/exo-os/kernel/pkg/arch"
	"github.com/exo-os/kernel/pkg/frame"
	"github.com/exo-os/kernel/pkg/kerrors"
	"github.com/exo-os/kernel/pkg/units"
)

// Flags mirror the x86-64 PTE bits this design cares about (spec.md §3
// "Page-table node"): present, writable, user, NX, global, and a software
// cow-mark bit.
type Flags uint64

const (
	Present  Flags = 1 << 0
	Writable Flags = 1 << 1
	User     Flags = 1 << 2
	COW      Flags = 1 << 3
	Global   Flags = 1 << 4
	NX       Flags = 1 << 63
)

const (
	entriesPerNode = 512
	entryBytes     = 8
	nodeBytes      = entriesPerNode * entryBytes // exactly one 4 KiB page
	pfnShift       = 12
	pfnMask        = 0x000F_FFFF_FFFF_F000 // bits 12..51
	flagsMask      = Present | Writable | User | COW | Global | NX
)

// level indices into a 4-level radix tree: 4=PML4 (top), 1=PT (leaf).
const (
	levelPML4 = 4
	levelPDPT = 3
	levelPD   = 2
	levelPT   = 1
)

func index(va uintptr, level int) uint64 {
	shift := uint(12 + 9*(level-1))
	return (uint64(va) >> shift) & 0x1ff
}

// WalkKind tags the variant returned by Walk (spec.md §4.2).
type WalkKind int

const (
	KindPresent WalkKind = iota
	KindAbsent
	KindInvalid
)

// WalkResult is the outcome of a page-table walk.
type WalkResult struct {
	Kind     WalkKind
	PhysAddr uintptr // valid when Kind == KindPresent
	Flags    Flags   // valid when Kind == KindPresent
	Level    int     // level at which the walk stopped being present, when Kind == KindAbsent
}

// Mapper is the 4-level walker. It is not safe for concurrent use by
// multiple goroutines on the same root: spec.md §4.2 requires callers to
// hold the owning address space's lock.
type Mapper struct {
	frames *frame.Allocator
	arch   arch.Architecture
}

// New creates a Mapper over frames, invalidating the TLB via a.
func New(frames *frame.Allocator, a arch.Architecture) *Mapper {
	return &Mapper{frames: frames, arch: a}
}

// NewRoot allocates and zeroes a fresh top-level (PML4) node.
func (m *Mapper) NewRoot() (uintptr, error) {
	addr, err := m.frames.AllocFrame()
	if err != nil {
		return 0, kerrors.Wrap(kerrors.OutOfMemory, "pagetable.NewRoot", err)
	}
	m.zeroNode(addr)
	return addr, nil
}

func (m *Mapper) zeroNode(addr uintptr) {
	node := m.frames.Bytes(addr, nodeBytes)
	for i := range node {
		node[i] = 0
	}
}

func (m *Mapper) readEntry(node uintptr, idx uint64) uint64 {
	b := m.frames.Bytes(node, nodeBytes)
	return binary.LittleEndian.Uint64(b[idx*entryBytes:])
}

func (m *Mapper) writeEntry(node uintptr, idx uint64, entry uint64) {
	b := m.frames.Bytes(node, nodeBytes)
	binary.LittleEndian.PutUint64(b[idx*entryBytes:], entry)
}

func encodeEntry(phys uintptr, flags Flags) uint64 {
	return (uint64(phys) & pfnMask) | uint64(flags&flagsMask) | uint64(Present)
}

func decodePhys(entry uint64) uintptr {
	return uintptr(entry & pfnMask)
}

func decodeFlags(entry uint64) Flags {
	return Flags(entry & flagsMask)
}

func entryPresent(entry uint64) bool {
	return entry&uint64(Present) != 0
}

// RootEntries copies the upper-half entries (indices 256..511, conventional
// x86-64 kernel/user split) from src into dst, aliasing the same child
// nodes. This implements "the kernel half is shared read-only from process
// to process by reusing the upper-half PML4 entries" (spec.md §3).
func (m *Mapper) RootEntries(dst, src uintptr) {
	for i := uint64(256); i < entriesPerNode; i++ {
		m.writeEntry(dst, i, m.readEntry(src, i))
	}
}

// Walk resolves va starting at root, returning where translation stopped.
func (m *Mapper) Walk(root uintptr, va uintptr) WalkResult {
	node := root
	for level := levelPML4; level >= levelPT; level-- {
		idx := index(va, level)
		entry := m.readEntry(node, idx)
		if !entryPresent(entry) {
			return WalkResult{Kind: KindAbsent, Level: level}
		}
		if level == levelPT {
			return WalkResult{Kind: KindPresent, PhysAddr: decodePhys(entry), Flags: decodeFlags(entry)}
		}
		node = decodePhys(entry)
	}
	return WalkResult{Kind: KindInvalid}
}

// Map creates (if necessary) every intermediate node on the path to va with
// flags present|writable|user, then writes the leaf entry with the
// caller-supplied flags, and invalidates the TLB for va (spec.md §4.2).
func (m *Mapper) Map(root uintptr, va uintptr, pa uintptr, flags Flags) error {
	if uint64(va)%units.PageSize != 0 || uint64(pa)%units.PageSize != 0 {
		return kerrors.Wrapf(kerrors.AlignmentError, "pagetable.Map", "va=%#x pa=%#x must be page-aligned", va, pa)
	}

	node := root
	for level := levelPML4; level > levelPT; level-- {
		idx := index(va, level)
		entry := m.readEntry(node, idx)
		if !entryPresent(entry) {
			child, err := m.frames.AllocFrame()
			if err != nil {
				return kerrors.Wrap(kerrors.OutOfMemory, "pagetable.Map", err)
			}
			m.zeroNode(child)
			m.writeEntry(node, idx, encodeEntry(child, Present|Writable|User))
			node = child
		} else {
			node = decodePhys(entry)
		}
	}

	leafIdx := index(va, levelPT)
	m.writeEntry(node, leafIdx, encodeEntry(pa, flags))
	m.arch.InvalidatePage(va)
	return nil
}

// Unmap clears the leaf entry for va. If the owning PT node becomes empty,
// its frame is reclaimed; higher (PD/PDPT/PML4) empty nodes are left in
// place, matching spec.md §4.2's "eager freeing is a later optimization".
func (m *Mapper) Unmap(root uintptr, va uintptr) error {
	node := root
	var pt uintptr
	for level := levelPML4; level >= levelPT; level-- {
		idx := index(va, level)
		entry := m.readEntry(node, idx)
		if !entryPresent(entry) {
			return kerrors.New(kerrors.NotMapped, "pagetable.Unmap")
		}
		if level == levelPT {
			m.writeEntry(node, idx, 0)
			pt = node
			break
		}
		node = decodePhys(entry)
	}

	m.arch.InvalidatePage(va)

	if m.nodeEmpty(pt) {
		if err := m.frames.Free(pt, 0); err != nil {
			return kerrors.Wrap(kerrors.IoError, "pagetable.Unmap", err)
		}
		// Clear the parent's pointer to the now-freed PT node so a later
		// walk reports Absent instead of following a dangling entry.
		m.clearParentEntry(root, va)
	}
	return nil
}

func (m *Mapper) nodeEmpty(node uintptr) bool {
	b := m.frames.Bytes(node, nodeBytes)
	for i := 0; i < entriesPerNode; i++ {
		if binary.LittleEndian.Uint64(b[i*entryBytes:]) != 0 {
			return false
		}
	}
	return true
}

func (m *Mapper) clearParentEntry(root uintptr, va uintptr) {
	node := root
	for level := levelPML4; level > levelPD; level-- {
		idx := index(va, level)
		entry := m.readEntry(node, idx)
		if !entryPresent(entry) {
			return
		}
		node = decodePhys(entry)
	}
	idx := index(va, levelPD)
	m.writeEntry(node, idx, 0)
}

// Protect rewrites the leaf flags for va only, invalidating the TLB
// (spec.md §4.2).
func (m *Mapper) Protect(root uintptr, va uintptr, flags Flags) error {
	node := root
	for level := levelPML4; level > levelPT; level-- {
		idx := index(va, level)
		entry := m.readEntry(node, idx)
		if !entryPresent(entry) {
			return kerrors.New(kerrors.NotMapped, "pagetable.Protect")
		}
		node = decodePhys(entry)
	}
	idx := index(va, levelPT)
	entry := m.readEntry(node, idx)
	if !entryPresent(entry) {
		return kerrors.New(kerrors.NotMapped, "pagetable.Protect")
	}
	m.writeEntry(node, idx, encodeEntry(decodePhys(entry), flags))
	m.arch.InvalidatePage(va)
	return nil
}
