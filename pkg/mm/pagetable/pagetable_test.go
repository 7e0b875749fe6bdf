package pagetable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exo-os/kernel/pkg/arch"
	"github.com/exo-os/kernel/pkg/frame"
	"github.com/exo-os/kernel/pkg/kerrors"
	"github.com/exo-os/kernel/pkg/units"
)

func newTestMapper(t *testing.T) (*Mapper, *frame.Allocator, *arch.Sim, uintptr) {
	t.Helper()
	fa := frame.New(8*1024*1024, 0)
	sim := arch.NewSim()
	m := New(fa, sim)
	root, err := m.NewRoot()
	require.NoError(t, err)
	return m, fa, sim, root
}

func TestMapThenWalkIsPresent(t *testing.T) {
	m, fa, sim, root := newTestMapper(t)

	pa, err := fa.AllocFrame()
	require.NoError(t, err)

	const va = uintptr(0x0000_4000_0000)
	require.NoError(t, m.Map(root, va, pa, Present|Writable|User))

	res := m.Walk(root, va)
	require.Equal(t, KindPresent, res.Kind)
	assert.Equal(t, pa, res.PhysAddr)
	assert.True(t, res.Flags&Writable != 0)
	assert.GreaterOrEqual(t, sim.Invalidations(), uint64(1))
}

func TestWalkAbsentBeforeMap(t *testing.T) {
	m, _, _, root := newTestMapper(t)
	res := m.Walk(root, 0x1000)
	assert.Equal(t, KindAbsent, res.Kind)
}

func TestUnmapRestoresPreMapShape(t *testing.T) {
	m, fa, _, root := newTestMapper(t)
	before := fa.UsedFrames()

	pa, err := fa.AllocFrame()
	require.NoError(t, err)

	const va = uintptr(0x0000_2000_0000)
	require.NoError(t, m.Map(root, va, pa, Present|Writable))
	require.NoError(t, m.Unmap(root, va))

	res := m.Walk(root, va)
	assert.Equal(t, KindAbsent, res.Kind)

	require.NoError(t, fa.Free(pa, 0))
	// Unmap reclaims the emptied PT node only; the PDPT and PD nodes Map
	// allocated on the way down stay in place.
	assert.Equal(t, before+2, fa.UsedFrames(), "map then unmap then free must leave only the PDPT and PD nodes allocated")
}

func TestUnmapNotMapped(t *testing.T) {
	m, _, _, root := newTestMapper(t)
	err := m.Unmap(root, 0x3000)
	require.Error(t, err)
	assert.Equal(t, kerrors.NotMapped, kerrors.KindOf(err))
}

func TestProtectRewritesFlagsOnly(t *testing.T) {
	m, fa, _, root := newTestMapper(t)
	pa, err := fa.AllocFrame()
	require.NoError(t, err)

	const va = uintptr(0x0000_5000_0000)
	require.NoError(t, m.Map(root, va, pa, Present|Writable))
	require.NoError(t, m.Protect(root, va, Present))

	res := m.Walk(root, va)
	require.Equal(t, KindPresent, res.Kind)
	assert.Equal(t, pa, res.PhysAddr)
	assert.False(t, res.Flags&Writable != 0)
}

func TestMapRejectsUnalignedAddresses(t *testing.T) {
	m, fa, _, root := newTestMapper(t)
	pa, err := fa.AllocFrame()
	require.NoError(t, err)

	err = m.Map(root, 0x1234, pa, Present)
	require.Error(t, err)
	assert.Equal(t, kerrors.AlignmentError, kerrors.KindOf(err))
}

func TestRootEntriesShareUpperHalf(t *testing.T) {
	m, _, _, src := newTestMapper(t)
	dst, err := m.NewRoot()
	require.NoError(t, err)

	// Force allocation of the first PDPT entry under a high (kernel-half)
	// virtual address, then verify RootEntries propagates it.
	const kernelVA = uintptr(0xFFFF_8000_0000_0000)
	require.NoError(t, m.Map(src, kernelVA&^uintptr(units.PageSize-1), 0, Present))

	m.RootEntries(dst, src)

	res := m.Walk(dst, kernelVA&^uintptr(units.PageSize-1))
	assert.Equal(t, KindPresent, res.Kind)
}
