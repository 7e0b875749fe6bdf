package mm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exo-os/kernel/pkg/arch"
	"github.com/exo-os/kernel/pkg/frame"
	"github.com/exo-os/kernel/pkg/kerrors"
	"github.com/exo-os/kernel/pkg/mm/addrspace"
	"github.com/exo-os/kernel/pkg/mm/pagetable"
	"github.com/exo-os/kernel/pkg/units"
)

func newTestMapper(t *testing.T) *Mapper {
	t.Helper()
	fa := frame.New(16*1024*1024, 0)
	m := pagetable.New(fa, arch.NewSim())
	as, err := addrspace.New(1, fa, m, 0)
	require.NoError(t, err)
	return New(as, 0x8000_0000, 0x9000_0000)
}

func TestMmapAnonymousPlacesMappingsWithoutOverlap(t *testing.T) {
	mp := newTestMapper(t)
	addr, err := mp.Mmap(0, units.Size(units.PageSize), pagetable.Present|pagetable.Writable, MapAnonymous|MapPrivate)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x8000_0000), addr)

	again, err := mp.Mmap(0, units.Size(units.PageSize), pagetable.Present|pagetable.Writable, MapAnonymous|MapPrivate)
	require.NoError(t, err)
	assert.Equal(t, addr+units.PageSize, again, "a second anonymous mmap must not overlap the first")
}

func TestMmapFixedRejectsOverlap(t *testing.T) {
	mp := newTestMapper(t)
	_, err := mp.Mmap(0x8000_0000, units.Size(units.PageSize), pagetable.Present, MapAnonymous|MapFixed)
	require.NoError(t, err)

	_, err = mp.Mmap(0x8000_0000, units.Size(units.PageSize), pagetable.Present, MapAnonymous|MapFixed)
	require.Error(t, err)
	assert.Equal(t, kerrors.AlreadyMapped, kerrors.KindOf(err))
}

func TestMunmapThenRemapSameAddress(t *testing.T) {
	mp := newTestMapper(t)
	addr, err := mp.Mmap(0x8000_0000, units.Size(units.PageSize), pagetable.Present, MapAnonymous|MapFixed)
	require.NoError(t, err)

	require.NoError(t, mp.Munmap(addr, units.Size(units.PageSize)))
	require.Error(t, mp.Munmap(addr, units.Size(units.PageSize)), "double munmap must fail")

	_, err = mp.Mmap(addr, units.Size(units.PageSize), pagetable.Present, MapAnonymous|MapFixed)
	require.NoError(t, err, "the address must be free again after munmap")
}

func TestMprotectRewritesFlags(t *testing.T) {
	mp := newTestMapper(t)
	addr, err := mp.Mmap(0, units.Size(units.PageSize), pagetable.Present|pagetable.Writable, MapAnonymous|MapPrivate)
	require.NoError(t, err)

	require.NoError(t, mp.Mprotect(addr, units.Size(units.PageSize), pagetable.Present))

	lines := mp.Meminfo()
	require.Len(t, lines, 1)
	assert.False(t, lines[0].Flags&pagetable.Writable != 0, "mprotect must drop the writable bit")
}

func TestMlockMunlockTogglesMeminfo(t *testing.T) {
	mp := newTestMapper(t)
	addr, err := mp.Mmap(0, units.Size(units.PageSize), pagetable.Present, MapAnonymous|MapPrivate)
	require.NoError(t, err)

	require.NoError(t, mp.Mlock(addr, units.Size(units.PageSize)))
	lines := mp.Meminfo()
	require.Len(t, lines, 1)
	assert.True(t, lines[0].Locked)

	require.NoError(t, mp.Munlock(addr, units.Size(units.PageSize)))
	lines = mp.Meminfo()
	assert.False(t, lines[0].Locked)
}

func TestBrkGrowsAndShrinksHeap(t *testing.T) {
	mp := newTestMapper(t)
	mp.InitBrk(0x5000_0000)

	top, err := mp.Brk(0x5000_0000 + 3*units.PageSize)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x5000_0000+3*units.PageSize), top)

	cur, err := mp.Brk(0)
	require.NoError(t, err)
	assert.Equal(t, top, cur)

	shrunk, err := mp.Brk(0x5000_0000 + units.PageSize)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x5000_0000+units.PageSize), shrunk)
}

func TestMincoreReportsResidentPages(t *testing.T) {
	mp := newTestMapper(t)
	addr, err := mp.Mmap(0, units.Size(2*units.PageSize), pagetable.Present, MapAnonymous|MapPrivate)
	require.NoError(t, err)

	res, err := mp.Mincore(addr, units.Size(2*units.PageSize))
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.True(t, res[0])
	assert.True(t, res[1])

	unmapped, err := mp.Mincore(addr+uintptr(4*units.PageSize), units.Size(units.PageSize))
	require.NoError(t, err)
	assert.False(t, unmapped[0])
}
