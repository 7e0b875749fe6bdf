package elf

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exo-os/kernel/pkg/arch"
	"github.com/exo-os/kernel/pkg/frame"
	"github.com/exo-os/kernel/pkg/kerrors"
	"github.com/exo-os/kernel/pkg/mm/addrspace"
	"github.com/exo-os/kernel/pkg/mm/pagetable"
)

// elfBuilder assembles a minimal, valid ELF64 image byte-for-byte so Parse
// and Load can be exercised without a real toolchain-produced binary.
type elfBuilder struct {
	entry    uint64
	segments []segSpec
	interp   string
}

type segSpec struct {
	typ    uint32
	flags  uint32
	vaddr  uint64
	fileSz uint64
	memSz  uint64
	data   []byte
}

func (b *elfBuilder) addLoad(vaddr uint64, flags uint32, data []byte, memSz uint64) {
	b.segments = append(b.segments, segSpec{typ: ptLoad, flags: flags, vaddr: vaddr, fileSz: uint64(len(data)), memSz: memSz, data: data})
}

func (b *elfBuilder) build() []byte {
	const hdrSize = 64
	const phSize = 56

	numPH := len(b.segments)
	if b.interp != "" {
		numPH++
	}

	phOff := uint64(hdrSize)
	dataOff := phOff + uint64(numPH)*phSize

	var body bytes.Buffer
	offsets := make([]uint64, len(b.segments))
	for i, seg := range b.segments {
		offsets[i] = dataOff + uint64(body.Len())
		body.Write(seg.data)
	}
	var interpOff uint64
	if b.interp != "" {
		interpOff = dataOff + uint64(body.Len())
		body.WriteString(b.interp)
		body.WriteByte(0)
	}

	var buf bytes.Buffer
	buf.Write(magic)
	buf.WriteByte(classELF64)
	buf.WriteByte(dataLSB)
	buf.WriteByte(1) // version
	buf.WriteByte(0) // osabi
	buf.WriteByte(0) // abiversion
	buf.Write(make([]byte, 7))

	binary.Write(&buf, binary.LittleEndian, uint16(typeExec))
	binary.Write(&buf, binary.LittleEndian, uint16(machineX8664))
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // e_version
	binary.Write(&buf, binary.LittleEndian, b.entry)
	binary.Write(&buf, binary.LittleEndian, phOff)
	binary.Write(&buf, binary.LittleEndian, uint64(0)) // shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // flags
	binary.Write(&buf, binary.LittleEndian, uint16(hdrSize))
	binary.Write(&buf, binary.LittleEndian, uint16(phSize))
	binary.Write(&buf, binary.LittleEndian, uint16(numPH))
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // shnum
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // shstrndx

	for i, seg := range b.segments {
		binary.Write(&buf, binary.LittleEndian, seg.typ)
		binary.Write(&buf, binary.LittleEndian, seg.flags)
		binary.Write(&buf, binary.LittleEndian, offsets[i])
		binary.Write(&buf, binary.LittleEndian, seg.vaddr)
		binary.Write(&buf, binary.LittleEndian, seg.vaddr) // paddr
		binary.Write(&buf, binary.LittleEndian, seg.fileSz)
		binary.Write(&buf, binary.LittleEndian, seg.memSz)
		binary.Write(&buf, binary.LittleEndian, uint64(0x1000)) // align
	}
	if b.interp != "" {
		binary.Write(&buf, binary.LittleEndian, uint32(ptInterp))
		binary.Write(&buf, binary.LittleEndian, uint32(pfRead))
		binary.Write(&buf, binary.LittleEndian, interpOff)
		binary.Write(&buf, binary.LittleEndian, uint64(0))
		binary.Write(&buf, binary.LittleEndian, uint64(0))
		binary.Write(&buf, binary.LittleEndian, uint64(len(b.interp)+1))
		binary.Write(&buf, binary.LittleEndian, uint64(len(b.interp)+1))
		binary.Write(&buf, binary.LittleEndian, uint64(1))
	}

	buf.Write(body.Bytes())
	return buf.Bytes()
}

func validELF() []byte {
	b := &elfBuilder{entry: 0x401000, interp: "/lib64/ld-exo.so"}
	b.addLoad(0x400000, pfRead|pfExec, []byte("\x90\x90\x90\x90CODE"), 0x1000)
	b.addLoad(0x401000, pfRead|pfWrite, []byte("DATA"), 0x2000) // memSz > fileSz -> BSS tail
	return b.build()
}

func TestParseRejectsBadMagic(t *testing.T) {
	data := validELF()
	data[0] = 0x00
	_, err := Parse(data)
	require.Error(t, err)
	assert.Equal(t, kerrors.InvalidParameter, kerrors.KindOf(err))
}

func TestParseRejectsTruncatedHeader(t *testing.T) {
	_, err := Parse(magic)
	require.Error(t, err)
}

func TestParseRejectsWrongClass(t *testing.T) {
	data := validELF()
	data[4] = 1 // ELFCLASS32
	_, err := Parse(data)
	require.Error(t, err)
}

func TestParseRejectsWrongEndianness(t *testing.T) {
	data := validELF()
	data[5] = 2 // ELFDATA2MSB
	_, err := Parse(data)
	require.Error(t, err)
}

func TestParseRejectsWrongMachine(t *testing.T) {
	b := &elfBuilder{entry: 0x401000}
	b.addLoad(0x400000, pfRead|pfExec, []byte("CODE"), 0x1000)
	data := b.build()
	binary.LittleEndian.PutUint16(data[18:20], 0x28) // EM_ARM
	_, err := Parse(data)
	require.Error(t, err)
	assert.Equal(t, kerrors.InvalidParameter, kerrors.KindOf(err))
}

func TestParseRejectsUnsupportedType(t *testing.T) {
	data := validELF()
	binary.LittleEndian.PutUint16(data[16:18], 1) // ET_REL
	_, err := Parse(data)
	require.Error(t, err)
}

func TestParseExtractsInterpreterAndEntry(t *testing.T) {
	data := validELF()
	p, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "/lib64/ld-exo.so", p.interp)
	assert.Equal(t, uintptr(0x401000), p.Entry())

	off, entSize, num := p.ProgramHeaderTable()
	assert.Equal(t, uint64(64), off)
	assert.Equal(t, uint16(56), entSize)
	assert.Equal(t, uint16(3), num) // two PT_LOAD + one PT_INTERP
}

func newTestAddrSpace(t *testing.T) (*addrspace.AddressSpace, *frame.Allocator, *pagetable.Mapper) {
	t.Helper()
	fa := frame.New(16*1024*1024, 0)
	m := pagetable.New(fa, arch.NewSim())
	as, err := addrspace.New(1, fa, m, 0)
	require.NoError(t, err)
	return as, fa, m
}

func TestLoadMapsSegmentsAndZeroesBSS(t *testing.T) {
	data := validELF()
	p, err := Parse(data)
	require.NoError(t, err)

	as, fa, m := newTestAddrSpace(t)
	img, err := p.Load(as)
	require.NoError(t, err)

	assert.Equal(t, uintptr(0x401000), img.EntryPoint)
	assert.Equal(t, "/lib64/ld-exo.so", img.Interpreter)
	assert.Equal(t, uintptr(0x400000), img.Base)
	assert.GreaterOrEqual(t, img.End, uintptr(0x403000))

	// First segment: executable, read-only text containing our bytes.
	res := m.Walk(as.Root, 0x400000)
	require.Equal(t, pagetable.KindPresent, res.Kind)
	page := fa.Bytes(res.PhysAddr, 8)
	assert.Equal(t, []byte("\x90\x90\x90\x90CODE"), page[:8])
	assert.True(t, res.Flags&pagetable.NX == 0, "executable segment must not be NX")

	// Second segment: data segment, memSz (0x2000) > fileSz (4) so the tail
	// beyond "DATA" must be zeroed as BSS.
	res2 := m.Walk(as.Root, 0x401000)
	require.Equal(t, pagetable.KindPresent, res2.Kind)
	page2 := fa.Bytes(res2.PhysAddr, 16)
	assert.Equal(t, []byte("DATA"), page2[:4])
	assert.Equal(t, byte(0), page2[15])
	assert.True(t, res2.Flags&pagetable.Writable != 0)
}

func TestLoadRejectsTruncatedFileSegment(t *testing.T) {
	b := &elfBuilder{entry: 0x401000}
	b.addLoad(0x400000, pfRead|pfExec, []byte("CODE"), 0x1000)
	data := b.build()
	// Shrink the file so the segment's recorded FileSz runs past EOF.
	data = data[:len(data)-2]

	p, err := Parse(data)
	require.NoError(t, err)

	as, _, _ := newTestAddrSpace(t)
	_, err = p.Load(as)
	require.Error(t, err)
}
