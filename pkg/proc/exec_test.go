package proc

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exo-os/kernel/pkg/mm/pagetable"
)

// buildMinimalELF assembles a one-segment, valid ELF64 executable byte-for-
// byte, mirroring pkg/loader/elf's own test builder (kept separate since
// that one is unexported and package-private to elf's tests).
func buildMinimalELF(t *testing.T, entry uint64, vaddr uint64, code []byte, memSz uint64) []byte {
	t.Helper()
	const hdrSize = 64
	const phSize = 56

	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 'E', 'L', 'F'})
	buf.WriteByte(2) // ELFCLASS64
	buf.WriteByte(1) // ELFDATA2LSB
	buf.WriteByte(1) // version
	buf.WriteByte(0)
	buf.WriteByte(0)
	buf.Write(make([]byte, 7))

	binary.Write(&buf, binary.LittleEndian, uint16(2))    // ET_EXEC
	binary.Write(&buf, binary.LittleEndian, uint16(0x3e)) // EM_X86_64
	binary.Write(&buf, binary.LittleEndian, uint32(1))
	binary.Write(&buf, binary.LittleEndian, entry)
	binary.Write(&buf, binary.LittleEndian, uint64(hdrSize))
	binary.Write(&buf, binary.LittleEndian, uint64(0))
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, uint16(hdrSize))
	binary.Write(&buf, binary.LittleEndian, uint16(phSize))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))

	dataOff := uint64(hdrSize + phSize)
	binary.Write(&buf, binary.LittleEndian, uint32(1))          // PT_LOAD
	binary.Write(&buf, binary.LittleEndian, uint32(5))          // PF_R|PF_X
	binary.Write(&buf, binary.LittleEndian, dataOff)
	binary.Write(&buf, binary.LittleEndian, vaddr)
	binary.Write(&buf, binary.LittleEndian, vaddr)
	binary.Write(&buf, binary.LittleEndian, uint64(len(code)))
	binary.Write(&buf, binary.LittleEndian, memSz)
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000))

	buf.Write(code)
	return buf.Bytes()
}

func TestExecReplacesAddressSpaceAndRewritesContext(t *testing.T) {
	m, fa, mp := newTestManager(t)
	parent := newInitProcess(t, m, fa, mp)
	oldAS := parent.AS

	data := buildMinimalELF(t, 0x400000, 0x400000, []byte("\x90\x90RET"), 0x1000)

	require.NoError(t, m.Exec(parent, "/bin/demo", data, []string{"demo", "-x"}, []string{"HOME=/root"}, parent.MainThread))

	assert.Equal(t, uintptr(0x400000), parent.MainThread.Context.RIP)
	assert.NotEqual(t, oldAS, parent.AS, "exec must install a fresh address space")

	res := mp.Walk(parent.AS.Root, 0x400000)
	require.Equal(t, pagetable.KindPresent, res.Kind)
	page := fa.Bytes(res.PhysAddr, 5)
	assert.Equal(t, []byte("\x90\x90RET"), page[:5])

	assert.Zero(t, parent.MainThread.Context.RSP%16, "entry-state stack pointer must be 16-byte aligned")
	assert.Less(t, uint64(parent.MainThread.Context.RSP), uint64(userStackTop))
	assert.Greater(t, uint64(parent.MainThread.Context.RSP), uint64(userStackTop-userStackSize))
}

func TestExecStackCarriesArgcArgvEnvp(t *testing.T) {
	m, fa, mp := newTestManager(t)
	parent := newInitProcess(t, m, fa, mp)

	data := buildMinimalELF(t, 0x400000, 0x400000, []byte("CODE"), 0x1000)
	argv := []string{"demo", "first", "second"}
	envp := []string{"HOME=/root", "PATH=/bin"}
	require.NoError(t, m.Exec(parent, "/bin/demo", data, argv, envp, parent.MainThread))

	sp := parent.MainThread.Context.RSP
	res := mp.Walk(parent.AS.Root, sp)
	require.Equal(t, pagetable.KindPresent, res.Kind)
	argcBytes := fa.Bytes(res.PhysAddr, 8)
	argc := binary.LittleEndian.Uint64(argcBytes)
	assert.Equal(t, uint64(len(argv)), argc)
}
