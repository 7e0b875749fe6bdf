package proc

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"

	"github.com/exo-os/kernel/pkg/kerrors"
	"github.com/exo-os/kernel/pkg/loader/elf"
	"github.com/exo-os/kernel/pkg/mm"
	"github.com/exo-os/kernel/pkg/mm/addrspace"
	"github.com/exo-os/kernel/pkg/mm/pagetable"
	"github.com/exo-os/kernel/pkg/sched/thread"
	"github.com/exo-os/kernel/pkg/units"
)

// Auxiliary vector tags the stack builder writes (a small, spec-silent
// supplement to spec.md §4.12's exec() description grounded on the
// original implementation's sys_execve / the System V x86-64 ABI's auxv
// convention, which every real libc's _start depends on to find argc/argv).
const (
	atNull   = 0
	atPhdr   = 3
	atPhent  = 4
	atPhnum  = 5
	atEntry  = 9
	atPagesz = 6
	atRandom = 25
)

const (
	userStackSize = 2 * 1024 * 1024 // 2MiB, matches original implementation's sys_exec
	userStackTop  = uintptr(0x0000_7FFF_FFFF_F000)
)

// Exec implements spec.md §4.12 exec(): validate and parse the ELF, map
// PT_LOAD segments into a fresh address space, build a System V
// ABI-compliant stack, tear down the old address space once all of that
// succeeded, and rewrite th's context to resume at the new entry point. th
// must be p's current main thread.
func (m *Manager) Exec(p *Process, path string, fileData []byte, argv, envp []string, th *thread.Thread) error {
	parsed, err := elf.Parse(fileData)
	if err != nil {
		return kerrors.Wrap(kerrors.InvalidParameter, "proc.Exec", err)
	}

	p.mu.Lock()
	p.closeCloexecFdsLocked()
	oldAS := p.AS
	p.Name = path
	p.mu.Unlock()

	newAS, err := addrspace.New(p.PID, m.frames, m.mapper, m.kernelRoot)
	if err != nil {
		return kerrors.Wrap(kerrors.OutOfMemory, "proc.Exec", err)
	}

	img, err := parsed.Load(newAS)
	if err != nil {
		_ = newAS.Destroy()
		return err
	}

	stackBottom := userStackTop - userStackSize
	if err := newAS.MapRange(stackBottom, units.Size(userStackSize), pagetable.Present|pagetable.Writable|pagetable.NX, addrspace.KindStack); err != nil {
		_ = newAS.Destroy()
		return err
	}

	phOff, phEntSize, phNum := parsed.ProgramHeaderTable()
	sp, err := m.buildUserStack(newAS, userStackTop, img, phOff, phEntSize, phNum, argv, envp)
	if err != nil {
		_ = newAS.Destroy()
		return err
	}

	if oldAS != nil {
		_ = oldAS.Destroy()
	}
	p.mu.Lock()
	p.AS = newAS
	p.MM = mm.New(newAS, mmapArenaBase, mmapArenaTop)
	p.mu.Unlock()

	th.Context.RIP = img.EntryPoint
	th.Context.RSP = sp
	th.Context.RFlags = 0x200 // IF set
	return nil
}

// buildUserStack lays out argv/envp strings, an AT_RANDOM seed, the auxv
// table, and the argv/envp pointer arrays below stackTop, then writes the
// whole assembled region through the target address space in one pass
// (spec.md §4.12 exec() "set up argv/envp/auxv on the new stack").
func (m *Manager) buildUserStack(as *addrspace.AddressSpace, stackTop uintptr, img elf.Image, phOff uint64, phEntSize, phNum uint16, argv, envp []string) (uintptr, error) {
	sp := stackTop
	type chunk struct {
		addr uintptr
		data []byte
	}
	var chunks []chunk
	push := func(b []byte) uintptr {
		sp -= uintptr(len(b))
		chunks = append(chunks, chunk{sp, b})
		return sp
	}
	pushStr := func(s string) uintptr {
		b := make([]byte, len(s)+1)
		copy(b, s)
		return push(b)
	}

	randBytes := make([]byte, 16)
	_, _ = rand.Read(randBytes)
	randAddr := push(randBytes)

	envPtrs := make([]uint64, len(envp))
	for i := len(envp) - 1; i >= 0; i-- {
		envPtrs[i] = uint64(pushStr(envp[i]))
	}
	argPtrs := make([]uint64, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		argPtrs[i] = uint64(pushStr(argv[i]))
	}

	// Reserve the auxv (14 words), envp[] and argv[] (each NULL-terminated)
	// and argc, placed so that sp lands 16-byte aligned on argc, per the
	// System V ABI entry-state requirement.
	tableBytes := uintptr(8 * (14 + len(envPtrs) + 1 + len(argPtrs) + 1 + 1))
	sp = (sp-tableBytes)&^15 + tableBytes

	auxv := []uint64{
		atPhdr, uint64(img.Base) + phOff,
		atPhent, uint64(phEntSize),
		atPhnum, uint64(phNum),
		atEntry, uint64(img.EntryPoint),
		atPagesz, units.PageSize,
		atRandom, uint64(randAddr),
		atNull, 0,
	}
	var auxBuf bytes.Buffer
	for _, v := range auxv {
		_ = binary.Write(&auxBuf, binary.LittleEndian, v)
	}
	sp -= uintptr(auxBuf.Len())
	chunks = append(chunks, chunk{sp, auxBuf.Bytes()})

	var envBuf bytes.Buffer
	for _, pv := range envPtrs {
		_ = binary.Write(&envBuf, binary.LittleEndian, pv)
	}
	_ = binary.Write(&envBuf, binary.LittleEndian, uint64(0))
	sp -= uintptr(envBuf.Len())
	chunks = append(chunks, chunk{sp, envBuf.Bytes()})

	var argBuf bytes.Buffer
	for _, pv := range argPtrs {
		_ = binary.Write(&argBuf, binary.LittleEndian, pv)
	}
	_ = binary.Write(&argBuf, binary.LittleEndian, uint64(0))
	sp -= uintptr(argBuf.Len())
	chunks = append(chunks, chunk{sp, argBuf.Bytes()})

	var argcBuf [8]byte
	binary.LittleEndian.PutUint64(argcBuf[:], uint64(len(argv)))
	sp -= 8
	chunks = append(chunks, chunk{sp, argcBuf[:]})

	minAddr := sp
	region := make([]byte, stackTop-minAddr)
	for _, c := range chunks {
		copy(region[c.addr-minAddr:], c.data)
	}

	if err := writeUserBytes(m.mapper, m.frames, as, minAddr, region); err != nil {
		return 0, err
	}
	return sp, nil
}

// writeUserBytes copies data into as's mapped pages starting at addr,
// chunking at page boundaries since physical frames backing a virtual
// range are not necessarily contiguous (spec.md §4.3: pages are mapped one
// physical frame at a time).
func writeUserBytes(mapper *pagetable.Mapper, frames interface {
	Bytes(uintptr, int) []byte
}, as *addrspace.AddressSpace, addr uintptr, data []byte) error {
	for len(data) > 0 {
		res := mapper.Walk(as.Root, addr)
		if res.Kind != pagetable.KindPresent {
			return kerrors.Wrapf(kerrors.NotMapped, "proc.writeUserBytes", "va %#x is not mapped", addr)
		}
		pageOff := uint64(addr) % units.PageSize
		n := uint64(len(data))
		if rem := units.PageSize - pageOff; n > rem {
			n = rem
		}
		dst := frames.Bytes(res.PhysAddr+uintptr(pageOff), int(n))
		copy(dst, data[:n])
		data = data[n:]
		addr += uintptr(n)
	}
	return nil
}
