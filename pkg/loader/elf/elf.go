// Package elf implements C11: the ELF64 loader (spec.md §4.11). It parses
// just enough of the format to validate an x86-64 executable and map its
// PT_LOAD segments into a target address space — there is no relocation,
// symbol, or dynamic-linking support, matching spec.md §1's non-goal list.
package elf

import (
	"bytes"
	"encoding/binary"

	"github.com/exo-os/kernel/pkg/kerrors"
	"github.com/exo-os/kernel/pkg/mm/addrspace"
	"github.com/exo-os/kernel/pkg/mm/pagetable"
	"github.com/exo-os/kernel/pkg/units"
)

var magic = []byte{0x7f, 'E', 'L', 'F'}

const (
	classELF64   = 2
	dataLSB      = 1
	machineX8664 = 0x3e

	typeExec = 2
	typeDyn  = 3

	ptLoad   = 1
	ptInterp = 3

	pfExec  = 1 << 0
	pfWrite = 1 << 1
	pfRead  = 1 << 2
)

type fileHeader struct {
	Magic                                    [4]byte
	Class, Data, Version, OSABI, ABIVersion byte
	_                                        [7]byte
	Type                                     uint16
	Machine                                  uint16
	Version32                                uint32
	Entry                                    uint64
	PHOff                                    uint64
	SHOff                                    uint64
	Flags                                    uint32
	EHSize                                   uint16
	PHEntSize                                uint16
	PHNum                                    uint16
	SHEntSize                                uint16
	SHNum                                    uint16
	SHStrNdx                                 uint16
}

type programHeader struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	VAddr  uint64
	PAddr  uint64
	FileSz uint64
	MemSz  uint64
	Align  uint64
}

// Image is the result of a successful load (spec.md §4.11 "Returns").
type Image struct {
	EntryPoint  uintptr
	Base        uintptr
	End         uintptr
	Interpreter string // non-empty if a PT_INTERP segment was present
}

// ProgramHeader exposes the subset of each PT_LOAD entry auxv construction
// needs (AT_PHDR/AT_PHENT/AT_PHNUM in spec.md §4.12 exec()).
type ProgramHeader struct {
	VAddr  uintptr
	MemSz  uint64
	FileSz uint64
}

// Parsed is a validated ELF ready to be loaded.
type Parsed struct {
	hdr      fileHeader
	phdrs    []programHeader
	data     []byte
	interp   string
}

// Parse validates the ELF64 header (magic, class, endianness, machine,
// type) and parses the program header array (spec.md §4.11 "Validates").
func Parse(data []byte) (*Parsed, error) {
	if len(data) < 64 || !bytes.Equal(data[:4], magic) {
		return nil, kerrors.New(kerrors.InvalidParameter, "elf.Parse")
	}
	if data[4] != classELF64 {
		return nil, kerrors.Wrapf(kerrors.InvalidParameter, "elf.Parse", "not a 64-bit ELF (class=%d)", data[4])
	}
	if data[5] != dataLSB {
		return nil, kerrors.Wrapf(kerrors.InvalidParameter, "elf.Parse", "not little-endian (data=%d)", data[5])
	}

	var hdr fileHeader
	if err := binary.Read(bytes.NewReader(data[:binary.Size(hdr)]), binary.LittleEndian, &hdr); err != nil {
		return nil, kerrors.Wrap(kerrors.InvalidParameter, "elf.Parse", err)
	}
	if hdr.Machine != machineX8664 {
		return nil, kerrors.Wrapf(kerrors.InvalidParameter, "elf.Parse", "unsupported machine %#x, want x86-64", hdr.Machine)
	}
	if hdr.Type != typeExec && hdr.Type != typeDyn {
		return nil, kerrors.Wrapf(kerrors.InvalidParameter, "elf.Parse", "unsupported e_type %d", hdr.Type)
	}

	p := &Parsed{hdr: hdr, data: data}
	for i := uint16(0); i < hdr.PHNum; i++ {
		off := int(hdr.PHOff) + int(i)*int(hdr.PHEntSize)
		if off+56 > len(data) {
			return nil, kerrors.New(kerrors.InvalidParameter, "elf.Parse")
		}
		var ph programHeader
		if err := binary.Read(bytes.NewReader(data[off:off+56]), binary.LittleEndian, &ph); err != nil {
			return nil, kerrors.Wrap(kerrors.InvalidParameter, "elf.Parse", err)
		}
		p.phdrs = append(p.phdrs, ph)
		if ph.Type == ptInterp {
			end := ph.Offset + ph.FileSz
			if end <= uint64(len(data)) {
				p.interp = string(bytes.TrimRight(data[ph.Offset:end], "\x00"))
			}
		}
	}
	return p, nil
}

// Entry returns the validated ELF's entry point.
func (p *Parsed) Entry() uintptr { return uintptr(p.hdr.Entry) }

// ProgramHeaderTable returns {phoff, phentsize, phnum} for auxv construction.
func (p *Parsed) ProgramHeaderTable() (off uint64, entSize uint16, num uint16) {
	return p.hdr.PHOff, p.hdr.PHEntSize, p.hdr.PHNum
}

// Load maps every PT_LOAD segment with memsz>0 into as, per spec.md §4.11
// steps 1-3.
func (p *Parsed) Load(as *addrspace.AddressSpace) (Image, error) {
	img := Image{Interpreter: p.interp, EntryPoint: p.Entry()}
	haveBase := false

	for _, ph := range p.phdrs {
		if ph.Type != ptLoad || ph.MemSz == 0 {
			continue
		}

		start := units.PageAlignDown(uintptr(ph.VAddr))
		end := units.PageAlignUp(uintptr(ph.VAddr + ph.MemSz))
		size := units.Size(end - start)

		flags := pagetable.Present | pagetable.User
		if ph.Flags&pfWrite != 0 {
			flags |= pagetable.Writable
		}
		if ph.Flags&pfExec == 0 {
			flags |= pagetable.NX
		}

		fileEnd := ph.Offset + ph.FileSz
		if fileEnd > uint64(len(p.data)) {
			return Image{}, kerrors.New(kerrors.InvalidParameter, "elf.Load")
		}
		// segData is relative to `start`, not ph.VAddr, so MapSegmentData's
		// per-page copy lands file bytes at the right in-page offset.
		segOff := uintptr(ph.VAddr) - start
		segData := make([]byte, segOff+ph.FileSz)
		copy(segData[segOff:], p.data[ph.Offset:fileEnd])

		if err := as.MapSegmentData(start, size, flags, addrspace.KindCode, segData); err != nil {
			return Image{}, err
		}

		if !haveBase || start < img.Base {
			img.Base = start
			haveBase = true
		}
		if end > img.End {
			img.End = end
		}
	}
	return img, nil
}
