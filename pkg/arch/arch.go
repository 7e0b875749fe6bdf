// Package arch is the consumed side of the architecture boundary from
// spec.md §6: everything the kernel core needs from the bring-up layer
// (GDT/IDT, PIC, timer) that spec.md §1 explicitly scopes out. It is kept
// as a narrow interface so tests and cmd/exoctl can drive the kernel
// without real hardware, while the shape (halt/outb/invlpg/TSC/interrupt
// enable-disable) matches spec.md exactly.
package arch

// Architecture is everything the core expects a bring-up layer to provide.
type Architecture interface {
	// Halt stops the CPU until the next interrupt (spec.md §4.10 step 5:
	// "if none, halt with interrupts enabled").
	Halt()
	// OutB writes a byte to an I/O port (collaborator-level primitive; the
	// core itself never drives a specific device through it).
	OutB(port uint16, b byte)
	// InvalidatePage performs a local invlpg for va (spec.md §4.2, §5 "TLB
	// coherence"). Multi-CPU shootdown is out of scope (§5).
	InvalidatePage(va uintptr)
	// ReadTSC returns a monotonic cycle counter, used only for diagnostics.
	ReadTSC() uint64
	// EnableInterrupts / DisableInterrupts bound the interrupt-disabled
	// critical sections the scheduler's dispatch loop runs under (§4.10,
	// §5 "Lock discipline").
	EnableInterrupts()
	DisableInterrupts()
}
