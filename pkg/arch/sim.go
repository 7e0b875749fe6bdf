package arch

import (
	"sync/atomic"
)

// Sim is a hosted, test-friendly Architecture: no real MMIO, an in-process
// TSC stand-in, and counters so tests can assert invlpg/halt actually fired
// (spec.md's testable properties care about *that* invlpg happened, not
// about the electrical side effect).
type Sim struct {
	tsc           atomic.Uint64
	halts         atomic.Uint64
	invalidations atomic.Uint64
	interruptsOn  atomic.Bool
}

// NewSim returns a ready-to-use simulated architecture with interrupts enabled.
func NewSim() *Sim {
	s := &Sim{}
	s.interruptsOn.Store(true)
	return s
}

func (s *Sim) Halt() { s.halts.Add(1) }

func (s *Sim) OutB(port uint16, b byte) { _ = port; _ = b }

func (s *Sim) InvalidatePage(va uintptr) {
	_ = va
	s.invalidations.Add(1)
}

func (s *Sim) ReadTSC() uint64 { return s.tsc.Add(1) }

func (s *Sim) EnableInterrupts() { s.interruptsOn.Store(true) }

func (s *Sim) DisableInterrupts() { s.interruptsOn.Store(false) }

// InterruptsEnabled reports the current simulated interrupt-flag state; used
// by tests asserting the scheduler never preempts inside a disabled section.
func (s *Sim) InterruptsEnabled() bool { return s.interruptsOn.Load() }

// Halts returns how many times Halt was called.
func (s *Sim) Halts() uint64 { return s.halts.Load() }

// Invalidations returns how many times InvalidatePage was called.
func (s *Sim) Invalidations() uint64 { return s.invalidations.Load() }
