package syscall

import (
	"context"

	"github.com/exo-os/kernel/pkg/kerrors"
	"github.com/exo-os/kernel/pkg/proc"
	"github.com/exo-os/kernel/pkg/sched/thread"
)

// Process re-exports proc.Process under this package so call sites only
// need to import pkg/syscall to hold a process handle and dispatch syscalls
// against it.
type Process = proc.Process

// Fork implements the fork() syscall handler (original implementation's
// sys_fork): the caller's return-value register convention (parent gets the
// child's pid, child gets 0) is split across this return and proc.Fork's
// own context-copy zeroing of the child's register.
func (k *Kernel) Fork(parent *Process, caller *thread.Thread) Result {
	child, err := k.Procs.Fork(parent, caller)
	if err != nil {
		return errno(err)
	}
	return ok(int64(child.PID))
}

// Exec implements the execve() syscall handler (original implementation's
// sys_exec / sys_execve).
func (k *Kernel) Exec(p *Process, path string, fileData []byte, argv, envp []string, th *thread.Thread) Result {
	if err := k.Procs.Exec(p, path, fileData, argv, envp, th); err != nil {
		return errno(err)
	}
	return ok(0)
}

// Exit implements the exit()/exit_group() syscall handler.
func (k *Kernel) Exit(p *Process, cpu int, code int) Result {
	k.Procs.Exit(p, cpu, code)
	return ok(0)
}

// Wait implements the wait4() syscall handler. nohang mirrors WNOHANG.
func (k *Kernel) Wait(p *Process, pid int64, nohang bool) (Result, int) {
	childPID, status, err := k.Procs.Wait(p, pid, nohang)
	if err != nil {
		return errno(err), 0
	}
	return ok(int64(childPID)), status
}

// Getpid/Getppid/Gettid implement the matching identity syscalls directly
// off the process/thread objects the caller already holds (no subsystem
// round-trip needed, same as the original's sys_getpid family).
func (k *Kernel) Getpid(p *Process) Result  { return ok(int64(p.PID)) }
func (k *Kernel) Getppid(p *Process) Result { return ok(int64(p.PPID)) }
func (k *Kernel) Gettid(th *thread.Thread) Result {
	return ok(int64(th.TID))
}

// Kill implements the kill() syscall handler: raise sig on the target
// process's main thread (original implementation's sys_kill, which this
// simulation narrows from "every thread in the process group" to the one
// main thread pkg/proc currently models per process).
func (k *Kernel) Kill(p *Process, sig int) Result {
	if sig < 0 || sig >= thread.NumSignals {
		return kindErrno(kerrors.InvalidParameter, "syscall.Kill")
	}
	p.MainThread.Raise(sig)
	return ok(0)
}

// Signal implements sigaction(): install sig's disposition on the calling
// thread (original implementation's sys_signal).
func (k *Kernel) Signal(th *thread.Thread, sig int, action thread.SignalAction, handlerAddr uintptr, mask uint32) Result {
	if sig < 0 || sig >= thread.NumSignals {
		return kindErrno(kerrors.InvalidParameter, "syscall.Signal")
	}
	th.SetAction(sig, action, handlerAddr, mask)
	return ok(0)
}

// Yield implements sched_yield(): the calling cpu gives up its remaining
// slice immediately (original implementation's sys_yield).
func (k *Kernel) Yield(cpu int) Result {
	k.Sched.Schedule(cpu, 0)
	return ok(0)
}

// Pause implements pause(): block the calling thread until ctx is done,
// modeling "wait for a signal" as "wait for cancellation" the way a hosted
// simulation without real interrupt delivery has to (original
// implementation's sys_pause blocks until a real signal arrives instead).
func (k *Kernel) Pause(ctx context.Context, cpu int) Result {
	self := k.Sched.CurrentThread(cpu)
	k.Sched.BlockCurrent(cpu, 0)
	<-ctx.Done()
	if self == nil {
		return ok(0)
	}
	if err := k.Sched.Unblock(self.TID); err != nil {
		return errno(err)
	}
	return ok(0)
}

// SetPriority/GetPriority are intentionally not implemented: spec.md's
// scheduler (§4.9/§4.10) classifies queue membership purely from the EMA
// runtime estimate, with no nice-value input, so there is no priority
// knob for these syscalls to adjust (the original implementation's
// sys_setpriority/getpriority have no equivalent lever here).
