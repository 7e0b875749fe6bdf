// Package boot assembles every subsystem into one running kernel context:
// frame allocator, page-table mapper, scheduler, process manager, shm pool,
// heap, and the pkg/syscall dispatch layer, in that dependency order.
// Mirrors the teacher's single explicit-context style (no package-level
// globals; internal/boot's Kernel struct is the one mutable context object
// passed down, per spec.md §9).
package boot

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/exo-os/kernel/internal/bootcfg"
	"github.com/exo-os/kernel/internal/klog"
	"github.com/exo-os/kernel/pkg/arch"
	"github.com/exo-os/kernel/pkg/frame"
	"github.com/exo-os/kernel/pkg/heap"
	"github.com/exo-os/kernel/pkg/ipc/endpoint"
	"github.com/exo-os/kernel/pkg/ipc/shm"
	"github.com/exo-os/kernel/pkg/mm/addrspace"
	"github.com/exo-os/kernel/pkg/mm/pagetable"
	"github.com/exo-os/kernel/pkg/proc"
	"github.com/exo-os/kernel/pkg/sched"
	syscallapi "github.com/exo-os/kernel/pkg/syscall"
)

// Kernel is the fully assembled, running kernel context: every subsystem
// constructed, wired, and (for the channel namespace) seeded from the boot
// manifest. It is the one object a cmd/exoctl subcommand needs to drive a
// scenario.
type Kernel struct {
	Config bootcfg.Config
	Log    *klog.Logger

	Arch     arch.Architecture
	Frames   *frame.Allocator
	Mapper   *pagetable.Mapper
	Sched    *sched.Scheduler
	Procs    *proc.Manager
	Shm      *shm.Pool
	Heap     *heap.Heap
	Syscalls *syscallapi.Kernel

	Init *proc.Process
}

// Up runs the full boot sequence: clamp GOMAXPROCS/GOMEMLIMIT to cfg, then
// construct every subsystem bottom-up (frames before page tables before the
// scheduler/process manager), then seed the named-channel namespace from
// cfg.Channels, and finally build the init address space and spawn an init
// process.
func Up(cfg bootcfg.Config, log *klog.Logger) (*Kernel, error) {
	setRuntimeLimits(cfg, log)

	a := arch.NewSim()
	frames := frame.New(cfg.FrameArenaBytes, cfg.ReservedBytes)
	mapper := pagetable.New(frames, a)
	s := sched.New(a, cfg.CPUCount)
	procs := proc.NewManager(s, frames, mapper, 0)
	shmPool := shm.New(frames)
	heapArena := heap.New(cfg.HeapArenaBytes, cfg.CPUCount)
	sc := syscallapi.NewKernel(procs, s, shmPool, frames)

	log.Boot("subsystems constructed",
		"frames", frames.TotalFrames(),
		"cpus", cfg.CPUCount,
		"heap_bytes", cfg.HeapArenaBytes,
	)

	for _, ch := range cfg.Channels {
		res := sc.ChannelCreate(ch.Name, ch.Capacity, ch.Perms, endpoint.CanSend|endpoint.CanRecv, 0, 0, 0)
		if int64(res) < 0 {
			return nil, fmt.Errorf("boot: seed channel %q: errno %d", ch.Name, -int64(res))
		}
		log.Boot("channel seeded", "name", ch.Name, "capacity", ch.Capacity)
	}

	as, err := addrspace.New(1, frames, mapper, 0)
	if err != nil {
		return nil, fmt.Errorf("boot: init address space: %w", err)
	}
	const (
		initEntry    = 0x0000_0000_0010_0000
		initStackTop = 0x0000_7FFF_FFFF_F000
	)
	if err := as.MapRange(initEntry, 4096, pagetable.Present|pagetable.Writable, addrspace.KindCode); err != nil {
		return nil, fmt.Errorf("boot: map init entry page: %w", err)
	}
	if err := as.MapRange(initStackTop-4096, 4096, pagetable.Present|pagetable.Writable, addrspace.KindStack); err != nil {
		return nil, fmt.Errorf("boot: map init stack page: %w", err)
	}
	init := procs.InitProcess("init", as, initEntry, initStackTop)
	log.Boot("init process spawned", "pid", init.PID)

	return &Kernel{
		Config:   cfg,
		Log:      log,
		Arch:     a,
		Frames:   frames,
		Mapper:   mapper,
		Sched:    s,
		Procs:    procs,
		Shm:      shmPool,
		Heap:     heapArena,
		Syscalls: sc,
		Init:     init,
	}, nil
}

// setRuntimeLimits wires go.uber.org/automaxprocs and
// github.com/KimMachineGun/automemlimit, the same indirect deps the teacher
// already carries, promoted here to their actual intended use: respecting a
// real container's CPU quota and memory cgroup before the simulation's own
// config narrows GOMAXPROCS down to the configured CPU count and GOMEMLIMIT
// down to 90% of the heap arena size.
func setRuntimeLimits(cfg bootcfg.Config, log *klog.Logger) {
	// maxprocs.Set's returned undo func restores the pre-call GOMAXPROCS; it
	// is discarded here rather than deferred because the clamp below
	// immediately overrides it anyway, and this kernel has no shutdown hook
	// that would want the original value back.
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		log.Debug(fmt.Sprintf(format, args...))
	})); err != nil {
		log.Fault("automaxprocs: container CPU quota detection failed, ignoring", "err", err)
	}

	// This is a hosted simulation, not a container: there is no cgroup to
	// detect a memory limit from, so automemlimit is given a fixed provider
	// returning the configured heap arena size instead of its usual
	// FromCgroup provider.
	heapBytes := uint64(cfg.HeapArenaBytes)
	_, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithProvider(func() (uint64, error) { return heapBytes, nil }),
		memlimit.WithRatio(0.9),
		memlimit.WithLogger(log.Logger),
	)
	if err != nil {
		log.Fault("automemlimit: setting GOMEMLIMIT failed, leaving runtime default", "err", err)
	}

	// The scheduler models exactly cfg.CPUCount per-CPU idle loops
	// (spec.md §4.9); GOMAXPROCS must match that count regardless of what
	// automaxprocs concluded from the (real, host) environment, or
	// goroutines backing simulated CPUs could starve each other.
	prev := runtime.GOMAXPROCS(cfg.CPUCount)
	if prev != cfg.CPUCount {
		log.Boot("GOMAXPROCS clamped to simulated CPU count", "previous", prev, "configured", cfg.CPUCount)
	}
}

// Level parses a slog level name from a CLI flag, defaulting to Info on an
// unrecognized value (same permissive-default posture as the rest of the
// boot sequence).
func Level(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
