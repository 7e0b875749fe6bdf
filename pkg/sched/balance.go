package sched

import "sync"

// Balancer recovers the optional per-CPU load balancer from the original
// implementation's scheduler/core/loadbalancer.rs (spec.md §4.10 "Load
// balancing (optional, per-CPU)"). This scheduler keeps a single global
// ready set rather than per-CPU run queues (spec.md §4.10 describes "a
// three-queue ready set", singular), so Balancer is advisory: it tracks
// per-CPU load and affinity masks and reports when a migration would be
// warranted, but Schedule does not act on its suggestions — there is no
// per-CPU queue to migrate a thread out of. A dispatcher built on top of a
// per-CPU ready-queue layout would wire Suggest's result straight into a
// pending-list migration.
type Balancer struct {
	mu       sync.Mutex
	loads    map[int]cpuLoad
	affinity map[uint64]uint64 // tid -> allowed-cpu bitmask; absent = unrestricted
}

type cpuLoad struct {
	runnable int
	running  int
}

// NewBalancer creates an empty Balancer.
func NewBalancer() *Balancer {
	return &Balancer{loads: make(map[int]cpuLoad), affinity: make(map[uint64]uint64)}
}

// SetLoad records cpu's current runnable/running counts.
func (b *Balancer) SetLoad(cpu, runnable, running int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loads[cpu] = cpuLoad{runnable: runnable, running: running}
}

// SetAffinity restricts tid to the CPUs set in mask (bit i = CPU i allowed).
func (b *Balancer) SetAffinity(tid uint64, mask uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.affinity[tid] = mask
}

// AllowsCPU reports whether tid may run on cpu, per its affinity mask (no
// mask recorded means unrestricted).
func (b *Balancer) AllowsCPU(tid uint64, cpu int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	mask, ok := b.affinity[tid]
	if !ok {
		return true
	}
	return mask&(1<<uint(cpu)) != 0
}

// Suggest reports a (from, to) CPU pair worth migrating a thread between,
// when the busiest CPU's load exceeds the idlest by more than 25% and the
// busiest load is at least 2 (spec.md §4.10: "On imbalance > 25% and victim
// load >= 2, the balancer suggests (from, to) to the dispatcher").
func (b *Balancer) Suggest() (from, to int, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.loads) < 2 {
		return 0, 0, false
	}

	maxCPU, minCPU := -1, -1
	maxLoad, minLoad := -1, -1
	for cpu, l := range b.loads {
		total := l.runnable + l.running
		if maxCPU == -1 || total > maxLoad {
			maxLoad, maxCPU = total, cpu
		}
		if minCPU == -1 || total < minLoad {
			minLoad, minCPU = total, cpu
		}
	}
	if maxCPU == minCPU || maxLoad < 2 {
		return 0, 0, false
	}
	if minLoad == 0 {
		return maxCPU, minCPU, true
	}
	imbalance := float64(maxLoad-minLoad) / float64(maxLoad)
	if imbalance > 0.25 {
		return maxCPU, minCPU, true
	}
	return 0, 0, false
}
