package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exo-os/kernel/pkg/arch"
	"github.com/exo-os/kernel/pkg/sched/thread"
)

func TestSpawnIsClassifiedHotOnFirstAdmission(t *testing.T) {
	s := New(arch.NewSim(), 1)
	spawned := s.Spawn("init", 0x1000, 0x2000, 1)

	next := s.Schedule(0, 0)
	require.NotNil(t, next)
	assert.Equal(t, spawned.TID, next.TID)
	assert.Equal(t, thread.Running, next.State)
}

func TestReadyQueuesAreFIFOWithinAClass(t *testing.T) {
	s := New(arch.NewSim(), 1)
	a := s.Spawn("a", 0, 0, 1)
	b := s.Spawn("b", 0, 0, 1)
	c := s.Spawn("c", 0, 0, 1)

	first := s.Schedule(0, 0)
	assert.Equal(t, a.TID, first.TID)

	// Running thread re-enqueues behind b and c.
	second := s.Schedule(0, time.Microsecond)
	assert.Equal(t, b.TID, second.TID)

	third := s.Schedule(0, time.Microsecond)
	assert.Equal(t, c.TID, third.TID)
}

func TestBlockCurrentMovesThreadToBlockedMap(t *testing.T) {
	s := New(arch.NewSim(), 1)
	spawned := s.Spawn("t", 0, 0, 1)
	s.Schedule(0, 0)
	require.Equal(t, spawned.TID, s.CurrentThread(0).TID)

	next := s.BlockCurrent(0, time.Millisecond)
	assert.Nil(t, next, "no other runnable thread, must fall through to idle/nil")
	assert.Equal(t, thread.Blocked, spawned.State)
}

func TestUnblockReadmitsThroughPendingList(t *testing.T) {
	s := New(arch.NewSim(), 1)
	spawned := s.Spawn("t", 0, 0, 1)
	s.Schedule(0, 0)
	s.BlockCurrent(0, time.Millisecond)

	require.NoError(t, s.Unblock(spawned.TID))
	next := s.Schedule(0, 0)
	require.NotNil(t, next)
	assert.Equal(t, spawned.TID, next.TID)
}

func TestTerminateMovesThreadToZombieMapOnNextSchedule(t *testing.T) {
	s := New(arch.NewSim(), 1)
	spawned := s.Spawn("t", 0, 0, 1)
	s.Schedule(0, 0)

	s.Terminate(0, 7)
	s.Schedule(0, time.Millisecond)

	z, ok := s.ReapZombie(spawned.TID)
	require.True(t, ok)
	assert.Equal(t, 7, z.ExitCode)
}

func TestHotAdmissionPercentTracksClassification(t *testing.T) {
	s := New(arch.NewSim(), 1)
	spawned := s.Spawn("hot", 0, 0, 1)
	for i := 0; i < 20; i++ {
		s.Schedule(0, time.Microsecond) // keep re-admitting with a tiny slice -> stays Hot
	}
	assert.GreaterOrEqual(t, s.Metrics.HotPercent(spawned.TID), 95.0)
}

func TestIdleThreadRunsWhenNoOtherVictim(t *testing.T) {
	sim := arch.NewSim()
	s := New(sim, 1)
	idle := thread.New(999, 0, "idle", 0, 0)
	s.SetIdleThread(0, idle)

	next := s.Schedule(0, 0)
	require.NotNil(t, next)
	assert.Equal(t, idle.TID, next.TID)
}

func TestHaltsWhenNoVictimAndNoIdle(t *testing.T) {
	sim := arch.NewSim()
	s := New(sim, 1)
	s.Schedule(0, 0)
	assert.Equal(t, uint64(1), sim.Halts())
}
