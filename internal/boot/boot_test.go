package boot

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exo-os/kernel/internal/bootcfg"
	"github.com/exo-os/kernel/internal/klog"
)

func testLogger() *klog.Logger { return klog.New(slog.LevelError) }

func TestUpAssemblesSubsystemsAndInitProcess(t *testing.T) {
	cfg, err := bootcfg.Load("")
	require.NoError(t, err)

	k, err := Up(cfg, testLogger())
	require.NoError(t, err)

	assert.NotNil(t, k.Frames)
	assert.NotNil(t, k.Sched)
	assert.NotNil(t, k.Procs)
	assert.NotNil(t, k.Shm)
	assert.NotNil(t, k.Heap)
	assert.NotNil(t, k.Syscalls)
	require.NotNil(t, k.Init)
	assert.NotZero(t, k.Init.PID)
}

func TestUpSeedsConfiguredChannels(t *testing.T) {
	cfg, err := bootcfg.Load("")
	require.NoError(t, err)
	cfg.Channels = []bootcfg.Channel{{Name: "/svc/echo", Capacity: 16, Perms: 0o600}}

	k, err := Up(cfg, testLogger())
	require.NoError(t, err)

	res, _ := k.Syscalls.ChannelOpen("/svc/echo", true, true, 0, 0)
	assert.GreaterOrEqual(t, int64(res), int64(0))
}

func TestLevelParsesKnownNames(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, Level("debug"))
	assert.Equal(t, slog.LevelWarn, Level("warn"))
	assert.Equal(t, slog.LevelError, Level("error"))
	assert.Equal(t, slog.LevelInfo, Level("info"))
	assert.Equal(t, slog.LevelInfo, Level("nonsense"))
}
