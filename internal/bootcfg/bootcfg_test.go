package bootcfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, defaults(), cfg)
}

func TestLoadParsesManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
frame_arena_bytes: 1048576
reserved_bytes: 65536
heap_arena_bytes: 262144
cpu_count: 2
channels:
  - name: /svc/echo
    capacity: 16
    perms: 384
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.EqualValues(t, 1048576, cfg.FrameArenaBytes)
	assert.EqualValues(t, 2, cfg.CPUCount)
	require.Len(t, cfg.Channels, 1)
	assert.Equal(t, "/svc/echo", cfg.Channels[0].Name)
}

func TestLoadRejectsZeroCPUCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cpu_count: 0\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnnamedChannel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cpu_count: 1
frame_arena_bytes: 4096
heap_arena_bytes: 4096
channels:
  - capacity: 4
`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
