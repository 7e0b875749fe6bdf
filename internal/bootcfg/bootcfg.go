// Package bootcfg parses the kernel's boot manifest: frame count, heap
// arena size, simulated CPU count, and the channel namespace seed a fresh
// boot starts with. Grounded on the teacher's own indirect gopkg.in/yaml.v3
// dependency, promoted here to the direct config format a kernel boot
// sequence would actually read off disk.
package bootcfg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/exo-os/kernel/pkg/units"
)

// Channel describes one named channel the boot sequence pre-creates before
// handing control to init, e.g. a well-known service endpoint.
type Channel struct {
	Name     string `yaml:"name"`
	Capacity uint64 `yaml:"capacity"`
	Perms    uint32 `yaml:"perms"`
}

// Config is the full boot manifest (spec.md §3 physical memory sizing, §4.9
// scheduler CPU count, §4.7 channel namespace seed).
type Config struct {
	// FrameArenaBytes sizes pkg/frame's simulated physical RAM arena.
	FrameArenaBytes units.Size `yaml:"frame_arena_bytes"`
	// ReservedBytes is withheld from the buddy allocator at the low end of
	// the arena, modeling the kernel's own static footprint (spec.md §3.1).
	ReservedBytes units.Size `yaml:"reserved_bytes"`
	// HeapArenaBytes sizes pkg/heap's Tier 3 buddy arena (spec.md §4.4).
	HeapArenaBytes units.Size `yaml:"heap_arena_bytes"`
	// CPUCount is the number of simulated CPUs the scheduler runs across
	// (spec.md §4.9); internal/boot also sets GOMAXPROCS to it.
	CPUCount int `yaml:"cpu_count"`
	// Channels seeds the named-channel namespace before init starts.
	Channels []Channel `yaml:"channels"`
}

// defaults match the §8 scenario sizes: enough frames/heap for the ping-pong
// and COW-fork scenarios to run without tuning a manifest by hand.
func defaults() Config {
	return Config{
		FrameArenaBytes: units.Size(64 * 1024 * 1024),
		ReservedBytes:   units.Size(1 * 1024 * 1024),
		HeapArenaBytes:  units.Size(16 * 1024 * 1024),
		CPUCount:        4,
	}
}

// Load reads and parses a boot manifest from path. An empty path returns
// defaults() directly, the way a kernel falls back to compiled-in defaults
// when no config file was passed on the command line.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("bootcfg: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("bootcfg: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.CPUCount <= 0 {
		return fmt.Errorf("bootcfg: cpu_count must be > 0, got %d", c.CPUCount)
	}
	if c.FrameArenaBytes == 0 {
		return fmt.Errorf("bootcfg: frame_arena_bytes must be > 0")
	}
	if c.HeapArenaBytes == 0 {
		return fmt.Errorf("bootcfg: heap_arena_bytes must be > 0")
	}
	for _, ch := range c.Channels {
		if ch.Name == "" {
			return fmt.Errorf("bootcfg: channel entry missing name")
		}
	}
	return nil
}
