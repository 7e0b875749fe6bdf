//go:build linux

package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/exo-os/kernel/internal/boot"
	"github.com/exo-os/kernel/internal/bootcfg"
	"github.com/exo-os/kernel/internal/klog"
	"github.com/exo-os/kernel/pkg/ipc/endpoint"
)

var (
	configPath string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:   "exoctl",
		Short: "Exo-OS kernel control and benchmark tool",
		Long: `exoctl boots the Exo-OS kernel simulation from a manifest and drives the
scenario benchmarks and demos described in the kernel spec's acceptance
section: ring ping-pong latency, COW-fork throughput, and an exec() demo.`,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a boot manifest (yaml); empty uses built-in defaults")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	root.AddCommand(newBootCmd(), newBenchCmd(), newDemoCmd())

	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func upKernel() (*boot.Kernel, error) {
	cfg, err := bootcfg.Load(configPath)
	if err != nil {
		return nil, err
	}
	log := klog.New(boot.Level(logLevel))
	return boot.Up(cfg, log)
}

func newBootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "boot the kernel from a manifest and print a subsystem summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := upKernel()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SUBSYSTEM\tVALUE")
			fmt.Fprintf(tw, "cpus\t%d\n", k.Config.CPUCount)
			fmt.Fprintf(tw, "frames (total)\t%d\n", k.Frames.TotalFrames())
			fmt.Fprintf(tw, "frames (free)\t%d\n", k.Frames.FreeFrames())
			fmt.Fprintf(tw, "heap arena\t%s\n", k.Config.HeapArenaBytes.Humanized())
			fmt.Fprintf(tw, "channels seeded\t%d\n", len(k.Config.Channels))
			fmt.Fprintf(tw, "init pid\t%d\n", k.Init.PID)
			return tw.Flush()
		},
	}
}

func newBenchCmd() *cobra.Command {
	bench := &cobra.Command{
		Use:   "bench",
		Short: "run an acceptance-scenario benchmark",
	}
	bench.AddCommand(newBenchRingCmd(), newBenchForkCmd())
	return bench
}

func newBenchRingCmd() *cobra.Command {
	var iterations int
	cmd := &cobra.Command{
		Use:   "ring",
		Short: "ping-pong a fixed-size message over a named channel and report round-trip latency",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := upKernel()
			if err != nil {
				return err
			}

			const chanName = "/bench/ring"
			if res := k.Syscalls.ChannelCreate(chanName, 256, 0o600, endpoint.CanSend|endpoint.CanRecv, 0, k.Init.UID, k.Init.GID); int64(res) < 0 {
				return fmt.Errorf("create channel: errno %d", -int64(res))
			}
			openRes, epID := k.Syscalls.ChannelOpen(chanName, true, true, k.Init.UID, k.Init.GID)
			if int64(openRes) < 0 {
				return fmt.Errorf("open channel: errno %d", -int64(openRes))
			}

			ctx := context.Background()
			payload := bytes.Repeat([]byte{0x42}, 64)

			durations := make([]time.Duration, 0, iterations)
			for i := 0; i < iterations; i++ {
				start := time.Now()
				if res := k.Syscalls.Send(ctx, epID, payload); int64(res) < 0 {
					return fmt.Errorf("send: errno %d", -int64(res))
				}
				if res, _ := k.Syscalls.Recv(ctx, epID); int64(res) < 0 {
					return fmt.Errorf("recv: errno %d", -int64(res))
				}
				durations = append(durations, time.Since(start))
			}

			printLatencies(durations)
			return nil
		},
	}
	cmd.Flags().IntVarP(&iterations, "iterations", "n", 1000, "number of ping-pong round trips")
	return cmd
}

func newBenchForkCmd() *cobra.Command {
	var iterations int
	cmd := &cobra.Command{
		Use:   "fork",
		Short: "fork+exit+wait a child repeatedly and report COW-fork latency",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := upKernel()
			if err != nil {
				return err
			}

			durations := make([]time.Duration, 0, iterations)
			for i := 0; i < iterations; i++ {
				start := time.Now()
				forkRes := k.Syscalls.Fork(k.Init, k.Init.MainThread)
				if int64(forkRes) < 0 {
					return fmt.Errorf("fork: errno %d", -int64(forkRes))
				}
				durations = append(durations, time.Since(start))

				child, found := k.Procs.Lookup(uint64(forkRes))
				if !found {
					return fmt.Errorf("fork: child pid %d not found after fork", int64(forkRes))
				}
				k.Syscalls.Exit(child, 0, 0)
				if waitRes, _ := k.Syscalls.Wait(k.Init, int64(child.PID), false); int64(waitRes) < 0 {
					return fmt.Errorf("wait: errno %d", -int64(waitRes))
				}
			}

			printLatencies(durations)
			return nil
		},
	}
	cmd.Flags().IntVarP(&iterations, "iterations", "n", 200, "number of fork/exit/wait cycles")
	return cmd
}

func newDemoCmd() *cobra.Command {
	demo := &cobra.Command{
		Use:   "demo",
		Short: "run a scenario demo",
	}
	demo.AddCommand(newDemoExecCmd())
	return demo
}

func newDemoExecCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec",
		Short: "exec a tiny in-memory ELF image over the init process and report the new entry point",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := upKernel()
			if err != nil {
				return err
			}

			image := buildDemoELF()
			if res := k.Syscalls.Exec(k.Init, "/bin/demo", image, []string{"/bin/demo"}, []string{"EXO=1"}, k.Init.MainThread); int64(res) < 0 {
				return fmt.Errorf("exec: errno %d", -int64(res))
			}
			fmt.Printf("exec ok: pid %d now running entry 0x%x\n", k.Init.PID, k.Init.MainThread.Context.RIP)
			return nil
		},
	}
}

func printLatencies(d []time.Duration) {
	if len(d) == 0 {
		fmt.Println("no samples")
		return
	}
	var total, min, max time.Duration
	min = d[0]
	for _, v := range d {
		total += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	avg := total / time.Duration(len(d))
	fmt.Printf("samples: %d\n", len(d))
	fmt.Printf("avg: %s\n", avg)
	fmt.Printf("min: %s\n", min)
	fmt.Printf("max: %s\n", max)
}

// buildDemoELF assembles a minimal, valid static ELF64 executable in memory
// (one PT_LOAD segment, no interpreter) so `exoctl demo exec` has something
// to load without depending on a cross-compiled binary on disk. Byte layout
// mirrors pkg/loader/elf's own Parse expectations (ELF64 little-endian,
// e_machine EM_X86_64).
func buildDemoELF() []byte {
	const (
		hdrSize      = 64
		phSize       = 56
		classELF64   = 2
		dataLSB      = 1
		typeExec     = 2
		machineX8664 = 0x3e
		ptLoad       = 1
		pfRead       = 4
		pfExec       = 1
		vaddr        = 0x400000
	)
	code := []byte{0x90, 0x90, 0x90, 0x90, 0xf4} // nop nop nop nop hlt

	phOff := uint64(hdrSize)
	dataOff := phOff + phSize

	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 'E', 'L', 'F'})
	buf.WriteByte(classELF64)
	buf.WriteByte(dataLSB)
	buf.WriteByte(1) // EI_VERSION
	buf.WriteByte(0) // EI_OSABI
	buf.WriteByte(0) // EI_ABIVERSION
	buf.Write(make([]byte, 7))

	binary.Write(&buf, binary.LittleEndian, uint16(typeExec))
	binary.Write(&buf, binary.LittleEndian, uint16(machineX8664))
	binary.Write(&buf, binary.LittleEndian, uint32(1))
	binary.Write(&buf, binary.LittleEndian, uint64(vaddr))
	binary.Write(&buf, binary.LittleEndian, phOff)
	binary.Write(&buf, binary.LittleEndian, uint64(0))
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, uint16(hdrSize))
	binary.Write(&buf, binary.LittleEndian, uint16(phSize))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))

	binary.Write(&buf, binary.LittleEndian, uint32(ptLoad))
	binary.Write(&buf, binary.LittleEndian, uint32(pfRead|pfExec))
	binary.Write(&buf, binary.LittleEndian, dataOff)
	binary.Write(&buf, binary.LittleEndian, uint64(vaddr))
	binary.Write(&buf, binary.LittleEndian, uint64(vaddr))
	binary.Write(&buf, binary.LittleEndian, uint64(len(code)))
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000))
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000))

	buf.Write(code)
	return buf.Bytes()
}
