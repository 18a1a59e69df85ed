// Command rtossim boots a simulated kernel instance, creates a small
// fixed set of demonstration threads, runs a requested number of 1 ms
// ticks, and dumps the thread/resource tables — a software-only stand-in
// for flashing the kernel to a real ARMv7-M board and watching it over a
// UART console.
//
// The flag set and terminal/signal handling follow emul/main.go's shape
// (raw-mode console during the run, a trace file flag, restore-on-exit),
// rebuilt on cobra+pflag instead of the bare flag package.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gmofishsauce/cortex-rtos/internal/cpu"
	"github.com/gmofishsauce/cortex-rtos/internal/diag"
	"github.com/gmofishsauce/cortex-rtos/internal/kernel"
	"github.com/gmofishsauce/cortex-rtos/internal/mpu"
	"github.com/gmofishsauce/cortex-rtos/internal/thread"
)

var (
	traceFile       string
	ticks           uint64
	preempt         bool
	priorityInherit bool
	roundRobin      bool
)

func idleTask() {}
func flash4Hz() {}
func flash1Hz() {}
func consumer() {}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rtossim",
		Short: "Run the simulated preemptive kernel for a fixed number of ticks",
		RunE:  run,
	}
	cmd.Flags().StringVar(&traceFile, "trace", "", "write a kernel event trace to this file")
	cmd.Flags().Uint64Var(&ticks, "ticks", 100, "number of 1ms ticks to simulate")
	cmd.Flags().BoolVar(&preempt, "preempt", true, "enable preemptive scheduling")
	cmd.Flags().BoolVar(&priorityInherit, "priority-inheritance", true, "enable mutex priority inheritance")
	cmd.Flags().BoolVar(&roundRobin, "round-robin", false, "use round-robin scheduling instead of priority mode")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	var traceOut *os.File
	if traceFile != "" {
		f, err := os.Create(traceFile)
		if err != nil {
			return fmt.Errorf("creating trace file: %w", err)
		}
		defer f.Close()
		traceOut = f
	}

	restore := setupTerminal()
	if restore != nil {
		defer restore()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		if restore != nil {
			restore()
		}
		os.Exit(130)
	}()

	var tr *diag.Tracer
	if traceOut != nil {
		tr = diag.NewTracer(traceOut)
	} else {
		tr = diag.NewTracer(nil)
	}

	msp := mpu.SRAMBase + mpu.SRAMSize
	mem := cpu.NewMemory(mpu.SRAMBase, mpu.SRAMSize)
	c := cpu.NewSimulated(mem, msp)
	k := kernel.New(c, mem, mpu.SRAMBase, tr)

	if _, err := k.CreateThread(idleTask, "idle", 7, thread.DefaultStackBytes); err != nil {
		return fmt.Errorf("creating idle thread: %w", err)
	}
	if _, err := k.CreateThread(flash4Hz, "flash4Hz", 4, thread.DefaultStackBytes); err != nil {
		return fmt.Errorf("creating flash4Hz: %w", err)
	}
	if _, err := k.CreateThread(flash1Hz, "flash1Hz", 5, thread.DefaultStackBytes); err != nil {
		return fmt.Errorf("creating flash1Hz: %w", err)
	}
	if _, err := k.CreateThread(consumer, "consumer", 3, thread.DefaultStackBytes); err != nil {
		return fmt.Errorf("creating consumer: %w", err)
	}

	k.SetPreemption(preempt)
	k.SetPriorityInheritance(priorityInherit)
	k.SetScheduler(!roundRobin)

	for i := uint64(0); i < ticks; i++ {
		k.Tick()
		if c.PendingContextSwitch() {
			k.ContextSwitch()
		}
	}

	fmt.Printf("Ran %d ticks. Total CPU time charged: %d\n\n", ticks, k.TotalCPUTime())
	diag.DumpThreads(os.Stdout, k.Threads)
	diag.DumpResources(os.Stdout, k.Sync)
	return nil
}

// setupTerminal puts stdin into raw mode for the console sink, returning
// a restore func, or nil if stdin isn't a terminal (e.g. under `go test`
// or when piped).
func setupTerminal() func() {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	state, err := term.GetState(fd)
	if err != nil {
		return nil
	}
	if _, err := term.MakeRaw(fd); err != nil {
		return nil
	}
	return func() { term.Restore(fd, state) }
}
