// Package fault turns a memory, bus, usage, or hard fault exception
// into a diagnostic snapshot and a recovery action.
//
// Per the Open Question resolution documented in DESIGN.md, this
// implementation picks terminate-and-continue for memory management
// faults (kill the offending thread, release its stack, keep scheduling
// everyone else) rather than the reference's post-mortem-dump-then-halt,
// matching how later iterations of the reference kernel lean.
package fault

import (
	"github.com/gmofishsauce/cortex-rtos/internal/cpu"
	"github.com/gmofishsauce/cortex-rtos/internal/diag"
	"github.com/gmofishsauce/cortex-rtos/internal/heap"
	"github.com/gmofishsauce/cortex-rtos/internal/ipc"
	"github.com/gmofishsauce/cortex-rtos/internal/thread"
)

// Cause names which of the four ARMv7-M fault exceptions occurred.
type Cause int

const (
	MemManage Cause = iota
	Bus
	Usage
	Hard
)

func (c Cause) String() string {
	switch c {
	case MemManage:
		return "memory"
	case Bus:
		return "bus"
	case Usage:
		return "usage"
	case Hard:
		return "hard"
	default:
		return "unknown"
	}
}

// Snapshot is the post-mortem record kept on a fault: cause bits,
// the faulting PC and the 16-bit instruction at PC-2, the 8-word
// exception frame, and the faulting data address with its validity flag.
type Snapshot struct {
	Cause          Cause
	Thread         thread.ID
	PC             uint32
	Instruction    uint16
	Frame          cpu.StackFrame
	FaultAddr      uint32
	FaultAddrValid bool
	MPUOrigin      bool
}

// Handler wires fault reporting to the thread table, the sync tables
// (to cancel waits/ownership on termination), the heap (to release the
// faulting thread's stack), and the tracer (to print the dump).
type Handler struct {
	tb     *thread.Table
	tabs   *ipc.Tables
	heap   *heap.Heap
	tracer *diag.Tracer
}

// New returns a fault handler over the given kernel state.
func New(tb *thread.Table, tabs *ipc.Tables, h *heap.Heap, tracer *diag.Tracer) *Handler {
	return &Handler{tb: tb, tabs: tabs, heap: h, tracer: tracer}
}

// HandleMemManage implements the memory-management fault path: report,
// then kill and release the offending thread's stack so the remaining
// threads continue to schedule. It always terminates rather than
// halting — see DESIGN.md for the Open Question resolution behind that
// choice.
func (h *Handler) HandleMemManage(snap Snapshot) {
	h.tracer.TraceFault(snap.Cause.String(), snap.Thread, snap.PC, snap.FaultAddr, snap.FaultAddrValid)

	t := h.tb.At(snap.Thread)
	h.tabs.CancelThread(h.tb, snap.Thread)
	if t.StackBase != 0 {
		h.heap.Free(t.StackBase)
	}
	t.State = thread.Killed
	t.StackBase = 0
	t.HeldOrBlockingMutex = thread.NoMutex
	t.BlockingSemaphore = thread.NoSemaphore
}

// HandleFatal implements the bus/usage/hard fault path: report and
// halt. It returns a reason string for the caller (the kernel's outer
// run loop) to stop scheduling on.
func (h *Handler) HandleFatal(snap Snapshot) string {
	h.tracer.TraceFault(snap.Cause.String(), snap.Thread, snap.PC, snap.FaultAddr, snap.FaultAddrValid)
	reason := snap.Cause.String() + " fault"
	h.tracer.TraceHalt(reason)
	return reason
}
