// Package diag implements the kernel's diagnostic surface: an
// execution/event Tracer modeled directly on emul/trace.go's
// io.Writer-based trace methods, and tabular thread/mutex/semaphore dumps
// backing an interactive "ps"/"ipcs" style introspection surface.
package diag

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"

	"github.com/gmofishsauce/cortex-rtos/internal/ipc"
	"github.com/gmofishsauce/cortex-rtos/internal/thread"
)

// Tracer writes human-readable event lines, the same shape as
// emul/trace.go's Trace* methods: one method per kernel event of
// interest, each a couple of Fprintf calls gated on whether the tracer
// has an output at all.
type Tracer struct {
	out io.Writer
}

// NewTracer returns a Tracer writing to out. A nil out silently
// discards every trace call, so a kernel can always hold a Tracer
// without a runtime nil check at every call site.
func NewTracer(out io.Writer) *Tracer {
	return &Tracer{out: out}
}

func (t *Tracer) enabled() bool { return t.out != nil }

// TraceSyscall logs a decoded syscall before it is dispatched.
func (t *Tracer) TraceSyscall(current thread.ID, call fmt.Stringer, args [3]uint32) {
	if !t.enabled() {
		return
	}
	fmt.Fprintf(t.out, "SYSCALL: thread=%d call=%s args=[%d %d %d]\n", current, call, args[0], args[1], args[2])
}

// TraceContextSwitch logs a context switch.
func (t *Tracer) TraceContextSwitch(from, to thread.ID) {
	if !t.enabled() {
		return
	}
	fmt.Fprintf(t.out, "SWITCH: %d -> %d\n", from, to)
}

// TraceTick logs a tick handler pass.
func (t *Tracer) TraceTick(woken []thread.ID, preempt bool) {
	if !t.enabled() {
		return
	}
	fmt.Fprintf(t.out, "TICK: woken=%v preempt=%v\n", woken, preempt)
}

// TraceFault logs a fault event.
func (t *Tracer) TraceFault(kind string, thr thread.ID, pc, faultAddr uint32, addrValid bool) {
	if !t.enabled() {
		return
	}
	fmt.Fprintf(t.out, "*** FAULT: %s thread=%d pc=0x%08X", kind, thr, pc)
	if addrValid {
		fmt.Fprintf(t.out, " addr=0x%08X", faultAddr)
	}
	fmt.Fprintln(t.out)
}

// TraceHalt logs the kernel halting after an unrecoverable fault.
func (t *Tracer) TraceHalt(reason string) {
	if !t.enabled() {
		return
	}
	fmt.Fprintf(t.out, "*** HALT: %s\n", reason)
}

// DumpThreads writes a "ps"-style table of every non-Invalid thread slot
// to out, grounded in the retrieval pack's tablewriter-based diagnostic
// dumps.
func DumpThreads(out io.Writer, tb *thread.Table) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Slot", "PID", "Name", "State", "BasePri", "CurPri", "Sleep", "CPUTime"})
	for i := 0; i < tb.Len(); i++ {
		th := tb.At(thread.ID(i))
		if th.State == thread.Invalid {
			continue
		}
		table.Append([]string{
			fmt.Sprintf("%d", i),
			fmt.Sprintf("%#x", th.PID),
			th.Name,
			th.State.String(),
			fmt.Sprintf("%d", th.BasePriority),
			fmt.Sprintf("%d", th.CurrentPriority),
			fmt.Sprintf("%d", th.SleepTicks),
			fmt.Sprintf("%d", th.CPUTime),
		})
	}
	table.Render()
}

// DumpResources writes an "ipcs"-style table of every mutex and
// semaphore to out.
func DumpResources(out io.Writer, tabs *ipc.Tables) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Kind", "Index", "State", "Waiters"})
	for i := range tabs.Mutexes {
		m := &tabs.Mutexes[i]
		state := "unlocked"
		if m.Locked() {
			state = fmt.Sprintf("locked(owner=%d)", m.Owner())
		}
		table.Append([]string{"mutex", fmt.Sprintf("%d", i), state, fmt.Sprintf("%v", m.Waiters())})
	}
	for i := range tabs.Semaphores {
		s := &tabs.Semaphores[i]
		table.Append([]string{"sem", fmt.Sprintf("%d", i), fmt.Sprintf("count=%d", s.Count()), fmt.Sprintf("%v", s.Waiters())})
	}
	table.Render()
}
