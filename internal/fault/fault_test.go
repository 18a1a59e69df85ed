package fault_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gmofishsauce/cortex-rtos/internal/diag"
	"github.com/gmofishsauce/cortex-rtos/internal/fault"
	"github.com/gmofishsauce/cortex-rtos/internal/heap"
	"github.com/gmofishsauce/cortex-rtos/internal/ipc"
	"github.com/gmofishsauce/cortex-rtos/internal/mpu"
	"github.com/gmofishsauce/cortex-rtos/internal/thread"
)

type fakeWriter struct{ srd [4]uint8 }

func (f *fakeWriter) WriteMPURegionSRD(region int, srd uint8) { f.srd[region] = srd }

func TestHandleMemManage_KillsThreadAndReleasesStack(t *testing.T) {
	tb := thread.NewTable()
	tabs := ipc.NewTables()
	h := heap.New(mpu.SRAMBase, &fakeWriter{})

	stack, ok := h.Malloc(thread.DefaultStackBytes)
	require.True(t, ok)

	tb.At(2).State = thread.Running
	tb.At(2).PID = 0xCAFE
	tb.At(2).StackBase = stack

	var buf bytes.Buffer
	fh := fault.New(tb, tabs, h, diag.NewTracer(&buf))

	fh.HandleMemManage(fault.Snapshot{
		Cause:          fault.MemManage,
		Thread:         2,
		PC:             0x1000,
		FaultAddr:      stack + uint32(thread.DefaultStackBytes) + 1,
		FaultAddrValid: true,
	})

	require.Equal(t, thread.Killed, tb.At(2).State)
	require.Contains(t, buf.String(), "FAULT: memory")

	// The released chunk must be reusable by a later allocation.
	p2, ok := h.Malloc(thread.DefaultStackBytes)
	require.True(t, ok)
	require.Equal(t, stack, p2, "freed stack chunk is reused by first-fit")
}

func TestHandleMemManage_CancelsOwnedMutexes(t *testing.T) {
	tb := thread.NewTable()
	tabs := ipc.NewTables()
	h := heap.New(mpu.SRAMBase, &fakeWriter{})

	tb.At(0).State, tb.At(0).PID = thread.Ready, 1
	tb.At(1).State, tb.At(1).PID = thread.Ready, 2
	tabs.Lock(tb, 0, 0)
	tabs.Lock(tb, 1, 0)

	fh := fault.New(tb, tabs, h, diag.NewTracer(nil))
	fh.HandleMemManage(fault.Snapshot{Cause: fault.MemManage, Thread: 0})

	require.Equal(t, thread.ID(1), tabs.Mutexes[0].Owner(), "waiter inherits the killed owner's mutex")
}

func TestHandleFatal_ReportsAndHalts(t *testing.T) {
	tb := thread.NewTable()
	tabs := ipc.NewTables()
	h := heap.New(mpu.SRAMBase, &fakeWriter{})

	var buf bytes.Buffer
	fh := fault.New(tb, tabs, h, diag.NewTracer(&buf))
	reason := fh.HandleFatal(fault.Snapshot{Cause: fault.Bus, Thread: 0})

	require.Equal(t, "bus fault", reason)
	require.Contains(t, buf.String(), "HALT: bus fault")
}
