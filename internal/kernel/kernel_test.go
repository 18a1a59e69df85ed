package kernel_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gmofishsauce/cortex-rtos/internal/cpu"
	"github.com/gmofishsauce/cortex-rtos/internal/diag"
	"github.com/gmofishsauce/cortex-rtos/internal/kernel"
	"github.com/gmofishsauce/cortex-rtos/internal/mpu"
	"github.com/gmofishsauce/cortex-rtos/internal/thread"
	"github.com/gmofishsauce/cortex-rtos/internal/trap"
)

func newKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	mem := cpu.NewMemory(mpu.SRAMBase, mpu.SRAMSize)
	c := cpu.NewSimulated(mem, mpu.SRAMBase+mpu.SRAMSize)
	return kernel.New(c, mem, mpu.SRAMBase, diag.NewTracer(nil))
}

func idleEntry()  {}
func taskAEntry() {}
func taskBEntry() {}
func taskCEntry() {}

func TestCreateThread_BootsIdleThenRejectsDuplicateEntry(t *testing.T) {
	k := newKernel(t)

	idle, err := k.CreateThread(idleEntry, "idle", 7, thread.DefaultStackBytes)
	require.NoError(t, err)
	require.Equal(t, thread.ID(0), idle)

	_, err = k.CreateThread(idleEntry, "idle-again", 7, thread.DefaultStackBytes)
	require.Error(t, err, "duplicate entry must be rejected")
}

func TestCreateThread_OOMFailsCleanly(t *testing.T) {
	k := newKernel(t)
	_, err := k.CreateThread(idleEntry, "idle", 7, mpu.SRAMSize*2)
	require.Error(t, err)
}

func TestKillThread_RejectsIdleSlotZero(t *testing.T) {
	k := newKernel(t)
	_, err := k.CreateThread(idleEntry, "idle", 7, thread.DefaultStackBytes)
	require.NoError(t, err)

	resched := k.KillThread(0, 0)
	require.False(t, resched)
	require.NotEqual(t, thread.Killed, k.Threads.At(0).State)
}

func TestKillThenRestart_ReturnsHeapToPriorStateAndFindsSamePID(t *testing.T) {
	k := newKernel(t)
	k.CreateThread(idleEntry, "idle", 7, thread.DefaultStackBytes)
	before := k.Heap.ChunkStatus()

	a, err := k.CreateThread(taskAEntry, "taskA", 4, thread.DefaultStackBytes)
	require.NoError(t, err)

	pidA := k.Threads.At(a).PID

	k.KillThread(1, a)
	require.Equal(t, thread.Killed, k.Threads.At(a).State)
	require.Equal(t, before, k.Heap.ChunkStatus(), "freeing taskA's stack restores the prior chunk layout")

	ok := k.RestartThread(pidA)
	require.True(t, ok)
	require.Equal(t, thread.Ready, k.Threads.At(a).State)

	id, found := k.PIDByName("taskA")
	require.True(t, found)
	require.Equal(t, a, id, "restart reuses the same table slot for the same entry")
}

func TestSleepOrdering_Scenario(t *testing.T) {
	k := newKernel(t)
	k.CreateThread(idleEntry, "idle", 7, thread.DefaultStackBytes)
	a, _ := k.CreateThread(taskAEntry, "A", 4, thread.DefaultStackBytes)
	b, _ := k.CreateThread(taskBEntry, "B", 4, thread.DefaultStackBytes)
	c, _ := k.CreateThread(taskCEntry, "C", 4, thread.DefaultStackBytes)
	k.Threads.At(a).State = thread.Ready
	k.Threads.At(b).State = thread.Ready
	k.Threads.At(c).State = thread.Ready

	k.Sleep(a, 100)
	k.Sleep(b, 50)
	k.Sleep(c, 75)

	for i := 0; i < 80; i++ {
		k.Tick()
	}

	require.Equal(t, thread.Ready, k.Threads.At(b).State)
	require.Equal(t, thread.Ready, k.Threads.At(c).State)
	require.Equal(t, thread.Delayed, k.Threads.At(a).State)
	require.Equal(t, uint32(20), k.Threads.At(a).SleepTicks)
}

func TestDispatchSyscall_LockRequestsRescheduleOnBlock(t *testing.T) {
	k := newKernel(t)
	k.CreateThread(idleEntry, "idle", 7, thread.DefaultStackBytes)
	a, _ := k.CreateThread(taskAEntry, "A", 4, thread.DefaultStackBytes)
	k.Threads.At(a).State = thread.Ready

	k.DispatchSyscall(a, trap.Lock, [3]uint32{0, 0, 0})
	require.False(t, k.Cpu.PendingContextSwitch(), "the first lock succeeds immediately, no reschedule needed")

	b, _ := k.CreateThread(taskBEntry, "B", 4, thread.DefaultStackBytes)
	k.Threads.At(b).State = thread.Ready
	k.DispatchSyscall(b, trap.Lock, [3]uint32{0, 0, 0})
	require.True(t, k.Cpu.PendingContextSwitch(), "B must block and request a reschedule")
	require.Equal(t, thread.BlockedMutex, k.Threads.At(b).State)
}

func TestContextSwitch_AppliesNextThreadsSRDMask(t *testing.T) {
	k := newKernel(t)
	k.CreateThread(idleEntry, "idle", 7, thread.DefaultStackBytes)
	a, _ := k.CreateThread(taskAEntry, "A", 3, thread.DefaultStackBytes)
	k.Threads.At(a).State = thread.Ready

	k.ContextSwitch()
	require.Equal(t, thread.Running, k.Threads.At(a).State)

	mask := mpu.Mask(k.Threads.At(a).SRDMask)
	require.True(t, mpu.CanAccess(mask, k.Threads.At(a).StackBase), "the running thread's own stack must be accessible")
	for region := 0; region < mpu.SRAMRegions; region++ {
		require.Equal(t, uint8(mask>>uint(region*mpu.SubregionsPerRegion)), k.Cpu.ReadMPURegionSRD(region), "region %d SRD must hold the next thread's mask", region)
	}
}

func TestFaultContainment_KilledThreadStillSchedulesOthers(t *testing.T) {
	k := newKernel(t)
	k.CreateThread(idleEntry, "idle", 7, thread.DefaultStackBytes)
	e, _ := k.CreateThread(taskAEntry, "E", 4, thread.DefaultStackBytes)
	k.Threads.At(e).State = thread.Ready
	other, _ := k.CreateThread(taskBEntry, "other", 4, thread.DefaultStackBytes)
	k.Threads.At(other).State = thread.Ready

	et := k.Threads.At(e)
	ok := k.CheckedWrite(e, et.StackBase+thread.DefaultStackBytes+1, 0xFF)
	require.False(t, ok, "a write past E's own stack window must be denied")

	require.Equal(t, thread.Killed, k.Threads.At(e).State)
	require.Equal(t, thread.Ready, k.Threads.At(other).State, "the remaining thread keeps scheduling")

	id, found := k.PIDByName("E")
	require.True(t, found)
	require.Equal(t, thread.Killed, k.Threads.At(id).State)
}

func TestCheckedWrite_AllowsAccessWithinOwnStack(t *testing.T) {
	k := newKernel(t)
	k.CreateThread(idleEntry, "idle", 7, thread.DefaultStackBytes)
	a, _ := k.CreateThread(taskAEntry, "A", 4, thread.DefaultStackBytes)
	k.Threads.At(a).State = thread.Ready

	stack := k.Threads.At(a).StackBase
	require.True(t, k.CheckedWrite(a, stack, 0x42))
	v, ok := k.CheckedRead(a, stack)
	require.True(t, ok)
	require.Equal(t, byte(0x42), v)
}

func TestDispatchSyscall_KillResolvesPIDWhenTargetExceedsTableSize(t *testing.T) {
	k := newKernel(t)
	k.CreateThread(idleEntry, "idle", 7, thread.DefaultStackBytes)
	a, _ := k.CreateThread(taskAEntry, "A", 4, thread.DefaultStackBytes)
	pid := k.Threads.At(a).PID
	require.True(t, uint32(pid) >= uint32(thread.MaxThreads), "PIDs are function addresses, not small table indexes")

	k.DispatchSyscall(0, trap.Kill, [3]uint32{uint32(pid), 0, 0})
	require.Equal(t, thread.Killed, k.Threads.At(a).State)
}

func TestDispatchSyscall_KillOutOfRangeTargetIsSilentNoOp(t *testing.T) {
	k := newKernel(t)
	k.CreateThread(idleEntry, "idle", 7, thread.DefaultStackBytes)
	require.NotPanics(t, func() {
		k.DispatchSyscall(0, trap.Kill, [3]uint32{uint32(thread.MaxThreads) + 1000, 0, 0})
	})
	require.NotEqual(t, thread.Killed, k.Threads.At(0).State, "idle must be unaffected by a bogus target")
}

func TestDispatchSyscall_PopulateTaskInfoWritesCallerBuffer(t *testing.T) {
	k := newKernel(t)
	idle, _ := k.CreateThread(idleEntry, "idle", 7, thread.DefaultStackBytes)
	k.Threads.At(idle).CPUTime = 77
	wantPID := k.Threads.At(idle).PID

	const outAddr uint32 = mpu.SRAMBase
	ret := k.DispatchSyscall(idle, trap.PopulateTaskInfo, [3]uint32{uint32(idle), outAddr, 0})
	require.Equal(t, uint32(1), ret)
	require.Equal(t, uint32(wantPID), k.Mem.ReadWord(outAddr), "PID written at offset 0")
	require.Equal(t, uint32(77), k.Mem.ReadWord(outAddr+16), "cpuTime written at offset 16")
}

func TestDispatchSyscall_GetResourceInfoWritesCallerBuffer(t *testing.T) {
	k := newKernel(t)
	idle, _ := k.CreateThread(idleEntry, "idle", 7, thread.DefaultStackBytes)
	k.Threads.At(idle).State = thread.Running
	k.DispatchSyscall(idle, trap.Lock, [3]uint32{0, 0, 0})

	const outAddr uint32 = mpu.SRAMBase
	ret := k.DispatchSyscall(idle, trap.GetResourceInfo, [3]uint32{uint32(kernel.ResourceKindMutex), 0, outAddr})
	require.Equal(t, uint32(1), ret)
	require.Equal(t, uint32(1), k.Mem.ReadWord(outAddr+4), "locked flag written at offset 4")
	require.Equal(t, uint32(idle), k.Mem.ReadWord(outAddr+8), "owner written at offset 8")
}
