// Package trap decodes the software interrupt a user thread issues and
// dispatches it to kernel state.
//
// Reading the faulting instruction to recover the call number is kept —
// it is inherent to this ABI — but the dispatch body itself is a tagged
// match over an enum of calls (Call), not a bare integer switch:
// Dispatch's switch statement is that match, and Handlers names each
// call's argument and return shape instead of leaving them implicit in
// untyped register slots.
package trap

import (
	"fmt"

	"github.com/gmofishsauce/cortex-rtos/internal/cpu"
	"github.com/gmofishsauce/cortex-rtos/internal/thread"
)

// Call is the syscall number.
type Call uint8

const (
	Yield Call = iota
	Sleep
	Lock
	Unlock
	Wait
	Post
	Kill
	PopulateTaskInfo
	GetResourceInfo
	PIDByName
	LaunchByName
	Restart
	SetPreemption
	SetPriorityInheritance
	SetThreadPriority
	SetScheduler
)

// maxCall is the highest call number recognized; anything past it is a
// no-op.
const maxCall = SetScheduler

func (c Call) String() string {
	names := [...]string{
		"Yield", "Sleep", "Lock", "Unlock", "Wait", "Post", "Kill",
		"PopulateTaskInfo", "GetResourceInfo", "PIDByName", "LaunchByName",
		"Restart", "SetPreemption", "SetPriorityInheritance",
		"SetThreadPriority", "SetScheduler",
	}
	if int(c) < len(names) {
		return names[c]
	}
	return fmt.Sprintf("Call(%d)", uint8(c))
}

// svcOpcodeByte is the fixed high byte of the Thumb 16-bit SVC encoding,
// 0xDFxx, whose low byte is the immediate carrying the call number.
const svcOpcodeByte = 0xDF

// Decode reads the 16-bit instruction at pc-2 in mem — the SVC that
// trapped into this handler, since the instruction immediately before
// the stacked PC is the 16-bit SVC encoding — and returns its call
// number. ok is false if the bytes at pc-2 are not an
// SVC encoding, or if the immediate names no recognized call.
func Decode(mem *cpu.Memory, pc uint32) (Call, bool) {
	if pc < 2 {
		return 0, false
	}
	lo := mem.ReadByte(pc - 2)
	hi := mem.ReadByte(pc - 1)
	if hi != svcOpcodeByte {
		return 0, false
	}
	if lo > uint8(maxCall) {
		return 0, false
	}
	return Call(lo), true
}

// Args reads the three argument registers R0-R2 stacked by the hardware
// at syscall entry.
func Args(frame cpu.StackFrame) [3]uint32 {
	return [3]uint32{frame.R0_R3[0], frame.R0_R3[1], frame.R0_R3[2]}
}

// WriteReturn writes a syscall's return value into the stacked R0 slot,
// so the resuming thread sees it as a function return.
func WriteReturn(frame *cpu.StackFrame, v uint32) {
	frame.R0_R3[0] = v
}

// Handlers is the kernel-state surface Dispatch drives. Each method's
// argument and return shape names exactly what that call needs;
// Restart/Kill/LaunchByName returning bool or an error-flagged uint32
// captures the per-call failure semantics instead of overloading a
// single untyped return convention.
// Buffer-shaped calls (PopulateTaskInfo, GetResourceInfo, PIDByName,
// LaunchByName) pass addresses into the same Memory the CPU shim backs,
// exactly as the stacked R0-R2 would carry pointers on real hardware.
type Handlers interface {
	Yield(current thread.ID) (resched bool)
	Sleep(current thread.ID, ticks uint32) (resched bool)
	Lock(current thread.ID, mutex uint32) (resched bool)
	Unlock(current thread.ID, mutex uint32)
	Wait(current thread.ID, sem uint32) (resched bool)
	Post(current thread.ID, sem uint32) (resched bool)
	Kill(current thread.ID, target uint32) (resched bool)
	PopulateTaskInfo(current thread.ID, index uint32, outAddr uint32) (ok uint32)
	GetResourceInfo(current thread.ID, kind uint32, index uint32, outAddr uint32) (ok uint32)
	PIDByName(current thread.ID, nameAddr uint32) (result uint32)
	LaunchByName(current thread.ID, nameAddr uint32) (resched bool)
	Restart(current thread.ID, entry uint32) (resched bool)
	SetPreemption(current thread.ID, on uint32)
	SetPriorityInheritance(current thread.ID, on uint32)
	SetThreadPriority(current thread.ID, entry uint32, prio uint32)
	SetScheduler(current thread.ID, priorityMode uint32)
}

// Dispatch executes one decoded call against h, returning the value to
// write back into R0 (when the call has one) and whether the handler
// mutated kernel state in a way that requires pending the context-switch
// exception. Calls that are pure reads
// (PopulateTaskInfo, GetResourceInfo, PIDByName) or reconfiguration
// (SetPreemption et al.) never request a reschedule.
func Dispatch(h Handlers, current thread.ID, call Call, args [3]uint32) (ret uint32, resched bool) {
	switch call {
	case Yield:
		resched = h.Yield(current)
	case Sleep:
		resched = h.Sleep(current, args[0])
	case Lock:
		resched = h.Lock(current, args[0])
	case Unlock:
		h.Unlock(current, args[0])
	case Wait:
		resched = h.Wait(current, args[0])
	case Post:
		resched = h.Post(current, args[0])
	case Kill:
		resched = h.Kill(current, args[0])
	case PopulateTaskInfo:
		ret = h.PopulateTaskInfo(current, args[0], args[1])
	case GetResourceInfo:
		ret = h.GetResourceInfo(current, args[0], args[1], args[2])
	case PIDByName:
		ret = h.PIDByName(current, args[0])
	case LaunchByName:
		resched = h.LaunchByName(current, args[0])
	case Restart:
		resched = h.Restart(current, args[0])
	case SetPreemption:
		h.SetPreemption(current, args[0])
	case SetPriorityInheritance:
		h.SetPriorityInheritance(current, args[0])
	case SetThreadPriority:
		h.SetThreadPriority(current, args[0], args[1])
	case SetScheduler:
		h.SetScheduler(current, args[0])
	default:
		// Unrecognized call numbers are no-ops. Decode
		// already filters these out, but Dispatch stays safe if called
		// directly with a raw Call value.
	}
	return ret, resched
}
