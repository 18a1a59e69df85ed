// Package cpu models the low-level CPU shim: the thin boundary between
// the kernel and the ARMv7-M special registers that a real port would
// touch only from hand-written assembly (PSP/MSP, the privilege and
// stack-select control bits, callee-saved register save/restore across a
// context switch, and raising the scheduler's software interrupt).
//
// Cpu is a capability interface rather than a concrete struct so that a
// real target can satisfy it with `//go:noescape` assembly stubs while
// this package's Simulated type satisfies it in software for tests and
// for the cmd/rtossim demonstration binary. Every Cpu method is documented
// as atomic with respect to scheduling: on real hardware that is true
// because these routines only ever run with interrupts inhibited (already
// in an exception, or in the instructions immediately following exception
// entry); Simulated keeps the same contract with a mutex.
package cpu

import "sync"

// NumCalleeSaved is R4..R11, the registers the ARM AAPCS calling
// convention requires a callee to preserve and that a context switch must
// therefore save and restore by hand; R0-R3/R12/LR/PC/xPSR are unstacked
// automatically by exception return.
const NumCalleeSaved = 8

// StackFrame is the layout a context switch saves onto a thread's process
// stack, mirroring what hardware exception entry/return already does for
// the caller-saved half of the frame.
type StackFrame struct {
	R4_R11 [NumCalleeSaved]uint32 // callee-saved registers
	R0_R3  [4]uint32              // caller-saved, seeded once at createThread
	R12    uint32
	LR     uint32 // EXC_RETURN value; 0xFFFFFFFD => thread mode, PSP
	PC     uint32 // entry point on first run, resume address otherwise
	XPSR   uint32 // 0x01000000 = Thumb bit set
}

// Cpu is the capability surface the kernel needs from the target. All
// operations are invoked only from the scheduler, syscall dispatcher,
// tick handler, fault handlers, and kernel bootstrap.
type Cpu interface {
	// ReadPSP/WritePSP access the process stack pointer used by thread
	// mode when SetThreadModeUsesPSP(true) is in effect.
	ReadPSP() uint32
	WritePSP(sp uint32)

	// ReadMSP reads the main stack pointer, used by every handler.
	ReadMSP() uint32

	// SetThreadModeUsesPSP configures CONTROL.SPSEL: when true, thread
	// mode code runs on the process stack rather than the main stack.
	SetThreadModeUsesPSP(use bool)

	// SetUnprivileged configures CONTROL.nPRIV for thread mode.
	SetUnprivileged(unpriv bool)

	// RaiseSchedulerSWI pends the context-switch exception (PendSV on a
	// real Cortex-M). It does not run the handler synchronously; the
	// kernel's dispatch loop observes PendingContextSwitch and runs it
	// after the calling handler returns, exactly as hardware would after
	// the current exception unwinds.
	RaiseSchedulerSWI()

	// PendingContextSwitch reports and clears whether RaiseSchedulerSWI
	// was called since the last check.
	PendingContextSwitch() bool

	// SaveCalleeRegisters writes R4-R11 onto the process stack at sp and
	// returns the resulting (decremented) stack pointer, mirroring the
	// hand-written assembly push a real target uses.
	SaveCalleeRegisters(sp uint32, regs [NumCalleeSaved]uint32) uint32

	// RestoreCalleeRegisters reads R4-R11 back from the process stack at
	// sp and returns them; the caller is responsible for the exception
	// return that pops the rest of the frame.
	RestoreCalleeRegisters(sp uint32) [NumCalleeSaved]uint32

	// WriteFrame/ReadFrame persist and recover a full StackFrame at a
	// given stack-top address; used by createThread/restartThread to
	// seed the initial frame and by the fault handler to snapshot it.
	WriteFrame(top uint32, frame StackFrame)
	ReadFrame(top uint32) StackFrame

	// WriteMPURegionSRD and ConfigureRegion let the mpu package drive the
	// hardware MPU through this same privileged-register boundary; see
	// internal/mpu.
	WriteMPURegionSRD(region int, srd uint8)
	ReadMPURegionSRD(region int) uint8
	ConfigureRegion(region int, base, size uint32, attrs RegionAttrs)
}

// RegionAttrs captures the fixed per-region configuration
// (permissions, executability, shareability); a real target
// packs these into the MPU's RASR register.
type RegionAttrs struct {
	Name             string
	PrivReadWrite    bool
	UnprivReadWrite  bool
	Executable       bool
	Shareable        bool
	Bufferable       bool
	Cacheable        bool
	SubregionCount   uint8 // 0 when the region isn't subdivided
}

// Simulated is a software Cpu used by tests and cmd/rtossim. It backs the
// process/main stacks and the "hardware" MPU SRD registers with plain Go
// state instead of real special registers, guarded by a mutex so its
// contract (atomic w.r.t. scheduling) holds even though nothing here
// actually runs with interrupts disabled.
type Simulated struct {
	mu sync.Mutex

	mem *Memory // backing store for stack frames (the SRAM arena)

	psp uint32
	msp uint32

	usePSPInThread bool
	unprivileged   bool

	pendingSWI bool

	mpuSRD     [4]uint8
	regionCfgs [6]regionConfig
}

type regionConfig struct {
	base, size uint32
	attrs      RegionAttrs
	configured bool
}

// NewSimulated constructs a Simulated Cpu backed by mem for stack-frame
// storage and msp as the boot-time main stack pointer.
func NewSimulated(mem *Memory, msp uint32) *Simulated {
	return &Simulated{mem: mem, msp: msp}
}

func (c *Simulated) ReadPSP() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.psp
}

func (c *Simulated) WritePSP(sp uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.psp = sp
}

func (c *Simulated) ReadMSP() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msp
}

func (c *Simulated) SetThreadModeUsesPSP(use bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usePSPInThread = use
}

func (c *Simulated) SetUnprivileged(unpriv bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unprivileged = unpriv
}

func (c *Simulated) RaiseSchedulerSWI() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingSWI = true
}

func (c *Simulated) PendingContextSwitch() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.pendingSWI
	c.pendingSWI = false
	return pending
}

func (c *Simulated) SaveCalleeRegisters(sp uint32, regs [NumCalleeSaved]uint32) uint32 {
	newSP := sp - NumCalleeSaved*4
	for i, r := range regs {
		c.mem.WriteWord(newSP+uint32(i)*4, r)
	}
	return newSP
}

func (c *Simulated) RestoreCalleeRegisters(sp uint32) [NumCalleeSaved]uint32 {
	var regs [NumCalleeSaved]uint32
	for i := range regs {
		regs[i] = c.mem.ReadWord(sp + uint32(i)*4)
	}
	return regs
}

// frameWords is the number of 32-bit words a StackFrame occupies.
const frameWords = NumCalleeSaved + 4 + 4

func (c *Simulated) WriteFrame(top uint32, frame StackFrame) {
	sp := top - frameWords*4
	for i, r := range frame.R4_R11 {
		c.mem.WriteWord(sp+uint32(i)*4, r)
	}
	base := sp + NumCalleeSaved*4
	for i, r := range frame.R0_R3 {
		c.mem.WriteWord(base+uint32(i)*4, r)
	}
	c.mem.WriteWord(base+16, frame.R12)
	c.mem.WriteWord(base+20, frame.LR)
	c.mem.WriteWord(base+24, frame.PC)
	c.mem.WriteWord(base+28, frame.XPSR)
}

func (c *Simulated) ReadFrame(top uint32) StackFrame {
	var frame StackFrame
	sp := top - frameWords*4
	for i := range frame.R4_R11 {
		frame.R4_R11[i] = c.mem.ReadWord(sp + uint32(i)*4)
	}
	base := sp + NumCalleeSaved*4
	for i := range frame.R0_R3 {
		frame.R0_R3[i] = c.mem.ReadWord(base + uint32(i)*4)
	}
	frame.R12 = c.mem.ReadWord(base + 16)
	frame.LR = c.mem.ReadWord(base + 20)
	frame.PC = c.mem.ReadWord(base + 24)
	frame.XPSR = c.mem.ReadWord(base + 28)
	return frame
}

// FrameSize is the number of bytes WriteFrame/ReadFrame occupy below top;
// createThread uses it to place the frame at the very top of a fresh
// stack allocation.
const FrameSize = frameWords * 4

func (c *Simulated) WriteMPURegionSRD(region int, srd uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mpuSRD[region] = srd
}

func (c *Simulated) ReadMPURegionSRD(region int) uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mpuSRD[region]
}

func (c *Simulated) ConfigureRegion(region int, base, size uint32, attrs RegionAttrs) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regionCfgs[region] = regionConfig{base: base, size: size, attrs: attrs, configured: true}
}

// RegionConfig returns the configuration written by ConfigureRegion, for
// diagnostics and tests that assert the static region table was
// applied correctly.
func (c *Simulated) RegionConfig(region int) (base, size uint32, attrs RegionAttrs, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg := c.regionCfgs[region]
	return cfg.base, cfg.size, cfg.attrs, cfg.configured
}
