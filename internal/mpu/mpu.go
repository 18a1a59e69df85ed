// Package mpu implements the MPU region manager: a fixed six-region
// layout (flash, peripherals, four 8 KiB SRAM regions each split into
// eight 1 KiB subregions) and the 32-bit subregion-disable (SRD) mask
// operations a thread's stack window is built from.
//
// The arithmetic here is grounded in emul/memory.go's page-translation
// style (shift/mask a virtual address into a region+offset pair) even
// though this system has no address translation — only the
// access-control half of that machinery survives, rebuilt around
// subregions instead of pages.
package mpu

import "fmt"

// Static memory map.
const (
	FlashBase = 0x00000000
	FlashSize = 256 * 1024

	PeriphBase = 0x40000000
	PeriphSize = 64 * 1024 * 1024

	SRAMBase       = 0x20000000
	SRAMRegionSize = 8 * 1024
	SRAMRegions    = 4
	SRAMSize       = SRAMRegionSize * SRAMRegions // 32 KiB total

	SubregionSize       = 1024
	SubregionsPerRegion = 8
	TotalSubregions     = SRAMRegions * SubregionsPerRegion // 32

	SRAMEnd = SRAMBase + SRAMSize
)

// Mask is the 32-bit SRD mask shadowed in software: bit k set means the
// k-th 1 KiB SRAM subregion is DENIED to whichever context this mask
// belongs to (a thread's resident mask, or the kernel's transient "global"
// mask used while malloc/free touch the arena).
type Mask uint32

// NoAccess is the all-subregions-disabled mask a fresh thread or a
// freshly-initialized global mask starts from.
const NoAccess Mask = 0xFFFFFFFF

// NoAccessMask returns the mask granting access to nothing.
func NoAccessMask() Mask { return NoAccess }

// subregionOf returns the subregion index (0..31) that byte addr falls
// into, or -1 if addr is outside the four SRAM regions entirely.
func subregionOf(addr uint32) int {
	if addr < SRAMBase || addr >= SRAMEnd {
		return -1
	}
	return int((addr - SRAMBase) / SubregionSize)
}

// windowBits returns the inclusive set of subregion indexes touched by
// [base, base+bytes), clamping the end to the top of SRAM and rejecting
// windows that start below SRAM or have zero size.
func windowBits(base, bytes uint32) (first, last int, ok bool) {
	if base < SRAMBase || bytes == 0 {
		return 0, 0, false
	}
	end := base + bytes
	if end > SRAMEnd || end < base /* overflow */ {
		end = SRAMEnd
	}
	first = subregionOf(base)
	if first < 0 {
		return 0, 0, false
	}
	last = subregionOf(end - 1)
	if last < 0 {
		last = TotalSubregions - 1
	}
	return first, last, true
}

// AddWindow clears (enables) the bits of mask covering [base, base+bytes),
// granting access to that window. Bases below SRAMBase and zero sizes are
// rejected (mask returned unchanged); sizes extending past the end of
// SRAM are silently clamped.
func AddWindow(mask Mask, base, bytes uint32) Mask {
	first, last, ok := windowBits(base, bytes)
	if !ok {
		return mask
	}
	for i := first; i <= last; i++ {
		mask &^= 1 << uint(i)
	}
	return mask
}

// RevokeWindow sets (disables) the bits of mask covering [base,
// base+bytes), symmetric with AddWindow.
func RevokeWindow(mask Mask, base, bytes uint32) Mask {
	first, last, ok := windowBits(base, bytes)
	if !ok {
		return mask
	}
	for i := first; i <= last; i++ {
		mask |= 1 << uint(i)
	}
	return mask
}

// CanAccess reports whether byte addr is enabled under mask: after
// applyMask(m), unprivileged code may read/write byte p in SRAM iff the
// subregion bit for p in m is 0.
func CanAccess(mask Mask, addr uint32) bool {
	sub := subregionOf(addr)
	if sub < 0 {
		return false
	}
	return mask&(1<<uint(sub)) == 0
}

// RegisterWriter is the privileged-register boundary ApplyMask writes
// through; internal/cpu.Simulated (and a real target's assembly shim)
// satisfy it.
type RegisterWriter interface {
	WriteMPURegionSRD(region int, srd uint8)
}

// ApplyMask writes the four MPU region SRD fields from the four bytes of
// mask, one per SRAM region. Byte 0 (bits 0-7) is region 0,
// and so on — the same bit order AddWindow/RevokeWindow compute subregion
// indexes in.
func ApplyMask(w RegisterWriter, mask Mask) {
	for region := 0; region < SRAMRegions; region++ {
		srd := byte(mask >> uint(region*SubregionsPerRegion))
		w.WriteMPURegionSRD(region, srd)
	}
}

// StaticRegion names and describes one of the six fixed MPU regions this
// kernel always configures at boot.
type StaticRegion struct {
	Index      int
	Name       string
	Base       uint32
	Size       uint32
	Executable bool
	Shareable  bool
	Bufferable bool
	Cacheable  bool
	Subregions uint8 // 0 when not subdivided
}

// StaticRegions returns the six fixed regions in MPU region-index order:
// 0=flash, 1=peripherals, 2..5=SRAM[0..3].
func StaticRegions() [6]StaticRegion {
	regions := [6]StaticRegion{
		{Index: 0, Name: "flash", Base: FlashBase, Size: FlashSize, Executable: true},
		{Index: 1, Name: "peripherals", Base: PeriphBase, Size: PeriphSize, Shareable: true, Bufferable: true},
	}
	for k := 0; k < SRAMRegions; k++ {
		regions[2+k] = StaticRegion{
			Index:      2 + k,
			Name:       fmt.Sprintf("sram%d", k),
			Base:       SRAMBase + uint32(k)*SRAMRegionSize,
			Size:       SRAMRegionSize,
			Cacheable:  true,
			Subregions: SubregionsPerRegion,
		}
	}
	return regions
}
