// Package heap implements a first-fit-with-skip allocator over a
// fixed 28 KiB SRAM arena partitioned into 28 1 KiB chunks, integrated
// with internal/mpu so that granting or revoking a thread's stack updates
// the kernel's transient global SRD mask the same instruction cycle the
// chunk table changes.
//
// The chunk-status array and its run-length encoding (n at the start of
// an n-chunk run, -1 at interior chunks, 0 when free) is the software
// analogue of emul/memory.go's MMU page table: a small fixed array walked
// by index arithmetic, not a pointer-linked free list.
package heap

import (
	"fmt"

	"github.com/gmofishsauce/cortex-rtos/internal/mpu"
)

const (
	// ChunkBytes is the allocation granularity and SRD subregion size.
	ChunkBytes = mpu.SubregionSize
	// ChunkCount is the arena size in chunks: 28 KiB / 1 KiB.
	ChunkCount = 28
	// ArenaBytes is the total arena size backing this heap.
	ArenaBytes = ChunkCount * ChunkBytes
)

// statusFree, and any positive n, mark a chunk-status array slot as the
// start of a free chunk or of an n-chunk allocation; statusInterior marks
// a chunk that is the 2nd..nth chunk of a preceding allocation.
const statusFree = 0
const statusInterior = -1

// Heap is the 28 KiB allocator. It is not thread-safe: it
// is only ever invoked from privileged kernel paths (thread creation,
// restart, destruction), which this package's callers must serialize the
// same way the syscall dispatcher serializes everything else.
type Heap struct {
	base        uint32
	chunkStatus [ChunkCount]int32
	globalMask  mpu.Mask
	writer      mpu.RegisterWriter
}

// New creates a Heap whose arena starts at base (must be 1 KiB-aligned
// and inside SRAM) and whose malloc/free operations drive the global SRD
// mask through writer. The initial no-access mask is applied through
// writer immediately.
func New(base uint32, writer mpu.RegisterWriter) *Heap {
	h := &Heap{
		base:       base,
		globalMask: mpu.NoAccessMask(),
		writer:     writer,
	}
	mpu.ApplyMask(h.writer, h.globalMask)
	return h
}

// Base returns the arena's starting address.
func (h *Heap) Base() uint32 { return h.base }

// GlobalMask returns the kernel's current transient SRD mask — the
// window malloc/free leave applied to the hardware so privileged code can
// touch the chunk it just allocated or is about to free.
func (h *Heap) GlobalMask() mpu.Mask { return h.globalMask }

// Malloc allocates the smallest whole number of 1 KiB chunks that can
// hold bytes, scanning for the first run of free chunks wide enough. It
// implements first-fit WITH SKIP: when a non-free chunk is found at
// offset j from the candidate start i, the scan resumes at i+j rather
// than i+1, so a long allocated run is never rescanned chunk-by-chunk.
// Returns (0, false) on bytes==0 or OOM.
func (h *Heap) Malloc(bytes int) (uint32, bool) {
	if bytes <= 0 {
		return 0, false
	}
	n := (bytes + ChunkBytes - 1) / ChunkBytes

	i := 0
	for i+n <= ChunkCount {
		j := 0
		for ; j < n; j++ {
			if h.chunkStatus[i+j] != statusFree {
				break
			}
		}
		if j == n {
			break // found a fully-free window at i
		}

		// Blocked at offset j. When j>0 every candidate start strictly
		// between i and i+j would still include the occupied chunk at
		// i+j in its window, so jump the cursor straight there. When
		// j==0 the candidate start itself is occupied; if it is the
		// head of a run we know its length and can skip over the whole
		// run in one step instead of crawling through it one chunk at a
		// time (the case the "with skip" in first-fit-with-skip exists
		// for — a long allocated run otherwise costs O(run length)
		// rescans for every blocked candidate inside it).
		switch {
		case j > 0:
			i += j
		case h.chunkStatus[i] > 0:
			i += int(h.chunkStatus[i])
		default:
			i++
		}
	}
	if i+n > ChunkCount {
		return 0, false
	}

	h.chunkStatus[i] = int32(n)
	for j := 1; j < n; j++ {
		h.chunkStatus[i+j] = statusInterior
	}

	start := h.base + uint32(i)*ChunkBytes
	h.globalMask = mpu.AddWindow(h.globalMask, start, uint32(n)*ChunkBytes)
	mpu.ApplyMask(h.writer, h.globalMask)
	return start, true
}

// Free releases the allocation starting at p. Invalid pointers — nil (0),
// out-of-arena addresses, mis-aligned addresses, or an address that is
// not the start of a live allocation — are silent no-ops.
func (h *Heap) Free(p uint32) {
	if p == 0 {
		return
	}
	if p < h.base || p >= h.base+ArenaBytes {
		return
	}
	offset := p - h.base
	if offset%ChunkBytes != 0 {
		return
	}
	i := int(offset / ChunkBytes)
	n := h.chunkStatus[i]
	if n <= 0 {
		return
	}

	h.globalMask = mpu.RevokeWindow(h.globalMask, p, uint32(n)*ChunkBytes)
	mpu.ApplyMask(h.writer, h.globalMask)

	for j := 0; j < int(n); j++ {
		h.chunkStatus[i+j] = statusFree
	}
}

// ChunkStatus returns a copy of the chunk-status array, for tests and
// diagnostics that assert the run-length encoding invariant.
func (h *Heap) ChunkStatus() [ChunkCount]int32 {
	return h.chunkStatus
}

// Validate checks the run-length encoding invariant: every n>0 entry is
// followed by exactly n-1 interior entries, and the entry after that (if
// any) is not itself interior. It exists for tests and for a defensive
// assertion a caller can run after a sequence of malloc/free calls.
func (h *Heap) Validate() error {
	i := 0
	for i < ChunkCount {
		n := h.chunkStatus[i]
		switch {
		case n == statusFree:
			i++
		case n < 0:
			return fmt.Errorf("heap: chunk %d is interior with no preceding run head", i)
		default:
			for j := 1; j < int(n); j++ {
				if i+j >= ChunkCount || h.chunkStatus[i+j] != statusInterior {
					return fmt.Errorf("heap: run at %d claims length %d but chunk %d is not interior", i, n, i+j)
				}
			}
			i += int(n)
		}
	}
	return nil
}
