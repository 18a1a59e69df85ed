package heap_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gmofishsauce/cortex-rtos/internal/heap"
	"github.com/gmofishsauce/cortex-rtos/internal/mpu"
)

type fakeWriter struct {
	srd [4]uint8
}

func (f *fakeWriter) WriteMPURegionSRD(region int, srd uint8) {
	f.srd[region] = srd
}

func newHeap() (*heap.Heap, *fakeWriter) {
	w := &fakeWriter{}
	return heap.New(mpu.SRAMBase, w), w
}

func TestMalloc_ZeroBytesReturnsNil(t *testing.T) {
	h, _ := newHeap()
	p, ok := h.Malloc(0)
	require.False(t, ok)
	require.Zero(t, p)
}

func TestMalloc_FirstFitWithSkip_PlacesAllocationsContiguously(t *testing.T) {
	h, _ := newHeap()

	sizes := []int{2 * heap.ChunkBytes, 4 * heap.ChunkBytes, 2 * heap.ChunkBytes, 6 * heap.ChunkBytes, 4 * heap.ChunkBytes}
	wantChunkStarts := []int{0, 2, 6, 8, 14}

	for idx, sz := range sizes {
		p, ok := h.Malloc(sz)
		require.True(t, ok, "allocation %d should succeed", idx)
		wantAddr := mpu.SRAMBase + uint32(wantChunkStarts[idx])*heap.ChunkBytes
		require.Equal(t, wantAddr, p, "allocation %d start", idx)
	}
	require.NoError(t, h.Validate())
}

func TestMalloc_ReusesFreedRunForSmallerRequest(t *testing.T) {
	h, _ := newHeap()

	var ptrs []uint32
	for _, n := range []int{2, 4, 2, 6, 4} {
		p, ok := h.Malloc(n * heap.ChunkBytes)
		require.True(t, ok)
		ptrs = append(ptrs, p)
	}

	// ptrs[1] is the 4-chunk allocation at chunk index 2.
	h.Free(ptrs[1])
	require.NoError(t, h.Validate())

	p, ok := h.Malloc(3 * heap.ChunkBytes)
	require.True(t, ok)
	require.Equal(t, mpu.SRAMBase+2*heap.ChunkBytes, p, "a 3-chunk request should reuse the start of the freed 4-chunk run")
	require.NoError(t, h.Validate())
}

func TestMalloc_OOMReturnsFalse(t *testing.T) {
	h, _ := newHeap()
	_, ok := h.Malloc(heap.ArenaBytes + heap.ChunkBytes)
	require.False(t, ok)
}

func TestMalloc_RoundsUpToWholeChunks(t *testing.T) {
	h, _ := newHeap()
	p1, ok := h.Malloc(1)
	require.True(t, ok)
	p2, ok := h.Malloc(1)
	require.True(t, ok)
	require.Equal(t, uint32(heap.ChunkBytes), p2-p1, "a 1-byte request still consumes a whole chunk")
}

func TestFree_SilentlyIgnoresInvalidPointers(t *testing.T) {
	h, _ := newHeap()
	h.Free(0)                         // nil
	h.Free(mpu.SRAMBase - 1024)       // below arena
	h.Free(mpu.SRAMBase + heap.ArenaBytes) // above arena
	h.Free(mpu.SRAMBase + 7)          // misaligned

	p, ok := h.Malloc(2 * heap.ChunkBytes)
	require.True(t, ok)
	h.Free(p + heap.ChunkBytes) // interior of a live allocation, not its start
	require.NoError(t, h.Validate())

	status := h.ChunkStatus()
	require.Equal(t, int32(2), status[0], "the allocation must still be intact")
}

func TestCreateThenKill_RestoresPriorChunkStatus(t *testing.T) {
	h, _ := newHeap()
	before := h.ChunkStatus()

	p, ok := h.Malloc(3 * heap.ChunkBytes)
	require.True(t, ok)
	h.Free(p)

	require.Equal(t, before, h.ChunkStatus(), "alloc then free must restore the prior chunk-status array exactly")
}

func TestApplyMask_IsDrivenOnEveryMallocAndFree(t *testing.T) {
	h, w := newHeap()
	require.Equal(t, [4]uint8{0xFF, 0xFF, 0xFF, 0xFF}, w.srd)

	p, ok := h.Malloc(heap.ChunkBytes)
	require.True(t, ok)
	require.Equal(t, uint8(0xFE), w.srd[0], "the first chunk's bit must now be clear")

	h.Free(p)
	require.Equal(t, uint8(0xFF), w.srd[0], "freeing must revoke the window again")
}

func TestValidate_AcceptsRunLengthEncodingLeftByMalloc(t *testing.T) {
	h, _ := newHeap()
	_, ok := h.Malloc(2 * heap.ChunkBytes)
	require.True(t, ok)
	require.NoError(t, h.Validate())
}
