package engine

import (
	"sort"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	wasmffi "github.com/wippyai/wasm-ffi"
	"github.com/wippyai/wasm-ffi/abi"
	"github.com/wippyai/wasm-ffi/errors"
)

const (
	pageSize      = 65536
	minBlockAlign = 8
)

type span struct {
	off  uint32
	size uint32
}

// Heap is a first-fit allocator over the shared memory above the heap base.
// Freed blocks are coalesced; the memory grows when no free block fits.
type Heap struct {
	mem  api.Memory
	live map[uint32]uint32
	free []span
	base uint32
	top  uint32
	used uint32
	mu   sync.Mutex
}

func newHeap(mem api.Memory, base uint32) *Heap {
	base = abi.AlignTo(base, minBlockAlign)
	return &Heap{
		mem:  mem,
		base: base,
		top:  base,
		live: make(map[uint32]uint32),
	}
}

// Alloc returns a block of at least size bytes aligned to align.
func (h *Heap) Alloc(size, align uint32) (uint32, error) {
	if align < minBlockAlign {
		align = minBlockAlign
	}
	if align&(align-1) != 0 {
		return 0, errors.New(errors.PhaseMemory, errors.KindInvalidArgument).
			Detail("alignment %d is not a power of two", align).
			Build()
	}
	if size == 0 {
		size = 1
	}
	size = abi.AlignTo(size, minBlockAlign)
	if size == 0 {
		return 0, errors.AllocationFailed(errors.PhaseMemory, size, align)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for i, s := range h.free {
		start := abi.AlignTo(s.off, align)
		end := s.off + s.size
		if start < s.off || start+size < start || start+size > end {
			continue
		}
		h.carve(i, start, size)
		h.live[start] = size
		h.used += size
		return start, nil
	}

	start := abi.AlignTo(h.top, align)
	end := uint64(start) + uint64(size)
	if end > 1<<32-1 {
		return 0, errors.AllocationFailed(errors.PhaseMemory, size, align)
	}
	if cur := uint64(h.mem.Size()); end > cur {
		pages := (end - cur + pageSize - 1) / pageSize
		if _, ok := h.mem.Grow(uint32(pages)); !ok {
			return 0, errors.AllocationFailed(errors.PhaseMemory, size, align)
		}
		Logger().Debug("heap grew", zap.Uint64("pages", pages), zap.Uint32("size", h.mem.Size()))
	}
	if start > h.top {
		h.insert(span{off: h.top, size: start - h.top})
	}
	h.top = uint32(end)
	h.live[start] = size
	h.used += size
	return start, nil
}

// carve removes [start, start+size) from free span i, keeping remainders.
func (h *Heap) carve(i int, start, size uint32) {
	s := h.free[i]
	h.free = append(h.free[:i], h.free[i+1:]...)
	if start > s.off {
		h.insert(span{off: s.off, size: start - s.off})
	}
	if rest := s.off + s.size - (start + size); rest > 0 {
		h.insert(span{off: start + size, size: rest})
	}
}

// Free releases a block returned by Alloc. The size and alignment are
// recorded at allocation and the arguments are accepted for interface
// compatibility.
func (h *Heap) Free(ptr, size, align uint32) {
	if ptr == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	n, ok := h.live[ptr]
	if !ok {
		Logger().Warn("free of unknown block", zap.Uint32("ptr", ptr), zap.Uint32("size", size))
		return
	}
	delete(h.live, ptr)
	h.used -= n
	h.insert(span{off: ptr, size: n})
}

func (h *Heap) insert(s span) {
	i := sort.Search(len(h.free), func(i int) bool { return h.free[i].off > s.off })
	h.free = append(h.free, span{})
	copy(h.free[i+1:], h.free[i:])
	h.free[i] = s

	// Coalesce with neighbours
	if i+1 < len(h.free) && h.free[i].off+h.free[i].size == h.free[i+1].off {
		h.free[i].size += h.free[i+1].size
		h.free = append(h.free[:i+1], h.free[i+2:]...)
	}
	if i > 0 && h.free[i-1].off+h.free[i-1].size == h.free[i].off {
		h.free[i-1].size += h.free[i].size
		h.free = append(h.free[:i], h.free[i+1:]...)
		i--
	}
	// Give a trailing free span back to the bump region
	if last := len(h.free) - 1; last >= 0 && h.free[last].off+h.free[last].size == h.top {
		h.top = h.free[last].off
		h.free = h.free[:last]
	}
}

// InUse returns the number of bytes in live blocks.
func (h *Heap) InUse() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.used
}

// Blocks returns the number of live blocks.
func (h *Heap) Blocks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

// Base returns the lowest address the heap hands out.
func (h *Heap) Base() uint32 {
	return h.base
}

var _ wasmffi.Allocator = (*Heap)(nil)
