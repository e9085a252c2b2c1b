package value

import (
	"fmt"

	wasmffi "github.com/wippyai/wasm-ffi"
	"github.com/wippyai/wasm-ffi/errors"
)

// Pointer is a raw native address. The zero value is NULL.
type Pointer uint32

// NativePointer is implemented by values that stand for a native address.
type NativePointer interface {
	Pointer() Pointer
}

func (p Pointer) Pointer() Pointer { return p }

func (p Pointer) IsNull() bool { return p == 0 }

// Add returns p offset by off bytes.
func (p Pointer) Add(off uint32) Pointer { return p + Pointer(off) }

func (p Pointer) String() string {
	if p == 0 {
		return "NULL"
	}
	return fmt.Sprintf("native@0x%x", uint32(p))
}

// Memory is a block of native memory owned by the managed side. It is freed
// explicitly with Free.
type Memory struct {
	mem   wasmffi.Memory
	alloc wasmffi.Allocator
	ptr   Pointer
	size  uint32
	align uint32
}

// Alloc allocates size bytes of zeroed native memory aligned to 8.
func Alloc(mem wasmffi.Memory, alloc wasmffi.Allocator, size uint32) (*Memory, error) {
	if size == 0 {
		return nil, errors.New(errors.PhaseMemory, errors.KindInvalidArgument).
			Detail("cannot allocate zero-length memory").
			Build()
	}
	ptr, err := alloc.Alloc(size, 8)
	if err != nil {
		return nil, err
	}
	m := &Memory{mem: mem, alloc: alloc, ptr: Pointer(ptr), size: size, align: 8}
	if err := mem.Write(ptr, make([]byte, size)); err != nil {
		m.Free()
		return nil, err
	}
	return m, nil
}

func (m *Memory) Pointer() Pointer { return m.ptr }

func (m *Memory) Size() uint32 { return m.size }

// Share returns a pointer off bytes into the block.
func (m *Memory) Share(off uint32) (Pointer, error) {
	if err := m.check(off, 0); err != nil {
		return 0, err
	}
	return m.ptr.Add(off), nil
}

func (m *Memory) Read(off, n uint32) ([]byte, error) {
	if err := m.check(off, n); err != nil {
		return nil, err
	}
	return m.mem.Read(uint32(m.ptr)+off, n)
}

func (m *Memory) Write(off uint32, data []byte) error {
	if err := m.check(off, uint32(len(data))); err != nil {
		return err
	}
	return m.mem.Write(uint32(m.ptr)+off, data)
}

// Free releases the block. Free is idempotent.
func (m *Memory) Free() {
	if m.ptr == 0 {
		return
	}
	m.alloc.Free(uint32(m.ptr), m.size, m.align)
	m.ptr = 0
}

func (m *Memory) check(off, n uint32) error {
	if m.ptr == 0 {
		return errors.Closed(errors.PhaseMemory, "memory block")
	}
	if uint64(off)+uint64(n) > uint64(m.size) {
		return errors.OutOfBounds(errors.PhaseMemory, off, n)
	}
	return nil
}
