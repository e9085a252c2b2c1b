package value

import (
	"reflect"
	"runtime"

	wasmffi "github.com/wippyai/wasm-ffi"
	"github.com/wippyai/wasm-ffi/errors"
)

// Structure is a managed view of a native C structure. By default a
// structure passed by reference is written to native memory before a call
// and read back after it.
type Structure interface {
	// Address returns the native address the structure is bound to, or NULL.
	Address() Pointer
	Layout() (*Layout, error)
	// Bind aliases existing native memory at p without copying.
	Bind(mem wasmffi.Memory, p Pointer)
	// Allocate gives the structure its own zeroed native memory.
	Allocate(mem wasmffi.Memory, alloc wasmffi.Allocator) error
	// Write copies managed fields to native memory.
	Write() error
	// Read copies native memory into managed fields.
	Read() error
	// Encode and Decode move the managed fields to and from a detached
	// buffer, used for by-value copies.
	Encode(buf []byte) error
	Decode(buf []byte) error
	AutoRead() bool
	AutoWrite() bool
	// Interface returns a pointer to the managed fields.
	Interface() any
	Free()
}

// ByValue marks a structure passed and returned by value.
type ByValue interface {
	Structure
	StructureByValue()
}

// Struct backs a Go struct T with native memory laid out by C rules.
type Struct[T any] struct {
	Value T

	mem         wasmffi.Memory
	alloc       wasmffi.Allocator
	ptr         Pointer
	owned       bool
	cleanup     runtime.Cleanup
	noAutoRead  bool
	noAutoWrite bool
}

// StructByValue is a Struct passed and returned by value.
type StructByValue[T any] struct {
	Struct[T]
}

func (*StructByValue[T]) StructureByValue() {}

// NewStruct allocates native memory for a T.
func NewStruct[T any](mem wasmffi.Memory, alloc wasmffi.Allocator) (*Struct[T], error) {
	s := &Struct[T]{}
	if err := s.Allocate(mem, alloc); err != nil {
		return nil, err
	}
	return s, nil
}

// StructAt binds a T to the native memory at p and reads it.
func StructAt[T any](mem wasmffi.Memory, p Pointer) (*Struct[T], error) {
	s := &Struct[T]{}
	s.Bind(mem, p)
	if err := s.Read(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Struct[T]) Layout() (*Layout, error) {
	return LayoutOf(reflect.TypeFor[T]())
}

func (s *Struct[T]) Address() Pointer { return s.ptr }

func (s *Struct[T]) Interface() any { return &s.Value }

func (s *Struct[T]) Bind(mem wasmffi.Memory, p Pointer) {
	s.Free()
	s.mem = mem
	s.ptr = p
}

func (s *Struct[T]) Allocate(mem wasmffi.Memory, alloc wasmffi.Allocator) error {
	l, err := s.Layout()
	if err != nil {
		return err
	}
	s.Free()
	ptr, err := alloc.Alloc(l.Size(), l.Type.Align)
	if err != nil {
		return err
	}
	if err := mem.Write(ptr, make([]byte, l.Size())); err != nil {
		alloc.Free(ptr, l.Size(), l.Type.Align)
		return err
	}
	s.mem, s.alloc, s.ptr, s.owned = mem, alloc, Pointer(ptr), true
	s.cleanup = runtime.AddCleanup(s, ownedBlock.free, ownedBlock{alloc, ptr, l.Size(), l.Type.Align})
	return nil
}

// ownedBlock is the memory of an allocated structure, freed when the
// structure is collected without an explicit Free.
type ownedBlock struct {
	alloc            wasmffi.Allocator
	ptr, size, align uint32
}

func (b ownedBlock) free() { b.alloc.Free(b.ptr, b.size, b.align) }

func (s *Struct[T]) Write() error {
	if s.ptr == 0 {
		return errors.New(errors.PhaseMemory, errors.KindInvalidArgument).
			GoType(reflect.TypeFor[T]().String()).
			Detail("structure has no native memory").
			Build()
	}
	l, err := s.Layout()
	if err != nil {
		return err
	}
	buf := make([]byte, l.Size())
	l.Encode(buf, reflect.ValueOf(&s.Value).Elem())
	return s.mem.Write(uint32(s.ptr), buf)
}

func (s *Struct[T]) Read() error {
	if s.ptr == 0 {
		return errors.New(errors.PhaseMemory, errors.KindInvalidArgument).
			GoType(reflect.TypeFor[T]().String()).
			Detail("structure has no native memory").
			Build()
	}
	l, err := s.Layout()
	if err != nil {
		return err
	}
	buf, err := s.mem.Read(uint32(s.ptr), l.Size())
	if err != nil {
		return err
	}
	l.Decode(buf, reflect.ValueOf(&s.Value).Elem())
	return nil
}

func (s *Struct[T]) Encode(buf []byte) error {
	l, err := s.Layout()
	if err != nil {
		return err
	}
	if uint32(len(buf)) < l.Size() {
		return errors.OutOfBounds(errors.PhaseMarshal, 0, l.Size())
	}
	l.Encode(buf, reflect.ValueOf(&s.Value).Elem())
	return nil
}

func (s *Struct[T]) Decode(buf []byte) error {
	l, err := s.Layout()
	if err != nil {
		return err
	}
	if uint32(len(buf)) < l.Size() {
		return errors.OutOfBounds(errors.PhaseMarshal, 0, l.Size())
	}
	l.Decode(buf, reflect.ValueOf(&s.Value).Elem())
	return nil
}

// SetAutoSynch controls whether calls read and write the structure around
// a native call.
func (s *Struct[T]) SetAutoSynch(read, write bool) {
	s.noAutoRead = !read
	s.noAutoWrite = !write
}

func (s *Struct[T]) AutoRead() bool  { return !s.noAutoRead }
func (s *Struct[T]) AutoWrite() bool { return !s.noAutoWrite }

// Free releases memory the structure allocated itself. Bound memory is
// left alone. Allocated memory is also released once the structure is
// garbage collected.
func (s *Struct[T]) Free() {
	if s.owned && s.ptr != 0 {
		s.cleanup.Stop()
		l, err := s.Layout()
		if err == nil {
			s.alloc.Free(uint32(s.ptr), l.Size(), l.Type.Align)
		}
	}
	s.ptr = 0
	s.owned = false
}

var (
	_ Structure = (*Struct[int32])(nil)
	_ ByValue   = (*StructByValue[int32])(nil)
)
