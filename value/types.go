package value

import (
	"reflect"
)

// WString is a string marshalled as a NUL-terminated wide (wchar_t) string.
type WString string

// RuntimeContext receives the bridge's runtime context pointer when used as
// an argument type. Callers pass the zero value.
type RuntimeContext uint32

// IntegerType is a managed integer wrapper whose native width is chosen by
// the type rather than by its Go kind.
type IntegerType interface {
	NativeSize() int
	Int64() int64
}

// IntegerTypeSetter is implemented by pointers to IntegerType values so that
// results and callback arguments can be wrapped.
type IntegerTypeSetter interface {
	SetInt64(v int64)
}

// NativeLong is the platform C long.
type NativeLong int32

func (NativeLong) NativeSize() int     { return 4 }
func (l NativeLong) Int64() int64      { return int64(l) }
func (l *NativeLong) SetInt64(v int64) { *l = NativeLong(v) }

// SizeT is the platform size_t.
type SizeT uint32

func (SizeT) NativeSize() int     { return 4 }
func (s SizeT) Int64() int64      { return int64(s) }
func (s *SizeT) SetInt64(v int64) { *s = SizeT(v) }

// PointerType is a managed wrapper around an opaque native address.
type PointerType interface {
	PointerValue() Pointer
}

// PointerTypeSetter is implemented by pointers to PointerType values.
type PointerTypeSetter interface {
	SetPointerValue(p Pointer)
}

// NativeMapped is implemented by types that convert themselves to and from a
// simpler native representation.
type NativeMapped interface {
	// NativeType returns the Go type of the native representation.
	NativeType() reflect.Type
	ToNative() any
	// FromNative builds a value of the implementing type from its native
	// representation. It is called on the zero value.
	FromNative(native any) (any, error)
}

// TypeConverter converts between a managed type and its native
// representation.
type TypeConverter interface {
	NativeType() reflect.Type
	ToNative(v any) (any, error)
	FromNative(native any, t reflect.Type) (any, error)
}

// TypeMapper supplies converters for types that have no built-in mapping.
// Converter returns nil when the mapper does not handle t.
type TypeMapper interface {
	Converter(t reflect.Type) TypeConverter
}

// Buffer is a region of memory passed to native code by address. A direct
// buffer already lives in native memory; a heap buffer is backed by a Go
// slice and is pinned for the duration of a call.
type Buffer struct {
	data   []byte
	ptr    Pointer
	size   uint32
	direct bool
}

// DirectBuffer wraps size bytes of native memory at p.
func DirectBuffer(p Pointer, size uint32) *Buffer {
	return &Buffer{ptr: p, size: size, direct: true}
}

// HeapBuffer wraps a Go slice. Native writes are copied back into data when
// the call returns.
func HeapBuffer(data []byte) *Buffer {
	return &Buffer{data: data, size: uint32(len(data))}
}

func (b *Buffer) IsDirect() bool { return b.direct }

// Address returns the native address of a direct buffer, or NULL.
func (b *Buffer) Address() Pointer { return b.ptr }

// Bytes returns the backing slice of a heap buffer.
func (b *Buffer) Bytes() []byte { return b.data }

func (b *Buffer) Len() uint32 { return b.size }
