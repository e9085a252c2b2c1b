package host

import (
	"reflect"
	"runtime"
	"unsafe"
	"weak"

	"github.com/wippyai/wasm-ffi/errors"
)

// WeakRef is a reference to a managed object that does not keep it alive.
type WeakRef struct {
	typ reflect.Type
	ptr weak.Pointer[byte]
}

// NewWeak creates a weak reference to v, which must be a non-nil pointer to
// a heap-allocated value of non-zero size.
func NewWeak(v any) (WeakRef, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return WeakRef{}, errors.New(errors.PhaseCallback, errors.KindInvalidArgument).
			GoType(typeName(v)).
			Detail("weak references require a non-nil pointer").
			Build()
	}
	if rv.Type().Elem().Size() == 0 {
		return WeakRef{}, errors.New(errors.PhaseCallback, errors.KindInvalidArgument).
			GoType(rv.Type().String()).
			Detail("weak references require a pointer to a non-zero-size value").
			Build()
	}
	return WeakRef{
		typ: rv.Type(),
		ptr: weak.Make((*byte)(rv.UnsafePointer())),
	}, nil
}

// Get returns the object, or nil once it has been collected.
func (w WeakRef) Get() any {
	p := w.ptr.Value()
	if p == nil {
		return nil
	}
	return reflect.NewAt(w.typ.Elem(), unsafe.Pointer(p)).Interface()
}

// Key returns a comparable identity for the referenced object, usable as a
// map key while the object is alive and after it is collected.
func (w WeakRef) Key() weak.Pointer[byte] {
	return w.ptr
}

// Type returns the pointer type of the referenced object.
func (w WeakRef) Type() reflect.Type {
	return w.typ
}

// OnCollect arranges for fn(arg) to run after v becomes unreachable. v must
// satisfy the same requirements as for NewWeak, and arg must not reference v.
func OnCollect[A any](v any, fn func(A), arg A) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return
	}
	runtime.AddCleanup((*byte)(rv.UnsafePointer()), fn, arg)
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return reflect.TypeOf(v).String()
}
