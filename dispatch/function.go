package dispatch

import (
	"context"
	"fmt"
	"reflect"

	"github.com/wippyai/wasm-ffi/abi"
	"github.com/wippyai/wasm-ffi/value"
)

// Function is a native entry point bound to a dispatcher with fixed call
// options. It is immutable and safe for concurrent use.
type Function struct {
	d    *Dispatcher
	name string
	opts CallOptions
	ptr  value.Pointer
}

// NewFunction wraps the entry point at p. name is informational.
func (d *Dispatcher) NewFunction(p value.Pointer, name string, opts CallOptions) *Function {
	return &Function{d: d, ptr: p, name: name, opts: opts}
}

// Pointer returns the entry point, so a Function can be passed wherever a
// native pointer is expected.
func (f *Function) Pointer() value.Pointer { return f.ptr }

func (f *Function) Name() string { return f.name }

func (f *Function) Options() CallOptions { return f.opts }

// WithOptions returns a copy of f that calls with opts.
func (f *Function) WithOptions(opts CallOptions) *Function {
	c := *f
	c.opts = opts
	return &c
}

// Invoke calls the function and converts the result to t. A nil t calls it
// as void.
func (f *Function) Invoke(ctx context.Context, t reflect.Type, args ...any) (any, error) {
	if t == nil {
		return nil, f.d.InvokeVoid(ctx, f.ptr, f.opts, args...)
	}
	return f.d.InvokeObject(ctx, f.ptr, f.opts, t, args...)
}

// Call returns the raw return slot of type ret.
func (f *Function) Call(ctx context.Context, ret *abi.Type, args ...any) ([]byte, error) {
	return f.d.Invoke(ctx, f.ptr, f.opts, ret, args)
}

func (f *Function) Void(ctx context.Context, args ...any) error {
	return f.d.InvokeVoid(ctx, f.ptr, f.opts, args...)
}

func (f *Function) Int32(ctx context.Context, args ...any) (int32, error) {
	return f.d.InvokeInt32(ctx, f.ptr, f.opts, args...)
}

func (f *Function) Int64(ctx context.Context, args ...any) (int64, error) {
	return f.d.InvokeInt64(ctx, f.ptr, f.opts, args...)
}

func (f *Function) Float(ctx context.Context, args ...any) (float32, error) {
	return f.d.InvokeFloat(ctx, f.ptr, f.opts, args...)
}

func (f *Function) Double(ctx context.Context, args ...any) (float64, error) {
	return f.d.InvokeDouble(ctx, f.ptr, f.opts, args...)
}

func (f *Function) PointerResult(ctx context.Context, args ...any) (value.Pointer, error) {
	return f.d.InvokePointer(ctx, f.ptr, f.opts, args...)
}

// Structure calls a function returning s by value.
func (f *Function) Structure(ctx context.Context, s value.Structure, args ...any) error {
	return f.d.InvokeStructure(ctx, f.ptr, f.opts, s, args...)
}

func (f *Function) String() string {
	if f.name == "" {
		return fmt.Sprintf("native function@0x%x", uint32(f.ptr))
	}
	return fmt.Sprintf("native function %s@0x%x", f.name, uint32(f.ptr))
}
