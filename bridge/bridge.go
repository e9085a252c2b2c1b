package bridge

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-ffi/abi"
	"github.com/wippyai/wasm-ffi/attach"
	"github.com/wippyai/wasm-ffi/bind"
	"github.com/wippyai/wasm-ffi/callback"
	"github.com/wippyai/wasm-ffi/classify"
	"github.com/wippyai/wasm-ffi/dispatch"
	"github.com/wippyai/wasm-ffi/engine"
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/host"
	"github.com/wippyai/wasm-ffi/marshal"
	"github.com/wippyai/wasm-ffi/value"
)

// contextSize is the size of the block passed for value.RuntimeContext
// arguments.
const contextSize = 16

// Platform type names accepted by SizeofNative.
const (
	TypePointer = "pointer"
	TypeLong    = "long"
	TypeWChar   = "wchar_t"
	TypeSizeT   = "size_t"
	TypeBool    = "bool"
)

// Bridge composes the call engine, the host runtime and the call,
// callback and binding components over one shared memory.
type Bridge struct {
	engine    *engine.Engine
	rt        *host.Runtime
	env       *marshal.Env
	threads   *attach.Manager
	callbacks *callback.Engine
	dispatch  *dispatch.Dispatcher
	context   *value.Memory

	mu       sync.Mutex
	bindings []*bind.Binding
	closed   atomic.Bool
}

// New creates a bridge. A nil cfg uses defaults.
func New(ctx context.Context, cfg *Config) (*Bridge, error) {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	if c.Logger != nil {
		SetLogger(c.Logger)
	}

	eng, err := engine.New(ctx, c.Engine)
	if err != nil {
		return nil, err
	}
	eng.SetProtected(c.Protected)

	rt := host.New()
	env := &marshal.Env{
		Engine:  eng,
		Memory:  eng.Memory(),
		Alloc:   eng.Allocator(),
		Runtime: rt,
		Charset: c.Encoding,
	}
	if err := env.Validate(); err != nil {
		_ = eng.Close(ctx)
		return nil, err
	}

	rtctx, err := value.Alloc(env.Memory, env.Alloc, contextSize)
	if err != nil {
		_ = eng.Close(ctx)
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindAllocation, err, "allocate runtime context")
	}
	env.Context = rtctx.Pointer()

	threads := attach.New(rt)
	callbacks := callback.New(env, threads)
	if c.ExceptionHandler != nil {
		callbacks.SetExceptionHandler(c.ExceptionHandler)
	}
	env.Callbacks = callbacks

	d := dispatch.New(env, threads)
	if c.MaxArgs > 0 {
		d.SetMaxArgs(c.MaxArgs)
	}
	env.NewFunction = func(p value.Pointer) any {
		return d.NewFunction(p, "", dispatch.CallOptions{})
	}

	Logger().Debug("bridge created",
		zap.Bool("protected", c.Protected),
		zap.String("charset", env.Strings().Charset()),
		zap.Stringer("context", env.Context))

	return &Bridge{
		engine:    eng,
		rt:        rt,
		env:       env,
		threads:   threads,
		callbacks: callbacks,
		dispatch:  d,
		context:   rtctx,
	}, nil
}

// Engine returns the call engine.
func (b *Bridge) Engine() *engine.Engine { return b.engine }

// Runtime returns the host runtime.
func (b *Bridge) Runtime() *host.Runtime { return b.rt }

// Env returns the conversion environment shared by every component.
func (b *Bridge) Env() *marshal.Env { return b.env }

// Threads returns the attachment manager.
func (b *Bridge) Threads() *attach.Manager { return b.threads }

// Callbacks returns the callback engine.
func (b *Bridge) Callbacks() *callback.Engine { return b.callbacks }

// Dispatcher returns the outbound call dispatcher.
func (b *Bridge) Dispatcher() *dispatch.Dispatcher { return b.dispatch }

// Function returns a callable for the symbol name in lib.
func (b *Bridge) Function(lib *Library, name string, opts dispatch.CallOptions) (*dispatch.Function, error) {
	if err := b.check(errors.PhaseLoad); err != nil {
		return nil, err
	}
	return lib.Function(name, opts)
}

// FunctionAt wraps a native function pointer.
func (b *Bridge) FunctionAt(p value.Pointer, opts dispatch.CallOptions) *dispatch.Function {
	return b.dispatch.NewFunction(p, "", opts)
}

// Callback creates a trampoline for method on target. An empty method name
// selects Callback.
func (b *Bridge) Callback(target any, method string, sig *callback.Signature, opts callback.Options) (*callback.Descriptor, error) {
	if err := b.check(errors.PhaseCallback); err != nil {
		return nil, err
	}
	return b.callbacks.Create(target, method, sig, opts)
}

// CallbackAddress returns the trampoline for a callback object, creating it
// on first use.
func (b *Bridge) CallbackAddress(ctx context.Context, cb any) (value.Pointer, error) {
	if err := b.check(errors.PhaseCallback); err != nil {
		return 0, err
	}
	return b.callbacks.Address(ctx, cb)
}

// FreeCallback releases the trampoline at p.
func (b *Bridge) FreeCallback(p value.Pointer) error {
	return b.callbacks.Free(p)
}

// Register binds the func fields of target to symbols of syms. The
// binding is unregistered when the bridge closes.
func (b *Bridge) Register(ctx context.Context, target any, syms bind.Symbols, opts bind.Options) (*bind.Binding, error) {
	if err := b.check(errors.PhaseBind); err != nil {
		return nil, err
	}
	if opts.Threads == nil {
		opts.Threads = b.threads
	}
	bd, err := bind.Register(ctx, b.env, target, syms, opts)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.bindings = append(b.bindings, bd)
	b.mu.Unlock()
	return bd, nil
}

// LastError returns the native error code captured by the last call on the
// thread carried by ctx.
func (b *Bridge) LastError(ctx context.Context) int32 {
	return b.threads.LastError(ctx)
}

// SetLastError sets the native error code of the thread carried by ctx.
func (b *Bridge) SetLastError(ctx context.Context, code int32) {
	b.threads.SetLastError(ctx, code)
}

// SetDetachState sets whether the current thread is detached after each
// callback. See attach.Manager.SetDetachState.
func (b *Bridge) SetDetachState(ctx context.Context, detach bool, flag *atomic.Bool) error {
	return b.threads.SetDetachState(ctx, detach, flag)
}

// NewMemory allocates size bytes of zeroed native memory.
func (b *Bridge) NewMemory(size uint32) (*value.Memory, error) {
	if err := b.check(errors.PhaseMemory); err != nil {
		return nil, err
	}
	return value.Alloc(b.env.Memory, b.env.Alloc, size)
}

// NewStruct allocates native memory for a T.
func NewStruct[T any](b *Bridge) (*value.Struct[T], error) {
	if err := b.check(errors.PhaseMemory); err != nil {
		return nil, err
	}
	return value.NewStruct[T](b.env.Memory, b.env.Alloc)
}

// ReadString reads a NUL-terminated narrow string at p.
func (b *Bridge) ReadString(p value.Pointer) (string, error) {
	return b.env.Strings().ReadString(b.env.Memory, uint32(p))
}

// ReadWString reads a NUL-terminated wide string at p.
func (b *Bridge) ReadWString(p value.Pointer) (string, error) {
	return marshal.ReadWString(b.env.Memory, uint32(p))
}

// SizeofNative returns the size in bytes of a platform type: pointer, long,
// wchar_t, size_t or bool.
func SizeofNative(name string) (uint32, error) {
	switch name {
	case TypePointer:
		return abi.PointerSize, nil
	case TypeLong:
		return abi.LongSize, nil
	case TypeWChar:
		return abi.WCharSize, nil
	case TypeSizeT:
		return abi.SizeTSize, nil
	case TypeBool:
		return abi.BoolSize, nil
	}
	return 0, errors.NotFound(errors.PhaseClassify, "unknown native type '"+name+"'")
}

// Sizeof returns the native size of values of t. Structures and fixed
// arrays report the size of their C layout, other references the size of a
// pointer.
func Sizeof(t reflect.Type) (uint32, error) {
	if t != nil && (t.Kind() == reflect.Struct || t.Kind() == reflect.Array) {
		l, err := value.LayoutOf(t)
		if err != nil {
			return 0, err
		}
		return l.Size(), nil
	}
	c, err := classify.Type(t)
	if err != nil {
		return 0, err
	}
	if c.Layout != nil {
		return c.Layout.Size(), nil
	}
	return c.Native.Size, nil
}

func (b *Bridge) check(phase errors.Phase) error {
	if b.closed.Load() {
		return errors.Closed(phase, "bridge")
	}
	return nil
}

// Close unregisters every binding, frees every trampoline and closes the
// engine with its libraries. Close is idempotent.
func (b *Bridge) Close(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	bindings := b.bindings
	b.bindings = nil
	b.mu.Unlock()
	for _, bd := range bindings {
		bd.Unregister()
	}

	if err := b.callbacks.Close(); err != nil {
		Logger().Warn("callback engine close failed", zap.Error(err))
	}
	b.context.Free()
	b.threads.Close()

	stats := b.rt.Stats()
	Logger().Debug("bridge closed",
		zap.Int("global_refs", stats.GlobalRefs),
		zap.Int("attached_threads", stats.AttachedThreads))
	return b.engine.Close(ctx)
}
