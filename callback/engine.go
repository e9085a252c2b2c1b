package callback

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"weak"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-ffi/attach"
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/host"
	"github.com/wippyai/wasm-ffi/marshal"
	"github.com/wippyai/wasm-ffi/value"
)

// ExceptionHandler receives errors and panics raised by callback methods.
// They never reach native code: the native caller sees a zero result.
type ExceptionHandler interface {
	UncaughtException(cb any, err error)
}

// ExceptionHandlerFunc adapts a function to ExceptionHandler.
type ExceptionHandlerFunc func(cb any, err error)

func (f ExceptionHandlerFunc) UncaughtException(cb any, err error) { f(cb, err) }

type logHandler struct{}

func (logHandler) UncaughtException(cb any, err error) {
	Logger().Error("uncaught exception in callback",
		zap.String("type", typeName(cb)),
		zap.Error(err))
}

// Engine creates trampolines and keeps the registry of live descriptors,
// keyed by entry point. It implements marshal.CallbackResolver.
type Engine struct {
	env     *marshal.Env
	threads *attach.Manager
	handler atomic.Pointer[ExceptionHandler]

	mu     sync.Mutex
	byAddr map[value.Pointer]*Descriptor
	// cached trampolines of callback objects passed as arguments
	byWeak  map[weak.Pointer[byte]]*Descriptor
	byValue map[any]*Descriptor
	closed  bool
}

// New creates an engine that converts values with env and attaches calling
// threads with threads.
func New(env *marshal.Env, threads *attach.Manager) *Engine {
	return &Engine{
		env:     env,
		threads: threads,
		byAddr:  make(map[value.Pointer]*Descriptor),
		byWeak:  make(map[weak.Pointer[byte]]*Descriptor),
		byValue: make(map[any]*Descriptor),
	}
}

// SetExceptionHandler installs h. A nil h restores the default, which logs
// the error.
func (e *Engine) SetExceptionHandler(h ExceptionHandler) {
	if h == nil {
		e.handler.Store(nil)
		return
	}
	e.handler.Store(&h)
}

// ExceptionHandler returns the installed handler.
func (e *Engine) ExceptionHandler() ExceptionHandler {
	if h := e.handler.Load(); h != nil {
		return *h
	}
	return logHandler{}
}

// Create builds a trampoline for target's method. An empty method means
// "Callback". sig is required for methods taking []any and otherwise
// optional; when given, its types must be assignable to the method's.
//
// The caller owns the descriptor and must keep target reachable while
// native code may call it.
func (e *Engine) Create(target any, method string, sig *Signature, opts Options) (*Descriptor, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, errors.Closed(errors.PhaseCallback, "callback engine")
	}

	d, err := e.newDescriptor(target, method, sig, opts)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.byAddr[d.Address()] = d
	e.mu.Unlock()
	Logger().Debug("callback created",
		zap.String("type", d.typ.String()),
		zap.String("method", d.method.Name),
		zap.Uint32("addr", uint32(d.Address())),
		zap.Bool("direct", d.Direct()))
	return d, nil
}

// Address returns the trampoline of a callback object, creating it on first
// use. Trampolines of pointer objects are freed once the object is
// collected; others live until Close.
func (e *Engine) Address(_ context.Context, cb any) (value.Pointer, error) {
	if d, ok := cb.(*Descriptor); ok {
		return d.Address(), nil
	}

	weakKey, valueKey, err := cacheKey(cb)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	d := e.cached(weakKey, valueKey)
	e.mu.Unlock()
	if d != nil {
		return d.Address(), nil
	}

	opts := Options{Direct: true}
	if p, ok := cb.(OptionsProvider); ok {
		opts = p.CallbackOptions()
	}
	d, err = e.Create(cb, "", nil, opts)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	if won := e.cached(weakKey, valueKey); won != nil {
		e.mu.Unlock()
		// another goroutine cached a trampoline for cb first
		if err := e.free(d); err != nil {
			Logger().Warn("duplicate callback free failed", zap.Error(err))
		}
		return won.Address(), nil
	}
	if valueKey != nil {
		e.byValue[valueKey] = d
	} else {
		e.byWeak[weakKey] = d
	}
	e.mu.Unlock()
	if valueKey == nil {
		host.OnCollect(cb, e.collected, d.Address())
	}
	return d.Address(), nil
}

// cached returns the descriptor Address cached under a key. e.mu must be
// held.
func (e *Engine) cached(weakKey weak.Pointer[byte], valueKey any) *Descriptor {
	if valueKey != nil {
		return e.byValue[valueKey]
	}
	return e.byWeak[weakKey]
}

// cacheKey returns the identity Address caches a callback object under:
// a weak pointer for pointers to non-empty values, the value itself for
// other comparable values.
func cacheKey(cb any) (weak.Pointer[byte], any, error) {
	if w, err := host.NewWeak(cb); err == nil {
		return w.Key(), nil, nil
	}
	if cb != nil && reflect.TypeOf(cb).Comparable() {
		return weak.Pointer[byte]{}, cb, nil
	}
	return weak.Pointer[byte]{}, nil, errors.New(errors.PhaseCallback, errors.KindUnsupported).
		GoType(typeName(cb)).
		Detail("callback objects must be pointers or comparable values").
		Build()
}

func (e *Engine) collected(addr value.Pointer) {
	if err := e.Free(addr); err == nil {
		Logger().Debug("callback target collected", zap.Uint32("addr", uint32(addr)))
	}
}

// Lookup returns the callback object behind a trampoline entry point.
func (e *Engine) Lookup(p value.Pointer) (any, bool) {
	d, ok := e.Descriptor(p)
	if !ok {
		return nil, false
	}
	t := d.Target()
	return t, t != nil
}

// Descriptor returns the live descriptor with entry point p.
func (e *Engine) Descriptor(p value.Pointer) (*Descriptor, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.byAddr[p]
	return d, ok
}

// Len returns the number of live descriptors.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.byAddr)
}

// Free releases the descriptor with entry point p.
func (e *Engine) Free(p value.Pointer) error {
	d, ok := e.Descriptor(p)
	if !ok {
		return errors.NotFound(errors.PhaseCallback, "callback at "+p.String())
	}
	return e.free(d)
}

func (e *Engine) free(d *Descriptor) error {
	addr := d.Address()
	e.mu.Lock()
	if e.byAddr[addr] == d {
		delete(e.byAddr, addr)
	}
	for k, v := range e.byWeak {
		if v == d {
			delete(e.byWeak, k)
		}
	}
	for k, v := range e.byValue {
		if v == d {
			delete(e.byValue, k)
		}
	}
	e.mu.Unlock()
	return d.release()
}

// Close frees every descriptor. Later Create calls fail.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	all := make([]*Descriptor, 0, len(e.byAddr))
	for _, d := range e.byAddr {
		all = append(all, d)
	}
	e.byAddr = make(map[value.Pointer]*Descriptor)
	e.byWeak = make(map[weak.Pointer[byte]]*Descriptor)
	e.byValue = make(map[any]*Descriptor)
	e.mu.Unlock()

	var first error
	for _, d := range all {
		if err := d.release(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// uncaught hands the exception pending on the attachment's thread to the
// exception handler and clears it. A failing handler falls back to the
// default one.
func (e *Engine) uncaught(a *attach.Attachment, target any) {
	rt := e.env.Runtime
	err := rt.TakeException(a.Thread)
	if err == nil {
		return
	}
	defer rt.ClearException(a.Thread)
	defer func() {
		if rec := recover(); rec != nil {
			Logger().Warn("exception handler failed", zap.Any("panic", rec))
			logHandler{}.UncaughtException(target, err)
		}
	}()
	e.ExceptionHandler().UncaughtException(target, err)
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return reflect.TypeOf(v).String()
}

var _ marshal.CallbackResolver = (*Engine)(nil)
