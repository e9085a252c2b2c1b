package host

import (
	"fmt"
	"reflect"

	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/native"
)

var errorType = reflect.TypeFor[error]()

// Invoke calls fn with args and captures a panic, or a non-nil trailing error
// result, as a managed exception. The returned results exclude a trailing
// error. When an exception occurs it is also left pending on th.
func (r *Runtime) Invoke(th *native.Thread, fn reflect.Value, args []reflect.Value) (results []reflect.Value, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = panicError(rec)
			results = nil
			r.Throw(th, err)
		}
	}()

	out := fn.Call(args)
	if n := len(out); n > 0 && fn.Type().Out(n-1) == errorType {
		if e, _ := out[n-1].Interface().(error); e != nil {
			r.Throw(th, e)
			return nil, e
		}
		out = out[:n-1]
	}
	return out, nil
}

func panicError(rec any) error {
	if e, ok := rec.(error); ok {
		return errors.New(errors.PhaseCallback, errors.KindException).
			Cause(e).
			Value(rec).
			Detail("panic").
			Build()
	}
	return errors.New(errors.PhaseCallback, errors.KindException).
		Value(rec).
		Detail("panic: %s", fmt.Sprint(rec)).
		Build()
}

// Throw leaves err pending on th.
func (r *Runtime) Throw(th *native.Thread, err error) {
	if th == nil || err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[th] = err
}

// ExceptionCheck reports whether an exception is pending on th.
func (r *Runtime) ExceptionCheck(th *native.Thread) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[th]
	return ok
}

// TakeException returns and clears the exception pending on th.
func (r *Runtime) TakeException(th *native.Thread) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.pending[th]
	delete(r.pending, th)
	return err
}

// ClearException discards the exception pending on th.
func (r *Runtime) ClearException(th *native.Thread) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, th)
}
