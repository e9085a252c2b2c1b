package dispatch

import (
	"context"
	"reflect"
	"strconv"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-ffi/abi"
	"github.com/wippyai/wasm-ffi/attach"
	"github.com/wippyai/wasm-ffi/classify"
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/marshal"
	"github.com/wippyai/wasm-ffi/native"
	"github.com/wippyai/wasm-ffi/value"
)

// CallOptions select how a native function is called.
type CallOptions struct {
	Convention abi.Convention
	// ThrowLastError clears the thread's error channel before the call and
	// fails the call if native code left a non-zero code.
	ThrowLastError bool
	// Variadic passes arguments from index Fixed on through the vararg
	// area, after default argument promotion.
	Variadic bool
	Fixed    int
}

// Dispatcher performs late-bound calls: arguments are classified by their
// runtime types on every call.
type Dispatcher struct {
	env     *marshal.Env
	threads *attach.Manager
	maxArgs int
}

// New creates a dispatcher. threads may be nil, in which case captured error
// codes are not recorded per thread.
func New(env *marshal.Env, threads *attach.Manager) *Dispatcher {
	return &Dispatcher{env: env, threads: threads, maxArgs: abi.MaxArgs}
}

// SetMaxArgs lowers the argument limit. Values outside 1..abi.MaxArgs are
// ignored.
func (d *Dispatcher) SetMaxArgs(n int) {
	if n > 0 && n <= abi.MaxArgs {
		d.maxArgs = n
	}
}

// Env returns the conversion environment.
func (d *Dispatcher) Env() *marshal.Env { return d.env }

type plan struct {
	classes []*classify.Classification
	types   []*abi.Type
	sig     *abi.Signature
}

// prepare classifies every argument and builds the call descriptor. It has
// no side effects.
func (d *Dispatcher) prepare(opts CallOptions, ret *abi.Type, args []any) (*plan, error) {
	if len(args) > d.maxArgs {
		return nil, errors.TooManyArgs(len(args), d.maxArgs)
	}
	if !opts.Convention.Valid() {
		return nil, errors.BadConvention(errors.PhaseClassify, int(opts.Convention))
	}
	if opts.Variadic && (opts.Fixed < 0 || opts.Fixed > len(args)) {
		return nil, errors.New(errors.PhaseClassify, errors.KindInvalidArgument).
			Detail("fixed argument count %d out of range for %d arguments", opts.Fixed, len(args)).
			Build()
	}

	p := &plan{
		classes: make([]*classify.Classification, len(args)),
		types:   make([]*abi.Type, len(args)),
	}
	for i, a := range args {
		c, err := classify.Value(a)
		if err != nil {
			return nil, argError(err, i)
		}
		p.classes[i] = c
		p.types[i] = c.Native
		if opts.Variadic && i >= opts.Fixed {
			p.types[i] = promote(c.Native)
		}
	}

	var err error
	if opts.Variadic {
		p.sig, err = abi.PrepareVariadic(opts.Convention, opts.Fixed, ret, p.types...)
	} else {
		p.sig, err = abi.Prepare(opts.Convention, ret, p.types...)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func argError(err error, i int) error {
	return classify.At(err, "arg", strconv.Itoa(i))
}

// promote applies C default argument promotion for variadic arguments.
func promote(t *abi.Type) *abi.Type {
	switch t.Kind {
	case abi.KindSInt8, abi.KindSInt16:
		return abi.SInt32
	case abi.KindUInt8, abi.KindUInt16:
		return abi.UInt32
	case abi.KindFloat:
		return abi.Double
	}
	return t
}

func promoteSlot(from, to *abi.Type, slot []byte) []byte {
	if from == to {
		return slot
	}
	switch {
	case from.Kind == abi.KindFloat:
		return abi.EncodeFloat64(float64(abi.DecodeFloat32(slot)))
	case from.IsSigned():
		return abi.EncodeInt(to, abi.DecodeInt(from, slot))
	default:
		return abi.EncodeUint(to, abi.DecodeUint(from, slot))
	}
}

// call is the shared body of every Invoke form. decode runs after the call
// and before any memory for the call is released.
func (d *Dispatcher) call(ctx context.Context, fn value.Pointer, opts CallOptions, ret *abi.Type, args []any,
	decode func(s *marshal.Session, slot []byte) error) error {
	p, err := d.prepare(opts, ret, args)
	if err != nil {
		return err
	}

	globals := d.env.Runtime.NewGlobals()
	session := d.env.NewSession(globals)
	released := false
	release := func() error {
		if released {
			return nil
		}
		released = true
		err := session.Release()
		globals.Release()
		return err
	}
	defer func() { _ = release() }()

	slots := make([][]byte, len(args))
	for i, a := range args {
		slot, err := session.ToNative(ctx, p.classes[i], a)
		if err != nil {
			_ = release()
			return argError(err, i)
		}
		slots[i] = promoteSlot(p.classes[i].Native, p.types[i], slot)
	}

	th, ctx, exit := native.Current(ctx)
	defer exit()
	if d.threads != nil {
		defer d.threads.Call(th)()
	}

	retSlot := abi.NewReturnSlot(ret)
	if opts.ThrowLastError {
		th.SetErrno(0)
	}
	callErr := d.env.Engine.Call(ctx, p.sig, uint32(fn), retSlot, slots)
	code := th.Errno()
	if d.threads != nil {
		d.threads.StoreLastError(th, code)
	}

	var postErr error
	if callErr == nil {
		postErr = session.ReadStructures()
		if postErr == nil && decode != nil {
			postErr = decode(session, retSlot)
		}
	}
	relErr := release()

	switch {
	case callErr != nil:
		Logger().Debug("native call failed", zap.Uint32("fn", uint32(fn)), zap.Error(callErr))
		return callErr
	case opts.ThrowLastError && code != 0:
		return errors.LastError(code, native.ErrorText(code))
	case postErr != nil:
		return postErr
	}
	return relErr
}

// Invoke calls fn and returns the raw return slot of type ret.
func (d *Dispatcher) Invoke(ctx context.Context, fn value.Pointer, opts CallOptions, ret *abi.Type, args []any) ([]byte, error) {
	if ret == nil {
		ret = abi.Void
	}
	var out []byte
	err := d.call(ctx, fn, opts, ret, args, func(_ *marshal.Session, slot []byte) error {
		out = slot
		return nil
	})
	return out, err
}

// InvokeVoid calls a function returning void.
func (d *Dispatcher) InvokeVoid(ctx context.Context, fn value.Pointer, opts CallOptions, args ...any) error {
	return d.call(ctx, fn, opts, abi.Void, args, nil)
}

func (d *Dispatcher) InvokeInt32(ctx context.Context, fn value.Pointer, opts CallOptions, args ...any) (int32, error) {
	slot, err := d.Invoke(ctx, fn, opts, abi.SInt32, args)
	if err != nil {
		return 0, err
	}
	return int32(abi.DecodeInt(abi.SInt32, slot)), nil
}

func (d *Dispatcher) InvokeInt64(ctx context.Context, fn value.Pointer, opts CallOptions, args ...any) (int64, error) {
	slot, err := d.Invoke(ctx, fn, opts, abi.SInt64, args)
	if err != nil {
		return 0, err
	}
	return abi.DecodeInt(abi.SInt64, slot), nil
}

func (d *Dispatcher) InvokeFloat(ctx context.Context, fn value.Pointer, opts CallOptions, args ...any) (float32, error) {
	slot, err := d.Invoke(ctx, fn, opts, abi.Float, args)
	if err != nil {
		return 0, err
	}
	return abi.DecodeFloat32(slot), nil
}

func (d *Dispatcher) InvokeDouble(ctx context.Context, fn value.Pointer, opts CallOptions, args ...any) (float64, error) {
	slot, err := d.Invoke(ctx, fn, opts, abi.Double, args)
	if err != nil {
		return 0, err
	}
	return abi.DecodeFloat64(slot), nil
}

func (d *Dispatcher) InvokePointer(ctx context.Context, fn value.Pointer, opts CallOptions, args ...any) (value.Pointer, error) {
	slot, err := d.Invoke(ctx, fn, opts, abi.Pointer, args)
	if err != nil {
		return 0, err
	}
	return value.Pointer(abi.DecodeUint(abi.Pointer, slot)), nil
}

// InvokeObject calls fn and converts the result to t. A nil t calls a void
// function and returns nil.
func (d *Dispatcher) InvokeObject(ctx context.Context, fn value.Pointer, opts CallOptions, t reflect.Type, args ...any) (any, error) {
	c, err := classify.Type(t)
	if err != nil {
		return nil, classify.At(err, "return")
	}
	if c.Flag == classify.Buffer || c.Flag.IsArray() {
		return nil, errors.New(errors.PhaseClassify, errors.KindUnsupported).
			Path("return").
			GoType(t.String()).
			Detail("arrays and buffers cannot be returned").
			Build()
	}
	var out any
	err = d.call(ctx, fn, opts, c.Native, args, func(s *marshal.Session, slot []byte) error {
		v, err := s.FromNative(ctx, c, t, slot)
		if err != nil {
			return err
		}
		if v.IsValid() {
			out = v.Interface()
		}
		return nil
	})
	return out, err
}

// InvokeStructure calls a function returning a structure by value and
// stores the result in s. If s is bound to native memory it is written
// there as well.
func (d *Dispatcher) InvokeStructure(ctx context.Context, fn value.Pointer, opts CallOptions, s value.Structure, args ...any) error {
	l, err := s.Layout()
	if err != nil {
		return err
	}
	return d.call(ctx, fn, opts, l.Type, args, func(_ *marshal.Session, slot []byte) error {
		if err := s.Decode(slot); err != nil {
			return err
		}
		if s.Address() != 0 {
			return s.Write()
		}
		return nil
	})
}
