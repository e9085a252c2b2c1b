package callback

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-ffi/abi"
	"github.com/wippyai/wasm-ffi/attach"
	"github.com/wippyai/wasm-ffi/classify"
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/host"
	"github.com/wippyai/wasm-ffi/marshal"
	"github.com/wippyai/wasm-ffi/value"
)

// Options configure a trampoline.
type Options struct {
	Convention abi.Convention
	// Direct converts each argument to the method's parameter type and
	// widens narrow primitives to register-sized slots first. Otherwise the
	// arguments are boxed into one []any before the call.
	Direct bool
	// Initializer configures threads attached for this callback.
	Initializer *attach.Initializer
	// StayAttached keeps threads attached for this callback attached after
	// it returns.
	StayAttached bool
	Mapper       value.TypeMapper
}

// OptionsProvider lets a callback object choose the options Address uses
// for it.
type OptionsProvider interface {
	CallbackOptions() Options
}

// Signature declares the native shape of a callback whose method takes
// boxed arguments.
type Signature struct {
	Return reflect.Type
	Args   []reflect.Type
}

var (
	anySliceType = reflect.TypeFor[[]any]()
	anyType      = reflect.TypeFor[any]()
	errorType    = reflect.TypeFor[error]()
)

type targetRef interface {
	Get() any
}

type strongRef struct{ v any }

func (r strongRef) Get() any { return r.v }

// Descriptor owns one trampoline: a native function pointer that calls a
// method of a managed object. The object is held weakly when it is a
// pointer to a non-empty value.
type Descriptor struct {
	engine  *Engine
	closure abi.Closure
	target  targetRef
	typ     reflect.Type
	method  reflect.Method

	ret  *classify.Classification
	args []*classify.Classification
	// managed holds the argument slot types of the managed invocation:
	// runtime context, receiver and method followed by the widened
	// arguments in direct mode, a single reference array otherwise.
	managed []*abi.Type
	boxed   bool
	opts    Options

	// keep holds native strings returned to native code, one copy per
	// distinct string.
	keep   *marshal.Pins
	keepMu sync.Mutex
	freed  atomic.Bool
}

func (e *Engine) newDescriptor(target any, method string, sig *Signature, opts Options) (*Descriptor, error) {
	if target == nil {
		return nil, errors.New(errors.PhaseCallback, errors.KindInvalidArgument).
			Detail("callback target is nil").
			Build()
	}
	if !opts.Convention.Valid() {
		return nil, errors.BadConvention(errors.PhaseCallback, int(opts.Convention))
	}
	if method == "" {
		method = "Callback"
	}
	t := reflect.TypeOf(target)
	m, ok := t.MethodByName(method)
	if !ok {
		return nil, errors.New(errors.PhaseCallback, errors.KindNotFound).
			GoType(t.String()).
			Detail("no method %s", method).
			Build()
	}

	d := &Descriptor{engine: e, typ: t, method: m, opts: opts, keep: e.env.NewInternedPins()}
	argTypes, retType, err := d.shape(sig)
	if err != nil {
		return nil, err
	}
	cs, err := classify.Func(retType, argTypes, opts.Mapper)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseCallback, errors.KindUnsupported, err, "callback "+t.String()+"."+method)
	}
	for i, c := range cs.Args {
		if c.Flag.IsArray() || c.Flag == classify.Buffer {
			return nil, errors.New(errors.PhaseCallback, errors.KindUnsupported).
				Arg(i).
				GoType(c.Type.String()).
				Detail("arrays and buffers cannot be callback arguments").
				Build()
		}
	}
	if opaque(cs.Return) {
		return nil, errors.New(errors.PhaseCallback, errors.KindUnsupported).
			Path("return").
			GoType(cs.Return.Type.String()).
			Detail("callbacks cannot return managed object references").
			Build()
	}
	d.ret, d.args = cs.Return, cs.Args

	native := make([]*abi.Type, len(d.args))
	for i, c := range d.args {
		native[i] = c.Native
	}
	nativeSig, err := abi.Prepare(opts.Convention, d.ret.Native, native...)
	if err != nil {
		return nil, err
	}

	if d.Direct() {
		d.managed = []*abi.Type{abi.Pointer, abi.Pointer, abi.Pointer}
		for i, c := range d.args {
			d.args[i] = markNarrow(c)
			d.managed = append(d.managed, managedType(c))
		}
	} else {
		d.managed = []*abi.Type{abi.Pointer}
	}

	d.target = strongRef{target}
	if w, err := host.NewWeak(target); err == nil {
		d.target = w
	}

	d.closure, err = e.env.Engine.AllocateClosure(nativeSig, d.invoke, nil)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// shape returns the callback's argument and return types, from sig for
// methods taking boxed arguments and from the method itself otherwise.
func (d *Descriptor) shape(sig *Signature) ([]reflect.Type, reflect.Type, error) {
	mt := d.method.Type
	in := make([]reflect.Type, 0, mt.NumIn()-1)
	for i := 1; i < mt.NumIn(); i++ {
		in = append(in, mt.In(i))
	}
	out := make([]reflect.Type, 0, mt.NumOut())
	for i := 0; i < mt.NumOut(); i++ {
		out = append(out, mt.Out(i))
	}
	if n := len(out); n > 0 && out[n-1] == errorType {
		out = out[:n-1]
	}
	if len(out) > 1 {
		return nil, nil, errors.New(errors.PhaseCallback, errors.KindUnsupported).
			GoType(mt.String()).
			Detail("callback methods return at most one value and an error").
			Build()
	}

	if len(in) == 1 && in[0] == anySliceType && !mt.IsVariadic() {
		if sig == nil {
			return nil, nil, errors.New(errors.PhaseCallback, errors.KindInvalidArgument).
				GoType(mt.String()).
				Detail("callbacks taking []any require a signature").
				Build()
		}
		if len(out) == 1 && out[0] != anyType && sig.Return != nil && !out[0].AssignableTo(sig.Return) {
			return nil, nil, errors.TypeMismatch(errors.PhaseCallback, []string{"return"}, out[0].String(), sig.Return.String())
		}
		d.boxed = true
		return sig.Args, sig.Return, nil
	}
	if mt.IsVariadic() {
		return nil, nil, errors.Unsupported(errors.PhaseCallback, "variadic callback methods")
	}

	var ret reflect.Type
	if len(out) == 1 {
		ret = out[0]
	}
	if sig != nil {
		if len(sig.Args) != len(in) {
			return nil, nil, errors.New(errors.PhaseCallback, errors.KindTypeMismatch).
				GoType(mt.String()).
				Detail("signature declares %d arguments, method takes %d", len(sig.Args), len(in)).
				Build()
		}
		for i, t := range sig.Args {
			if !t.AssignableTo(in[i]) {
				return nil, nil, errors.TypeMismatch(errors.PhaseCallback, []string{"arg", fmt.Sprint(i)}, in[i].String(), t.String())
			}
		}
	}
	return in, ret, nil
}

// opaque reports whether c hands native code a reference to a managed
// object. Such a reference would only be valid while the callback runs.
func opaque(c *classify.Classification) bool {
	for ; c != nil; c = c.Mapped {
		if c.Flag == classify.Object || (c.Flag == classify.Default && c.Wire == classify.WireReference) {
			return true
		}
	}
	return false
}

// managedType widens narrow primitives the way a by-kind invocation
// expects them: float to double, 8 and 16 bit integers to int.
func managedType(c *classify.Classification) *abi.Type {
	if !primitive(c) {
		return c.Native
	}
	switch c.Native.Kind {
	case abi.KindFloat:
		return abi.Double
	case abi.KindSInt8, abi.KindSInt16:
		return abi.SInt32
	case abi.KindUInt8, abi.KindUInt16:
		return abi.UInt32
	}
	return c.Native
}

// markNarrow tags float, short and byte arguments so invocation widens
// them.
func markNarrow(c *classify.Classification) *classify.Classification {
	if c.Flag != classify.Default || c.Wire == classify.WireReference {
		return c
	}
	var f classify.ConversionFlag
	switch c.Native.Kind {
	case abi.KindFloat:
		f = classify.Float
	case abi.KindSInt8, abi.KindUInt8:
		f = classify.Byte
	case abi.KindSInt16, abi.KindUInt16:
		f = classify.Short
	default:
		return c
	}
	m := *c
	m.Flag = f
	return &m
}

func primitive(c *classify.Classification) bool {
	switch c.Flag {
	case classify.Default, classify.Float, classify.Short, classify.Byte, classify.Boolean:
		return c.Wire != classify.WireReference
	}
	return false
}

// Address returns the trampoline entry point.
func (d *Descriptor) Address() value.Pointer { return value.Pointer(d.closure.Address()) }

// Pointer makes a descriptor usable as a native pointer argument.
func (d *Descriptor) Pointer() value.Pointer { return d.Address() }

// Target returns the callback object, or nil once it has been collected.
func (d *Descriptor) Target() any { return d.target.Get() }

// NativeSignature returns the signature native callers see.
func (d *Descriptor) NativeSignature() *abi.Signature { return d.closure.Signature() }

// ManagedSignature returns the slot types of the managed invocation.
func (d *Descriptor) ManagedSignature() []*abi.Type { return d.managed }

// Flags returns the conversion flag of each native argument.
func (d *Descriptor) Flags() []classify.ConversionFlag {
	flags := make([]classify.ConversionFlag, len(d.args))
	for i, c := range d.args {
		flags[i] = c.Flag
	}
	return flags
}

// Direct reports whether the descriptor uses direct conversion.
func (d *Descriptor) Direct() bool { return d.opts.Direct && !d.boxed }

func (d *Descriptor) String() string {
	return fmt.Sprintf("callback %s.%s@0x%x", d.typ, d.method.Name, d.closure.Address())
}

// Free releases the trampoline and the strings it returned. Later calls
// through the entry point fail.
func (d *Descriptor) Free() error {
	return d.engine.free(d)
}

func (d *Descriptor) release() error {
	if !d.freed.CompareAndSwap(false, true) {
		return errors.Closed(errors.PhaseCallback, d.String())
	}
	err := d.closure.Free()
	d.keepMu.Lock()
	if rerr := d.keep.ReleaseAll(); err == nil {
		err = rerr
	}
	d.keepMu.Unlock()
	Logger().Debug("callback freed", zap.Uint32("addr", d.closure.Address()))
	return err
}

// invoke is the closure handler: it runs when native code calls the
// trampoline.
func (d *Descriptor) invoke(ctx context.Context, _ *abi.Signature, ret []byte, args [][]byte, _ any) {
	e := d.engine
	a, err := e.threads.Enter(ctx, d.opts.Initializer, d.opts.StayAttached)
	if err != nil {
		abi.Zero(ret)
		return
	}
	defer e.threads.Leave(a)
	ctx = a.Context()
	rt := e.env.Runtime

	frame := rt.PushFrame()
	defer frame.Pop()

	target := d.target.Get()
	if target == nil {
		Logger().Warn("callback target collected, returning zero",
			zap.String("type", d.typ.String()),
			zap.Uint32("addr", d.closure.Address()))
		abi.Zero(ret)
		return
	}

	session := e.env.NewSession(frame)
	defer func() {
		if err := session.Release(); err != nil {
			Logger().Warn("callback release failed", zap.Error(err))
		}
	}()

	in, err := d.managedArgs(ctx, session, args)
	if err != nil {
		rt.Throw(a.Thread, err)
		e.uncaught(a, target)
		abi.Zero(ret)
		return
	}

	fn := reflect.ValueOf(target).Method(d.method.Index)
	results, err := rt.Invoke(a.Thread, fn, in)
	if err != nil {
		e.uncaught(a, target)
		abi.Zero(ret)
		return
	}

	if err := d.result(ctx, results, ret); err != nil {
		rt.Throw(a.Thread, err)
		e.uncaught(a, target)
		abi.Zero(ret)
	}
	if err := session.WriteStructures(); err != nil {
		Logger().Warn("structure write-back failed", zap.String("type", d.typ.String()), zap.Error(err))
	}
}

// managedArgs converts the native argument slots to the method's
// arguments.
func (d *Descriptor) managedArgs(ctx context.Context, s *marshal.Session, args [][]byte) ([]reflect.Value, error) {
	direct := d.Direct()
	mt := d.method.Type
	values := make([]reflect.Value, len(args))
	for i, slot := range args {
		c := d.args[i]
		t := c.Type
		if !d.boxed {
			t = mt.In(i + 1)
		}
		if direct && primitive(c) {
			if wide := d.managed[3+i]; wide != c.Native {
				slot = widenSlot(c.Native, wide, slot)
				wc := *c
				wc.Native = wide
				c = &wc
			}
		}
		v, err := s.FromNative(ctx, c, t, slot)
		if err != nil {
			return nil, classify.At(err, "arg", fmt.Sprint(i))
		}
		values[i] = v
	}
	if direct {
		return values, nil
	}
	boxed := make([]any, len(values))
	for i, v := range values {
		if v.IsValid() {
			boxed[i] = v.Interface()
		}
	}
	if d.boxed {
		return []reflect.Value{reflect.ValueOf(boxed)}, nil
	}
	return d.unbox(boxed), nil
}

// unbox spreads a boxed argument array over the method's parameters.
func (d *Descriptor) unbox(boxed []any) []reflect.Value {
	mt := d.method.Type
	in := make([]reflect.Value, len(boxed))
	for i, a := range boxed {
		v := reflect.New(mt.In(i + 1)).Elem()
		if a != nil {
			v.Set(reflect.ValueOf(a))
		}
		in[i] = v
	}
	return in
}

func widenSlot(from, to *abi.Type, slot []byte) []byte {
	switch {
	case from.Kind == abi.KindFloat:
		return abi.EncodeFloat64(float64(abi.DecodeFloat32(slot)))
	case from.IsSigned():
		return abi.EncodeInt(to, abi.DecodeInt(from, slot))
	default:
		return abi.EncodeUint(to, abi.DecodeUint(from, slot))
	}
}

// result converts the method's result into the native return slot. Native
// strings are owned by the descriptor so they outlive the call; returning
// the same string again reuses its copy.
func (d *Descriptor) result(ctx context.Context, results []reflect.Value, ret []byte) error {
	if d.ret.Wire == classify.WireVoid || len(ret) == 0 {
		return nil
	}
	if len(results) == 0 {
		abi.Zero(ret)
		return nil
	}
	v := results[0].Interface()

	d.keepMu.Lock()
	s := &marshal.Session{Env: d.engine.env, Pins: d.keep}
	slot, err := s.ToNative(ctx, d.ret, v)
	d.keepMu.Unlock()
	if err != nil {
		return classify.At(err, "return")
	}
	if d.ret.Flag == classify.StructureByVal {
		copy(ret, slot)
		return nil
	}
	abi.PutReturn(d.ret.Native, ret, slot)
	return nil
}
