package bind

import (
	"context"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-ffi/abi"
	"github.com/wippyai/wasm-ffi/attach"
	"github.com/wippyai/wasm-ffi/classify"
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/host"
	"github.com/wippyai/wasm-ffi/marshal"
	"github.com/wippyai/wasm-ffi/native"
	"github.com/wippyai/wasm-ffi/value"
)

// Symbols resolves native symbols, typically a loaded library.
type Symbols interface {
	Symbol(name string) (uint32, error)
}

// Options are the defaults for every bound field. Field tags override the
// convention and last-error checking.
type Options struct {
	Convention     abi.Convention
	ThrowLastError bool
	// Mapper supplies converters for types without a native mapping.
	Mapper value.TypeMapper
	// Threads records captured error codes per thread. Optional.
	Threads *attach.Manager
}

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

// Binding is a struct whose func fields call native functions.
type Binding struct {
	env     *marshal.Env
	threads *attach.Manager
	target  reflect.Value
	class   host.Handle
	methods []*Method
	mu      sync.Mutex
	done    bool
}

// Method binds one field to one native function. The field calls a
// closure whose signature starts with the runtime context and the binding
// followed by one managed slot per argument; the closure performs the
// native call with conversions classified once at registration.
type Method struct {
	Field  string
	Symbol string

	b         *Binding
	fn        value.Pointer
	sig       *classify.Signature
	native    *abi.Signature
	outer     *abi.Signature
	closure   abi.Closure
	lastError bool
	withCtx   bool
	withErr   bool
	ftype     reflect.Type
}

// Register binds every func field of the struct target points to. Fields
// are bound to the symbol named by their tag, or their own name.
func Register(ctx context.Context, env *marshal.Env, target any, syms Symbols, opts Options) (*Binding, error) {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return nil, errors.New(errors.PhaseBind, errors.KindInvalidArgument).
			GoType(typeName(target)).
			Detail("binding target must be a non-nil pointer to a struct").
			Build()
	}
	if !opts.Convention.Valid() {
		return nil, errors.BadConvention(errors.PhaseBind, int(opts.Convention))
	}

	b := &Binding{env: env, threads: opts.Threads, target: rv.Elem()}
	b.class = env.Runtime.NewGlobal(target)

	st := rv.Elem().Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if !f.IsExported() || f.Type.Kind() != reflect.Func {
			continue
		}
		tag, err := parseTag(f, opts)
		if err != nil {
			b.unregister()
			return nil, err
		}
		if tag.skip {
			continue
		}
		m, err := b.bind(f, tag, syms, opts.Mapper)
		if err != nil {
			b.unregister()
			return nil, err
		}
		b.methods = append(b.methods, m)
		rv.Elem().Field(i).Set(reflect.MakeFunc(f.Type, m.call))
	}

	Logger().Debug("binding registered",
		zap.String("type", st.String()),
		zap.Int("methods", len(b.methods)))
	return b, nil
}

func (b *Binding) bind(f reflect.StructField, tag fieldTag, syms Symbols, mapper value.TypeMapper) (*Method, error) {
	ft := f.Type
	m := &Method{Field: f.Name, Symbol: tag.symbol, b: b, lastError: tag.lastError, ftype: ft}
	if ft.IsVariadic() {
		return nil, fieldError(f.Name, errors.Unsupported(errors.PhaseBind, "variadic functions"))
	}

	var args []reflect.Type
	for i := 0; i < ft.NumIn(); i++ {
		if i == 0 && ft.In(0) == contextType {
			m.withCtx = true
			continue
		}
		args = append(args, ft.In(i))
	}
	var ret reflect.Type
	switch n := ft.NumOut(); {
	case n == 2 && ft.Out(1) == errorType:
		ret, m.withErr = ft.Out(0), true
	case n == 1 && ft.Out(0) == errorType:
		m.withErr = true
	case n == 1:
		ret = ft.Out(0)
	case n > 1:
		return nil, fieldError(f.Name, errors.New(errors.PhaseBind, errors.KindUnsupported).
			GoType(ft.String()).
			Detail("bound functions return at most one value and an error").
			Build())
	}

	sig, err := classify.Func(ret, args, mapper)
	if err != nil {
		return nil, fieldError(f.Name, err)
	}
	m.sig = sig

	addr, err := syms.Symbol(tag.symbol)
	if err != nil {
		return nil, fieldError(f.Name, err)
	}
	m.fn = value.Pointer(addr)

	nativeArgs := make([]*abi.Type, len(sig.Args))
	outerArgs := []*abi.Type{abi.Pointer, abi.Pointer}
	for i, c := range sig.Args {
		nativeArgs[i] = c.Native
		outerArgs = append(outerArgs, managedSlot(c))
	}
	if m.native, err = abi.Prepare(tag.convention, sig.Return.Native, nativeArgs...); err != nil {
		return nil, fieldError(f.Name, err)
	}
	if m.outer, err = abi.Prepare(abi.ConventionC, managedSlot(sig.Return), outerArgs...); err != nil {
		return nil, fieldError(f.Name, err)
	}
	if m.closure, err = b.env.Engine.AllocateClosure(m.outer, m.handle, nil); err != nil {
		return nil, fieldError(f.Name, err)
	}
	return m, nil
}

// managedSlot is the type a value travels as between the field and the
// closure: primitives as themselves, everything else as a reference.
func managedSlot(c *classify.Classification) *abi.Type {
	if primitive(c) {
		return c.Native
	}
	return abi.Pointer
}

func primitive(c *classify.Classification) bool {
	switch c.Flag {
	case classify.Default, classify.Float, classify.Short, classify.Byte, classify.Boolean:
		return c.Wire != classify.WireReference && c.Wire != classify.WireVoid
	}
	return false
}

func fieldError(field string, err error) error {
	if e, ok := err.(*errors.Error); ok {
		c := *e
		c.Path = append([]string{"field", field}, e.Path...)
		return &c
	}
	return errors.Wrap(errors.PhaseBind, errors.KindInvalidArgument, err, "field "+field)
}

// Methods returns the bound methods in field order.
func (b *Binding) Methods() []*Method { return b.methods }

// Unregister frees every closure and clears the bound fields.
func (b *Binding) Unregister() {
	b.unregister()
	Logger().Debug("binding unregistered", zap.String("type", b.target.Type().String()))
}

func (b *Binding) unregister() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.done = true
	for _, m := range b.methods {
		if f := b.target.FieldByName(m.Field); f.CanSet() {
			f.Set(reflect.Zero(f.Type()))
		}
		if m.closure != nil {
			if err := m.closure.Free(); err != nil {
				Logger().Warn("closure free failed", zap.String("field", m.Field), zap.Error(err))
			}
		}
	}
	b.methods = nil
	b.env.Runtime.DeleteGlobal(b.class)
}

// Flags returns the conversion flag of each native argument.
func (m *Method) Flags() []classify.ConversionFlag {
	flags := make([]classify.ConversionFlag, len(m.sig.Args))
	for i, c := range m.sig.Args {
		flags[i] = c.Flag
	}
	return flags
}

// Function returns the native callee.
func (m *Method) Function() value.Pointer { return m.fn }

// NativeSignature returns the signature of the native call.
func (m *Method) NativeSignature() *abi.Signature { return m.native }

// OuterSignature returns the signature of the closure the field calls.
func (m *Method) OuterSignature() *abi.Signature { return m.outer }

// call implements the bound field.
func (m *Method) call(in []reflect.Value) []reflect.Value {
	ctx := context.Background()
	if m.withCtx {
		if c, ok := in[0].Interface().(context.Context); ok && c != nil {
			ctx = c
		}
		in = in[1:]
	}

	th, ctx, release := native.Current(ctx)
	defer release()
	rt := m.b.env.Runtime
	frame := rt.PushFrame()
	defer frame.Pop()

	res, err := m.enter(ctx, th, frame, in)
	if err == nil {
		err = rt.TakeException(th)
	}
	return m.results(res, err)
}

// enter converts the arguments to managed slots and calls the closure.
func (m *Method) enter(ctx context.Context, th *native.Thread, frame *host.Frame, in []reflect.Value) (reflect.Value, error) {
	b := m.b
	s := b.env.NewSession(frame)
	slots := make([][]byte, 0, len(in)+2)
	slots = append(slots,
		abi.EncodeUint(abi.Pointer, uint64(b.env.Context)),
		abi.EncodeUint(abi.Pointer, uint64(b.class)))
	for i, v := range in {
		c := m.sig.Args[i]
		if !primitive(c) {
			slots = append(slots, abi.EncodeUint(abi.Pointer, uint64(frame.Add(v.Interface()))))
			continue
		}
		slot, err := s.ToNative(ctx, c, v.Interface())
		if err != nil {
			return reflect.Value{}, classify.At(err, "arg", itoa(i))
		}
		slots = append(slots, slot)
	}

	ret := m.outer.NewReturn()
	if err := b.env.Engine.Call(ctx, m.outer, m.closure.Address(), ret, slots); err != nil {
		return reflect.Value{}, err
	}
	if b.env.Runtime.ExceptionCheck(th) {
		return reflect.Value{}, nil
	}

	c := m.sig.Return
	if c.Wire == classify.WireVoid {
		return reflect.Value{}, nil
	}
	out := m.ftype.Out(0)
	if primitive(c) {
		return s.FromNative(ctx, c, out, ret)
	}
	h := host.Handle(abi.DecodeUint(abi.Pointer, ret))
	obj, _ := b.env.Runtime.Resolve(h)
	b.env.Runtime.DeleteGlobal(h)
	if obj == nil {
		return reflect.Zero(out), nil
	}
	return reflect.ValueOf(obj), nil
}

// results builds the field's return values. Without a trailing error
// result, err panics.
func (m *Method) results(res reflect.Value, err error) []reflect.Value {
	ft := m.ftype
	out := make([]reflect.Value, ft.NumOut())
	for i := range out {
		out[i] = reflect.Zero(ft.Out(i))
	}
	if err != nil {
		if !m.withErr {
			panic(err)
		}
		out[len(out)-1] = reflect.ValueOf(&err).Elem()
		return out
	}
	if res.IsValid() && m.sig.Return.Wire != classify.WireVoid {
		v := reflect.New(ft.Out(0)).Elem()
		if res.Type().AssignableTo(v.Type()) {
			v.Set(res)
		} else {
			v.Set(res.Convert(v.Type()))
		}
		out[0] = v
	}
	return out
}

// handle is the closure handler: it unpacks the managed slots, performs
// the native call and packs the result. Failures are left pending on the
// calling thread.
func (m *Method) handle(ctx context.Context, _ *abi.Signature, ret []byte, args [][]byte, _ any) {
	b := m.b
	rt := b.env.Runtime
	th, ctx, release := native.Current(ctx)
	defer release()

	if err := m.invokeNative(ctx, th, ret, args[2:]); err != nil {
		abi.Zero(ret)
		rt.Throw(th, err)
	}
}

func (m *Method) invokeNative(ctx context.Context, th *native.Thread, ret []byte, args [][]byte) (err error) {
	b := m.b
	rt := b.env.Runtime
	globals := rt.NewGlobals()
	s := b.env.NewSession(globals)
	released := false
	release := func() error {
		if released {
			return nil
		}
		released = true
		err := s.Release()
		globals.Release()
		return err
	}
	defer func() { _ = release() }()

	slots := make([][]byte, len(args))
	for i, slot := range args {
		c := m.sig.Args[i]
		if primitive(c) {
			slots[i] = slot
			continue
		}
		obj, ok := rt.Resolve(host.Handle(abi.DecodeUint(abi.Pointer, slot)))
		if !ok {
			return errors.New(errors.PhaseBind, errors.KindInvalidArgument).
				Arg(i).
				Detail("stale argument reference").
				Build()
		}
		if slots[i], err = s.ToNative(ctx, c, obj); err != nil {
			return classify.At(err, "arg", itoa(i))
		}
	}

	if b.threads != nil {
		defer b.threads.Call(th)()
	}
	nret := m.native.NewReturn()
	if m.lastError {
		th.SetErrno(0)
	}
	callErr := b.env.Engine.Call(ctx, m.native, uint32(m.fn), nret, slots)
	code := th.Errno()
	if b.threads != nil {
		b.threads.StoreLastError(th, code)
	}

	var postErr error
	if callErr == nil {
		postErr = s.ReadStructures()
		if postErr == nil {
			postErr = m.packResult(ctx, s, nret, ret)
		}
	}
	relErr := release()

	switch {
	case callErr != nil:
		return callErr
	case m.lastError && code != 0:
		return errors.LastError(code, native.ErrorText(code))
	case postErr != nil:
		return postErr
	}
	return relErr
}

// packResult stores the native result in the closure's return slot,
// converting non-primitive results to a global reference the caller takes
// ownership of.
func (m *Method) packResult(ctx context.Context, s *marshal.Session, nret, ret []byte) error {
	c := m.sig.Return
	if c.Wire == classify.WireVoid {
		return nil
	}
	if primitive(c) {
		copy(ret, nret)
		return nil
	}
	v, err := s.FromNative(ctx, c, m.ftype.Out(0), nret)
	if err != nil {
		return classify.At(err, "return")
	}
	var obj any
	if v.IsValid() {
		obj = v.Interface()
	}
	h := m.b.env.Runtime.NewGlobal(obj)
	abi.PutReturn(abi.Pointer, ret, abi.EncodeUint(abi.Pointer, uint64(h)))
	return nil
}
