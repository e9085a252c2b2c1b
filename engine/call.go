package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-ffi/abi"
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/native"
)

// Call invokes the function at fn. Arguments are lowered per the wasm32 C
// ABI; aggregate arguments, the sret block and the vararg buffer are
// allocated from the heap for the duration of the call.
func (e *Engine) Call(ctx context.Context, sig *abi.Signature, fn uint32, ret []byte, args [][]byte) error {
	if e.closed.Load() {
		return errors.Closed(errors.PhaseCall, "engine")
	}
	if len(args) != len(sig.Args) {
		return errors.New(errors.PhaseCall, errors.KindInvalidArgument).
			Detail("signature declares %d arguments, got %d", len(sig.Args), len(args)).
			Build()
	}

	f := e.lookup(fn)
	if f == nil {
		return e.fault(errors.New(errors.PhaseCall, errors.KindInvalidArgument).
			Detail("call through invalid function pointer 0x%x", fn).
			Build())
	}

	_, ctx, release := native.Current(ctx)
	defer release()

	if f.closure != nil {
		return f.closure.invoke(ctx, ret, args)
	}
	return e.callExport(ctx, f, sig, ret, args)
}

type block struct {
	ptr, size, align uint32
}

func (e *Engine) callExport(ctx context.Context, f *function, sig *abi.Signature, ret []byte, args [][]byte) error {
	fn := f.lib.mod.ExportedFunction(f.name)
	if fn == nil {
		return errors.Closed(errors.PhaseCall, "library "+f.lib.name)
	}

	var temps []block
	defer func() {
		for _, b := range temps {
			e.heap.Free(b.ptr, b.size, b.align)
		}
	}()
	alloc := func(size, align uint32) (uint32, error) {
		p, err := e.heap.Alloc(size, align)
		if err != nil {
			return 0, err
		}
		temps = append(temps, block{p, size, align})
		return p, nil
	}

	params := make([]uint64, 0, len(args)+2)

	var sret uint32
	if sig.Return.Kind == abi.KindStruct {
		p, err := alloc(sig.Return.Size, sig.Return.Align)
		if err != nil {
			return err
		}
		sret = p
		params = append(params, uint64(sret))
	}

	fixed := len(args)
	if sig.Variadic {
		fixed = sig.Fixed
	}
	for i := 0; i < fixed; i++ {
		v, err := e.lower(sig.Args[i], args[i], alloc)
		if err != nil {
			return err
		}
		params = append(params, v)
	}
	if sig.Variadic {
		buf, err := e.varargBuffer(sig.Args[fixed:], args[fixed:], alloc)
		if err != nil {
			return err
		}
		params = append(params, uint64(buf))
	}

	if want := len(fn.Definition().ParamTypes()); want != len(params) {
		return errors.New(errors.PhaseCall, errors.KindTypeMismatch).
			NativeType(sig.String()).
			Detail("symbol '%s' takes %d wasm parameters, signature lowers to %d", f.name, want, len(params)).
			Build()
	}

	results, err := fn.Call(ctx, params...)
	if err != nil {
		return e.fault(err)
	}

	switch {
	case sig.Return.Kind == abi.KindVoid || len(ret) == 0:
	case sig.Return.Kind == abi.KindStruct:
		data, err := e.memory.Read(sret, sig.Return.Size)
		if err != nil {
			return err
		}
		copy(ret, data)
	case len(results) == 0:
		return errors.New(errors.PhaseCall, errors.KindTypeMismatch).
			Detail("symbol '%s' returns no value, signature expects %s", f.name, sig.Return).
			Build()
	default:
		lift(sig.Return, results[0], ret)
	}
	return nil
}

// lower converts an argument slot into a wasm value.
func (e *Engine) lower(t *abi.Type, slot []byte, alloc func(size, align uint32) (uint32, error)) (uint64, error) {
	switch t.Kind {
	case abi.KindFloat:
		return api.EncodeF32(abi.DecodeFloat32(slot)), nil
	case abi.KindDouble:
		return api.EncodeF64(abi.DecodeFloat64(slot)), nil
	case abi.KindUInt64, abi.KindSInt64:
		return abi.DecodeUint(t, slot), nil
	case abi.KindStruct:
		p, err := alloc(t.Size, t.Align)
		if err != nil {
			return 0, err
		}
		if err := e.memory.Write(p, slot[:t.Size]); err != nil {
			return 0, err
		}
		return uint64(p), nil
	}
	if t.IsSigned() {
		return api.EncodeI32(int32(abi.DecodeInt(t, slot))), nil
	}
	return api.EncodeU32(uint32(abi.DecodeUint(t, slot))), nil
}

// lift stores a wasm result into a return slot.
func lift(t *abi.Type, raw uint64, ret []byte) {
	switch t.Kind {
	case abi.KindFloat:
		copy(ret, abi.EncodeFloat32(api.DecodeF32(raw)))
	case abi.KindDouble:
		copy(ret, abi.EncodeFloat64(api.DecodeF64(raw)))
	case abi.KindUInt64, abi.KindSInt64:
		abi.PutReturn(t, ret, abi.EncodeUint(t, raw))
	default:
		abi.PutReturn(t, ret, abi.EncodeUint(t, uint64(uint32(raw))))
	}
}

// varargBuffer writes the variadic tail into a buffer, each value aligned to
// its own alignment, and returns its address. An empty tail yields 0.
func (e *Engine) varargBuffer(types []*abi.Type, slots [][]byte, alloc func(size, align uint32) (uint32, error)) (uint32, error) {
	if len(types) == 0 {
		return 0, nil
	}
	offsets := make([]uint32, len(types))
	var off uint32
	for i, t := range types {
		off = abi.AlignTo(off, t.Align)
		offsets[i] = off
		off += t.Size
	}
	buf, err := alloc(abi.AlignTo(off, 8), 8)
	if err != nil {
		return 0, err
	}
	for i, t := range types {
		if err := e.memory.Write(buf+offsets[i], slots[i][:t.Size]); err != nil {
			return 0, err
		}
	}
	return buf, nil
}

// fault converts a trapped native call into an error in protected mode and
// into a panic otherwise.
func (e *Engine) fault(cause error) error {
	if ferr, ok := cause.(*errors.Error); ok && ferr.Kind == errors.KindMemoryFault {
		if !e.protected.Load() {
			panic(ferr)
		}
		return ferr
	}
	err := errors.MemoryFault(cause)
	if !e.protected.Load() {
		panic(err)
	}
	return err
}

// callPtr implements ffi.call_ptr(fn, argv, ret): argv points to an array of
// pointers to argument values, ret to the return value storage.
func (e *Engine) callPtr(ctx context.Context, mod api.Module, stack []uint64) {
	fn := api.DecodeU32(stack[0])
	argv := api.DecodeU32(stack[1])
	retp := api.DecodeU32(stack[2])

	f := e.lookup(fn)
	if f == nil {
		panic(errors.New(errors.PhaseCall, errors.KindInvalidArgument).
			Detail("call through invalid function pointer 0x%x", fn).
			Build())
	}

	sig := f.signature()
	args := make([][]byte, len(sig.Args))
	for i, t := range sig.Args {
		p, err := e.memory.ReadU32(argv + uint32(4*i))
		if err != nil {
			panic(err)
		}
		if args[i], err = e.memory.Read(p, t.Size); err != nil {
			panic(err)
		}
	}

	ret := sig.NewReturn()
	if err := e.Call(ctx, sig, fn, ret, args); err != nil {
		panic(err)
	}
	if retp != 0 && len(ret) > 0 {
		if err := e.memory.Write(retp, ret); err != nil {
			panic(err)
		}
	}
}

// signature returns the call signature of a function pointer target. Exports
// are described by their wasm types.
func (f *function) signature() *abi.Signature {
	if f.closure != nil {
		return f.closure.sig
	}
	def := f.lib.mod.ExportedFunction(f.name).Definition()
	args := make([]*abi.Type, len(def.ParamTypes()))
	for i, p := range def.ParamTypes() {
		args[i] = wasmType(p)
	}
	ret := abi.Void
	if rs := def.ResultTypes(); len(rs) > 0 {
		ret = wasmType(rs[0])
	}
	return &abi.Signature{Return: ret, Args: args, Fixed: len(args)}
}

func wasmType(t api.ValueType) *abi.Type {
	switch t {
	case api.ValueTypeI64:
		return abi.SInt64
	case api.ValueTypeF32:
		return abi.Float
	case api.ValueTypeF64:
		return abi.Double
	}
	return abi.SInt32
}

type closure struct {
	engine   *Engine
	sig      *abi.Signature
	handler  abi.ClosureHandler
	userData any
	addr     uint32
	freed    atomic.Bool
}

// AllocateClosure creates a function pointer that invokes handler.
func (e *Engine) AllocateClosure(sig *abi.Signature, handler abi.ClosureHandler, userData any) (abi.Closure, error) {
	if e.closed.Load() {
		return nil, errors.Closed(errors.PhaseCallback, "engine")
	}
	if sig == nil || handler == nil {
		return nil, errors.New(errors.PhaseCallback, errors.KindInvalidArgument).
			Detail("closure requires a signature and a handler").
			Build()
	}
	if sig.Variadic {
		return nil, errors.Unsupported(errors.PhaseCallback, "variadic closures")
	}
	c := &closure{
		engine:   e,
		sig:      sig,
		handler:  handler,
		userData: userData,
	}
	c.addr = e.register(&function{closure: c})
	e.closures.Add(1)
	Logger().Debug("closure allocated", zap.Uint32("addr", c.addr), zap.Int("args", len(sig.Args)))
	return c, nil
}

func (c *closure) Address() uint32           { return c.addr }
func (c *closure) Signature() *abi.Signature { return c.sig }

func (c *closure) Free() error {
	if !c.freed.CompareAndSwap(false, true) {
		return errors.Closed(errors.PhaseCallback, fmt.Sprintf("closure 0x%x", c.addr))
	}
	c.engine.unregister(c.addr)
	c.engine.closures.Add(-1)
	Logger().Debug("closure freed", zap.Uint32("addr", c.addr))
	return nil
}

func (c *closure) invoke(ctx context.Context, ret []byte, args [][]byte) error {
	if len(args) != len(c.sig.Args) {
		return errors.New(errors.PhaseCall, errors.KindInvalidArgument).
			Detail("closure 0x%x takes %d arguments, got %d", c.addr, len(c.sig.Args), len(args)).
			Build()
	}
	c.handler(ctx, c.sig, ret, args, c.userData)
	return nil
}
