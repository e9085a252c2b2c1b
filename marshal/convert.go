package marshal

import (
	"context"
	"reflect"

	"github.com/wippyai/wasm-ffi/abi"
	"github.com/wippyai/wasm-ffi/classify"
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/host"
	"github.com/wippyai/wasm-ffi/value"
)

var pointerType = reflect.TypeFor[value.Pointer]()

// ToNative converts v into an argument slot of c.Native. Memory claimed for
// the value is recorded in the session and released by Session.Release.
func (s *Session) ToNative(ctx context.Context, c *classify.Classification, v any) ([]byte, error) {
	if v != nil && c.Wire == classify.WireReference && isNil(reflect.ValueOf(v)) {
		v = nil
	}
	if v == nil {
		switch {
		case c.Flag == classify.StructureByVal:
			return nil, errors.New(errors.PhaseMarshal, errors.KindInvalidArgument).
				NativeType(c.Native.String()).
				Detail("structure passed by value cannot be nil").
				Build()
		case c.Wire == classify.WireReference:
			return pointerSlot(0), nil
		default:
			return nil, errors.New(errors.PhaseMarshal, errors.KindInvalidArgument).
				NativeType(c.Native.String()).
				Detail("nil value for primitive type").
				Build()
		}
	}

	switch c.Flag {
	case classify.Default, classify.Float, classify.Short, classify.Byte:
		if c.Wire == classify.WireReference {
			return s.reference(v), nil
		}
		return encodePrimitive(c.Native, reflect.ValueOf(v))
	case classify.Boolean:
		return abi.EncodeBool(reflect.ValueOf(v).Bool()), nil
	case classify.Object:
		return s.reference(v), nil
	case classify.Pointer:
		np, ok := v.(value.NativePointer)
		if !ok {
			return nil, mismatch(v, c)
		}
		return pointerSlot(np.Pointer()), nil
	case classify.String:
		p, err := s.Pins.String(reflect.ValueOf(v).String())
		return pointerSlot(p), err
	case classify.WString:
		p, err := s.Pins.WString(reflect.ValueOf(v).String())
		return pointerSlot(p), err
	case classify.Structure:
		st, ok := v.(value.Structure)
		if !ok {
			return nil, mismatch(v, c)
		}
		if reflect.ValueOf(st).IsNil() {
			return pointerSlot(0), nil
		}
		if st.Address() == 0 {
			if err := st.Allocate(s.Env.Memory, s.Env.Alloc); err != nil {
				return nil, err
			}
		}
		if st.AutoWrite() {
			if err := st.Write(); err != nil {
				return nil, err
			}
		}
		s.structs = append(s.structs, st)
		return pointerSlot(st.Address()), nil
	case classify.StructureByVal:
		st, ok := v.(value.Structure)
		if !ok {
			return nil, mismatch(v, c)
		}
		buf := make([]byte, c.Native.Size)
		if err := st.Encode(buf); err != nil {
			return nil, err
		}
		return buf, nil
	case classify.Buffer:
		p, err := s.Pins.Buffer(v.(*value.Buffer))
		return pointerSlot(p), err
	case classify.ArrayByte, classify.ArrayShort, classify.ArrayChar, classify.ArrayInt,
		classify.ArrayLong, classify.ArrayFloat, classify.ArrayDouble, classify.ArrayBoolean:
		p, err := s.Pins.Slice(c.Flag, reflect.ValueOf(v))
		return pointerSlot(p), err
	case classify.Callback:
		if s.Env.Callbacks == nil {
			return nil, errors.Unsupported(errors.PhaseMarshal, "callbacks are not available")
		}
		p, err := s.Env.Callbacks.Address(ctx, v)
		return pointerSlot(p), err
	case classify.IntegerType:
		it, ok := v.(value.IntegerType)
		if !ok {
			return nil, mismatch(v, c)
		}
		return abi.EncodeInt(c.Native, it.Int64()), nil
	case classify.PointerType:
		pt, ok := v.(value.PointerType)
		if !ok {
			return nil, mismatch(v, c)
		}
		return pointerSlot(pt.PointerValue()), nil
	case classify.NativeMapped, classify.NativeMappedString, classify.NativeMappedWString:
		nm, ok := v.(value.NativeMapped)
		if !ok {
			return nil, mismatch(v, c)
		}
		return s.ToNative(ctx, c.Mapped, nm.ToNative())
	case classify.TypeMapper, classify.TypeMapperString, classify.TypeMapperWString:
		nv, err := c.Converter.ToNative(v)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseMarshal, errors.KindInvalidArgument, err, "type mapper conversion failed")
		}
		return s.ToNative(ctx, c.Mapped, nv)
	case classify.RuntimeContext:
		return pointerSlot(s.Env.Context), nil
	}
	return nil, errors.Unsupported(errors.PhaseMarshal, "conversion "+c.Flag.String())
}

func (s *Session) reference(v any) []byte {
	if s.Refs == nil {
		return pointerSlot(0)
	}
	return pointerSlot(value.Pointer(s.Refs.Add(v)))
}

func isNil(rv reflect.Value) bool {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

func pointerSlot(p value.Pointer) []byte {
	return abi.EncodeUint(abi.Pointer, uint64(p))
}

func encodePrimitive(t *abi.Type, rv reflect.Value) ([]byte, error) {
	switch {
	case rv.CanInt():
		return abi.EncodeInt(t, rv.Int()), nil
	case rv.CanUint():
		return abi.EncodeUint(t, rv.Uint()), nil
	case rv.CanFloat():
		if t.Kind == abi.KindFloat {
			return abi.EncodeFloat32(float32(rv.Float())), nil
		}
		return abi.EncodeFloat64(rv.Float()), nil
	case rv.Kind() == reflect.Bool:
		return abi.EncodeBool(rv.Bool()), nil
	}
	return nil, errors.New(errors.PhaseMarshal, errors.KindTypeMismatch).
		GoType(rv.Type().String()).
		NativeType(t.String()).
		Build()
}

func mismatch(v any, c *classify.Classification) error {
	return errors.New(errors.PhaseMarshal, errors.KindTypeMismatch).
		GoType(reflect.TypeOf(v).String()).
		NativeType(c.Native.String()).
		Detail("value does not match its %s conversion", c.Flag).
		Build()
}

// FromNative converts a native slot into a Go value of type t, which must be
// the type c was computed for or, for opaque references, any type the
// referenced object is assignable to.
func (s *Session) FromNative(ctx context.Context, c *classify.Classification, t reflect.Type, slot []byte) (reflect.Value, error) {
	if c.Wire == classify.WireVoid {
		return reflect.Value{}, nil
	}
	if t == nil {
		t = c.Type
	}
	out := reflect.New(t).Elem()

	switch c.Flag {
	case classify.Default, classify.Float, classify.Short, classify.Byte, classify.Boolean:
		if c.Wire == classify.WireReference {
			return s.resolve(t, slot)
		}
		decodePrimitive(c.Native, slot, out)
		return out, nil
	case classify.Object:
		return s.resolve(t, slot)
	case classify.Pointer:
		p := value.Pointer(abi.DecodeUint(abi.Pointer, slot))
		return s.pointerValue(t, p)
	case classify.String:
		p := abi.DecodeUint(abi.Pointer, slot)
		if p == 0 {
			return out, nil
		}
		str, err := s.Env.Strings().ReadString(s.Env.Memory, uint32(p))
		if err != nil {
			return reflect.Value{}, err
		}
		out.SetString(str)
		return out, nil
	case classify.WString:
		p := abi.DecodeUint(abi.Pointer, slot)
		if p == 0 {
			return out, nil
		}
		str, err := ReadWString(s.Env.Memory, uint32(p))
		if err != nil {
			return reflect.Value{}, err
		}
		out.SetString(str)
		return out, nil
	case classify.Structure:
		p := value.Pointer(abi.DecodeUint(abi.Pointer, slot))
		if p == 0 {
			return out, nil
		}
		nv := reflect.New(t.Elem())
		st := nv.Interface().(value.Structure)
		st.Bind(s.Env.Memory, p)
		if err := st.Read(); err != nil {
			return reflect.Value{}, err
		}
		s.structs = append(s.structs, st)
		return nv, nil
	case classify.StructureByVal:
		nv := reflect.New(t.Elem())
		if err := nv.Interface().(value.Structure).Decode(slot); err != nil {
			return reflect.Value{}, err
		}
		return nv, nil
	case classify.Buffer:
		p := value.Pointer(abi.DecodeUint(abi.Pointer, slot))
		if p == 0 {
			return out, nil
		}
		return reflect.ValueOf(value.DirectBuffer(p, 0)), nil
	case classify.Callback:
		p := value.Pointer(abi.DecodeUint(abi.Pointer, slot))
		return s.callbackValue(t, p)
	case classify.IntegerType:
		nv := reflect.New(t)
		setter, ok := nv.Interface().(value.IntegerTypeSetter)
		if !ok {
			return reflect.Value{}, noSetter(t, "SetInt64")
		}
		if c.Native.IsSigned() {
			setter.SetInt64(abi.DecodeInt(c.Native, slot))
		} else {
			setter.SetInt64(int64(abi.DecodeUint(c.Native, slot)))
		}
		return nv.Elem(), nil
	case classify.PointerType:
		p := value.Pointer(abi.DecodeUint(abi.Pointer, slot))
		if t.Kind() == reflect.Pointer && p == 0 {
			return out, nil
		}
		nv := reflect.New(t)
		setter, ok := nv.Interface().(value.PointerTypeSetter)
		if ok {
			setter.SetPointerValue(p)
			return nv.Elem(), nil
		}
		if t.Kind() == reflect.Pointer {
			nv = reflect.New(t.Elem())
			if setter, ok := nv.Interface().(value.PointerTypeSetter); ok {
				setter.SetPointerValue(p)
				return nv, nil
			}
		}
		return reflect.Value{}, noSetter(t, "SetPointerValue")
	case classify.NativeMapped, classify.NativeMappedString, classify.NativeMappedWString:
		inner, err := s.FromNative(ctx, c.Mapped, c.Mapped.Type, slot)
		if err != nil {
			return reflect.Value{}, err
		}
		res, err := reflect.Zero(t).Interface().(value.NativeMapped).FromNative(inner.Interface())
		if err != nil {
			return reflect.Value{}, errors.Wrap(errors.PhaseMarshal, errors.KindInvalidArgument, err, "native mapped conversion failed")
		}
		return assign(t, res)
	case classify.TypeMapper, classify.TypeMapperString, classify.TypeMapperWString:
		inner, err := s.FromNative(ctx, c.Mapped, c.Mapped.Type, slot)
		if err != nil {
			return reflect.Value{}, err
		}
		res, err := c.Converter.FromNative(inner.Interface(), t)
		if err != nil {
			return reflect.Value{}, errors.Wrap(errors.PhaseMarshal, errors.KindInvalidArgument, err, "type mapper conversion failed")
		}
		return assign(t, res)
	case classify.RuntimeContext:
		out.SetUint(abi.DecodeUint(abi.Pointer, slot))
		return out, nil
	}
	return reflect.Value{}, errors.New(errors.PhaseMarshal, errors.KindUnsupported).
		GoType(t.String()).
		Detail("%s values cannot be converted from native", c.Flag).
		Build()
}

func decodePrimitive(t *abi.Type, slot []byte, out reflect.Value) {
	switch {
	case out.Kind() == reflect.Bool:
		out.SetBool(abi.DecodeBool(slot))
	case t.Kind == abi.KindFloat:
		out.SetFloat(float64(abi.DecodeFloat32(slot)))
	case t.Kind == abi.KindDouble:
		out.SetFloat(abi.DecodeFloat64(slot))
	case out.CanInt():
		out.SetInt(abi.DecodeInt(t, slot))
	default:
		out.SetUint(abi.DecodeUint(t, slot))
	}
}

func (s *Session) resolve(t reflect.Type, slot []byte) (reflect.Value, error) {
	h := host.Handle(abi.DecodeUint(abi.Pointer, slot))
	if h == 0 || s.Refs == nil {
		return reflect.New(t).Elem(), nil
	}
	obj, ok := s.Refs.Resolve(h)
	if !ok {
		return reflect.Value{}, errors.New(errors.PhaseMarshal, errors.KindInvalidArgument).
			Value(h).
			Detail("stale object reference %d", h).
			Build()
	}
	return assign(t, obj)
}

func (s *Session) pointerValue(t reflect.Type, p value.Pointer) (reflect.Value, error) {
	switch {
	case t == pointerType:
		return reflect.ValueOf(p), nil
	case pointerType.AssignableTo(t):
		out := reflect.New(t).Elem()
		out.Set(reflect.ValueOf(p))
		return out, nil
	case p == 0:
		return reflect.New(t).Elem(), nil
	case s.Env.NewFunction != nil:
		if fn := s.Env.NewFunction(p); fn != nil && reflect.TypeOf(fn).AssignableTo(t) {
			return reflect.ValueOf(fn), nil
		}
	}
	return reflect.Value{}, errors.New(errors.PhaseMarshal, errors.KindUnsupported).
		GoType(t.String()).
		Detail("cannot build %s from a native address", t).
		Build()
}

func (s *Session) callbackValue(t reflect.Type, p value.Pointer) (reflect.Value, error) {
	if p == 0 {
		return reflect.New(t).Elem(), nil
	}
	if s.Env.Callbacks != nil {
		if cb, ok := s.Env.Callbacks.Lookup(p); ok {
			return assign(t, cb)
		}
	}
	if s.Env.NewFunction != nil {
		if fn := s.Env.NewFunction(p); fn != nil && reflect.TypeOf(fn).AssignableTo(t) {
			return reflect.ValueOf(fn), nil
		}
	}
	return reflect.Value{}, errors.New(errors.PhaseMarshal, errors.KindTypeMismatch).
		GoType(t.String()).
		Detail("native function pointer %s is not a %s", p, t).
		Build()
}

func assign(t reflect.Type, v any) (reflect.Value, error) {
	if v == nil {
		return reflect.New(t).Elem(), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		out := reflect.New(t).Elem()
		out.Set(rv)
		return out, nil
	}
	return reflect.Value{}, errors.New(errors.PhaseMarshal, errors.KindTypeMismatch).
		GoType(rv.Type().String()).
		Detail("cannot assign to %s", t).
		Build()
}

func noSetter(t reflect.Type, method string) error {
	return errors.New(errors.PhaseMarshal, errors.KindUnsupported).
		GoType(t.String()).
		Detail("type must implement %s to be built from native", method).
		Build()
}
