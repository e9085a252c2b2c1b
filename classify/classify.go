package classify

import (
	"reflect"
	"strconv"
	"sync"

	"github.com/wippyai/wasm-ffi/abi"
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/value"
)

// Classification is the marshalling plan for one Go type.
type Classification struct {
	// Type is the classified Go type; nil for void.
	Type reflect.Type
	// Native is the native slot type the value occupies in a call.
	Native *abi.Type
	// Layout is set for structures.
	Layout *value.Layout
	// Converter is set for TypeMapper flags.
	Converter value.TypeConverter
	// Mapped is the classification of the native representation of a
	// NativeMapped or TypeMapper value.
	Mapped *Classification
	Wire   WireKind
	Flag   ConversionFlag
}

var (
	cache sync.Map // reflect.Type -> *Classification

	voidClass = &Classification{Native: abi.Void, Wire: WireVoid}
	nullClass = &Classification{Native: abi.Pointer, Wire: WireReference, Flag: Pointer}
)

var (
	pointerType        = reflect.TypeFor[value.Pointer]()
	wstringType        = reflect.TypeFor[value.WString]()
	bufferType         = reflect.TypeFor[*value.Buffer]()
	runtimeContextType = reflect.TypeFor[value.RuntimeContext]()
	byValueIface       = reflect.TypeFor[value.ByValue]()
	nativePointerIface = reflect.TypeFor[value.NativePointer]()
	structureIface     = reflect.TypeFor[value.Structure]()
	integerTypeIface   = reflect.TypeFor[value.IntegerType]()
	pointerTypeIface   = reflect.TypeFor[value.PointerType]()
	nativeMappedIface  = reflect.TypeFor[value.NativeMapped]()
)

// Type classifies t. A nil t classifies as void. Results are cached.
func Type(t reflect.Type) (*Classification, error) {
	if t == nil {
		return voidClass, nil
	}
	if c, ok := cache.Load(t); ok {
		return c.(*Classification), nil
	}
	c, err := classify(t, nil)
	if err != nil {
		return nil, err
	}
	actual, _ := cache.LoadOrStore(t, c)
	return actual.(*Classification), nil
}

// TypeWithMapper classifies t, consulting mapper for types with no
// built-in mapping and for primitives. A nil mapper is the same as Type.
func TypeWithMapper(t reflect.Type, mapper value.TypeMapper) (*Classification, error) {
	if mapper == nil || t == nil {
		return Type(t)
	}
	return classify(t, mapper)
}

// Value classifies the runtime type of v. A nil v is a NULL pointer.
func Value(v any) (*Classification, error) {
	if v == nil {
		return nullClass, nil
	}
	return Type(reflect.TypeOf(v))
}

// Signature is the classification of a whole function shape.
type Signature struct {
	Return *Classification
	Args   []*Classification
}

// Func classifies a return type and argument types, annotating errors with
// the failing position.
func Func(ret reflect.Type, args []reflect.Type, mapper value.TypeMapper) (*Signature, error) {
	if len(args) > abi.MaxArgs {
		return nil, errors.TooManyArgs(len(args), abi.MaxArgs)
	}
	r, err := TypeWithMapper(ret, mapper)
	if err != nil {
		return nil, At(err, "return")
	}
	if r.Flag == Buffer || r.Flag.IsArray() {
		return nil, errors.New(errors.PhaseClassify, errors.KindUnsupported).
			Path("return").
			GoType(ret.String()).
			Detail("arrays and buffers cannot be returned").
			Build()
	}
	s := &Signature{Return: r, Args: make([]*Classification, len(args))}
	for i, a := range args {
		if a == nil {
			return nil, errors.UnsupportedArg(i, "nil", "argument type is missing")
		}
		c, err := TypeWithMapper(a, mapper)
		if err != nil {
			return nil, At(err, "arg", strconv.Itoa(i))
		}
		s.Args[i] = c
	}
	return s, nil
}

// At annotates a classification error with the location of the offending
// type, unless it already carries one.
func At(err error, path ...string) error {
	if e, ok := err.(*errors.Error); ok && len(e.Path) == 0 {
		c := *e
		c.Path = path
		return &c
	}
	return err
}

func classify(t reflect.Type, mapper value.TypeMapper) (*Classification, error) {
	switch {
	case t.Implements(byValueIface):
		l, err := structureLayout(t)
		if err != nil {
			return nil, err
		}
		return &Classification{Type: t, Native: l.Type, Layout: l, Wire: WireReference, Flag: StructureByVal}, nil
	case t == pointerType || t.Implements(nativePointerIface):
		return ref(t, Pointer), nil
	case t.Implements(structureIface):
		l, err := structureLayout(t)
		if err != nil {
			return nil, err
		}
		return &Classification{Type: t, Native: abi.Pointer, Layout: l, Wire: WireReference, Flag: Structure}, nil
	case t == wstringType:
		return ref(t, WString), nil
	case t.Kind() == reflect.String:
		return ref(t, String), nil
	case isCallback(t):
		return ref(t, Callback), nil
	case t.Implements(integerTypeIface):
		l, err := value.LayoutOf(t)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseClassify, errors.KindUnsupported, err, "invalid integer type "+t.String())
		}
		w := WireInt
		if l.Size() == 8 {
			w = WireLong
		}
		return &Classification{Type: t, Native: l.Type, Wire: w, Flag: IntegerType}, nil
	case t.Implements(pointerTypeIface):
		return ref(t, PointerType), nil
	case t.Implements(nativeMappedIface):
		return nativeMapped(t)
	}

	if mapper != nil {
		if conv := mapper.Converter(t); conv != nil {
			return typeMapped(t, conv)
		}
	}

	switch {
	case t == bufferType:
		return ref(t, Buffer), nil
	case t.Kind() == reflect.Slice:
		if f, ok := arrayFlag(t.Elem()); ok {
			return ref(t, f), nil
		}
		return nil, unsupported(t, "slices of non-primitive elements cannot be passed")
	case t == runtimeContextType:
		return ref(t, RuntimeContext), nil
	}

	switch t.Kind() {
	case reflect.Interface:
		if t.NumMethod() == 0 {
			return ref(t, Object), nil
		}
		return nil, unsupported(t, "interface types other than any cannot be passed")
	case reflect.Chan:
		return nil, unsupported(t, "channels cannot cross the native boundary")
	case reflect.Func:
		return nil, unsupported(t, "func values must be callback objects")
	case reflect.Map:
		return nil, unsupported(t, "maps cannot cross the native boundary")
	case reflect.Complex64, reflect.Complex128:
		return nil, unsupported(t, "complex numbers have no native representation")
	case reflect.UnsafePointer:
		return nil, unsupported(t, "use value.Pointer for raw addresses")
	case reflect.Pointer, reflect.Struct, reflect.Array:
		return ref(t, Default), nil
	}

	if c, ok := primitive(t); ok {
		return c, nil
	}
	return nil, unsupported(t, "no native mapping")
}

func ref(t reflect.Type, f ConversionFlag) *Classification {
	return &Classification{Type: t, Native: abi.Pointer, Wire: WireReference, Flag: f}
}

func unsupported(t reflect.Type, detail string) error {
	return errors.New(errors.PhaseClassify, errors.KindUnsupported).
		GoType(t.String()).
		Detail("%s", detail).
		Build()
}

// isCallback reports whether t is a callback object type: a type with a
// method named Callback.
func isCallback(t reflect.Type) bool {
	_, ok := t.MethodByName("Callback")
	return ok
}

// CallbackMethod returns the Callback method of a callback object type.
func CallbackMethod(t reflect.Type) (reflect.Method, bool) {
	return t.MethodByName("Callback")
}

func structureLayout(t reflect.Type) (*value.Layout, error) {
	if t.Kind() != reflect.Pointer {
		return nil, unsupported(t, "structures must be passed as pointers")
	}
	s := reflect.New(t.Elem()).Interface().(value.Structure)
	l, err := s.Layout()
	if err != nil {
		return nil, errors.Wrap(errors.PhaseClassify, errors.KindBadLayout, err, "invalid structure "+t.String())
	}
	return l, nil
}

func nativeMapped(t reflect.Type) (*Classification, error) {
	nm := reflect.Zero(t).Interface().(value.NativeMapped)
	inner, err := mappedInner(t, nm.NativeType())
	if err != nil {
		return nil, err
	}
	f := NativeMapped
	switch inner.Flag {
	case String:
		f = NativeMappedString
	case WString:
		f = NativeMappedWString
	}
	return &Classification{Type: t, Native: inner.Native, Mapped: inner, Wire: inner.Wire, Flag: f}, nil
}

func typeMapped(t reflect.Type, conv value.TypeConverter) (*Classification, error) {
	inner, err := mappedInner(t, conv.NativeType())
	if err != nil {
		return nil, err
	}
	f := TypeMapper
	switch inner.Flag {
	case String:
		f = TypeMapperString
	case WString:
		f = TypeMapperWString
	}
	return &Classification{Type: t, Native: inner.Native, Mapped: inner, Converter: conv, Wire: inner.Wire, Flag: f}, nil
}

func mappedInner(t, native reflect.Type) (*Classification, error) {
	if native == nil || native == t {
		return nil, unsupported(t, "native type of a mapped type must be a different type")
	}
	inner, err := Type(native)
	if err != nil {
		return nil, err
	}
	if inner.Flag.IsMapped() {
		return nil, unsupported(t, "mapped types cannot map to another mapped type")
	}
	return inner, nil
}

func arrayFlag(elem reflect.Type) (ConversionFlag, bool) {
	switch elem.Kind() {
	case reflect.Int8, reflect.Uint8:
		return ArrayByte, true
	case reflect.Int16:
		return ArrayShort, true
	case reflect.Uint16:
		return ArrayChar, true
	case reflect.Int32, reflect.Uint32:
		return ArrayInt, true
	case reflect.Int64, reflect.Uint64:
		return ArrayLong, true
	case reflect.Float32:
		return ArrayFloat, true
	case reflect.Float64:
		return ArrayDouble, true
	case reflect.Bool:
		return ArrayBoolean, true
	}
	return Default, false
}

// ArrayElement returns the native element type of an array flag.
func ArrayElement(f ConversionFlag, elem reflect.Type) *abi.Type {
	switch f {
	case ArrayByte:
		if elem.Kind() == reflect.Uint8 {
			return abi.UInt8
		}
		return abi.SInt8
	case ArrayShort:
		return abi.SInt16
	case ArrayChar:
		return abi.UInt16
	case ArrayInt:
		if elem.Kind() == reflect.Uint32 {
			return abi.UInt32
		}
		return abi.SInt32
	case ArrayLong:
		if elem.Kind() == reflect.Uint64 {
			return abi.UInt64
		}
		return abi.SInt64
	case ArrayFloat:
		return abi.Float
	case ArrayDouble:
		return abi.Double
	case ArrayBoolean:
		return abi.SInt32
	}
	return nil
}

func primitive(t reflect.Type) (*Classification, bool) {
	c := &Classification{Type: t}
	switch t.Kind() {
	case reflect.Bool:
		c.Native, c.Wire, c.Flag = abi.SInt32, WireBoolean, Boolean
	case reflect.Int8:
		c.Native, c.Wire = abi.SInt8, WireByte
	case reflect.Uint8:
		c.Native, c.Wire = abi.UInt8, WireByte
	case reflect.Int16:
		c.Native, c.Wire = abi.SInt16, WireShort
	case reflect.Uint16:
		c.Native, c.Wire = abi.UInt16, WireChar
	case reflect.Int32:
		c.Native, c.Wire = abi.SInt32, WireInt
	case reflect.Uint32:
		c.Native, c.Wire = abi.UInt32, WireInt
	case reflect.Int64, reflect.Int:
		c.Native, c.Wire = abi.SInt64, WireLong
	case reflect.Uint64, reflect.Uint, reflect.Uintptr:
		c.Native, c.Wire = abi.UInt64, WireLong
	case reflect.Float32:
		c.Native, c.Wire = abi.Float, WireFloat
	case reflect.Float64:
		c.Native, c.Wire = abi.Double, WireDouble
	default:
		return nil, false
	}
	return c, true
}
