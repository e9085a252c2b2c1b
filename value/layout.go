package value

import (
	"encoding/binary"
	"math"
	"reflect"
	"sync"

	"github.com/wippyai/wasm-ffi/abi"
	"github.com/wippyai/wasm-ffi/errors"
)

type layoutKind uint8

const (
	layoutScalar layoutKind = iota
	layoutBool
	layoutStruct
	layoutArray
	layoutPadding
)

// Layout is the C layout of a Go type as it appears inside a native
// structure, together with the codec that moves a Go value to and from that
// layout.
type Layout struct {
	Type   *abi.Type
	goType reflect.Type
	fields []fieldLayout
	elem   *Layout
	count  int
	kind   layoutKind
}

type fieldLayout struct {
	layout *Layout
	name   string
	index  int
	offset uint32
}

var (
	layoutCache sync.Map // reflect.Type -> *Layout
	pointerType = reflect.TypeFor[Pointer]()
)

// LayoutOf computes the native layout of t. Supported field types are fixed
// width integers, int/uint (8 bytes), floats, bool (4 bytes), Pointer,
// IntegerType implementations, nested structs and fixed arrays of those.
// Fields named "_" are zero-filled padding.
func LayoutOf(t reflect.Type) (*Layout, error) {
	if cached, ok := layoutCache.Load(t); ok {
		return cached.(*Layout), nil
	}
	l, err := computeLayout(t, []string{t.Name()})
	if err != nil {
		return nil, err
	}
	actual, _ := layoutCache.LoadOrStore(t, l)
	return actual.(*Layout), nil
}

func computeLayout(t reflect.Type, path []string) (*Layout, error) {
	if t == pointerType {
		return &Layout{Type: abi.Pointer, goType: t, kind: layoutScalar}, nil
	}
	if t.Implements(integerTypeIface) {
		return integerLayout(t, path)
	}

	switch t.Kind() {
	case reflect.Bool:
		return &Layout{Type: abi.SInt32, goType: t, kind: layoutBool}, nil
	case reflect.Int8:
		return &Layout{Type: abi.SInt8, goType: t}, nil
	case reflect.Uint8:
		return &Layout{Type: abi.UInt8, goType: t}, nil
	case reflect.Int16:
		return &Layout{Type: abi.SInt16, goType: t}, nil
	case reflect.Uint16:
		return &Layout{Type: abi.UInt16, goType: t}, nil
	case reflect.Int32:
		return &Layout{Type: abi.SInt32, goType: t}, nil
	case reflect.Uint32:
		return &Layout{Type: abi.UInt32, goType: t}, nil
	case reflect.Int64, reflect.Int:
		return &Layout{Type: abi.SInt64, goType: t}, nil
	case reflect.Uint64, reflect.Uint, reflect.Uintptr:
		return &Layout{Type: abi.UInt64, goType: t}, nil
	case reflect.Float32:
		return &Layout{Type: abi.Float, goType: t}, nil
	case reflect.Float64:
		return &Layout{Type: abi.Double, goType: t}, nil
	case reflect.Array:
		elem, err := computeLayout(t.Elem(), append(path, "[]"))
		if err != nil {
			return nil, err
		}
		at, err := abi.ArrayOf(elem.Type, t.Len())
		if err != nil {
			return nil, err
		}
		return &Layout{Type: at, goType: t, elem: elem, count: t.Len(), kind: layoutArray}, nil
	case reflect.Struct:
		return structLayout(t, path)
	}
	return nil, errors.New(errors.PhasePrepare, errors.KindBadLayout).
		Path(path...).
		GoType(t.String()).
		Detail("type cannot be laid out in native memory").
		Build()
}

var integerTypeIface = reflect.TypeFor[IntegerType]()

func integerLayout(t reflect.Type, path []string) (*Layout, error) {
	size := reflect.Zero(t).Interface().(IntegerType).NativeSize()
	signed := true
	switch t.Kind() {
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uint, reflect.Uintptr:
		signed = false
	}
	var at *abi.Type
	switch {
	case size == 1 && signed:
		at = abi.SInt8
	case size == 1:
		at = abi.UInt8
	case size == 2 && signed:
		at = abi.SInt16
	case size == 2:
		at = abi.UInt16
	case size == 4 && signed:
		at = abi.SInt32
	case size == 4:
		at = abi.UInt32
	case size == 8 && signed:
		at = abi.SInt64
	case size == 8:
		at = abi.UInt64
	default:
		return nil, errors.New(errors.PhasePrepare, errors.KindBadLayout).
			Path(path...).
			GoType(t.String()).
			Detail("unsupported integer size %d", size).
			Build()
	}
	switch t.Kind() {
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Int,
		reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uint, reflect.Uintptr:
	default:
		return nil, errors.New(errors.PhasePrepare, errors.KindBadLayout).
			Path(path...).
			GoType(t.String()).
			Detail("integer types must have an integer underlying type").
			Build()
	}
	return &Layout{Type: at, goType: t}, nil
}

func structLayout(t reflect.Type, path []string) (*Layout, error) {
	if t.NumField() == 0 {
		return nil, errors.New(errors.PhasePrepare, errors.KindBadLayout).
			Path(path...).
			GoType(t.String()).
			Detail("structure has no fields").
			Build()
	}
	fields := make([]fieldLayout, 0, t.NumField())
	elems := make([]*abi.Type, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		fl, err := computeLayout(f.Type, append(path, f.Name))
		if err != nil {
			return nil, err
		}
		if f.Name == "_" {
			fl = &Layout{Type: fl.Type, goType: f.Type, kind: layoutPadding}
		} else if !f.IsExported() {
			return nil, errors.New(errors.PhasePrepare, errors.KindBadLayout).
				Path(append(path, f.Name)...).
				GoType(t.String()).
				Detail("structure fields must be exported").
				Build()
		}
		fields = append(fields, fieldLayout{layout: fl, name: f.Name, index: i})
		elems = append(elems, fl.Type)
	}
	st, err := abi.StructOf(elems...)
	if err != nil {
		return nil, err
	}
	for i := range fields {
		fields[i].offset = st.Offsets[i]
	}
	return &Layout{Type: st, goType: t, fields: fields, kind: layoutStruct}, nil
}

// Size returns the native size in bytes.
func (l *Layout) Size() uint32 { return l.Type.Size }

// Offset returns the native offset of the named top-level field.
func (l *Layout) Offset(field string) (uint32, bool) {
	for _, f := range l.fields {
		if f.name == field {
			return f.offset, true
		}
	}
	return 0, false
}

// Encode writes v into buf, which must hold at least Size bytes.
func (l *Layout) Encode(buf []byte, v reflect.Value) {
	switch l.kind {
	case layoutPadding:
		clear(buf[:l.Type.Size])
	case layoutBool:
		var n uint32
		if v.Bool() {
			n = 1
		}
		binary.LittleEndian.PutUint32(buf, n)
	case layoutStruct:
		for _, f := range l.fields {
			f.layout.Encode(buf[f.offset:], v.Field(f.index))
		}
	case layoutArray:
		step := l.elem.Type.Size
		for i := 0; i < l.count; i++ {
			l.elem.Encode(buf[uint32(i)*step:], v.Index(i))
		}
	default:
		encodeScalar(buf, l.Type, v)
	}
}

// Decode reads buf into v, which must be settable.
func (l *Layout) Decode(buf []byte, v reflect.Value) {
	switch l.kind {
	case layoutPadding:
	case layoutBool:
		v.SetBool(binary.LittleEndian.Uint32(buf) != 0)
	case layoutStruct:
		for _, f := range l.fields {
			f.layout.Decode(buf[f.offset:], v.Field(f.index))
		}
	case layoutArray:
		step := l.elem.Type.Size
		for i := 0; i < l.count; i++ {
			l.elem.Decode(buf[uint32(i)*step:], v.Index(i))
		}
	default:
		decodeScalar(buf, l.Type, v)
	}
}

func encodeScalar(buf []byte, t *abi.Type, v reflect.Value) {
	switch t.Kind {
	case abi.KindFloat:
		binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v.Float())))
		return
	case abi.KindDouble:
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v.Float()))
		return
	}
	var bits uint64
	if v.CanInt() {
		bits = uint64(v.Int())
	} else {
		bits = v.Uint()
	}
	switch t.Size {
	case 1:
		buf[0] = byte(bits)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(bits))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(bits))
	case 8:
		binary.LittleEndian.PutUint64(buf, bits)
	}
}

func decodeScalar(buf []byte, t *abi.Type, v reflect.Value) {
	switch t.Kind {
	case abi.KindFloat:
		v.SetFloat(float64(math.Float32frombits(binary.LittleEndian.Uint32(buf))))
		return
	case abi.KindDouble:
		v.SetFloat(math.Float64frombits(binary.LittleEndian.Uint64(buf)))
		return
	}
	if v.CanInt() {
		v.SetInt(abi.DecodeInt(t, buf))
	} else {
		v.SetUint(abi.DecodeUint(t, buf))
	}
}
