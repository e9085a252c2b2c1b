package abi

import (
	"fmt"
	"strings"

	"github.com/wippyai/wasm-ffi/errors"
)

// TypeKind identifies the shape of a native type
type TypeKind uint8

const (
	KindVoid TypeKind = iota
	KindUInt8
	KindSInt8
	KindUInt16
	KindSInt16
	KindUInt32
	KindSInt32
	KindUInt64
	KindSInt64
	KindFloat
	KindDouble
	KindPointer
	KindStruct
)

var kindNames = [...]string{
	KindVoid:    "void",
	KindUInt8:   "uint8",
	KindSInt8:   "sint8",
	KindUInt16:  "uint16",
	KindSInt16:  "sint16",
	KindUInt32:  "uint32",
	KindSInt32:  "sint32",
	KindUInt64:  "uint64",
	KindSInt64:  "sint64",
	KindFloat:   "float",
	KindDouble:  "double",
	KindPointer: "pointer",
	KindStruct:  "struct",
}

func (k TypeKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Type describes a native type's size, alignment and, for aggregates, its
// element layout. Types are immutable once built.
type Type struct {
	Elements []*Type
	Offsets  []uint32
	Size     uint32
	Align    uint32
	Kind     TypeKind
}

// Primitive types of the wasm32 C ABI.
var (
	Void    = &Type{Kind: KindVoid, Size: 0, Align: 1}
	UInt8   = &Type{Kind: KindUInt8, Size: 1, Align: 1}
	SInt8   = &Type{Kind: KindSInt8, Size: 1, Align: 1}
	UInt16  = &Type{Kind: KindUInt16, Size: 2, Align: 2}
	SInt16  = &Type{Kind: KindSInt16, Size: 2, Align: 2}
	UInt32  = &Type{Kind: KindUInt32, Size: 4, Align: 4}
	SInt32  = &Type{Kind: KindSInt32, Size: 4, Align: 4}
	UInt64  = &Type{Kind: KindUInt64, Size: 8, Align: 8}
	SInt64  = &Type{Kind: KindSInt64, Size: 8, Align: 8}
	Float   = &Type{Kind: KindFloat, Size: 4, Align: 4}
	Double  = &Type{Kind: KindDouble, Size: 8, Align: 8}
	Pointer = &Type{Kind: KindPointer, Size: 4, Align: 4}
)

// Platform sizes in bytes.
const (
	PointerSize = 4
	LongSize    = 4
	WCharSize   = 4
	SizeTSize   = 4
	BoolSize    = 4
	// ReturnSize is the width of an integer return slot (ffi_arg).
	ReturnSize = 8
)

// IsInteger reports whether the type is an integer or pointer scalar.
func (t *Type) IsInteger() bool {
	switch t.Kind {
	case KindUInt8, KindSInt8, KindUInt16, KindSInt16, KindUInt32, KindSInt32,
		KindUInt64, KindSInt64, KindPointer:
		return true
	}
	return false
}

// IsSigned reports whether the type is a signed integer.
func (t *Type) IsSigned() bool {
	switch t.Kind {
	case KindSInt8, KindSInt16, KindSInt32, KindSInt64:
		return true
	}
	return false
}

// IsScalar reports whether the type fits in a single wasm value.
func (t *Type) IsScalar() bool {
	return t.Kind != KindVoid && t.Kind != KindStruct
}

func (t *Type) String() string {
	if t == nil {
		return "<nil>"
	}
	if t.Kind != KindStruct {
		return t.Kind.String()
	}
	parts := make([]string, len(t.Elements))
	for i, e := range t.Elements {
		parts[i] = e.String()
	}
	return "struct{" + strings.Join(parts, ", ") + "}"
}

// AlignTo rounds offset up to the given power-of-two alignment.
func AlignTo(offset, align uint32) uint32 {
	if align <= 1 {
		return offset
	}
	return (offset + align - 1) &^ (align - 1)
}

// StructOf lays out elements with C rules: each element at the next offset
// aligned to its own alignment, total size padded to the largest alignment.
func StructOf(elements ...*Type) (*Type, error) {
	if len(elements) == 0 {
		return nil, errors.BadLayout("struct", "structure has no fields")
	}
	t := &Type{
		Kind:     KindStruct,
		Elements: elements,
		Offsets:  make([]uint32, len(elements)),
		Align:    1,
	}
	var off uint32
	for i, e := range elements {
		if e == nil || e.Kind == KindVoid {
			return nil, errors.New(errors.PhasePrepare, errors.KindBadLayout).
				Path("field", fmt.Sprint(i)).
				Detail("field type cannot be void").
				Build()
		}
		if e.Size == 0 {
			return nil, errors.New(errors.PhasePrepare, errors.KindBadLayout).
				Path("field", fmt.Sprint(i)).
				NativeType(e.String()).
				Detail("field has zero size").
				Build()
		}
		off = AlignTo(off, e.Align)
		t.Offsets[i] = off
		off += e.Size
		if e.Align > t.Align {
			t.Align = e.Align
		}
	}
	t.Size = AlignTo(off, t.Align)
	return t, nil
}

// ArrayOf describes a fixed-length inline array as an aggregate of n elements.
func ArrayOf(elem *Type, n int) (*Type, error) {
	if n <= 0 {
		return nil, errors.BadLayout("array", fmt.Sprintf("invalid array length %d", n))
	}
	elems := make([]*Type, n)
	for i := range elems {
		elems[i] = elem
	}
	return StructOf(elems...)
}

// validate checks that a type is well formed for use in a signature.
func (t *Type) validate() error {
	if t == nil {
		return errors.BadLayout("<nil>", "missing type")
	}
	if t.Kind != KindStruct {
		return nil
	}
	if len(t.Elements) == 0 || len(t.Elements) != len(t.Offsets) {
		return errors.BadLayout(t.String(), "structure layout is incomplete")
	}
	if t.Size == 0 || t.Align == 0 || t.Size%t.Align != 0 {
		return errors.BadLayout(t.String(), fmt.Sprintf("inconsistent size %d for alignment %d", t.Size, t.Align))
	}
	for _, e := range t.Elements {
		if err := e.validate(); err != nil {
			return err
		}
	}
	return nil
}
