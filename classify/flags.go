package classify

import "fmt"

// WireKind is the primitive slot kind a value occupies at the managed
// boundary.
type WireKind uint8

const (
	WireVoid WireKind = iota
	WireBoolean
	WireByte
	WireChar
	WireShort
	WireInt
	WireLong
	WireFloat
	WireDouble
	WireReference
)

var wireNames = [...]string{
	WireVoid:      "void",
	WireBoolean:   "boolean",
	WireByte:      "byte",
	WireChar:      "char",
	WireShort:     "short",
	WireInt:       "int",
	WireLong:      "long",
	WireFloat:     "float",
	WireDouble:    "double",
	WireReference: "reference",
}

func (w WireKind) String() string {
	if int(w) < len(wireNames) {
		return wireNames[w]
	}
	return fmt.Sprintf("wire(%d)", w)
}

// ConversionFlag selects the marshalling strategy for one argument or
// return value.
type ConversionFlag uint8

const (
	Default ConversionFlag = iota
	Pointer
	String
	WString
	Structure
	StructureByVal
	Buffer
	ArrayByte
	ArrayShort
	ArrayChar
	ArrayInt
	ArrayLong
	ArrayFloat
	ArrayDouble
	ArrayBoolean
	Boolean
	Callback
	Float
	NativeMapped
	NativeMappedString
	NativeMappedWString
	IntegerType
	PointerType
	TypeMapper
	TypeMapperString
	TypeMapperWString
	Object
	RuntimeContext
	Short
	Byte
)

var flagNames = [...]string{
	Default:             "default",
	Pointer:             "pointer",
	String:              "string",
	WString:             "wstring",
	Structure:           "structure",
	StructureByVal:      "structure_by_value",
	Buffer:              "buffer",
	ArrayByte:           "array_byte",
	ArrayShort:          "array_short",
	ArrayChar:           "array_char",
	ArrayInt:            "array_int",
	ArrayLong:           "array_long",
	ArrayFloat:          "array_float",
	ArrayDouble:         "array_double",
	ArrayBoolean:        "array_boolean",
	Boolean:             "boolean",
	Callback:            "callback",
	Float:               "float",
	NativeMapped:        "native_mapped",
	NativeMappedString:  "native_mapped_string",
	NativeMappedWString: "native_mapped_wstring",
	IntegerType:         "integer_type",
	PointerType:         "pointer_type",
	TypeMapper:          "type_mapper",
	TypeMapperString:    "type_mapper_string",
	TypeMapperWString:   "type_mapper_wstring",
	Object:              "object",
	RuntimeContext:      "runtime_context",
	Short:               "short",
	Byte:                "byte",
}

func (f ConversionFlag) String() string {
	if int(f) < len(flagNames) {
		return flagNames[f]
	}
	return fmt.Sprintf("flag(%d)", f)
}

// IsArray reports whether f is one of the primitive array flags.
func (f ConversionFlag) IsArray() bool {
	return f >= ArrayByte && f <= ArrayBoolean
}

// IsMapped reports whether f converts through a NativeMapped value or a
// TypeConverter.
func (f ConversionFlag) IsMapped() bool {
	return (f >= NativeMapped && f <= NativeMappedWString) || (f >= TypeMapper && f <= TypeMapperWString)
}
