package main

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-ffi/engine"
	"github.com/wippyai/wasm-ffi/value"
)

// parseArg converts a typed argument such as i32:1, f64:2.5 or str:hi.
// An argument without a type prefix is an i32, or a string when it does not
// parse as one.
func parseArg(s string) (any, error) {
	kind, text, ok := strings.Cut(s, ":")
	if !ok {
		if v, err := strconv.ParseInt(s, 0, 32); err == nil {
			return int32(v), nil
		}
		return s, nil
	}

	switch kind {
	case "str":
		return text, nil
	case "wstr":
		return value.WString(text), nil
	case "bool":
		return strconv.ParseBool(text)
	case "ptr":
		v, err := strconv.ParseUint(text, 0, 32)
		return value.Pointer(v), err
	case "i8":
		v, err := strconv.ParseInt(text, 0, 8)
		return int8(v), err
	case "u8":
		v, err := strconv.ParseUint(text, 0, 8)
		return uint8(v), err
	case "i16":
		v, err := strconv.ParseInt(text, 0, 16)
		return int16(v), err
	case "u16":
		v, err := strconv.ParseUint(text, 0, 16)
		return uint16(v), err
	case "i32":
		v, err := strconv.ParseInt(text, 0, 32)
		return int32(v), err
	case "u32":
		v, err := strconv.ParseUint(text, 0, 32)
		return uint32(v), err
	case "i64":
		v, err := strconv.ParseInt(text, 0, 64)
		return v, err
	case "u64":
		v, err := strconv.ParseUint(text, 0, 64)
		return v, err
	case "f32":
		v, err := strconv.ParseFloat(text, 32)
		return float32(v), err
	case "f64":
		return strconv.ParseFloat(text, 64)
	}
	return nil, fmt.Errorf("unknown argument type %q in %q", kind, s)
}

func parseArgs(in []string) ([]any, error) {
	args := make([]any, len(in))
	for i, s := range in {
		v, err := parseArg(s)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		args[i] = v
	}
	return args, nil
}

// returnTypes maps -ret names to result types. void maps to nil.
var returnTypes = map[string]reflect.Type{
	"void": nil,
	"bool": reflect.TypeFor[bool](),
	"i8":   reflect.TypeFor[int8](),
	"u8":   reflect.TypeFor[uint8](),
	"i16":  reflect.TypeFor[int16](),
	"u16":  reflect.TypeFor[uint16](),
	"i32":  reflect.TypeFor[int32](),
	"u32":  reflect.TypeFor[uint32](),
	"i64":  reflect.TypeFor[int64](),
	"u64":  reflect.TypeFor[uint64](),
	"f32":  reflect.TypeFor[float32](),
	"f64":  reflect.TypeFor[float64](),
	"ptr":  reflect.TypeFor[value.Pointer](),
	"str":  reflect.TypeFor[string](),
	"wstr": reflect.TypeFor[value.WString](),
}

// returnType resolves the result type of a call. An empty name derives it
// from the export's wasm result.
func returnType(name string, exp *engine.Export) (reflect.Type, error) {
	if name != "" {
		t, ok := returnTypes[name]
		if !ok {
			return nil, fmt.Errorf("unknown return type %q", name)
		}
		return t, nil
	}
	if exp == nil || len(exp.Results) == 0 {
		return nil, nil
	}
	return wasmGoType(exp.Results[0]), nil
}

func wasmGoType(t api.ValueType) reflect.Type {
	switch t {
	case api.ValueTypeI64:
		return reflect.TypeFor[int64]()
	case api.ValueTypeF32:
		return reflect.TypeFor[float32]()
	case api.ValueTypeF64:
		return reflect.TypeFor[float64]()
	}
	return reflect.TypeFor[int32]()
}

// wasmArg converts interactive input for a parameter of wasm type t. Typed
// input (f64:2.5, str:hi) is accepted as well.
func wasmArg(s string, t api.ValueType) (any, error) {
	if strings.Contains(s, ":") {
		return parseArg(s)
	}
	switch t {
	case api.ValueTypeI64:
		return parseArg("i64:" + s)
	case api.ValueTypeF32:
		return parseArg("f32:" + s)
	case api.ValueTypeF64:
		return parseArg("f64:" + s)
	}
	if _, err := strconv.ParseInt(s, 0, 64); err != nil {
		return s, nil
	}
	return parseArg("i32:" + s)
}

func signature(exp engine.Export) string {
	params := make([]string, len(exp.Params))
	for i, p := range exp.Params {
		params[i] = api.ValueTypeName(p)
	}
	sig := exp.Name + "(" + strings.Join(params, ", ") + ")"
	if len(exp.Results) > 0 {
		sig += " -> " + api.ValueTypeName(exp.Results[0])
	}
	return sig
}

func formatResult(v any) string {
	switch r := v.(type) {
	case nil:
		return "void"
	case string:
		return strconv.Quote(r)
	case value.WString:
		return "L" + strconv.Quote(string(r))
	case value.Pointer:
		return r.String()
	}
	return fmt.Sprintf("%v", v)
}
