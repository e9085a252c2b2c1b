package bind

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/wippyai/wasm-ffi/abi"
	"github.com/wippyai/wasm-ffi/errors"
)

// TagName is the struct tag read by Register.
const TagName = "ffi"

type fieldTag struct {
	symbol     string
	convention abi.Convention
	lastError  bool
	skip       bool
}

// parseTag reads `ffi:"symbol[,lasterror][,stdcall]"`. An empty symbol
// defaults to the field name and "-" skips the field.
func parseTag(f reflect.StructField, defaults Options) (fieldTag, error) {
	tag := fieldTag{
		symbol:     f.Name,
		convention: defaults.Convention,
		lastError:  defaults.ThrowLastError,
	}
	raw, ok := f.Tag.Lookup(TagName)
	if !ok {
		return tag, nil
	}
	if raw == "-" {
		tag.skip = true
		return tag, nil
	}
	parts := strings.Split(raw, ",")
	if parts[0] != "" {
		tag.symbol = parts[0]
	}
	for _, opt := range parts[1:] {
		switch strings.TrimSpace(opt) {
		case "lasterror":
			tag.lastError = true
		case "stdcall":
			tag.convention = abi.ConventionStdcall
		case "cdecl":
			tag.convention = abi.ConventionC
		case "":
		default:
			return tag, errors.New(errors.PhaseBind, errors.KindInvalidArgument).
				Path("field", f.Name).
				Detail("unknown tag option %q", opt).
				Build()
		}
	}
	return tag, nil
}

func itoa(i int) string { return strconv.Itoa(i) }

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return reflect.TypeOf(v).String()
}
