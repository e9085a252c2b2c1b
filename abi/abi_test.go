package abi

import (
	stderrors "errors"
	"math"
	"testing"

	"github.com/wippyai/wasm-ffi/errors"
)

func TestStructOf_Layout(t *testing.T) {
	tests := []struct {
		name    string
		fields  []*Type
		offsets []uint32
		size    uint32
		align   uint32
	}{
		{"ints", []*Type{SInt32, SInt32}, []uint32{0, 4}, 8, 4},
		{"byte then double", []*Type{SInt8, Double}, []uint32{0, 8}, 16, 8},
		{"mixed", []*Type{SInt8, SInt16, SInt32, SInt64, Float, Double}, []uint32{0, 2, 4, 8, 16, 24}, 32, 8},
		{"trailing padding", []*Type{SInt32, SInt8}, []uint32{0, 4}, 8, 4},
		{"pointer and short", []*Type{Pointer, SInt16}, []uint32{0, 4}, 8, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := StructOf(tt.fields...)
			if err != nil {
				t.Fatalf("StructOf: %v", err)
			}
			if st.Size != tt.size || st.Align != tt.align {
				t.Errorf("size/align = %d/%d, want %d/%d", st.Size, st.Align, tt.size, tt.align)
			}
			for i, off := range tt.offsets {
				if st.Offsets[i] != off {
					t.Errorf("offset[%d] = %d, want %d", i, st.Offsets[i], off)
				}
			}
		})
	}
}

func TestStructOf_Nested(t *testing.T) {
	inner, err := StructOf(SInt8, SInt16)
	if err != nil {
		t.Fatal(err)
	}
	outer, err := StructOf(SInt8, inner, Double)
	if err != nil {
		t.Fatal(err)
	}
	if outer.Offsets[1] != 2 || outer.Offsets[2] != 8 || outer.Size != 16 {
		t.Errorf("nested layout = %v size %d", outer.Offsets, outer.Size)
	}
}

func TestStructOf_Errors(t *testing.T) {
	if _, err := StructOf(); err == nil {
		t.Error("empty struct should fail")
	}
	_, err := StructOf(SInt32, Void)
	if err == nil {
		t.Fatal("void field should fail")
	}
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhasePrepare, Kind: errors.KindBadLayout}) {
		t.Errorf("unexpected error %v", err)
	}
}

func TestArrayOf(t *testing.T) {
	arr, err := ArrayOf(SInt16, 3)
	if err != nil {
		t.Fatal(err)
	}
	if arr.Size != 6 || arr.Align != 2 {
		t.Errorf("size/align = %d/%d", arr.Size, arr.Align)
	}
	if _, err := ArrayOf(SInt16, 0); err == nil {
		t.Error("zero-length array should fail")
	}
}

func TestPrepare(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		sig, err := Prepare(ConventionC, SInt32, SInt32, Double)
		if err != nil {
			t.Fatal(err)
		}
		if sig.Fixed != 2 || sig.Variadic {
			t.Errorf("fixed=%d variadic=%v", sig.Fixed, sig.Variadic)
		}
	})

	t.Run("stdcall accepted", func(t *testing.T) {
		if _, err := Prepare(ConventionStdcall, Void); err != nil {
			t.Errorf("stdcall should be accepted: %v", err)
		}
	})

	t.Run("bad convention", func(t *testing.T) {
		_, err := Prepare(Convention(7), Void)
		if !stderrors.Is(err, &errors.Error{Phase: errors.PhasePrepare, Kind: errors.KindBadConvention}) {
			t.Errorf("got %v, want bad convention", err)
		}
	})

	t.Run("too many args", func(t *testing.T) {
		args := make([]*Type, MaxArgs+1)
		for i := range args {
			args[i] = SInt32
		}
		_, err := Prepare(ConventionC, Void, args...)
		if !stderrors.Is(err, &errors.Error{Phase: errors.PhasePrepare, Kind: errors.KindTooManyArgs}) {
			t.Errorf("got %v, want too many args", err)
		}
	})

	t.Run("void argument", func(t *testing.T) {
		if _, err := Prepare(ConventionC, Void, Void); err == nil {
			t.Error("void argument should fail")
		}
	})

	t.Run("malformed struct", func(t *testing.T) {
		bad := &Type{Kind: KindStruct, Size: 3, Align: 2}
		if _, err := Prepare(ConventionC, bad); err == nil {
			t.Error("malformed struct should fail")
		}
	})

	t.Run("variadic", func(t *testing.T) {
		sig, err := PrepareVariadic(ConventionC, 1, SInt32, SInt32, SInt32, Double)
		if err != nil {
			t.Fatal(err)
		}
		if !sig.Variadic || sig.Fixed != 1 {
			t.Errorf("fixed=%d variadic=%v", sig.Fixed, sig.Variadic)
		}
		if _, err := PrepareVariadic(ConventionC, 5, SInt32, SInt32); err == nil {
			t.Error("fixed beyond arg count should fail")
		}
	})
}

func TestSignature_String(t *testing.T) {
	tests := []struct {
		name string
		sig  func() (*Signature, error)
		want string
	}{
		{"plain", func() (*Signature, error) { return Prepare(ConventionC, SInt32, SInt32, Double) }, "sint32(sint32, double)"},
		{"no args", func() (*Signature, error) { return Prepare(ConventionC, Void) }, "void()"},
		{"stdcall", func() (*Signature, error) { return Prepare(ConventionStdcall, Void, Pointer) }, "stdcall void(pointer)"},
		{"variadic", func() (*Signature, error) {
			return PrepareVariadic(ConventionC, 1, SInt32, SInt32, SInt32, Double)
		}, "sint32(sint32, ..., sint32, double)"},
		{"variadic no extras", func() (*Signature, error) { return PrepareVariadic(ConventionC, 1, SInt32, Pointer) }, "sint32(pointer, ...)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := tt.sig()
			if err != nil {
				t.Fatal(err)
			}
			if got := sig.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSlotCodecs(t *testing.T) {
	ints := []struct {
		typ *Type
		v   int64
	}{
		{SInt8, math.MinInt8}, {SInt8, -1}, {SInt8, math.MaxInt8},
		{SInt16, math.MinInt16}, {SInt16, math.MaxInt16},
		{SInt32, math.MinInt32}, {SInt32, 0}, {SInt32, math.MaxInt32},
		{SInt64, math.MinInt64}, {SInt64, math.MaxInt64},
	}
	for _, c := range ints {
		if got := DecodeInt(c.typ, EncodeInt(c.typ, c.v)); got != c.v {
			t.Errorf("%s: DecodeInt(EncodeInt(%d)) = %d", c.typ, c.v, got)
		}
	}

	if got := DecodeUint(UInt16, EncodeUint(UInt16, math.MaxUint16)); got != math.MaxUint16 {
		t.Errorf("uint16 max = %d", got)
	}
	if got := DecodeFloat32(EncodeFloat32(-1.5)); got != -1.5 {
		t.Errorf("float = %v", got)
	}
	if got := DecodeFloat64(EncodeFloat64(math.MaxFloat64)); got != math.MaxFloat64 {
		t.Errorf("double = %v", got)
	}
	if !DecodeBool(EncodeBool(true)) || DecodeBool(EncodeBool(false)) {
		t.Error("bool codec")
	}
}

func TestPutReturn_WidensSmallIntegers(t *testing.T) {
	ret := NewReturnSlot(SInt8)
	if len(ret) != ReturnSize {
		t.Fatalf("return slot size = %d, want %d", len(ret), ReturnSize)
	}
	PutReturn(SInt8, ret, EncodeInt(SInt8, -2))
	if got := DecodeInt(SInt64, ret); got != -2 {
		t.Errorf("widened return = %d, want -2", got)
	}
	if got := DecodeInt(SInt8, ret); got != -2 {
		t.Errorf("low byte read = %d, want -2", got)
	}

	ret = NewReturnSlot(UInt16)
	PutReturn(UInt16, ret, EncodeUint(UInt16, 0xFFFF))
	if got := DecodeUint(UInt64, ret); got != 0xFFFF {
		t.Errorf("unsigned widened = %#x, want 0xffff", got)
	}

	if NewReturnSlot(Void) != nil {
		t.Error("void return slot should be nil")
	}
	if len(NewReturnSlot(Double)) != 8 || len(NewReturnSlot(Float)) != 4 {
		t.Error("float return slots should not be widened")
	}
}
