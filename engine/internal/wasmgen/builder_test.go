package wasmgen

import (
	"bytes"
	"context"
	"testing"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

func TestEncodeLEB128(t *testing.T) {
	tests := []struct {
		v    uint32
		want []byte
	}{
		{0, []byte{0x00}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x01}},
		{624485, []byte{0xe5, 0x8e, 0x26}},
	}
	for _, tt := range tests {
		if got := EncodeULEB128(tt.v); !bytes.Equal(got, tt.want) {
			t.Errorf("EncodeULEB128(%d) = %x, want %x", tt.v, got, tt.want)
		}
	}
	if got := EncodeSLEB128(int32(-1)); !bytes.Equal(got, []byte{0x7f}) {
		t.Errorf("EncodeSLEB128(-1) = %x", got)
	}
	if got := EncodeSLEB128(int32(64)); !bytes.Equal(got, []byte{0xc0, 0x00}) {
		t.Errorf("EncodeSLEB128(64) = %x", got)
	}
}

func TestBuilder_MemoryModule(t *testing.T) {
	b := New()
	b.Memory(1, "memory")
	bin := b.Build()

	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	mod, err := rt.InstantiateWithConfig(ctx, bin, wazero.NewModuleConfig().WithName("env"))
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	if mod.ExportedMemory("memory") == nil {
		t.Fatal("memory not exported")
	}
}

func TestBuilder_FunctionsWithImportedMemory(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	env := New()
	env.Memory(1, "memory")
	if _, err := rt.InstantiateWithConfig(ctx, env.Build(), wazero.NewModuleConfig().WithName("env")); err != nil {
		t.Fatal(err)
	}

	i32 := api.ValueTypeI32
	b := New()
	b.ImportMemory("env", "memory", 1)
	b.Func("add", []api.ValueType{i32, i32}, []api.ValueType{i32}, nil,
		LocalGet(0), LocalGet(1), I32Add)
	b.Func("store", []api.ValueType{i32, i32}, nil, nil,
		LocalGet(0), LocalGet(1), I32Store(0))

	mod, err := rt.InstantiateWithConfig(ctx, b.Build(), wazero.NewModuleConfig().WithName("lib"))
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}

	res, err := mod.ExportedFunction("add").Call(ctx, api.EncodeI32(40), api.EncodeI32(2))
	if err != nil {
		t.Fatal(err)
	}
	if api.DecodeI32(res[0]) != 42 {
		t.Errorf("add = %d, want 42", api.DecodeI32(res[0]))
	}

	if _, err := mod.ExportedFunction("store").Call(ctx, 64, 7); err != nil {
		t.Fatal(err)
	}
	v, ok := rt.Module("env").ExportedMemory("memory").ReadUint32Le(64)
	if !ok || v != 7 {
		t.Errorf("shared memory read = %d, %v", v, ok)
	}
}

func TestBuilder_ImportAfterFuncPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	b := New()
	b.Func("f", nil, nil, nil)
	b.ImportFunc("m", "g", nil, nil)
}
