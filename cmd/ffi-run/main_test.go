package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-ffi/engine"
	"github.com/wippyai/wasm-ffi/engine/testlib"
	"github.com/wippyai/wasm-ffi/value"
)

func writeTestlib(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "libtestlib.wasm"), testlib.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestParseArg(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"7", int32(7)},
		{"0x10", int32(16)},
		{"hello", "hello"},
		{"i8:-3", int8(-3)},
		{"u16:65535", uint16(65535)},
		{"i32:-1", int32(-1)},
		{"u32:4000000000", uint32(4000000000)},
		{"i64:1099511627776", int64(1 << 40)},
		{"f32:1.5", float32(1.5)},
		{"f64:2.5", 2.5},
		{"bool:true", true},
		{"ptr:0x2000", value.Pointer(0x2000)},
		{"str:a:b", "a:b"},
		{"wstr:hi", value.WString("hi")},
	}
	for _, tt := range tests {
		got, err := parseArg(tt.in)
		if err != nil {
			t.Errorf("parseArg(%q): %v", tt.in, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("parseArg(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}

	for _, bad := range []string{"i8:300", "f64:x", "q:1", "bool:maybe"} {
		if _, err := parseArg(bad); err == nil {
			t.Errorf("parseArg(%q) should fail", bad)
		}
	}
}

func TestReturnType(t *testing.T) {
	exp := &engine.Export{Name: "f", Results: []api.ValueType{api.ValueTypeF64}}
	if rt, err := returnType("", exp); err != nil || rt != reflect.TypeFor[float64]() {
		t.Errorf("derived return = %v, %v", rt, err)
	}
	if rt, err := returnType("", &engine.Export{Name: "v"}); err != nil || rt != nil {
		t.Errorf("void export return = %v, %v", rt, err)
	}
	if rt, err := returnType("str", exp); err != nil || rt != reflect.TypeFor[string]() {
		t.Errorf("explicit return = %v, %v", rt, err)
	}
	if _, err := returnType("i128", exp); err == nil {
		t.Error("unknown return type should fail")
	}
}

func TestRun_List(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), &out, options{lib: "testlib", paths: writeTestlib(t), list: true})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"libtestlib.wasm",
		"addInt32(i32, i32) -> i32",
		"addDouble(f64, f64) -> f64",
		"incrementInt32ArrayFirst(i32)\n",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("listing lacks %q:\n%s", want, out.String())
		}
	}
}

func TestRun_Call(t *testing.T) {
	dir := writeTestlib(t)
	tests := []struct {
		fn   string
		ret  string
		args []string
		want string
	}{
		{"addInt32", "", []string{"i32:2", "3"}, "Result: 5"},
		{"addDouble", "", []string{"f64:1.25", "f64:2"}, "Result: 3.25"},
		{"addInt64", "", []string{"i64:1099511627776", "i64:1"}, "Result: 1099511627777"},
		{"returnStringArgument", "str", []string{"str:hi there"}, `Result: "hi there"`},
		{"stringLength", "", []string{"str:hello"}, "Result: 5"},
		{"returnNull", "ptr", nil, "Result: NULL"},
	}
	for _, tt := range tests {
		t.Run(tt.fn, func(t *testing.T) {
			var out bytes.Buffer
			o := options{lib: "testlib", paths: dir, fn: tt.fn, ret: tt.ret, args: tt.args, protected: true}
			if err := run(context.Background(), &out, o); err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(out.String(), tt.want) {
				t.Errorf("output lacks %q:\n%s", tt.want, out.String())
			}
		})
	}
}

func TestRun_Errors(t *testing.T) {
	dir := writeTestlib(t)
	ctx := context.Background()
	var out bytes.Buffer

	if err := run(ctx, &out, options{lib: "nosuchlib", paths: dir, fn: "f"}); err == nil {
		t.Error("missing library should fail")
	}
	if err := run(ctx, &out, options{lib: "testlib", paths: dir, fn: "nosuchfn"}); err == nil {
		t.Error("missing symbol should fail")
	}
	if err := run(ctx, &out, options{lib: "testlib", paths: dir, fn: "touchOutOfBounds", protected: true}); err == nil {
		t.Error("memory fault should fail in protected mode")
	}

	out.Reset()
	o := options{lib: "testlib", paths: dir, fn: "setLastError", args: []string{"5"}, lastError: true, protected: true}
	err := run(ctx, &out, o)
	if err == nil || !strings.Contains(err.Error(), "[5]") {
		t.Errorf("last error call = %v", err)
	}
}

func TestInteractiveModel(t *testing.T) {
	m := newInteractiveModel(options{lib: "testlib", paths: writeTestlib(t), protected: true})
	defer m.close()

	m.Update(m.loadLibrary())
	if m.err != nil {
		t.Fatal(m.err)
	}
	if !strings.Contains(m.View(), "addDouble") {
		t.Fatalf("function list missing:\n%s", m.View())
	}

	for i, f := range m.funcs {
		if f.Name == "addInt32" {
			m.selected = i
		}
	}
	m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if m.state != stateInputArgs || len(m.inputs) != 2 {
		t.Fatalf("state = %v, inputs = %d", m.state, len(m.inputs))
	}
	m.inputs[0].SetValue("40")
	m.inputs[1].SetValue("i32:2")

	m.Update(m.callFunction())
	if m.state != stateShowResult || m.err != nil {
		t.Fatalf("state = %v, err = %v", m.state, m.err)
	}
	if m.result != "42" {
		t.Errorf("result = %q", m.result)
	}

	m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	if m.state != stateSelectFunc {
		t.Errorf("esc should return to the function list, state = %v", m.state)
	}
}
