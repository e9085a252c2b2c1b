package bind

import (
	"context"
	stderrors "errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/wippyai/wasm-ffi/abi"
	"github.com/wippyai/wasm-ffi/attach"
	"github.com/wippyai/wasm-ffi/classify"
	"github.com/wippyai/wasm-ffi/engine"
	"github.com/wippyai/wasm-ffi/engine/testlib"
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/host"
	"github.com/wippyai/wasm-ffi/marshal"
	"github.com/wippyai/wasm-ffi/native"
	"github.com/wippyai/wasm-ffi/value"
)

type color struct{ name string }

var colorCodes = map[string]int32{"red": 1, "green": 2, "blue": 3}

type colorConverter struct{}

func (colorConverter) NativeType() reflect.Type { return reflect.TypeFor[int32]() }

func (colorConverter) ToNative(v any) (any, error) {
	code, ok := colorCodes[v.(color).name]
	if !ok {
		return nil, fmt.Errorf("unknown color %v", v)
	}
	return code, nil
}

func (colorConverter) FromNative(v any, _ reflect.Type) (any, error) {
	for name, code := range colorCodes {
		if code == v.(int32) {
			return color{name}, nil
		}
	}
	return nil, fmt.Errorf("unknown color code %d", v)
}

type colorMapper struct{}

func (colorMapper) Converter(t reflect.Type) value.TypeConverter {
	if t == reflect.TypeFor[color]() {
		return colorConverter{}
	}
	return nil
}

type counter struct {
	N     int32
	Extra int32
}

type object struct{ name string }

type testLib struct {
	Add       func(a, b int32) int32                       `ffi:"addInt32"`
	AddLong   func(ctx context.Context, a, b int64) int64  `ffi:"addInt64"`
	AddDouble func(a, b float64) float64                   `ffi:"addDouble"`
	Identity8 func(v int8) int8                            `ffi:"returnInt8Argument"`
	StrLen    func(s string) (int32, error)                `ffi:"stringLength"`
	WideLen   func(s value.WString) int32                  `ffi:"wideStringLength"`
	Echo      func(s string) string                        `ffi:"returnStringArgument"`
	Fail      func(arr []int32, code int32) (int32, error) `ffi:"incrementAndFail,lasterror"`
	MustFail  func(code int32) int32                       `ffi:"setLastError,lasterror"`
	Quiet     func(code int32) int32                       `ffi:"setLastError"`
	Inc       func(s *value.Struct[counter])               `ffi:"incrementStructInt32Field"`
	Color     func(c color) color                          `ffi:"returnInt32Argument,stdcall"`
	Object    func(o *object) *object                      `ffi:"returnPointerArgument"`
	Touch     func() (int32, error)                        `ffi:"touchOutOfBounds"`
	Null      func() value.Pointer                         `ffi:"returnNull"`
	Ignored   func()                                       `ffi:"-"`
	Name      string
	hidden    func()
}

type fixture struct {
	engine  *engine.Engine
	lib     *engine.Library
	env     *marshal.Env
	threads *attach.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	e, err := engine.New(ctx, &engine.Config{InitialPages: 2})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = e.Close(ctx) })
	e.SetProtected(true)
	lib, err := e.OpenBytes(ctx, "testlib", testlib.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	rt := host.New()
	threads := attach.New(rt)
	t.Cleanup(threads.Close)
	env := &marshal.Env{Engine: e, Memory: e.Memory(), Alloc: e.Allocator(), Runtime: rt}
	return &fixture{engine: e, lib: lib, env: env, threads: threads}
}

func (f *fixture) register(t *testing.T) (*testLib, *Binding) {
	t.Helper()
	var l testLib
	b, err := Register(context.Background(), f.env, &l, f.lib, Options{Mapper: colorMapper{}, Threads: f.threads})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	t.Cleanup(b.Unregister)
	return &l, b
}

func TestRegister_Fields(t *testing.T) {
	f := newFixture(t)
	l, b := f.register(t)

	if l.Ignored != nil || l.hidden != nil {
		t.Error("skipped fields must stay nil")
	}
	if got := len(b.Methods()); got != 15 {
		t.Errorf("bound %d methods, want 15", got)
	}
	for _, m := range b.Methods() {
		if n := len(m.NativeSignature().Args); len(m.Flags()) != n {
			t.Errorf("%s: %d flags for %d native arguments", m.Field, len(m.Flags()), n)
		}
		if len(m.OuterSignature().Args) != len(m.NativeSignature().Args)+2 {
			t.Errorf("%s: outer signature %s does not match native %s", m.Field, m.OuterSignature(), m.NativeSignature())
		}
	}
	for _, m := range b.Methods() {
		if m.Field == "Color" && m.NativeSignature().Convention != abi.ConventionStdcall {
			t.Error("stdcall tag option ignored")
		}
		if m.Field == "Color" && m.Flags()[0] != classify.TypeMapper {
			t.Errorf("Color flag = %s", m.Flags()[0])
		}
	}
}

func TestBinding_Primitives(t *testing.T) {
	f := newFixture(t)
	l, _ := f.register(t)

	if got := l.Add(40, 2); got != 42 {
		t.Errorf("Add = %d", got)
	}
	if got := l.AddLong(context.Background(), 1<<40, 1); got != 1<<40+1 {
		t.Errorf("AddLong = %d", got)
	}
	if got := l.AddDouble(0.5, 0.25); got != 0.75 {
		t.Errorf("AddDouble = %v", got)
	}
	if got := l.Identity8(-128); got != -128 {
		t.Errorf("Identity8 = %d", got)
	}
	if got := l.Null(); !got.IsNull() {
		t.Errorf("Null = %v", got)
	}
}

func TestBinding_References(t *testing.T) {
	f := newFixture(t)
	l, _ := f.register(t)

	n, err := l.StrLen("hello")
	if err != nil || n != 5 {
		t.Errorf("StrLen = %d, %v", n, err)
	}
	if got := l.WideLen("日本"); got != 2 {
		t.Errorf("WideLen = %d", got)
	}
	if got := l.Echo("round trip"); got != "round trip" {
		t.Errorf("Echo = %q", got)
	}

	s := &value.Struct[counter]{Value: counter{N: 1, Extra: 5}}
	l.Inc(s)
	l.Inc(s)
	if s.Value.N != 3 || s.Value.Extra != 5 {
		t.Errorf("Inc = %+v", s.Value)
	}
	s.Free()

	o := &object{name: "o"}
	if got := l.Object(o); got != o {
		t.Errorf("Object = %v", got)
	}
	if got := l.Object(nil); got != nil {
		t.Errorf("Object(nil) = %v", got)
	}

	if got := l.Color(color{"blue"}); got.name != "blue" {
		t.Errorf("Color = %v", got)
	}

	st := f.env.Runtime.Stats()
	if st.LocalRefs != 0 || st.OpenFrames != 0 || st.GlobalRefs != 1 {
		t.Errorf("references leaked: %+v", st)
	}
	if f.engine.Allocator().Blocks() != 0 {
		t.Errorf("pinned memory leaked: %d blocks", f.engine.Allocator().Blocks())
	}
}

func TestBinding_LastError(t *testing.T) {
	f := newFixture(t)
	l, _ := f.register(t)
	arr := []int32{10}
	n, err := l.Fail(arr, 4)
	var ferr *errors.Error
	if !stderrors.As(err, &ferr) || ferr.Kind != errors.KindLastError || ferr.Code != 4 {
		t.Fatalf("Fail = %d, %v", n, err)
	}
	if arr[0] != 11 {
		t.Error("array must be copied back before the error is raised")
	}

	func() {
		defer func() {
			rec := recover()
			err, ok := rec.(error)
			if !ok || !stderrors.As(err, &ferr) || ferr.Code != 7 {
				t.Errorf("MustFail should panic with the last error, got %v", rec)
			}
		}()
		l.MustFail(7)
	}()

	if got := l.Quiet(9); got != -1 {
		t.Errorf("Quiet = %d", got)
	}
	if f.env.Runtime.Stats().Pending != 0 {
		t.Error("exceptions must not stay pending")
	}
}

type threadLib struct {
	SetError func(ctx context.Context, code int32) int32 `ffi:"setLastError"`
}

func TestBinding_ContextThread(t *testing.T) {
	f := newFixture(t)
	var l threadLib
	b, err := Register(context.Background(), f.env, &l, f.lib, Options{Threads: f.threads})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Unregister()

	th := native.NewThread("caller")
	defer th.Exit()
	l.SetError(native.WithThread(context.Background(), th), 12)
	if got := f.threads.State(th).LastError(); got != 12 {
		t.Errorf("LastError = %d, want 12", got)
	}
	if th.Errno() != 12 {
		t.Errorf("Errno = %d", th.Errno())
	}
}

func TestBinding_Fault(t *testing.T) {
	f := newFixture(t)
	l, _ := f.register(t)
	_, err := l.Touch()
	var ferr *errors.Error
	if !stderrors.As(err, &ferr) || ferr.Kind != errors.KindMemoryFault {
		t.Errorf("Touch = %v", err)
	}
}

func TestBinding_Unregister(t *testing.T) {
	f := newFixture(t)
	var l testLib
	b, err := Register(context.Background(), f.env, &l, f.lib, Options{Mapper: colorMapper{}})
	if err != nil {
		t.Fatal(err)
	}
	if f.engine.Closures() != 15 {
		t.Errorf("Closures = %d", f.engine.Closures())
	}
	b.Unregister()
	b.Unregister()
	if l.Add != nil {
		t.Error("fields should be cleared")
	}
	if f.engine.Closures() != 0 {
		t.Errorf("Closures after unregister = %d", f.engine.Closures())
	}
	if f.env.Runtime.Stats().GlobalRefs != 0 {
		t.Error("binding reference leaked")
	}
}

type missingLib struct {
	Add  func(a, b int32) int32 `ffi:"addInt32"`
	Nope func()                 `ffi:"doesNotExist"`
}

type badTagLib struct {
	Add func(a, b int32) int32 `ffi:"addInt32,fastcall"`
}

type badTypeLib struct {
	Ch func(c chan int) `ffi:"returnInt32Argument"`
}

func TestRegister_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var missing missingLib
	_, err := Register(ctx, f.env, &missing, f.lib, Options{})
	var ferr *errors.Error
	if !stderrors.As(err, &ferr) || ferr.Kind != errors.KindNotFound {
		t.Fatalf("missing symbol: %v", err)
	}
	if len(ferr.Path) < 2 || ferr.Path[1] != "Nope" {
		t.Errorf("Path = %v", ferr.Path)
	}
	if missing.Add != nil || f.engine.Closures() != 0 {
		t.Error("failed registration must not leave bound fields")
	}

	if _, err := Register(ctx, f.env, &badTagLib{}, f.lib, Options{}); err == nil {
		t.Error("unknown tag option should fail")
	}
	if _, err := Register(ctx, f.env, &badTypeLib{}, f.lib, Options{}); err == nil {
		t.Error("unsupported argument type should fail")
	}
	if _, err := Register(ctx, f.env, testLib{}, f.lib, Options{}); err == nil {
		t.Error("non-pointer target should fail")
	}
	if _, err := Register(ctx, f.env, &testLib{}, f.lib, Options{Convention: 3}); err == nil {
		t.Error("bad convention should fail")
	}
	if f.env.Runtime.Stats().GlobalRefs != 0 {
		t.Error("failed registrations leaked references")
	}
}

func TestParseTag(t *testing.T) {
	type s struct {
		A func() `ffi:"sym"`
		B func() `ffi:",lasterror,stdcall"`
		C func()
		D func() `ffi:"-"`
	}
	st := reflect.TypeFor[s]()
	tests := []struct {
		field string
		want  fieldTag
	}{
		{"A", fieldTag{symbol: "sym"}},
		{"B", fieldTag{symbol: "B", lastError: true, convention: abi.ConventionStdcall}},
		{"C", fieldTag{symbol: "C"}},
		{"D", fieldTag{symbol: "D", skip: true}},
	}
	for _, tt := range tests {
		f, _ := st.FieldByName(tt.field)
		got, err := parseTag(f, Options{})
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("%s: got %+v, want %+v", tt.field, got, tt.want)
		}
	}
}
