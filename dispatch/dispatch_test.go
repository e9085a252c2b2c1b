package dispatch

import (
	"context"
	stderrors "errors"
	"math"
	"reflect"
	"runtime"
	"testing"
	"time"

	"github.com/wippyai/wasm-ffi/attach"
	"github.com/wippyai/wasm-ffi/engine"
	"github.com/wippyai/wasm-ffi/engine/testlib"
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/host"
	"github.com/wippyai/wasm-ffi/marshal"
	"github.com/wippyai/wasm-ffi/native"
	"github.com/wippyai/wasm-ffi/value"
)

type fixture struct {
	engine  *engine.Engine
	lib     *engine.Library
	env     *marshal.Env
	threads *attach.Manager
	d       *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	e, err := engine.New(ctx, &engine.Config{InitialPages: 2})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(ctx) })
	e.SetProtected(true)

	lib, err := e.OpenBytes(ctx, "testlib", testlib.Bytes())
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}

	rt := host.New()
	env := &marshal.Env{
		Engine:  e,
		Memory:  e.Memory(),
		Alloc:   e.Allocator(),
		Runtime: rt,
		Context: 0x2000,
	}
	threads := attach.New(rt)
	t.Cleanup(threads.Close)
	return &fixture{engine: e, lib: lib, env: env, threads: threads, d: New(env, threads)}
}

func (f *fixture) fn(t *testing.T, name string, opts CallOptions) *Function {
	t.Helper()
	p, err := f.lib.Symbol(name)
	if err != nil {
		t.Fatalf("Symbol(%s): %v", name, err)
	}
	return f.d.NewFunction(value.Pointer(p), name, opts)
}

func kindOf(err error) errors.Kind {
	var ferr *errors.Error
	if stderrors.As(err, &ferr) {
		return ferr.Kind
	}
	return ""
}

func TestInvoke_PrimitiveIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		fn  string
		arg any
	}{
		{"returnInt8Argument", int8(math.MinInt8)},
		{"returnInt8Argument", int8(math.MaxInt8)},
		{"returnInt16Argument", int16(math.MinInt16)},
		{"returnWideCharArgument", uint16(math.MaxUint16)},
		{"returnInt32Argument", int32(math.MinInt32)},
		{"returnInt32Argument", uint32(math.MaxUint32)},
		{"returnInt64Argument", int64(math.MaxInt64)},
		{"returnInt64Argument", int64(math.MinInt64)},
		{"returnFloatArgument", float32(math.MaxFloat32)},
		{"returnDoubleArgument", -math.SmallestNonzeroFloat64},
		{"returnBooleanArgument", true},
		{"returnBooleanArgument", false},
		{"returnPointerArgument", value.Pointer(0xFFFFFFF0)},
		{"returnInt32Argument", value.NativeLong(-7)},
	}
	for _, tt := range tests {
		t.Run(tt.fn, func(t *testing.T) {
			got, err := f.fn(t, tt.fn, CallOptions{}).Invoke(ctx, reflect.TypeOf(tt.arg), tt.arg)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.arg {
				t.Errorf("got %v (%T), want %v (%T)", got, got, tt.arg, tt.arg)
			}
		})
	}
}

func TestInvoke_TypedForms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	i32, err := f.fn(t, "addInt32", CallOptions{}).Int32(ctx, int32(40), int32(2))
	if err != nil || i32 != 42 {
		t.Errorf("Int32 = %d, %v", i32, err)
	}
	i64, err := f.fn(t, "addInt64", CallOptions{}).Int64(ctx, int64(math.MaxInt32), int64(1))
	if err != nil || i64 != math.MaxInt32+1 {
		t.Errorf("Int64 = %d, %v", i64, err)
	}
	fl, err := f.fn(t, "returnFloatArgument", CallOptions{}).Float(ctx, float32(1.5))
	if err != nil || fl != 1.5 {
		t.Errorf("Float = %v, %v", fl, err)
	}
	db, err := f.fn(t, "addDouble", CallOptions{}).Double(ctx, 1.25, 2.5)
	if err != nil || db != 3.75 {
		t.Errorf("Double = %v, %v", db, err)
	}
	p, err := f.fn(t, "returnNull", CallOptions{}).PointerResult(ctx)
	if err != nil || !p.IsNull() {
		t.Errorf("PointerResult = %v, %v", p, err)
	}
	if err := f.fn(t, "callVoidCallback", CallOptions{}).Void(ctx, value.Pointer(0)); err == nil {
		t.Error("calling through a null function pointer should fail")
	}
}

func TestInvoke_Strings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	n, err := f.fn(t, "stringLength", CallOptions{}).Int32(ctx, "héllo")
	if err != nil || n != 6 {
		t.Errorf("stringLength(UTF-8) = %d, %v", n, err)
	}
	n, err = f.fn(t, "wideStringLength", CallOptions{}).Int32(ctx, value.WString("日本語"))
	if err != nil || n != 3 {
		t.Errorf("wideStringLength = %d, %v", n, err)
	}

	f.env.Charset = "ISO-8859-1"
	n, err = f.fn(t, "stringLength", CallOptions{}).Int32(ctx, "héllo")
	if err != nil || n != 5 {
		t.Errorf("stringLength(ISO-8859-1) = %d, %v", n, err)
	}
}

func TestInvoke_StringReturn(t *testing.T) {
	f := newFixture(t)
	got, err := f.fn(t, "returnStringArgument", CallOptions{}).Invoke(context.Background(), reflect.TypeFor[string](), "echo")
	if err != nil {
		t.Fatal(err)
	}
	if got != "echo" {
		t.Errorf("got %q", got)
	}
}

type counter struct {
	N     int32
	Extra int32
}

type quad struct {
	A int32
	B float32
	C int64
	D float64
}

func TestInvoke_StructureByReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := &value.Struct[counter]{Value: counter{N: 41, Extra: 9}}
	if err := f.fn(t, "incrementStructInt32Field", CallOptions{}).Void(ctx, s); err != nil {
		t.Fatal(err)
	}
	if s.Value.N != 42 || s.Value.Extra != 9 {
		t.Errorf("after call = %+v", s.Value)
	}
	if s.Address().IsNull() {
		t.Error("unbound structure should have been given native memory")
	}
	addr := s.Address()

	s.SetAutoSynch(false, true)
	if err := f.fn(t, "incrementStructInt32Field", CallOptions{}).Void(ctx, s); err != nil {
		t.Fatal(err)
	}
	if s.Address() != addr {
		t.Error("structure should keep its native memory")
	}
	if s.Value.N != 42 {
		t.Errorf("auto-read disabled, N = %d", s.Value.N)
	}
	if err := s.Read(); err != nil || s.Value.N != 43 {
		t.Errorf("explicit read = %d, %v", s.Value.N, err)
	}
	s.Free()
}

func incrementDropped(t *testing.T, fn *Function, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		s := &value.Struct[counter]{Value: counter{N: int32(i)}}
		if err := fn.Void(context.Background(), s); err != nil {
			t.Fatal(err)
		}
		if s.Value.N != int32(i)+1 {
			t.Fatalf("call %d: N = %d", i, s.Value.N)
		}
	}
}

func TestInvoke_StructureMemoryReclaimed(t *testing.T) {
	f := newFixture(t)
	heap := f.engine.Allocator()
	fn := f.fn(t, "incrementStructInt32Field", CallOptions{})
	before := heap.Blocks()

	incrementDropped(t, fn, 100)

	deadline := time.Now().Add(5 * time.Second)
	for heap.Blocks() != before && time.Now().Before(deadline) {
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
	}
	if got := heap.Blocks(); got != before {
		t.Errorf("heap blocks = %d after collection, want %d", got, before)
	}
}

func TestInvoke_StructureByValue(t *testing.T) {
	f := newFixture(t)
	in := &value.StructByValue[quad]{Struct: value.Struct[quad]{Value: quad{A: -1, B: 2.5, C: math.MaxInt64, D: math.Pi}}}
	var out value.StructByValue[quad]

	err := f.fn(t, testlib.StructIdentity(24), CallOptions{}).Structure(context.Background(), &out, in)
	if err != nil {
		t.Fatal(err)
	}
	if out.Value != in.Value {
		t.Errorf("got %+v, want %+v", out.Value, in.Value)
	}
}

func TestInvoke_ArrayCopyBack(t *testing.T) {
	f := newFixture(t)
	arr := []int32{41, 7}
	if err := f.fn(t, "incrementInt32ArrayFirst", CallOptions{}).Void(context.Background(), arr); err != nil {
		t.Fatal(err)
	}
	if arr[0] != 42 || arr[1] != 7 {
		t.Errorf("arr = %v", arr)
	}
	if f.engine.Allocator().Blocks() != 0 {
		t.Errorf("pinned memory leaked: %d blocks", f.engine.Allocator().Blocks())
	}
}

func TestInvoke_Variadic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	add := f.fn(t, "addVarargsInt32", CallOptions{Variadic: true, Fixed: 1})
	n, err := add.Int32(ctx, int32(1), int16(2), int8(3))
	if err != nil || n != 6 {
		t.Errorf("addVarargsInt32 = %d, %v", n, err)
	}

	first := f.fn(t, "firstVarargDouble", CallOptions{Variadic: true, Fixed: 1})
	d, err := first.Double(ctx, int32(1), float32(2.5))
	if err != nil || d != 2.5 {
		t.Errorf("firstVarargDouble = %v, %v", d, err)
	}
}

func TestInvoke_LastError(t *testing.T) {
	f := newFixture(t)
	th := native.NewThread("caller")
	defer th.Exit()
	ctx := native.WithThread(context.Background(), th)

	var released []marshal.ClaimKind
	f.env.OnRelease = func(c marshal.Claim) { released = append(released, c.Kind) }

	arr := []int32{0}
	fail := f.fn(t, "incrementAndFail", CallOptions{ThrowLastError: true})
	_, err := fail.Int32(ctx, arr, int32(5))
	if kindOf(err) != errors.KindLastError {
		t.Fatalf("err = %v, want last error", err)
	}
	var ferr *errors.Error
	stderrors.As(err, &ferr)
	if ferr.Code != 5 {
		t.Errorf("Code = %d", ferr.Code)
	}
	if arr[0] != 1 {
		t.Error("array should be copied back before the error is raised")
	}
	if len(released) != 1 || released[0] != marshal.ClaimArray {
		t.Errorf("released = %v", released)
	}
	if got := f.threads.State(th).LastError(); got != 5 {
		t.Errorf("thread last error = %d", got)
	}

	n, err := f.fn(t, "setLastError", CallOptions{}).Int32(ctx, int32(9))
	if err != nil || n != -1 {
		t.Errorf("setLastError = %d, %v", n, err)
	}
	if got := f.threads.State(th).LastError(); got != 9 {
		t.Errorf("thread last error = %d, want 9", got)
	}

	th.SetErrno(3)
	n, err = f.fn(t, "returnInt32Argument", CallOptions{ThrowLastError: true}).Int32(ctx, int32(1))
	if err != nil || n != 1 {
		t.Errorf("stale errno must be cleared before the call: %d, %v", n, err)
	}
}

func TestInvoke_Fault(t *testing.T) {
	f := newFixture(t)
	touch := f.fn(t, "touchOutOfBounds", CallOptions{})

	_, err := touch.Int32(context.Background())
	if kindOf(err) != errors.KindMemoryFault {
		t.Fatalf("err = %v, want memory fault", err)
	}

	f.engine.SetProtected(false)
	defer func() {
		if recover() == nil {
			t.Error("unprotected fault should panic")
		}
	}()
	_, _ = touch.Int32(context.Background())
}

type object struct{ name string }

func TestInvoke_Objects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.fn(t, "returnPointerArgument", CallOptions{})

	o := &object{name: "x"}
	got, err := id.Invoke(ctx, reflect.TypeFor[*object](), o)
	if err != nil {
		t.Fatal(err)
	}
	if got.(*object) != o {
		t.Errorf("got %v, want the same object", got)
	}
	if st := f.env.Runtime.Stats(); st.GlobalRefs != 0 {
		t.Errorf("references leaked: %+v", st)
	}

	got, err = f.fn(t, "returnNull", CallOptions{}).Invoke(ctx, reflect.TypeFor[*object]())
	if err != nil || got.(*object) != nil {
		t.Errorf("null return = %v, %v", got, err)
	}

	p, err := id.PointerResult(ctx, value.RuntimeContext(0))
	if err != nil || p != 0x2000 {
		t.Errorf("runtime context = %v, %v", p, err)
	}
}

func TestInvoke_PassFunction(t *testing.T) {
	f := newFixture(t)
	inner := f.fn(t, "returnInt32Argument", CallOptions{})
	p, err := f.fn(t, "returnPointerArgument", CallOptions{}).PointerResult(context.Background(), inner)
	if err != nil || p != inner.Pointer() {
		t.Errorf("got %v, want %v: %v", p, inner.Pointer(), err)
	}
}

func TestInvoke_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.fn(t, "returnInt32Argument", CallOptions{})

	f.d.SetMaxArgs(2)
	if _, err := id.Int32(ctx, 1, 2, 3); kindOf(err) != errors.KindTooManyArgs {
		t.Errorf("too many args: %v", err)
	}

	if _, err := id.WithOptions(CallOptions{Convention: 7}).Int32(ctx, int32(1)); kindOf(err) != errors.KindBadConvention {
		t.Errorf("bad convention: %v", err)
	}

	_, err := id.Int32(ctx, make(chan int))
	if kindOf(err) != errors.KindUnsupported {
		t.Fatalf("unsupported: %v", err)
	}
	var ferr *errors.Error
	stderrors.As(err, &ferr)
	if !reflect.DeepEqual(ferr.Path, []string{"arg", "0"}) {
		t.Errorf("Path = %v", ferr.Path)
	}

	if _, err := id.Invoke(ctx, reflect.TypeFor[[]int32](), int32(1)); kindOf(err) != errors.KindUnsupported {
		t.Errorf("array return: %v", err)
	}
	if f.engine.Allocator().Blocks() != 0 {
		t.Error("failed calls must not leave pinned memory")
	}
}

func TestFunction_String(t *testing.T) {
	d := &Dispatcher{}
	if got := d.NewFunction(0x20, "puts", CallOptions{}).String(); got != "native function puts@0x20" {
		t.Errorf("String = %q", got)
	}
	if got := d.NewFunction(0x20, "", CallOptions{}).String(); got != "native function@0x20" {
		t.Errorf("String = %q", got)
	}
}
