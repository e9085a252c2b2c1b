package bridge

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/wasm-ffi/bind"
	"github.com/wippyai/wasm-ffi/callback"
	"github.com/wippyai/wasm-ffi/dispatch"
	"github.com/wippyai/wasm-ffi/engine/testlib"
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/native"
	"github.com/wippyai/wasm-ffi/value"
)

func newBridge(t *testing.T, cfg *Config) (*Bridge, *Library) {
	t.Helper()
	ctx := context.Background()
	if cfg == nil {
		cfg = &Config{Protected: true}
	}
	b, err := New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(ctx) })

	lib, err := b.LoadBytes(ctx, "testlib", testlib.Bytes())
	require.NoError(t, err)
	return b, lib
}

func kindOf(err error) errors.Kind {
	var ferr *errors.Error
	if stderrors.As(err, &ferr) {
		return ferr.Kind
	}
	return ""
}

type sum struct {
	pad *int
}

func (s *sum) Callback(a, b int32) int32 { return a + b }

type failing struct {
	pad *int
}

func (f *failing) Callback(a, b int32) (int32, error) {
	return 99, stderrors.New("callback failed")
}

type point struct {
	X, Y int32
}

type mathLib struct {
	Add      func(a, b int32) int32                               `ffi:"addInt32"`
	AddWide  func(a, b int64) int64                               `ffi:"addInt64"`
	Fail     func(ctx context.Context, code int32) (int32, error) `ffi:"setLastError,lasterror"`
	Identity func(s string) string                                `ffi:"returnStringArgument"`
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(EnvLibraryPath, strings.Join([]string{"/opt/a", "", "/opt/b"}, string(os.PathListSeparator)))
	t.Setenv(EnvEncoding, "ISO-8859-1")
	t.Setenv(EnvProtected, "TRUE")

	cfg := ConfigFromEnv()
	require.NotNil(t, cfg.Engine)
	assert.Equal(t, []string{"/opt/a", "/opt/b"}, cfg.Engine.SearchPaths)
	assert.Equal(t, "ISO-8859-1", cfg.Encoding)
	assert.True(t, cfg.Protected)

	t.Setenv(EnvProtected, "0")
	assert.False(t, ConfigFromEnv().Protected)
}

func TestNew_Defaults(t *testing.T) {
	b, err := New(context.Background(), nil)
	require.NoError(t, err)
	defer b.Close(context.Background())

	assert.False(t, b.Engine().Protected())
	assert.NotZero(t, b.Env().Context)
	assert.Same(t, b.Callbacks(), b.Env().Callbacks)
	assert.Same(t, b.Runtime(), b.Env().Runtime)
	assert.NotNil(t, b.Env().NewFunction)
}

func TestNew_BadEncoding(t *testing.T) {
	_, err := New(context.Background(), &Config{Encoding: "no-such-charset"})
	require.Error(t, err)
}

func TestNew_InstallsLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	t.Cleanup(func() { SetLogger(zap.NewNop()) })

	b, err := New(context.Background(), &Config{Logger: zap.New(core)})
	require.NoError(t, err)
	_, err = b.LoadBytes(context.Background(), "testlib", testlib.Bytes())
	require.NoError(t, err)
	require.NoError(t, b.Close(context.Background()))

	assert.Equal(t, 1, logs.FilterMessage("bridge created").Len())
	assert.Equal(t, 1, logs.FilterMessage("library opened").Len())
	assert.Equal(t, 1, logs.FilterMessage("bridge closed").Len())
}

func TestLoad_SearchPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "libtestlib.wasm"), testlib.Bytes(), 0o644))

	ctx := context.Background()
	b, err := New(ctx, (&Config{}).WithSearchPaths(dir))
	require.NoError(t, err)
	defer b.Close(ctx)

	lib, err := b.Load(ctx, "testlib")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "libtestlib.wasm"), lib.Path())
	assert.NotEmpty(t, lib.Exports())

	add, err := b.Function(lib, "addInt32", dispatch.CallOptions{})
	require.NoError(t, err)
	got, err := add.Int32(ctx, int32(2), int32(3))
	require.NoError(t, err)
	assert.Equal(t, int32(5), got)

	_, err = b.Load(ctx, "missing")
	assert.Equal(t, errors.KindNotFound, kindOf(err))

	_, err = lib.Function("noSuchSymbol", dispatch.CallOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "noSuchSymbol")
}

func TestFunction_Values(t *testing.T) {
	b, lib := newBridge(t, nil)
	ctx := context.Background()

	id, err := lib.Function("returnInt32Argument", dispatch.CallOptions{})
	require.NoError(t, err)
	for _, v := range []int32{0, 1, -1, 1 << 30} {
		got, err := id.Invoke(ctx, reflect.TypeFor[int32](), v)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}

	str, err := lib.Function("returnStringArgument", dispatch.CallOptions{})
	require.NoError(t, err)
	got, err := str.Invoke(ctx, reflect.TypeFor[string](), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	s, err := NewStruct[point](b)
	require.NoError(t, err)
	defer s.Free()
	s.Value = point{X: 41, Y: 7}

	inc, err := lib.Function("incrementStructInt32Field", dispatch.CallOptions{})
	require.NoError(t, err)
	require.NoError(t, inc.Void(ctx, s))
	assert.Equal(t, point{X: 42, Y: 7}, s.Value)

	assert.Zero(t, b.Runtime().Stats().GlobalRefs)
}

func TestFunction_Protected(t *testing.T) {
	_, lib := newBridge(t, &Config{Protected: true})
	fn, err := lib.Function("touchOutOfBounds", dispatch.CallOptions{})
	require.NoError(t, err)

	_, err = fn.Int32(context.Background())
	assert.Equal(t, errors.KindMemoryFault, kindOf(err))
}

func TestLastError(t *testing.T) {
	b, lib := newBridge(t, nil)
	th := native.NewThread("caller")
	defer th.Exit()
	ctx := native.WithThread(context.Background(), th)

	fn, err := lib.Function("setLastError", dispatch.CallOptions{ThrowLastError: true})
	require.NoError(t, err)
	_, err = fn.Int32(ctx, int32(2))
	require.Error(t, err)
	assert.Equal(t, errors.KindLastError, kindOf(err))
	assert.Equal(t, int32(2), b.LastError(ctx))

	b.SetLastError(ctx, 7)
	assert.Equal(t, int32(7), b.LastError(ctx))
	assert.Equal(t, int32(7), th.Errno())
}

func TestCallback_ThroughNative(t *testing.T) {
	b, lib := newBridge(t, nil)
	ctx := context.Background()

	call, err := lib.Function("callInt32Callback", dispatch.CallOptions{})
	require.NoError(t, err)

	cb := &sum{}
	got, err := call.Int32(ctx, cb, int32(40), int32(2))
	require.NoError(t, err)
	assert.Equal(t, int32(42), got)

	p1, err := b.CallbackAddress(ctx, cb)
	require.NoError(t, err)
	p2, err := b.CallbackAddress(ctx, cb)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.Equal(t, 1, b.Callbacks().Len())

	obj, ok := b.Callbacks().Lookup(p1)
	require.True(t, ok)
	assert.Same(t, cb, obj)

	require.NoError(t, b.FreeCallback(p1))
	assert.Zero(t, b.Callbacks().Len())
	runtime.KeepAlive(cb)
}

func TestCallback_ExceptionReturnsZero(t *testing.T) {
	var (
		mu     sync.Mutex
		caught []error
	)
	handler := callback.ExceptionHandlerFunc(func(_ any, err error) {
		mu.Lock()
		caught = append(caught, err)
		mu.Unlock()
	})
	_, lib := newBridge(t, &Config{Protected: true, ExceptionHandler: handler})

	call, err := lib.Function("callInt32Callback", dispatch.CallOptions{})
	require.NoError(t, err)
	cb := &failing{}
	got, err := call.Int32(context.Background(), cb, int32(1), int32(2))
	require.NoError(t, err)
	assert.Zero(t, got)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, caught, 1)
	assert.Contains(t, caught[0].Error(), "callback failed")
	runtime.KeepAlive(cb)
}

func TestCallback_Descriptor(t *testing.T) {
	b, _ := newBridge(t, nil)
	cb := &sum{}
	d, err := b.Callback(cb, "", nil, callback.Options{Direct: true})
	require.NoError(t, err)

	assert.Len(t, d.Flags(), len(d.NativeSignature().Args))
	assert.Equal(t, d.Address(), d.Pointer())
	require.NoError(t, d.Free())
	runtime.KeepAlive(cb)
}

func TestRegister(t *testing.T) {
	b, lib := newBridge(t, nil)
	th := native.NewThread("binder")
	defer th.Exit()
	ctx := native.WithThread(context.Background(), th)

	var m mathLib
	bd, err := b.Register(ctx, &m, lib, bind.Options{})
	require.NoError(t, err)
	assert.Len(t, bd.Methods(), 4)

	assert.Equal(t, int32(5), m.Add(2, 3))
	assert.Equal(t, int64(1<<40+1), m.AddWide(1<<40, 1))
	assert.Equal(t, "héllo", m.Identity("héllo"))

	_, err = m.Fail(ctx, 3)
	require.Error(t, err)
	assert.Equal(t, errors.KindLastError, kindOf(err))
	assert.Equal(t, int32(3), b.LastError(ctx))

	require.NoError(t, b.Close(context.Background()))
	assert.Nil(t, m.Add)
	assert.Zero(t, b.Engine().Closures())
}

func TestSizeof(t *testing.T) {
	for name, want := range map[string]uint32{
		TypePointer: 4, TypeLong: 4, TypeWChar: 4, TypeSizeT: 4, TypeBool: 4,
	} {
		got, err := SizeofNative(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := SizeofNative("long double")
	assert.Equal(t, errors.KindNotFound, kindOf(err))

	tests := []struct {
		typ  reflect.Type
		want uint32
	}{
		{reflect.TypeFor[int8](), 1},
		{reflect.TypeFor[int16](), 2},
		{reflect.TypeFor[float64](), 8},
		{reflect.TypeFor[bool](), 4},
		{reflect.TypeFor[value.Pointer](), 4},
		{reflect.TypeFor[string](), 4},
		{reflect.TypeFor[point](), 8},
		{reflect.TypeFor[[3]int32](), 12},
	}
	for _, tt := range tests {
		got, err := Sizeof(tt.typ)
		require.NoError(t, err, tt.typ.String())
		assert.Equal(t, tt.want, got, tt.typ.String())
	}
}

func TestMemory(t *testing.T) {
	b, _ := newBridge(t, nil)
	m, err := b.NewMemory(16)
	require.NoError(t, err)
	defer m.Free()

	require.NoError(t, m.Write(0, []byte("wide\x00")))
	s, err := b.ReadString(m.Pointer())
	require.NoError(t, err)
	assert.Equal(t, "wide", s)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	b, err := New(ctx, nil)
	require.NoError(t, err)
	lib, err := b.LoadBytes(ctx, "testlib", testlib.Bytes())
	require.NoError(t, err)

	require.NoError(t, b.Close(ctx))
	require.NoError(t, b.Close(ctx))

	_, err = b.LoadBytes(ctx, "testlib", testlib.Bytes())
	assert.Equal(t, errors.KindClosed, kindOf(err))
	_, err = lib.Symbol("addInt32")
	assert.Equal(t, errors.KindClosed, kindOf(err))
	_, err = b.NewMemory(8)
	assert.Equal(t, errors.KindClosed, kindOf(err))
}
