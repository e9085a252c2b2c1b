// Package testlib generates the native library used to exercise the bridge.
//
// The library imports the shared memory and the ffi host functions like any
// other library. Functions that call through a function pointer use fixed
// scratch memory below the heap base and must not run concurrently.
package testlib

import (
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-ffi/engine/internal/wasmgen"
)

// Scratch addresses used by the callback helpers.
const (
	ScratchArgs = 1024
	ScratchArgv = 1088
	ScratchRet  = 1152
)

// StructSizes lists the sizes for which a returnStructByValue<N> identity
// function exists.
var StructSizes = []uint32{4, 8, 16, 24, 32, 40, 48}

// StructIdentity returns the name of the by-value identity function for a
// structure of the given size.
func StructIdentity(size uint32) string {
	return fmt.Sprintf("returnStructByValue%d", size)
}

var (
	once sync.Once
	bin  []byte
)

// Bytes returns the library binary.
func Bytes() []byte {
	once.Do(func() { bin = build() })
	return bin
}

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
	f32 = api.ValueTypeF32
	f64 = api.ValueTypeF64
)

func types(t ...api.ValueType) []api.ValueType { return t }

func build() []byte {
	b := wasmgen.New()
	callPtr := b.ImportFunc("ffi", "call_ptr", types(i32, i32, i32), nil)
	setErrno := b.ImportFunc("ffi", "set_errno", types(i32), nil)
	b.ImportMemory("env", "memory", 1)

	get := wasmgen.LocalGet
	c32 := wasmgen.I32Const

	for _, name := range []string{
		"returnInt8Argument", "returnInt16Argument", "returnInt32Argument",
		"returnWideCharArgument", "returnBooleanArgument", "returnPointerArgument",
		"returnStringArgument", "returnWStringArgument", "returnStructureByReference",
	} {
		b.Func(name, types(i32), types(i32), nil, get(0))
	}
	b.Func("returnInt64Argument", types(i64), types(i64), nil, get(0))
	b.Func("returnFloatArgument", types(f32), types(f32), nil, get(0))
	b.Func("returnDoubleArgument", types(f64), types(f64), nil, get(0))
	b.Func("returnNull", nil, types(i32), nil, c32(0))

	b.Func("addInt32", types(i32, i32), types(i32), nil, get(0), get(1), wasmgen.I32Add)
	b.Func("addInt64", types(i64, i64), types(i64), nil, get(0), get(1), wasmgen.I64Add)
	b.Func("addDouble", types(f64, f64), types(f64), nil, get(0), get(1), wasmgen.F64Add)

	// void incrementInt32ArrayFirst(int32_t *arr)
	b.Func("incrementInt32ArrayFirst", types(i32), nil, nil,
		get(0), get(0), wasmgen.I32Load(0), c32(1), wasmgen.I32Add, wasmgen.I32Store(0))

	// int32_t setLastError(int32_t code): sets errno, returns -1
	b.Func("setLastError", types(i32), types(i32), nil,
		get(0), wasmgen.Call(setErrno), c32(-1))

	// int32_t incrementAndFail(int32_t *arr, int32_t code)
	b.Func("incrementAndFail", types(i32, i32), types(i32), nil,
		get(0), get(0), wasmgen.I32Load(0), c32(1), wasmgen.I32Add, wasmgen.I32Store(0),
		get(1), wasmgen.Call(setErrno), c32(-1))

	// int32_t stringLength(const char *s)
	b.Func("stringLength", types(i32), types(i32), types(i32),
		wasmgen.Block(), wasmgen.Loop(),
		get(0), get(1), wasmgen.I32Add, wasmgen.I32Load8U(0), wasmgen.I32Eqz, wasmgen.BrIf(1),
		get(1), c32(1), wasmgen.I32Add, wasmgen.LocalSet(1),
		wasmgen.Br(0),
		wasmgen.End, wasmgen.End,
		get(1))

	// int32_t wideStringLength(const wchar_t *s)
	b.Func("wideStringLength", types(i32), types(i32), types(i32),
		wasmgen.Block(), wasmgen.Loop(),
		get(0), get(1), c32(4), wasmgen.I32Mul, wasmgen.I32Add, wasmgen.I32Load(0), wasmgen.I32Eqz, wasmgen.BrIf(1),
		get(1), c32(1), wasmgen.I32Add, wasmgen.LocalSet(1),
		wasmgen.Br(0),
		wasmgen.End, wasmgen.End,
		get(1))

	// struct S returnStructByValue<N>(struct S s): sret first
	for _, size := range StructSizes {
		b.Func(StructIdentity(size), types(i32, i32), nil, nil,
			get(0), get(1), c32(int32(size)), wasmgen.MemoryCopy())
	}

	// void incrementStructInt32Field(struct { int32_t v; ... } *s)
	b.Func("incrementStructInt32Field", types(i32), nil, nil,
		get(0), get(0), wasmgen.I32Load(0), c32(1), wasmgen.I32Add, wasmgen.I32Store(0))

	// int32_t addVarargsInt32(int32_t first, ...): first + two int varargs
	b.Func("addVarargsInt32", types(i32, i32), types(i32), nil,
		get(0), get(1), wasmgen.I32Load(0), wasmgen.I32Add, get(1), wasmgen.I32Load(4), wasmgen.I32Add)

	// double firstVarargDouble(int32_t n, ...)
	b.Func("firstVarargDouble", types(i32, i32), types(f64), nil,
		get(1), wasmgen.F64Load(0))

	// int32_t touchOutOfBounds(void): reads past the end of memory
	b.Func("touchOutOfBounds", nil, types(i32), nil,
		c32(-1), wasmgen.I32Load(0))

	// int32_t callInt32Callback(int32_t (*fn)(int32_t, int32_t), int32_t a, int32_t b)
	b.Func("callInt32Callback", types(i32, i32, i32), types(i32), nil,
		storeArg(0, get(1), wasmgen.I32Store(0)),
		storeArg(1, get(2), wasmgen.I32Store(0)),
		callThrough(callPtr, get(0), ScratchRet),
		c32(ScratchRet), wasmgen.I32Load(0))

	// void callVoidCallback(void (*fn)(void))
	b.Func("callVoidCallback", types(i32), nil, nil,
		get(0), c32(0), c32(0), wasmgen.Call(callPtr))

	// double callDoubleCallback(double (*fn)(double), double d)
	b.Func("callDoubleCallback", types(i32, f64), types(f64), nil,
		storeArg(0, get(1), wasmgen.F64Store(0)),
		callThrough(callPtr, get(0), ScratchRet),
		c32(ScratchRet), wasmgen.F64Load(0))

	// const char *callStringCallback(const char *(*fn)(const char *), const char *s)
	b.Func("callStringCallback", types(i32, i32), types(i32), nil,
		storeArg(0, get(1), wasmgen.I32Store(0)),
		callThrough(callPtr, get(0), ScratchRet),
		c32(ScratchRet), wasmgen.I32Load(0))

	// void callStructCallback(void (*fn)(struct S *), struct S *s)
	b.Func("callStructCallback", types(i32, i32), nil, nil,
		storeArg(0, get(1), wasmgen.I32Store(0)),
		callThrough(callPtr, get(0), 0))

	// struct S callStructByValueCallback(struct S (*fn)(void)): sret first
	b.Func("callStructByValueCallback", types(i32, i32), nil, nil,
		get(1), c32(0), get(0), wasmgen.Call(callPtr))

	return b.Build()
}

// storeArg stores argument i at its scratch slot and records its address in
// the argv array.
func storeArg(i int32, value []byte, store []byte) []byte {
	var code []byte
	code = append(code, wasmgen.I32Const(ScratchArgs+8*i)...)
	code = append(code, value...)
	code = append(code, store...)
	code = append(code, wasmgen.I32Const(ScratchArgv+4*i)...)
	code = append(code, wasmgen.I32Const(ScratchArgs+8*i)...)
	code = append(code, wasmgen.I32Store(0)...)
	return code
}

// callThrough emits call_ptr(fn, argv, ret).
func callThrough(callPtr uint32, fn []byte, ret int32) []byte {
	var code []byte
	code = append(code, fn...)
	code = append(code, wasmgen.I32Const(ScratchArgv)...)
	code = append(code, wasmgen.I32Const(ret)...)
	code = append(code, wasmgen.Call(callPtr)...)
	return code
}
