package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-ffi/abi"
	"github.com/wippyai/wasm-ffi/engine/internal/wasmgen"
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/native"
)

// Module names that libraries import from.
const (
	EnvModule = "env"
	FFIModule = "ffi"
)

const (
	defaultInitialPages = 4
	defaultHeapBase     = pageSize
	firstFuncAddr       = 0x10
	funcAddrStep        = 0x10
)

// Config holds configuration for engine creation
type Config struct {
	// SearchPaths lists directories searched by Open for library files.
	SearchPaths []string

	// MemoryLimitPages sets the maximum shared memory in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	MemoryLimitPages uint32

	// InitialPages sets the initial shared memory size. 0 means 4 pages.
	InitialPages uint32

	// HeapBase is the lowest address handed out by the allocator. Memory
	// below it is left to libraries for static data. 0 means 64KB.
	HeapBase uint32

	// Interpreter selects the wazero interpreter instead of the compiler.
	Interpreter bool
}

// Engine implements abi.Engine on wazero. All libraries opened by one engine
// import the same memory from the env module and the call_ptr/errno host
// functions from the ffi module.
type Engine struct {
	runtime   wazero.Runtime
	memory    *WazeroMemory
	heap      *Heap
	funcs     map[uint32]*function
	libs      map[string]*Library
	cfg       Config
	funcsMu   sync.RWMutex
	libsMu    sync.Mutex
	nextAddr  uint32
	libSeq    int
	closures  atomic.Int64
	protected atomic.Bool
	closed    atomic.Bool
}

// function is a native function pointer target: a library export or a
// closure.
type function struct {
	lib     *Library
	closure *closure
	name    string
	addr    uint32
}

// New creates an engine with its shared memory and host modules.
func New(ctx context.Context, cfg *Config) (*Engine, error) {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	if c.InitialPages == 0 {
		c.InitialPages = defaultInitialPages
	}
	if c.HeapBase == 0 {
		c.HeapBase = defaultHeapBase
	}

	runtimeCfg := wazero.NewRuntimeConfig()
	if c.Interpreter {
		runtimeCfg = wazero.NewRuntimeConfigInterpreter()
	}
	if c.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(c.MemoryLimitPages)
	}
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	e := &Engine{
		runtime:  runtime,
		cfg:      c,
		funcs:    make(map[uint32]*function),
		libs:     make(map[string]*Library),
		nextAddr: firstFuncAddr,
	}

	envBuilder := wasmgen.New()
	envBuilder.Memory(c.InitialPages, "memory")
	envMod, err := runtime.InstantiateWithConfig(ctx, envBuilder.Build(), wazero.NewModuleConfig().WithName(EnvModule))
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindAllocation, err, "instantiate shared memory")
	}
	mem := envMod.ExportedMemory("memory")
	e.memory = &WazeroMemory{mem: mem}
	e.heap = newHeap(mem, c.HeapBase)

	if err := e.instantiateHostModule(ctx); err != nil {
		_ = runtime.Close(ctx)
		return nil, err
	}

	Logger().Debug("engine created",
		zap.Uint32("initial_pages", c.InitialPages),
		zap.Uint32("heap_base", c.HeapBase),
		zap.Strings("search_paths", c.SearchPaths))
	return e, nil
}

func (e *Engine) instantiateHostModule(ctx context.Context) error {
	i32 := api.ValueTypeI32
	_, err := e.runtime.NewHostModuleBuilder(FFIModule).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(e.callPtr), []api.ValueType{i32, i32, i32}, nil).
		Export("call_ptr").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(e.setErrno), []api.ValueType{i32}, nil).
		Export("set_errno").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(e.getErrno), nil, []api.ValueType{i32}).
		Export("errno").
		Instantiate(ctx)
	if err != nil {
		return errors.Wrap(errors.PhaseLoad, errors.KindAllocation, err, "instantiate ffi host module")
	}
	return nil
}

// Memory returns the shared linear memory.
func (e *Engine) Memory() *WazeroMemory {
	return e.memory
}

// Allocator returns the shared heap.
func (e *Engine) Allocator() *Heap {
	return e.heap
}

// SetProtected selects whether native faults are returned as errors (true)
// or raised as panics (false), the latter modelling a process crash.
func (e *Engine) SetProtected(on bool) {
	e.protected.Store(on)
}

// Protected reports the protection mode.
func (e *Engine) Protected() bool {
	return e.protected.Load()
}

// Closures returns the number of live closures.
func (e *Engine) Closures() int {
	return int(e.closures.Load())
}

func (e *Engine) register(f *function) uint32 {
	e.funcsMu.Lock()
	defer e.funcsMu.Unlock()
	f.addr = e.nextAddr
	e.nextAddr += funcAddrStep
	e.funcs[f.addr] = f
	return f.addr
}

func (e *Engine) unregister(addr uint32) {
	e.funcsMu.Lock()
	defer e.funcsMu.Unlock()
	delete(e.funcs, addr)
}

func (e *Engine) lookup(addr uint32) *function {
	e.funcsMu.RLock()
	defer e.funcsMu.RUnlock()
	return e.funcs[addr]
}

// Close releases every library and the runtime.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.libsMu.Lock()
	libs := make([]*Library, 0, len(e.libs))
	for _, l := range e.libs {
		libs = append(libs, l)
	}
	e.libsMu.Unlock()

	for _, l := range libs {
		if err := l.Close(ctx); err != nil {
			Logger().Warn("library close failed", zap.String("library", l.name), zap.Error(err))
		}
	}
	return e.runtime.Close(ctx)
}

func (e *Engine) setErrno(ctx context.Context, _ api.Module, stack []uint64) {
	if th, ok := native.ThreadFrom(ctx); ok {
		th.SetErrno(api.DecodeI32(stack[0]))
	}
}

func (e *Engine) getErrno(ctx context.Context, _ api.Module, stack []uint64) {
	var code int32
	if th, ok := native.ThreadFrom(ctx); ok {
		code = th.Errno()
	}
	stack[0] = api.EncodeI32(code)
}

var _ abi.Engine = (*Engine)(nil)
