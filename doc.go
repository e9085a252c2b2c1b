// Package wasmffi is a dynamic foreign-call bridge between Go and native
// libraries compiled to WebAssembly with the wasm32 C ABI.
//
// Go code calls native functions whose signatures are only known at run time,
// and native code calls back into Go through generated function pointers
// (trampolines) bound to Go callback objects. Libraries are executed by wazero
// and share a single linear memory, so a native pointer is valid across every
// library loaded by one bridge.
//
// # Architecture Overview
//
//	wasmffi/            Root package with core Memory and Allocator interfaces
//	├── bridge/         Facade composing every component from one Config
//	├── engine/         wazero call engine, closures, shared heap, library loader
//	├── abi/            C ABI types, struct layout, call signatures, slot codecs
//	├── native/         Native threads, TLS teardown hooks, errno channel
//	├── host/           Managed object model: attach, frames, handles, weak refs
//	├── value/          Native-facing Go types: Pointer, Struct, Buffer, WString
//	├── classify/       Type to wire-kind and conversion-flag classifier
//	├── marshal/        String, structure and array helpers, shared conversions
//	├── dispatch/       Outbound call dispatcher and Function
//	├── callback/       Callback trampoline engine and descriptor registry
//	├── bind/           Direct binding of func-typed struct fields to symbols
//	├── attach/         Per-thread attachment manager
//	├── errors/         Structured error types
//	└── cmd/ffi-run/    CLI and TUI for listing and calling library exports
//
// # Quick Start
//
//	b, err := bridge.New(ctx, bridge.ConfigFromEnv())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer b.Close(ctx)
//
//	lib, err := b.Load(ctx, "libm")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fn, err := b.Function(lib, "cbrt", dispatch.CallOptions{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	r, err := fn.Invoke(ctx, reflect.TypeFor[float64](), 27.0)
//
// # Threads
//
// Native threads are modelled by native.Thread values carried in the context.
// A call that arrives without a thread runs on a transient thread that exits
// when the call returns. Callbacks may be invoked concurrently from any number
// of threads; each invocation gets its own reference frame and thread state.
//
// # Memory Model
//
// Linear memory can only grow, never shrink. Blocks freed through the
// Allocator are reused by later allocations.
package wasmffi
