// Package engine provides the wazero-backed native call engine.
//
// # Overview
//
// The engine hosts native libraries compiled to core WebAssembly for the
// wasm32 C ABI. Every library opened by one engine imports the same linear
// memory from the "env" module and three host functions from the "ffi"
// module:
//
//	call_ptr(fn i32, argv i32, ret i32)  call through a function pointer
//	set_errno(code i32)                  set the calling thread's errno
//	errno() i32                          read the calling thread's errno
//
// # Function Pointers
//
// Function pointers are engine-assigned addresses. Library.Symbol assigns one
// to an export; AllocateClosure assigns one to a Go handler. Both kinds can
// be called from Go with Call and from native code with call_ptr. For
// call_ptr, argv points to an array of i32 pointers, one per argument, each
// addressing the argument's value; ret addresses storage for the result,
// which must be at least 8 bytes for integer results.
//
// # Calling Convention
//
// Call lowers argument slots following the wasm32 C ABI:
//
//	integers up to 32 bits and pointers  i32 (sign or zero extended)
//	64-bit integers                      i64
//	float, double                        f32, f64
//	struct argument                      pointer to a temporary copy
//	struct return                        leading pointer to a temporary block
//	variadic tail                        pointer to a buffer of values
//
// Temporary blocks come from the shared Heap and are released when the call
// returns.
//
// # Faults
//
// A trap during a native call is a native crash. In protected mode Call
// returns a memory_fault error; otherwise it panics with that error.
//
// # Memory
//
// Shared memory starts at Config.InitialPages. Addresses below
// Config.HeapBase belong to libraries for static data and scratch space; the
// Heap allocates above it and grows the memory on demand.
//
// # Threads
//
// Call attaches a transient native.Thread to the context when the caller did
// not supply one, so errno and TLS are always per thread.
package engine
