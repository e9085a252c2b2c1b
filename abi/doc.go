// Package abi describes the wasm32 C ABI used by the call engine.
//
// It provides native type descriptors with C struct layout, prepared call
// signatures with calling-convention validation, argument and return slot
// codecs, and the Engine and Closure interfaces implemented by package engine.
//
// Values cross the boundary as slots: little-endian byte slices holding one
// argument each. Aggregates occupy their full layout size. Integer returns
// narrower than a register use an 8-byte slot and are extended by PutReturn.
//
// Lowering rules implemented by the engine:
//
//	8/16/32-bit integers, bool, pointers  i32
//	64-bit integers                       i64
//	float                                 f32
//	double                                f64
//	struct argument                       i32 pointer to a caller-owned copy
//	struct return                         leading i32 pointer (sret)
//	variadic tail                         i32 pointer to a buffer of promoted values
package abi
