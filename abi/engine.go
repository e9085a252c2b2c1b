package abi

import "context"

// ClosureHandler receives a call made through a closure's entry point. args
// holds one slot per argument of sig; the handler writes the result into ret,
// which is nil for void returns.
type ClosureHandler func(ctx context.Context, sig *Signature, ret []byte, args [][]byte, userData any)

// Closure is an allocated trampoline: a native function pointer that invokes
// its handler with its user data.
type Closure interface {
	// Address returns the native entry point. It is stable and unique for the
	// closure's lifetime.
	Address() uint32
	Signature() *Signature
	// Free releases the entry point. Later calls through it fail.
	Free() error
}

// Engine performs native calls and allocates closures.
type Engine interface {
	// Call invokes fn with the given argument slots and stores the result in
	// ret. The context's native thread is the calling thread.
	Call(ctx context.Context, sig *Signature, fn uint32, ret []byte, args [][]byte) error
	AllocateClosure(sig *Signature, handler ClosureHandler, userData any) (Closure, error)
}
