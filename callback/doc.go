// Package callback turns managed objects into native function pointers.
//
// A Descriptor owns a trampoline allocated from the engine. When native
// code calls the trampoline, the calling thread is attached to the host
// runtime, the native arguments are converted to the method's parameter
// types, the method runs inside its own reference frame and the result is
// converted back. Errors and panics raised by the method never reach native
// code; they go to the ExceptionHandler and the native caller sees a zero
// result. The same happens when the target object has been collected.
//
// Callback objects are values with a method named Callback:
//
//	type comparator struct{}
//
//	func (*comparator) Callback(a, b value.Pointer) int32 { ... }
//
// Passing such an object as an argument of a native call creates its
// trampoline on first use through Engine.Address.
package callback
