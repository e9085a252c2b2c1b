// Package dispatch calls native functions with arguments whose types are
// only known at run time.
//
// Every call classifies its arguments, prepares a call descriptor, converts
// the arguments into native slots, performs the call on the current native
// thread and converts the result back. Memory pinned for the call is
// released before any error is reported, including the last-error check
// requested by CallOptions.ThrowLastError:
//
//	d := dispatch.New(env, threads)
//	n, err := d.InvokeInt32(ctx, fn, dispatch.CallOptions{}, "hello")
//
// Variadic calls apply C default argument promotion to the variadic tail:
// integers narrower than int become int and float becomes double.
package dispatch
