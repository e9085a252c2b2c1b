// Package errors provides structured error types for the wasm-ffi bridge.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries context for the failing call: argument path, Go and native
// type names, a platform error code, and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseClassify, errors.KindUnsupported).
//		Path("arg", "2").
//		GoType("chan int").
//		Detail("channels cannot cross the native boundary").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.TooManyArgs(300, 256)
//	err := errors.LastError(2, "ENOENT: no such file or directory")
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
