// Package bridge composes the foreign-call components into one value.
//
// A Bridge owns a call engine with its shared memory, the host runtime, the
// attachment manager, the callback engine and the outbound dispatcher, all
// wired to a single conversion environment:
//
//	b, err := bridge.New(ctx, bridge.ConfigFromEnv())
//	if err != nil {
//	    return err
//	}
//	defer b.Close(ctx)
//
//	lib, err := b.Load(ctx, "testlib")
//	add, err := b.Function(lib, "addInt32", dispatch.CallOptions{})
//	sum, err := add.Int32(ctx, int32(2), int32(3))
//
// # Environment
//
// ConfigFromEnv reads:
//
//	WASMFFI_LIBRARY_PATH  list of directories appended to the search paths
//	WASMFFI_ENCODING      charset of narrow strings
//	WASMFFI_PROTECTED     "true" or "1" returns native faults as errors
//
// # Shutdown
//
// Close unregisters bindings created with Register, frees every trampoline,
// releases the runtime context block and closes the engine together with
// every library it loaded.
package bridge
