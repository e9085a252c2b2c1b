// Package bind implements direct binding: the func fields of a struct are
// bound to native functions once, and calling a field performs the native
// call without classifying its arguments again.
//
//	type libc struct {
//		Strlen func(s string) int32                 `ffi:"strlen"`
//		Write  func(fd int32, b []byte, n uint32) (int32, error) `ffi:"write,lasterror"`
//	}
//
//	var c libc
//	b, err := bind.Register(ctx, env, &c, lib, bind.Options{})
//	defer b.Unregister()
//
// A field may take a context.Context first; it selects the native thread
// the call runs on. Failures are returned through a trailing error result,
// or raised as a panic when the field has none.
package bind
