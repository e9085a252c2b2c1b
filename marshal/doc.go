// Package marshal converts Go values to native argument slots and back.
//
// An Env holds everything a conversion needs (engine, shared memory,
// allocator, host runtime, callback resolver, string charset) and is built
// once. Each crossing of the boundary opens a Session, which records the
// native copies made for it:
//
//	s := env.NewSession(globals)
//	defer s.Release()
//	slot, err := s.ToNative(ctx, class, arg)
//
// Pinned slices and heap buffers are copied into native memory and copied
// back when released. Release walks the claims in the order they were made.
//
// Narrow strings use the configured charset (golang.org/x/text encodings,
// looked up by IANA name); wide strings are UTF-32LE. Both are
// NUL-terminated, and reads stop at the first NUL.
package marshal
