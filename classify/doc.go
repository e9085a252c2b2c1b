// Package classify maps Go types to native wire kinds and marshalling
// strategies.
//
// Each type gets a WireKind (the primitive slot it occupies) and, for
// reference types, a ConversionFlag chosen by capability in a fixed order:
//
//	structure by value > pointer > structure by reference > wide string >
//	string > callback > integer type > pointer type > native mapped /
//	type mapper > buffer > primitive slice > runtime context > any >
//	default (opaque reference)
//
// Primitive kinds are classified after the interface checks so that named
// types with special behaviour (value.Pointer, value.NativeLong) win over
// their underlying kind. Types with no native mapping are reported as
// classification errors; they are never defaulted.
package classify
