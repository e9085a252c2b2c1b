// Package value defines the managed-side types that have a special native
// representation: raw pointers and owned memory blocks, wide strings,
// C structures (by reference and by value), buffers, integer and pointer
// wrapper types, and the custom conversion hooks NativeMapped and
// TypeMapper.
//
// Structures are plain Go structs wrapped in Struct[T]:
//
//	type Point struct{ X, Y int32 }
//
//	p, err := value.NewStruct[Point](mem, alloc)
//	p.Value.X = 3
//	err = p.Write()
//
// Layouts follow the C rules of the wasm32 ABI: every field is aligned to its
// own alignment and the structure is padded to its largest alignment.
package value
