package wasmgen

import (
	"encoding/binary"
	"math"
)

// Instruction encoders. Each returns the bytes of one instruction.

func LocalGet(i uint32) []byte { return append([]byte{0x20}, EncodeULEB128(i)...) }
func LocalSet(i uint32) []byte { return append([]byte{0x21}, EncodeULEB128(i)...) }
func Call(fn uint32) []byte    { return append([]byte{0x10}, EncodeULEB128(fn)...) }
func I32Const(v int32) []byte  { return append([]byte{0x41}, EncodeSLEB128(v)...) }
func I64Const(v int64) []byte  { return append([]byte{0x42}, EncodeSLEB128(v)...) }

func F64Const(v float64) []byte {
	b := []byte{0x44, 0, 0, 0, 0, 0, 0, 0, 0}
	binary.LittleEndian.PutUint64(b[1:], math.Float64bits(v))
	return b
}

func memarg(op byte, align, offset uint32) []byte {
	out := []byte{op}
	out = append(out, EncodeULEB128(align)...)
	return append(out, EncodeULEB128(offset)...)
}

func I32Load(offset uint32) []byte    { return memarg(0x28, 2, offset) }
func I64Load(offset uint32) []byte    { return memarg(0x29, 3, offset) }
func F32Load(offset uint32) []byte    { return memarg(0x2a, 2, offset) }
func F64Load(offset uint32) []byte    { return memarg(0x2b, 3, offset) }
func I32Load8U(offset uint32) []byte  { return memarg(0x2d, 0, offset) }
func I32Store(offset uint32) []byte   { return memarg(0x36, 2, offset) }
func I64Store(offset uint32) []byte   { return memarg(0x37, 3, offset) }
func F32Store(offset uint32) []byte   { return memarg(0x38, 2, offset) }
func F64Store(offset uint32) []byte   { return memarg(0x39, 3, offset) }
func I32Store8(offset uint32) []byte  { return memarg(0x3a, 0, offset) }
func I32Store16(offset uint32) []byte { return memarg(0x3b, 1, offset) }

// MemoryCopy copies n bytes: operands are dst, src, n.
func MemoryCopy() []byte { return []byte{0xfc, 0x0a, 0x00, 0x00} }

var (
	I32Add = []byte{0x6a}
	I32Sub = []byte{0x6b}
	I32Mul = []byte{0x6c}
	I32Eqz = []byte{0x45}
	I64Add = []byte{0x7c}
	F64Add = []byte{0xa0}
	Drop   = []byte{0x1a}
	Return = []byte{0x0f}
	End    = []byte{0x0b}
)

// Block and Loop open an untyped block; close with End.
func Block() []byte { return []byte{0x02, 0x40} }
func Loop() []byte  { return []byte{0x03, 0x40} }

func Br(depth uint32) []byte   { return append([]byte{0x0c}, EncodeULEB128(depth)...) }
func BrIf(depth uint32) []byte { return append([]byte{0x0d}, EncodeULEB128(depth)...) }
