package abi

import (
	"encoding/binary"
	"math"
)

// EncodeInt stores v in a slot of type t, truncating to t's width.
func EncodeInt(t *Type, v int64) []byte {
	b := make([]byte, t.Size)
	putInt(b, t.Size, uint64(v))
	return b
}

// EncodeUint stores v in a slot of type t, truncating to t's width.
func EncodeUint(t *Type, v uint64) []byte {
	b := make([]byte, t.Size)
	putInt(b, t.Size, v)
	return b
}

// EncodeFloat32 returns a float slot.
func EncodeFloat32(v float32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	return b
}

// EncodeFloat64 returns a double slot.
func EncodeFloat64(v float64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	return b
}

// EncodeBool returns a native boolean (int32 0 or 1) slot.
func EncodeBool(v bool) []byte {
	if v {
		return EncodeInt(SInt32, 1)
	}
	return EncodeInt(SInt32, 0)
}

func putInt(b []byte, size uint32, v uint64) {
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b, v)
	}
}

// DecodeInt reads an integer slot of type t, sign-extending signed kinds.
func DecodeInt(t *Type, b []byte) int64 {
	switch t.Kind {
	case KindSInt8:
		return int64(int8(b[0]))
	case KindSInt16:
		return int64(int16(binary.LittleEndian.Uint16(b)))
	case KindSInt32:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	}
	return int64(DecodeUint(t, b))
}

// DecodeUint reads an integer slot of type t, zero-extending.
func DecodeUint(t *Type, b []byte) uint64 {
	switch t.Size {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	case 8:
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// DecodeFloat32 reads a float slot.
func DecodeFloat32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

// DecodeFloat64 reads a double slot.
func DecodeFloat64(b []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

// DecodeBool reads a native boolean slot.
func DecodeBool(b []byte) bool {
	return binary.LittleEndian.Uint32(b) != 0
}

// PutReturn writes a value of type t into a return slot allocated by
// NewReturnSlot. Integers narrower than a register are extended to the
// full slot so that either half of a register read observes the value.
func PutReturn(t *Type, ret, val []byte) {
	if len(ret) == 0 {
		return
	}
	if t.IsInteger() && t.Size < ReturnSize && len(ret) >= ReturnSize {
		var v uint64
		if t.IsSigned() {
			v = uint64(DecodeInt(t, val))
		} else {
			v = DecodeUint(t, val)
		}
		binary.LittleEndian.PutUint64(ret, v)
		return
	}
	copy(ret, val)
}

// Zero clears a slot.
func Zero(b []byte) {
	clear(b)
}
