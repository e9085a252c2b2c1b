package marshal

import (
	"encoding/binary"
	"math"
	"reflect"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-ffi/abi"
	"github.com/wippyai/wasm-ffi/classify"
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/value"
)

// ClaimKind identifies what a pinned block holds.
type ClaimKind string

const (
	ClaimArray   ClaimKind = "array"
	ClaimBuffer  ClaimKind = "buffer"
	ClaimString  ClaimKind = "string"
	ClaimWString ClaimKind = "wstring"
	ClaimBlock   ClaimKind = "block"
)

// Claim is one pinned block.
type Claim struct {
	copyBack func(data []byte)
	Kind     ClaimKind
	Ptr      value.Pointer
	Size     uint32
	align    uint32
	released bool
}

// Pins tracks native copies of managed memory made for one call. Blocks are
// released in claim order: first claimed, first released.
type Pins struct {
	env    *Env
	claims []*Claim
	// interned is set for lists that pin each distinct string once.
	interned map[internKey]value.Pointer
}

type internKey struct {
	kind    ClaimKind
	charset string
	s       string
}

// NewPins returns an empty claim list.
func (e *Env) NewPins() *Pins {
	return &Pins{env: e}
}

// NewInternedPins returns a claim list on which pinning a string that is
// already pinned returns the existing copy. It suits long-lived lists such
// as the strings a callback hands back to native code.
func (e *Env) NewInternedPins() *Pins {
	return &Pins{env: e, interned: make(map[internKey]value.Pointer)}
}

// Len returns the number of claims, released or not.
func (p *Pins) Len() int { return len(p.claims) }

func (p *Pins) claim(kind ClaimKind, data []byte, align uint32, copyBack func([]byte)) (value.Pointer, error) {
	size := uint32(len(data))
	if size == 0 {
		size = 1
	}
	ptr, err := p.env.Alloc.Alloc(size, align)
	if err != nil {
		return 0, err
	}
	if len(data) > 0 {
		if err := p.env.Memory.Write(ptr, data); err != nil {
			p.env.Alloc.Free(ptr, size, align)
			return 0, err
		}
	}
	p.claims = append(p.claims, &Claim{
		Kind:     kind,
		Ptr:      value.Pointer(ptr),
		Size:     size,
		align:    align,
		copyBack: copyBack,
	})
	return value.Pointer(ptr), nil
}

// String pins a NUL-terminated narrow copy of s.
func (p *Pins) String(s string) (value.Pointer, error) {
	codec := p.env.Strings()
	return p.text(internKey{ClaimString, codec.Charset(), s}, 1, codec.Encode)
}

// WString pins a NUL-terminated wide copy of s.
func (p *Pins) WString(s string) (value.Pointer, error) {
	return p.text(internKey{kind: ClaimWString, s: s}, abi.WCharSize, EncodeWide)
}

func (p *Pins) text(key internKey, align uint32, encode func(string) ([]byte, error)) (value.Pointer, error) {
	if ptr, ok := p.interned[key]; ok {
		return ptr, nil
	}
	b, err := encode(key.s)
	if err != nil {
		return 0, err
	}
	ptr, err := p.claim(key.kind, b, align, nil)
	if err == nil && p.interned != nil {
		p.interned[key] = ptr
	}
	return ptr, err
}

// Block pins size bytes of zeroed scratch memory.
func (p *Pins) Block(size, align uint32) (value.Pointer, error) {
	return p.claim(ClaimBlock, make([]byte, size), align, nil)
}

// Buffer pins a heap buffer; native writes are copied back on release.
// Direct buffers are passed through.
func (p *Pins) Buffer(b *value.Buffer) (value.Pointer, error) {
	if b == nil {
		return 0, nil
	}
	if b.IsDirect() {
		return b.Address(), nil
	}
	data := b.Bytes()
	return p.claim(ClaimBuffer, data, 8, func(native []byte) {
		copy(data, native)
	})
}

// Slice pins a primitive slice; native writes are copied back on release.
// A nil slice is NULL.
func (p *Pins) Slice(flag classify.ConversionFlag, v reflect.Value) (value.Pointer, error) {
	if v.Kind() != reflect.Slice {
		return 0, errors.New(errors.PhaseMarshal, errors.KindTypeMismatch).
			GoType(v.Type().String()).
			Detail("expected a slice for %s", flag).
			Build()
	}
	if v.IsNil() {
		return 0, nil
	}
	elem := classify.ArrayElement(flag, v.Type().Elem())
	if elem == nil {
		return 0, errors.Unsupported(errors.PhaseMarshal, "array flag "+flag.String())
	}
	n := v.Len()
	buf := make([]byte, uint32(n)*elem.Size)
	for i := 0; i < n; i++ {
		encodeElem(buf[uint32(i)*elem.Size:], elem, v.Index(i))
	}
	return p.claim(ClaimArray, buf, elem.Align, func(native []byte) {
		for i := 0; i < n; i++ {
			decodeElem(native[uint32(i)*elem.Size:], elem, v.Index(i))
		}
	})
}

func encodeElem(b []byte, t *abi.Type, v reflect.Value) {
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			binary.LittleEndian.PutUint32(b, 1)
		} else {
			binary.LittleEndian.PutUint32(b, 0)
		}
	case reflect.Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v.Float())))
	case reflect.Float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v.Float()))
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		copy(b, abi.EncodeInt(t, v.Int()))
	default:
		copy(b, abi.EncodeUint(t, v.Uint()))
	}
}

func decodeElem(b []byte, t *abi.Type, v reflect.Value) {
	switch v.Kind() {
	case reflect.Bool:
		v.SetBool(abi.DecodeBool(b))
	case reflect.Float32:
		v.SetFloat(float64(abi.DecodeFloat32(b)))
	case reflect.Float64:
		v.SetFloat(abi.DecodeFloat64(b))
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		v.SetInt(abi.DecodeInt(t, b))
	default:
		v.SetUint(abi.DecodeUint(t, b))
	}
}

// ReleaseAll copies back and frees every unreleased claim in claim order.
// Every claim is released even if a copy-back fails; the first error is
// returned. ReleaseAll may be called more than once.
func (p *Pins) ReleaseAll() error {
	if p.interned != nil {
		clear(p.interned)
	}
	var first error
	for _, c := range p.claims {
		if c.released {
			continue
		}
		c.released = true
		if c.copyBack != nil {
			data, err := p.env.Memory.Read(uint32(c.Ptr), c.Size)
			if err != nil {
				Logger().Warn("pinned memory copy-back failed",
					zap.String("kind", string(c.Kind)),
					zap.Uint32("ptr", uint32(c.Ptr)),
					zap.Error(err))
				if first == nil {
					first = err
				}
			} else {
				c.copyBack(data)
			}
		}
		p.env.Alloc.Free(uint32(c.Ptr), c.Size, c.align)
		if p.env.OnRelease != nil {
			p.env.OnRelease(*c)
		}
	}
	return first
}
