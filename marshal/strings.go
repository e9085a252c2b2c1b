package marshal

import (
	"bytes"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"

	wasmffi "github.com/wippyai/wasm-ffi"
	"github.com/wippyai/wasm-ffi/abi"
	"github.com/wippyai/wasm-ffi/errors"
)

// DefaultCharset is used for narrow strings when no charset is configured.
const DefaultCharset = "UTF-8"

// readChunk bounds each memory read while scanning for a terminator.
const readChunk = 256

// Aliases accepted in addition to IANA names.
var charsetAliases = map[string]encoding.Encoding{
	"utf8":      unicode.UTF8,
	"cp1252":    charmap.Windows1252,
	"iso8859_1": charmap.ISO8859_1,
	"latin1":    charmap.ISO8859_1,
}

var wideEncoding = utf32.UTF32(utf32.LittleEndian, utf32.IgnoreBOM)

// Strings converts Go strings to and from NUL-terminated native strings.
type Strings struct {
	enc  encoding.Encoding
	name string
}

// NewStrings returns a codec for the named charset. An empty name selects
// UTF-8.
func NewStrings(charset string) (*Strings, error) {
	if charset == "" {
		charset = DefaultCharset
	}
	if enc, ok := charsetAliases[strings.ToLower(charset)]; ok {
		return &Strings{enc: enc, name: charset}, nil
	}
	enc, err := ianaindex.IANA.Encoding(charset)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseMarshal, errors.KindUnsupported, err, "unknown charset "+charset)
	}
	if enc == nil {
		return nil, errors.Unsupported(errors.PhaseMarshal, "charset "+charset+" has no implementation")
	}
	return &Strings{enc: enc, name: charset}, nil
}

// Charset returns the configured charset name.
func (s *Strings) Charset() string { return s.name }

// Encode returns s in the native charset with a NUL terminator.
func (s *Strings) Encode(str string) ([]byte, error) {
	b, err := s.enc.NewEncoder().Bytes([]byte(str))
	if err != nil {
		return nil, errors.Wrap(errors.PhaseMarshal, errors.KindInvalidArgument, err, "string is not representable in "+s.name)
	}
	return append(b, 0), nil
}

// Decode converts native bytes up to the first NUL.
func (s *Strings) Decode(b []byte) (string, error) {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	out, err := s.enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", errors.Wrap(errors.PhaseMarshal, errors.KindInvalidArgument, err, "invalid "+s.name+" data")
	}
	return string(out), nil
}

// EncodeWide returns s as UTF-32LE with a 4-byte NUL terminator.
func EncodeWide(str string) ([]byte, error) {
	b, err := wideEncoding.NewEncoder().Bytes([]byte(str))
	if err != nil {
		return nil, errors.Wrap(errors.PhaseMarshal, errors.KindInvalidArgument, err, "invalid wide string")
	}
	return append(b, 0, 0, 0, 0), nil
}

// DecodeWide converts UTF-32LE bytes up to the first NUL code unit.
func DecodeWide(b []byte) (string, error) {
	b = b[:len(b)&^(abi.WCharSize-1)]
	for i := 0; i+abi.WCharSize <= len(b); i += abi.WCharSize {
		if b[i] == 0 && b[i+1] == 0 && b[i+2] == 0 && b[i+3] == 0 {
			b = b[:i]
			break
		}
	}
	out, err := wideEncoding.NewDecoder().Bytes(b)
	if err != nil {
		return "", errors.Wrap(errors.PhaseMarshal, errors.KindInvalidArgument, err, "invalid wide string data")
	}
	return string(out), nil
}

// ReadString reads a NUL-terminated narrow string at p.
func (s *Strings) ReadString(mem wasmffi.Memory, p uint32) (string, error) {
	raw, err := scan(mem, p, 1)
	if err != nil {
		return "", err
	}
	return s.Decode(raw)
}

// ReadStringFixed reads at most n bytes at p and truncates at the first NUL.
func (s *Strings) ReadStringFixed(mem wasmffi.Memory, p, n uint32) (string, error) {
	raw, err := mem.Read(p, n)
	if err != nil {
		return "", err
	}
	return s.Decode(raw)
}

// ReadWString reads a NUL-terminated wide string at p.
func ReadWString(mem wasmffi.Memory, p uint32) (string, error) {
	raw, err := scan(mem, p, abi.WCharSize)
	if err != nil {
		return "", err
	}
	return DecodeWide(raw)
}

// ReadWStringFixed reads at most n wide characters at p and truncates at the
// first NUL.
func ReadWStringFixed(mem wasmffi.Memory, p, n uint32) (string, error) {
	raw, err := mem.Read(p, n*abi.WCharSize)
	if err != nil {
		return "", err
	}
	return DecodeWide(raw)
}

// scan reads units of the given width from p until a zero unit, returning
// the bytes before it.
func scan(mem wasmffi.Memory, p uint32, unit uint32) ([]byte, error) {
	limit := uint32(0)
	if sz, ok := mem.(wasmffi.MemorySizer); ok {
		if p >= sz.Size() {
			return nil, errors.OutOfBounds(errors.PhaseMemory, p, unit)
		}
		limit = sz.Size() - p
	}

	var out []byte
	for off := uint32(0); ; {
		n := uint32(readChunk)
		if limit > 0 {
			if off >= limit {
				return nil, errors.New(errors.PhaseMemory, errors.KindOutOfBounds).
					Value(p).
					Detail("unterminated string at 0x%x", p).
					Build()
			}
			n = min(n, (limit-off)&^(unit-1))
			if n == 0 {
				n = unit
			}
		}
		chunk, err := mem.Read(p+off, n)
		if err != nil {
			return nil, err
		}
		for i := uint32(0); i+unit <= uint32(len(chunk)); i += unit {
			if isZero(chunk[i : i+unit]) {
				return append(out, chunk[:i]...), nil
			}
		}
		out = append(out, chunk...)
		off += n
	}
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
