package abi

import (
	"strings"

	"github.com/wippyai/wasm-ffi/errors"
)

// MaxArgs bounds the number of arguments of a native call.
const MaxArgs = 256

// Convention selects a calling convention.
type Convention int

const (
	// ConventionC is the platform default (cdecl).
	ConventionC Convention = 0
	// ConventionStdcall is accepted and lowered like ConventionC, as on
	// 64-bit Windows.
	ConventionStdcall Convention = 63
)

// Valid reports whether the engine implements the convention.
func (c Convention) Valid() bool {
	return c == ConventionC || c == ConventionStdcall
}

func (c Convention) String() string {
	switch c {
	case ConventionC:
		return "c"
	case ConventionStdcall:
		return "stdcall"
	}
	return "unknown"
}

// Signature is a prepared call descriptor.
type Signature struct {
	Return     *Type
	Args       []*Type
	Fixed      int
	Convention Convention
	Variadic   bool
}

// String renders the signature as "ret(args)", with "..." after the fixed
// arguments of a variadic call and a convention prefix other than c.
func (s *Signature) String() string {
	var b strings.Builder
	if s.Convention != ConventionC {
		b.WriteString(s.Convention.String())
		b.WriteByte(' ')
	}
	b.WriteString(s.Return.String())
	b.WriteByte('(')
	for i, a := range s.Args {
		if i > 0 {
			b.WriteString(", ")
		}
		if s.Variadic && i == s.Fixed {
			b.WriteString("..., ")
		}
		b.WriteString(a.String())
	}
	if s.Variadic && s.Fixed == len(s.Args) {
		if len(s.Args) > 0 {
			b.WriteString(", ")
		}
		b.WriteString("...")
	}
	b.WriteByte(')')
	return b.String()
}

// Prepare validates and builds a call descriptor.
func Prepare(conv Convention, ret *Type, args ...*Type) (*Signature, error) {
	if err := check(conv, ret, args); err != nil {
		return nil, err
	}
	return &Signature{
		Convention: conv,
		Return:     ret,
		Args:       args,
		Fixed:      len(args),
	}, nil
}

// PrepareVariadic builds a descriptor for a variadic function where the first
// fixed arguments are declared and the rest are passed through the vararg
// buffer. Callers are responsible for default argument promotion.
func PrepareVariadic(conv Convention, fixed int, ret *Type, args ...*Type) (*Signature, error) {
	if fixed < 0 || fixed > len(args) {
		return nil, errors.New(errors.PhasePrepare, errors.KindInvalidArgument).
			Detail("fixed argument count %d out of range for %d arguments", fixed, len(args)).
			Build()
	}
	if err := check(conv, ret, args); err != nil {
		return nil, err
	}
	return &Signature{
		Convention: conv,
		Return:     ret,
		Args:       args,
		Fixed:      fixed,
		Variadic:   true,
	}, nil
}

func check(conv Convention, ret *Type, args []*Type) error {
	if !conv.Valid() {
		return errors.BadConvention(errors.PhasePrepare, int(conv))
	}
	if len(args) > MaxArgs {
		return errors.New(errors.PhasePrepare, errors.KindTooManyArgs).
			Detail("too many arguments (%d, max %d)", len(args), MaxArgs).
			Build()
	}
	if err := ret.validate(); err != nil {
		return err
	}
	for i, a := range args {
		if err := a.validate(); err != nil {
			return err
		}
		if a.Kind == KindVoid {
			return errors.New(errors.PhasePrepare, errors.KindBadLayout).
				Arg(i).
				Detail("argument cannot be void").
				Build()
		}
	}
	return nil
}

// NewArgs allocates one zeroed slot per argument.
func (s *Signature) NewArgs() [][]byte {
	args := make([][]byte, len(s.Args))
	for i, t := range s.Args {
		args[i] = make([]byte, t.Size)
	}
	return args
}

// NewReturn allocates a zeroed return slot. Integer returns narrower than a
// register get a full ReturnSize slot.
func (s *Signature) NewReturn() []byte {
	return NewReturnSlot(s.Return)
}

// NewReturnSlot allocates a return slot for t.
func NewReturnSlot(t *Type) []byte {
	if t == nil || t.Kind == KindVoid {
		return nil
	}
	if t.IsInteger() && t.Size < ReturnSize {
		return make([]byte, ReturnSize)
	}
	return make([]byte, t.Size)
}
