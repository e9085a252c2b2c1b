package errors

import (
	"fmt"
	"strconv"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseClassify Phase = "classify" // signature and argument classification
	PhasePrepare  Phase = "prepare"  // ABI call descriptor preparation
	PhaseCall     Phase = "call"     // native call execution
	PhaseCallback Phase = "callback" // trampoline construction and invocation
	PhaseBind     Phase = "bind"     // direct method registration
	PhaseAttach   Phase = "attach"   // thread attachment
	PhaseLoad     Phase = "load"     // library loading and symbol lookup
	PhaseMemory   Phase = "memory"   // native memory access
	PhaseMarshal  Phase = "marshal"  // value conversion
)

// Kind categorizes the error
type Kind string

const (
	KindUnsupported     Kind = "unsupported"
	KindTooManyArgs     Kind = "too_many_args"
	KindBadConvention   Kind = "bad_convention"
	KindBadLayout       Kind = "bad_layout"
	KindMemoryFault     Kind = "memory_fault"
	KindLastError       Kind = "last_error"
	KindInvalidArgument Kind = "invalid_argument"
	KindAllocation      Kind = "allocation"
	KindNotFound        Kind = "not_found"
	KindClosed          Kind = "closed"
	KindException       Kind = "exception"
	KindTypeMismatch    Kind = "type_mismatch"
	KindOutOfBounds     Kind = "out_of_bounds"
	KindNotAttached     Kind = "not_attached"
)

// Error is the structured error type used throughout the bridge
type Error struct {
	Value      any
	Cause      error
	Phase      Phase
	Kind       Kind
	GoType     string
	NativeType string
	Detail     string
	Path       []string
	Code       int32
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.GoType != "" || e.NativeType != "" {
		b.WriteString(": ")
		if e.GoType != "" && e.NativeType != "" {
			b.WriteString("Go type ")
			b.WriteString(e.GoType)
			b.WriteString(", native type ")
			b.WriteString(e.NativeType)
		} else if e.GoType != "" {
			b.WriteString("Go type ")
			b.WriteString(e.GoType)
		} else {
			b.WriteString("native type ")
			b.WriteString(e.NativeType)
		}
	}

	if e.Detail != "" {
		if e.GoType != "" || e.NativeType != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the argument path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Arg sets the path to a positional argument
func (b *Builder) Arg(index int) *Builder {
	b.err.Path = []string{"arg", strconv.Itoa(index)}
	return b
}

// GoType sets the Go type name
func (b *Builder) GoType(t string) *Builder {
	b.err.GoType = t
	return b
}

// NativeType sets the native type name
func (b *Builder) NativeType(t string) *Builder {
	b.err.NativeType = t
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Code sets the platform error code
func (b *Builder) Code(code int32) *Builder {
	b.err.Code = code
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// Unsupported creates an unsupported type or operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// UnsupportedArg creates a classification error for a positional argument
func UnsupportedArg(index int, goType string, detail string) *Error {
	return &Error{
		Phase:  PhaseClassify,
		Kind:   KindUnsupported,
		Path:   []string{"arg", strconv.Itoa(index)},
		GoType: goType,
		Detail: detail,
	}
}

// TooManyArgs creates an error for calls exceeding the native argument limit
func TooManyArgs(count, limit int) *Error {
	return &Error{
		Phase:  PhaseClassify,
		Kind:   KindTooManyArgs,
		Detail: fmt.Sprintf("too many arguments (%d, max %d)", count, limit),
		Value:  count,
	}
}

// BadConvention creates an unrecognized calling convention error
func BadConvention(phase Phase, conv int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindBadConvention,
		Detail: fmt.Sprintf("unrecognized calling convention: %d", conv),
		Value:  conv,
	}
}

// BadLayout creates an invalid type layout error
func BadLayout(nativeType string, detail string) *Error {
	return &Error{
		Phase:      PhasePrepare,
		Kind:       KindBadLayout,
		NativeType: nativeType,
		Detail:     detail,
	}
}

// MemoryFault creates the generic error reported for trapped native faults
func MemoryFault(cause error) *Error {
	return &Error{
		Phase:  PhaseCall,
		Kind:   KindMemoryFault,
		Detail: "invalid memory access",
		Cause:  cause,
	}
}

// LastError creates the error raised when a call site requested last-error checking
// and the native call left a non-zero code
func LastError(code int32, text string) *Error {
	return &Error{
		Phase:  PhaseCall,
		Kind:   KindLastError,
		Code:   code,
		Detail: fmt.Sprintf("[%d] %s", code, text),
		Value:  code,
	}
}

// AllocationFailed creates an allocation failure error
func AllocationFailed(phase Phase, size, align uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindAllocation,
		Detail: fmt.Sprintf("failed to allocate %d bytes (align %d)", size, align),
	}
}

// OutOfBounds creates an out of bounds memory error
func OutOfBounds(phase Phase, offset, length uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("access out of bounds: offset=%d, length=%d", offset, length),
		Value:  offset,
	}
}

// NotFound creates a missing library or symbol error
func NotFound(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: what,
	}
}

// Closed creates an error for use of a released resource
func Closed(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindClosed,
		Detail: what + " is closed",
	}
}

// TypeMismatch creates a type mismatch error
func TypeMismatch(phase Phase, path []string, goType, nativeType string) *Error {
	return &Error{
		Phase:      phase,
		Kind:       KindTypeMismatch,
		Path:       path,
		GoType:     goType,
		NativeType: nativeType,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}
