package marshal

import (
	"context"
	"sync"

	"go.uber.org/zap"

	wasmffi "github.com/wippyai/wasm-ffi"
	"github.com/wippyai/wasm-ffi/abi"
	"github.com/wippyai/wasm-ffi/host"
	"github.com/wippyai/wasm-ffi/value"
)

// CallbackResolver maps callback objects to trampoline addresses and back.
type CallbackResolver interface {
	// Address returns the trampoline for a callback object, creating it on
	// first use.
	Address(ctx context.Context, cb any) (value.Pointer, error)
	// Lookup returns the callback object behind a trampoline address.
	Lookup(p value.Pointer) (any, bool)
}

// Env is the context shared by every conversion. It is built once and only
// read afterwards, except for Charset which may change between calls.
type Env struct {
	Engine  abi.Engine
	Memory  wasmffi.Memory
	Alloc   wasmffi.Allocator
	Runtime *host.Runtime

	// Callbacks resolves callback objects. Nil disables callback arguments.
	Callbacks CallbackResolver

	// NewFunction wraps a native function pointer that is not a known
	// trampoline, for callback-typed values coming from native code.
	NewFunction func(p value.Pointer) any

	// Context is passed for value.RuntimeContext arguments.
	Context value.Pointer

	// OnRelease observes each pinned block as it is released.
	OnRelease func(c Claim)

	// Charset names the narrow string encoding. Empty means UTF-8.
	Charset string

	strMu   sync.Mutex
	strs    *Strings
	strsFor string
}

// Strings returns the narrow string codec for the current Charset. An
// unknown charset falls back to UTF-8; Validate reports it.
func (e *Env) Strings() *Strings {
	e.strMu.Lock()
	defer e.strMu.Unlock()
	if e.strs != nil && e.strsFor == e.Charset {
		return e.strs
	}
	s, err := NewStrings(e.Charset)
	if err != nil {
		Logger().Warn("falling back to UTF-8 strings", zap.String("charset", e.Charset))
		s, _ = NewStrings(DefaultCharset)
	}
	e.strs, e.strsFor = s, e.Charset
	return s
}

// Validate checks that the environment is usable.
func (e *Env) Validate() error {
	if _, err := NewStrings(e.Charset); err != nil {
		return err
	}
	return nil
}

// Session is the scratch state of one crossing of the boundary: pinned
// blocks, the reference scope for opaque objects, and the structures to
// synchronise after the call.
type Session struct {
	Env  *Env
	Pins *Pins
	Refs host.Scope

	structs []value.Structure
}

// NewSession starts a session whose opaque references go to refs.
func (e *Env) NewSession(refs host.Scope) *Session {
	return &Session{Env: e, Pins: e.NewPins(), Refs: refs}
}

// Structures returns the by-reference structures passed in this session.
func (s *Session) Structures() []value.Structure {
	return s.structs
}

// ReadStructures reads back every by-reference structure with AutoRead set.
func (s *Session) ReadStructures() error {
	for _, st := range s.structs {
		if !st.AutoRead() || st.Address() == 0 {
			continue
		}
		if err := st.Read(); err != nil {
			return err
		}
	}
	return nil
}

// WriteStructures writes every by-reference structure with AutoWrite set.
func (s *Session) WriteStructures() error {
	for _, st := range s.structs {
		if !st.AutoWrite() || st.Address() == 0 {
			continue
		}
		if err := st.Write(); err != nil {
			return err
		}
	}
	return nil
}

// Release frees pinned memory.
func (s *Session) Release() error {
	return s.Pins.ReleaseAll()
}
