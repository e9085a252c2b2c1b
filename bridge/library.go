package bridge

import (
	"context"

	"github.com/wippyai/wasm-ffi/dispatch"
	"github.com/wippyai/wasm-ffi/engine"
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/value"
)

// Library is a native library loaded through a bridge. It satisfies
// bind.Symbols.
type Library struct {
	b   *Bridge
	lib *engine.Library
}

// Load opens a library by name using the configured search paths.
func (b *Bridge) Load(ctx context.Context, name string) (*Library, error) {
	if err := b.check(errors.PhaseLoad); err != nil {
		return nil, err
	}
	lib, err := b.engine.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &Library{b: b, lib: lib}, nil
}

// LoadBytes loads a library from its binary.
func (b *Bridge) LoadBytes(ctx context.Context, name string, bin []byte) (*Library, error) {
	if err := b.check(errors.PhaseLoad); err != nil {
		return nil, err
	}
	lib, err := b.engine.OpenBytes(ctx, name, bin)
	if err != nil {
		return nil, err
	}
	return &Library{b: b, lib: lib}, nil
}

func (l *Library) Name() string { return l.lib.Name() }

func (l *Library) Path() string { return l.lib.Path() }

// Symbol returns the function pointer of an exported function.
func (l *Library) Symbol(name string) (uint32, error) {
	return l.lib.Symbol(name)
}

// Exports lists the library's exported functions sorted by name.
func (l *Library) Exports() []engine.Export {
	return l.lib.Exports()
}

// Function returns a callable for the exported function name.
func (l *Library) Function(name string, opts dispatch.CallOptions) (*dispatch.Function, error) {
	p, err := l.lib.Symbol(name)
	if err != nil {
		return nil, err
	}
	return l.b.dispatch.NewFunction(value.Pointer(p), name, opts), nil
}

// Close unloads the library.
func (l *Library) Close(ctx context.Context) error {
	return l.lib.Close(ctx)
}
