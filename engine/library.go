package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-ffi/errors"
)

// Library is a loaded native library.
type Library struct {
	engine  *Engine
	mod     api.Module
	symbols map[string]uint32
	name    string
	path    string
	modName string
	mu      sync.Mutex
	closed  bool
}

// Export describes an exported function for listing.
type Export struct {
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
}

// Open loads a library by name. A name containing a path separator is used
// as a path; otherwise each search path is tried with the name as given,
// with a .wasm suffix, and with a lib prefix and .wasm suffix.
func (e *Engine) Open(ctx context.Context, name string) (*Library, error) {
	path, err := e.resolve(name)
	if err != nil {
		return nil, err
	}
	bin, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindNotFound, err,
			fmt.Sprintf("unable to load library '%s'", name))
	}
	lib, err := e.OpenBytes(ctx, name, bin)
	if err != nil {
		return nil, err
	}
	lib.path = path
	return lib, nil
}

func (e *Engine) resolve(name string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) || strings.ContainsRune(name, '/') {
		if _, err := os.Stat(name); err != nil {
			return "", errors.Wrap(errors.PhaseLoad, errors.KindNotFound, err,
				fmt.Sprintf("unable to load library '%s'", name))
		}
		return name, nil
	}

	candidates := []string{name}
	if !strings.HasSuffix(name, ".wasm") {
		candidates = append(candidates, name+".wasm", "lib"+name+".wasm")
	}
	for _, dir := range e.cfg.SearchPaths {
		for _, c := range candidates {
			p := filepath.Join(dir, c)
			if st, err := os.Stat(p); err == nil && !st.IsDir() {
				return p, nil
			}
		}
	}
	return "", errors.NotFound(errors.PhaseLoad,
		fmt.Sprintf("unable to load library '%s': not found in search paths %v", name, e.cfg.SearchPaths))
}

// OpenBytes loads a library from its binary.
func (e *Engine) OpenBytes(ctx context.Context, name string, bin []byte) (*Library, error) {
	if e.closed.Load() {
		return nil, errors.Closed(errors.PhaseLoad, "engine")
	}

	compiled, err := e.runtime.CompileModule(ctx, bin)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidArgument, err,
			fmt.Sprintf("unable to load library '%s'", name))
	}

	e.libsMu.Lock()
	e.libSeq++
	modName := fmt.Sprintf("%s#%d", filepath.Base(name), e.libSeq)
	e.libsMu.Unlock()

	mod, err := e.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(modName))
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidArgument, err,
			fmt.Sprintf("unable to instantiate library '%s'", name))
	}

	lib := &Library{
		engine:  e,
		mod:     mod,
		name:    name,
		modName: modName,
		symbols: make(map[string]uint32),
	}

	e.libsMu.Lock()
	e.libs[modName] = lib
	e.libsMu.Unlock()

	Logger().Debug("library opened", zap.String("library", name), zap.String("module", modName))
	return lib, nil
}

// Name returns the name the library was opened with.
func (l *Library) Name() string { return l.name }

// Path returns the file the library was loaded from, if any.
func (l *Library) Path() string { return l.path }

// Symbol returns the function pointer for an exported function. The same
// symbol always yields the same address while the library is open.
func (l *Library) Symbol(name string) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, errors.Closed(errors.PhaseLoad, "library "+l.name)
	}
	if addr, ok := l.symbols[name]; ok {
		return addr, nil
	}
	if l.mod.ExportedFunction(name) == nil {
		return 0, errors.NotFound(errors.PhaseLoad,
			fmt.Sprintf("symbol '%s' not found in library '%s'", name, l.name))
	}
	addr := l.engine.register(&function{lib: l, name: name})
	l.symbols[name] = addr
	return addr, nil
}

// Exports lists the library's exported functions sorted by name.
func (l *Library) Exports() []Export {
	defs := l.mod.ExportedFunctionDefinitions()
	out := make([]Export, 0, len(defs))
	for name, def := range defs {
		out = append(out, Export{
			Name:    name,
			Params:  def.ParamTypes(),
			Results: def.ResultTypes(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close unloads the library. Function pointers into it become invalid.
func (l *Library) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for _, addr := range l.symbols {
		l.engine.unregister(addr)
	}
	l.symbols = nil
	l.mu.Unlock()

	l.engine.libsMu.Lock()
	delete(l.engine.libs, l.modName)
	l.engine.libsMu.Unlock()

	Logger().Debug("library closed", zap.String("library", l.name))
	return l.mod.Close(ctx)
}
