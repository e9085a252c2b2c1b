// Package wasmgen builds small core WebAssembly modules: the shared memory
// module and synthetic native libraries used in tests.
package wasmgen

import (
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// Builder assembles a module from imported functions, defined functions and
// at most one memory, either imported or defined.
type Builder struct {
	memImportMod  string
	memImportName string
	memExportName string
	imports       []funcImport
	funcs         []funcDef
	types         []funcType
	memPages      uint32
	hasMemory     bool
}

type funcType struct {
	params  []api.ValueType
	results []api.ValueType
}

type funcImport struct {
	module string
	name   string
	typ    uint32
}

type funcDef struct {
	name   string
	locals []api.ValueType
	body   []byte
	typ    uint32
}

// New creates an empty module builder.
func New() *Builder {
	return &Builder{}
}

// ImportMemory imports a memory with the given minimum page count.
func (b *Builder) ImportMemory(module, name string, minPages uint32) {
	b.memImportMod = module
	b.memImportName = name
	b.memPages = minPages
	b.hasMemory = true
}

// Memory defines a memory and exports it under exportName.
func (b *Builder) Memory(minPages uint32, exportName string) {
	b.memPages = minPages
	b.memExportName = exportName
	b.hasMemory = true
}

// ImportFunc imports a function and returns its function index. All imports
// must be declared before the first Func.
func (b *Builder) ImportFunc(module, name string, params, results []api.ValueType) uint32 {
	if len(b.funcs) > 0 {
		panic("wasmgen: imports must precede defined functions")
	}
	b.imports = append(b.imports, funcImport{
		module: module,
		name:   name,
		typ:    b.typeIndex(params, results),
	})
	return uint32(len(b.imports) - 1)
}

// Func defines and exports a function. body holds the instructions without
// the final end opcode. Locals are indexed after the parameters.
func (b *Builder) Func(name string, params, results, locals []api.ValueType, body ...[]byte) uint32 {
	var code []byte
	for _, part := range body {
		code = append(code, part...)
	}
	b.funcs = append(b.funcs, funcDef{
		name:   name,
		typ:    b.typeIndex(params, results),
		locals: locals,
		body:   code,
	})
	return uint32(len(b.imports) + len(b.funcs) - 1)
}

func (b *Builder) typeIndex(params, results []api.ValueType) uint32 {
	for i, t := range b.types {
		if sameTypes(t.params, params) && sameTypes(t.results, results) {
			return uint32(i)
		}
	}
	b.types = append(b.types, funcType{params: params, results: results})
	return uint32(len(b.types) - 1)
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Build generates the WASM module bytes.
func (b *Builder) Build() []byte {
	var wasm []byte

	// Magic and version
	wasm = append(wasm, 0x00, 0x61, 0x73, 0x6d)
	wasm = append(wasm, 0x01, 0x00, 0x00, 0x00)

	if len(b.types) > 0 {
		wasm = append(wasm, section(0x01, b.buildTypeSection())...)
	}

	if imports := b.buildImportSection(); imports != nil {
		wasm = append(wasm, section(0x02, imports)...)
	}

	if len(b.funcs) > 0 {
		var funcSection []byte
		funcSection = append(funcSection, EncodeULEB128(uint32(len(b.funcs)))...)
		for _, f := range b.funcs {
			funcSection = append(funcSection, EncodeULEB128(f.typ)...)
		}
		wasm = append(wasm, section(0x03, funcSection)...)
	}

	if b.hasMemory && b.memImportMod == "" {
		memSection := []byte{0x01, 0x00}
		memSection = append(memSection, EncodeULEB128(b.memPages)...)
		wasm = append(wasm, section(0x05, memSection)...)
	}

	wasm = append(wasm, section(0x07, b.buildExportSection())...)

	if len(b.funcs) > 0 {
		wasm = append(wasm, section(0x0a, b.buildCodeSection())...)
	}

	return wasm
}

func (b *Builder) buildTypeSection() []byte {
	var sec []byte
	sec = append(sec, EncodeULEB128(uint32(len(b.types)))...)
	for _, t := range b.types {
		sec = append(sec, 0x60)
		sec = append(sec, EncodeULEB128(uint32(len(t.params)))...)
		for _, p := range t.params {
			sec = append(sec, ValTypeToWasm(p))
		}
		sec = append(sec, EncodeULEB128(uint32(len(t.results)))...)
		for _, r := range t.results {
			sec = append(sec, ValTypeToWasm(r))
		}
	}
	return sec
}

func (b *Builder) buildImportSection() []byte {
	n := len(b.imports)
	if b.memImportMod != "" {
		n++
	}
	if n == 0 {
		return nil
	}

	var sec []byte
	sec = append(sec, EncodeULEB128(uint32(n))...)
	for _, imp := range b.imports {
		sec = append(sec, encodeName(imp.module)...)
		sec = append(sec, encodeName(imp.name)...)
		sec = append(sec, 0x00)
		sec = append(sec, EncodeULEB128(imp.typ)...)
	}
	if b.memImportMod != "" {
		sec = append(sec, encodeName(b.memImportMod)...)
		sec = append(sec, encodeName(b.memImportName)...)
		sec = append(sec, 0x02, 0x00)
		sec = append(sec, EncodeULEB128(b.memPages)...)
	}
	return sec
}

func (b *Builder) buildExportSection() []byte {
	n := len(b.funcs)
	if b.memExportName != "" {
		n++
	}

	var sec []byte
	sec = append(sec, EncodeULEB128(uint32(n))...)
	if b.memExportName != "" {
		sec = append(sec, encodeName(b.memExportName)...)
		sec = append(sec, 0x02, 0x00)
	}
	for i, f := range b.funcs {
		sec = append(sec, encodeName(f.name)...)
		sec = append(sec, 0x00)
		sec = append(sec, EncodeULEB128(uint32(len(b.imports)+i))...)
	}
	return sec
}

func (b *Builder) buildCodeSection() []byte {
	var sec []byte
	sec = append(sec, EncodeULEB128(uint32(len(b.funcs)))...)
	for _, f := range b.funcs {
		var body []byte
		body = append(body, EncodeULEB128(uint32(len(f.locals)))...)
		for _, l := range f.locals {
			body = append(body, 0x01, ValTypeToWasm(l))
		}
		body = append(body, f.body...)
		body = append(body, 0x0b)

		sec = append(sec, EncodeULEB128(uint32(len(body)))...)
		sec = append(sec, body...)
	}
	return sec
}

// String summarises the module contents for diagnostics.
func (b *Builder) String() string {
	return fmt.Sprintf("wasmgen.Builder{imports: %d, funcs: %d, types: %d}", len(b.imports), len(b.funcs), len(b.types))
}
