package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/wasm-ffi/bridge"
	"github.com/wippyai/wasm-ffi/dispatch"
	"github.com/wippyai/wasm-ffi/engine"
	"github.com/wippyai/wasm-ffi/native"
)

type options struct {
	lib       string
	fn        string
	ret       string
	paths     string
	encoding  string
	args      []string
	list      bool
	lastError bool
	protected bool
	verbose   bool
}

func main() {
	var o options
	flag.StringVar(&o.lib, "lib", "", "Library name or path to .wasm file")
	flag.StringVar(&o.fn, "func", "", "Function to call")
	flag.StringVar(&o.ret, "ret", "", "Return type (void, i32, i64, f32, f64, ptr, str, wstr, ...); default from the export")
	flag.StringVar(&o.paths, "L", "", "Library search paths (path list)")
	flag.StringVar(&o.encoding, "encoding", "", "Charset of narrow strings")
	flag.BoolVar(&o.list, "list", false, "List exported functions and exit")
	flag.BoolVar(&o.lastError, "lasterror", false, "Fail when the call sets a native error code")
	flag.BoolVar(&o.protected, "protected", true, "Report native memory faults as errors")
	flag.BoolVar(&o.verbose, "v", false, "Verbose logging")
	interactive := flag.Bool("i", false, "Interactive mode with TUI")
	flag.Parse()
	o.args = flag.Args()

	if o.lib == "" {
		fmt.Fprintln(os.Stderr, "Usage: ffi-run -lib <name|file.wasm> -func name [i32:1 f64:2.5 str:hi ...]")
		fmt.Fprintln(os.Stderr, "       ffi-run -lib <name|file.wasm> -list")
		fmt.Fprintln(os.Stderr, "       ffi-run -lib <name|file.wasm> -i  (interactive mode)")
		os.Exit(1)
	}

	if *interactive {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			fmt.Fprintln(os.Stderr, "stdout is not a terminal, listing exports instead")
			o.list = true
		} else {
			if err := runInteractive(o); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	if err := run(context.Background(), os.Stdout, o); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// open creates a bridge from the environment and the flags and loads the
// library.
func open(ctx context.Context, o options) (*bridge.Bridge, *bridge.Library, error) {
	cfg := bridge.ConfigFromEnv()
	if o.paths != "" {
		cfg.WithSearchPaths(filepath.SplitList(o.paths)...)
	}
	if o.encoding != "" {
		cfg.Encoding = o.encoding
	}
	cfg.Protected = cfg.Protected || o.protected
	if o.verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, nil, err
		}
		cfg.Logger = l
	}

	b, err := bridge.New(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create bridge: %w", err)
	}
	lib, err := b.Load(ctx, o.lib)
	if err != nil {
		_ = b.Close(ctx)
		return nil, nil, err
	}
	return b, lib, nil
}

func run(ctx context.Context, w io.Writer, o options) error {
	b, lib, err := open(ctx, o)
	if err != nil {
		return err
	}
	defer b.Close(ctx)

	exports := lib.Exports()
	if o.list || o.fn == "" {
		name := lib.Path()
		if name == "" {
			name = lib.Name()
		}
		fmt.Fprintf(w, "Library: %s\n", name)
		fmt.Fprintf(w, "\nExported functions:\n")
		for _, exp := range exports {
			fmt.Fprintf(w, "  %s\n", signature(exp))
		}
		if !o.list {
			fmt.Fprintf(w, "\nUse -func to specify a function to call.\n")
		}
		return nil
	}

	var exp *engine.Export
	for i := range exports {
		if exports[i].Name == o.fn {
			exp = &exports[i]
			break
		}
	}
	rt, err := returnType(o.ret, exp)
	if err != nil {
		return err
	}
	args, err := parseArgs(o.args)
	if err != nil {
		return err
	}

	fn, err := lib.Function(o.fn, dispatch.CallOptions{ThrowLastError: o.lastError})
	if err != nil {
		return err
	}

	th := native.NewThread("ffi-run")
	defer th.Exit()
	ctx = native.WithThread(ctx, th)

	fmt.Fprintf(w, "Calling %s(%s)...\n", o.fn, strings.Join(o.args, ", "))
	result, err := fn.Invoke(ctx, rt, args...)
	if err != nil {
		return fmt.Errorf("call %s: %w", o.fn, err)
	}
	fmt.Fprintf(w, "Result: %s\n", formatResult(result))
	if code := b.LastError(ctx); code != 0 {
		fmt.Fprintf(w, "Last error: %d\n", code)
	}
	return nil
}
