package bridge

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-ffi/callback"
	"github.com/wippyai/wasm-ffi/engine"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvLibraryPath = "WASMFFI_LIBRARY_PATH"
	EnvEncoding    = "WASMFFI_ENCODING"
	EnvProtected   = "WASMFFI_PROTECTED"
)

// Config holds configuration for bridge creation
type Config struct {
	// Engine configures the call engine. Nil uses engine defaults.
	Engine *engine.Config

	// Protected returns native memory faults as errors instead of panicking.
	Protected bool

	// Encoding names the charset of narrow strings. Empty means UTF-8.
	Encoding string

	// Logger is installed into every package. Nil leaves the no-op loggers.
	Logger *zap.Logger

	// ExceptionHandler receives errors raised by callbacks. Nil logs them.
	ExceptionHandler callback.ExceptionHandler

	// MaxArgs limits the arguments of one outbound call. 0 means 256.
	MaxArgs int
}

// ConfigFromEnv returns a Config populated from the WASMFFI_* environment
// variables.
func ConfigFromEnv() *Config {
	cfg := &Config{Engine: &engine.Config{}}
	if v := os.Getenv(EnvLibraryPath); v != "" {
		for _, dir := range filepath.SplitList(v) {
			if dir != "" {
				cfg.Engine.SearchPaths = append(cfg.Engine.SearchPaths, dir)
			}
		}
	}
	cfg.Encoding = os.Getenv(EnvEncoding)
	switch strings.ToLower(strings.TrimSpace(os.Getenv(EnvProtected))) {
	case "1", "true":
		cfg.Protected = true
	}
	return cfg
}

// WithSearchPaths appends library search directories.
func (c *Config) WithSearchPaths(dirs ...string) *Config {
	if c.Engine == nil {
		c.Engine = &engine.Config{}
	}
	c.Engine.SearchPaths = append(c.Engine.SearchPaths, dirs...)
	return c
}
