package bridge

import (
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-ffi/attach"
	"github.com/wippyai/wasm-ffi/bind"
	"github.com/wippyai/wasm-ffi/callback"
	"github.com/wippyai/wasm-ffi/dispatch"
	"github.com/wippyai/wasm-ffi/engine"
	"github.com/wippyai/wasm-ffi/marshal"
	"github.com/wippyai/wasm-ffi/native"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

// Logger returns the bridge's logger instance.
// It uses a no-op logger by default.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger configures the logger of the bridge and of every package it
// composes.
func SetLogger(l *zap.Logger) {
	logger = l
	engine.SetLogger(l)
	native.SetLogger(l)
	marshal.SetLogger(l)
	attach.SetLogger(l)
	dispatch.SetLogger(l)
	callback.SetLogger(l)
	bind.SetLogger(l)
}
