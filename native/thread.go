package native

import (
	"context"
	"sync"
	"sync/atomic"
)

// destructorIterations bounds how many times Exit re-runs destructors for keys
// that were set again by another destructor.
const destructorIterations = 4

var nextThreadID atomic.Uint64

// Thread is a native thread of execution. Native code running on behalf of a
// thread sees its TLS slots and its errno value.
type Thread struct {
	tls    map[Key]any
	name   string
	id     uint64
	mu     sync.Mutex
	errno  atomic.Int32
	exited atomic.Bool
}

// NewThread creates a thread. The name is informational.
func NewThread(name string) *Thread {
	return &Thread{
		id:   nextThreadID.Add(1),
		name: name,
		tls:  make(map[Key]any),
	}
}

// ID returns the process-unique thread id.
func (t *Thread) ID() uint64 { return t.id }

// Name returns the name given at creation.
func (t *Thread) Name() string { return t.name }

// Errno returns the thread's last native error code.
func (t *Thread) Errno() int32 { return t.errno.Load() }

// SetErrno sets the thread's last native error code.
func (t *Thread) SetErrno(code int32) { t.errno.Store(code) }

// Exited reports whether Exit has run.
func (t *Thread) Exited() bool { return t.exited.Load() }

// Get returns the value stored under key, or nil.
func (t *Thread) Get(key Key) any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tls[key]
}

// Set stores v under key. Storing nil clears the slot.
func (t *Thread) Set(key Key, v any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v == nil {
		delete(t.tls, key)
		return
	}
	t.tls[key] = v
}

// Exit terminates the thread: each non-nil TLS value is cleared and handed to
// its key's destructor. Exit is idempotent.
func (t *Thread) Exit() {
	if !t.exited.CompareAndSwap(false, true) {
		return
	}
	for range destructorIterations {
		t.mu.Lock()
		if len(t.tls) == 0 {
			t.mu.Unlock()
			return
		}
		pending := t.tls
		t.tls = make(map[Key]any)
		t.mu.Unlock()

		for key, v := range pending {
			if d := key.destructor(); d != nil {
				d(t, v)
			}
		}
	}
	Logger().Warn("thread exited with TLS values still set",
		zapThread(t))
}

type threadKey struct{}

// WithThread returns a context carrying th.
func WithThread(ctx context.Context, th *Thread) context.Context {
	return context.WithValue(ctx, threadKey{}, th)
}

// ThreadFrom returns the thread carried by ctx.
func ThreadFrom(ctx context.Context) (*Thread, bool) {
	th, ok := ctx.Value(threadKey{}).(*Thread)
	return th, ok && th != nil
}

// Current returns the thread carried by ctx, or a transient thread when ctx
// carries none. The returned context always carries the thread. The release
// function exits a transient thread and is a no-op otherwise.
func Current(ctx context.Context) (*Thread, context.Context, func()) {
	if th, ok := ThreadFrom(ctx); ok {
		return th, ctx, func() {}
	}
	th := NewThread("transient")
	return th, WithThread(ctx, th), th.Exit
}
