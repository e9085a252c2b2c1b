package attach

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/host"
	"github.com/wippyai/wasm-ffi/native"
)

// Initializer configures threads attached on behalf of a callback. A nil
// Initializer attaches a non-daemon thread and detaches it when the
// callback returns.
type Initializer struct {
	Name   string
	Group  string
	Daemon bool
	// Detach detaches the thread after each callback. When false the
	// thread stays attached until it exits.
	Detach bool
}

// ThreadState is the per-thread bookkeeping of the bridge. It is created on
// a thread's first crossing and discarded when the thread exits.
type ThreadState struct {
	termination atomic.Pointer[atomic.Bool]
	name        string
	lastError   atomic.Int32
	detach      atomic.Bool
	// wasAttached is set when the thread was attached before the bridge
	// first saw it; such threads are never detached by the bridge.
	wasAttached bool
	// calls counts the managed calls into native code running on the
	// thread.
	calls atomic.Int32
}

// LastError returns the last native error code captured on the thread.
func (s *ThreadState) LastError() int32 { return s.lastError.Load() }

// WasAttached reports whether the thread was attached before the bridge
// touched it.
func (s *ThreadState) WasAttached() bool { return s.wasAttached }

// Detach reports whether the thread is detached after each callback.
func (s *ThreadState) Detach() bool { return s.detach.Load() }

// Name returns the name the thread was attached with.
func (s *ThreadState) Name() string { return s.name }

// Manager attaches native threads to the host runtime for callbacks.
type Manager struct {
	rt  *host.Runtime
	key native.Key
}

// New creates a manager. Its TLS key destructor detaches threads that exit
// while still attached by the bridge.
func New(rt *host.Runtime) *Manager {
	m := &Manager{rt: rt}
	m.key = native.NewKey(m.teardown)
	return m
}

// Close releases the manager's TLS key. States already stored on live
// threads are no longer torn down.
func (m *Manager) Close() {
	native.DeleteKey(m.key)
}

// State returns th's state, creating it on first use.
func (m *Manager) State(th *native.Thread) *ThreadState {
	if st, ok := th.Get(m.key).(*ThreadState); ok {
		return st
	}
	st := &ThreadState{wasAttached: m.rt.IsAttached(th), name: th.Name()}
	th.Set(m.key, st)
	return st
}

// Call marks th as a managed thread calling into native code until the
// returned function runs. Callbacks arriving on th meanwhile run on it as
// an attached thread: they neither attach nor detach it.
func (m *Manager) Call(th *native.Thread) func() {
	st := m.State(th)
	st.calls.Add(1)
	return func() { st.calls.Add(-1) }
}

// InCall reports whether th is inside a managed call into native code.
func (s *ThreadState) InCall() bool { return s.calls.Load() > 0 }

// Attachment is one native-to-managed crossing.
type Attachment struct {
	Thread  *native.Thread
	State   *ThreadState
	ctx     context.Context
	release func()
	stay    bool
	// nested is set for callbacks made during a managed call on the thread.
	nested bool
}

// Context returns a context carrying the attachment's thread.
func (a *Attachment) Context() context.Context { return a.ctx }

// Enter attaches the thread carried by ctx, or a transient thread, to the
// runtime. A thread that is already attached is reused. stay keeps a thread
// the bridge attached from being detached by Leave.
func (m *Manager) Enter(ctx context.Context, init *Initializer, stay bool) (*Attachment, error) {
	th, ctx, release := native.Current(ctx)
	st := m.State(th)
	if st.InCall() {
		return &Attachment{Thread: th, State: st, ctx: ctx, release: release, stay: stay, nested: true}, nil
	}

	if !m.rt.IsAttached(th) {
		opts := host.AttachOptions{Name: th.Name()}
		detach := true
		if init != nil {
			if init.Name != "" {
				opts.Name = init.Name
			}
			opts.Group = init.Group
			opts.Daemon = init.Daemon
			detach = init.Detach
		}
		if err := m.rt.Attach(th, opts); err != nil {
			Logger().Error("can't attach native thread", zap.Uint64("thread", th.ID()), zap.Error(err))
			release()
			return nil, err
		}
		st.name = opts.Name
		st.wasAttached = false
		st.detach.Store(detach)
		Logger().Debug("native thread attached",
			zap.Uint64("thread", th.ID()),
			zap.String("name", opts.Name),
			zap.Bool("daemon", opts.Daemon))
	}
	return &Attachment{Thread: th, State: st, ctx: ctx, release: release, stay: stay}, nil
}

// Leave ends a crossing. A thread the bridge attached is detached unless it
// requested to stay attached.
func (m *Manager) Leave(a *Attachment) {
	if a == nil {
		return
	}
	if !a.nested && !a.State.wasAttached && a.State.detach.Load() && !a.stay && m.rt.IsAttached(a.Thread) {
		if err := m.rt.Detach(a.Thread); err != nil {
			Logger().Warn("detach failed", zap.Uint64("thread", a.Thread.ID()), zap.Error(err))
		} else if flag := a.State.termination.Load(); flag != nil {
			flag.Store(true)
		}
	}
	a.release()
}

// SetDetachState sets whether the current thread is detached after each
// callback. When detach is false and flag is non-nil, flag is set to true
// once the thread has finally been detached.
func (m *Manager) SetDetachState(ctx context.Context, detach bool, flag *atomic.Bool) error {
	th, ok := native.ThreadFrom(ctx)
	if !ok {
		return errors.New(errors.PhaseAttach, errors.KindNotAttached).
			Detail("no native thread in context").
			Build()
	}
	st := m.State(th)
	st.detach.Store(detach)
	if !detach {
		st.termination.Store(flag)
	}
	return nil
}

// LastError returns the last native error code captured on the thread
// carried by ctx, or 0.
func (m *Manager) LastError(ctx context.Context) int32 {
	th, ok := native.ThreadFrom(ctx)
	if !ok {
		return 0
	}
	return m.State(th).LastError()
}

// SetLastError sets both the thread's native error channel and the captured
// last error.
func (m *Manager) SetLastError(ctx context.Context, code int32) {
	th, ok := native.ThreadFrom(ctx)
	if !ok {
		return
	}
	th.SetErrno(code)
	m.State(th).lastError.Store(code)
}

// StoreLastError records code as th's captured last error.
func (m *Manager) StoreLastError(th *native.Thread, code int32) {
	m.State(th).lastError.Store(code)
}

func (m *Manager) teardown(th *native.Thread, v any) {
	st, ok := v.(*ThreadState)
	if !ok {
		return
	}
	if !st.wasAttached && m.rt.IsAttached(th) {
		if err := m.rt.Detach(th); err != nil {
			Logger().Warn("detach on thread exit failed", zap.Uint64("thread", th.ID()), zap.Error(err))
		}
	}
	if flag := st.termination.Load(); flag != nil {
		flag.Store(true)
	}
	Logger().Debug("thread state released", zap.Uint64("thread", th.ID()))
}
