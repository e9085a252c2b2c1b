package host

import (
	"sync"

	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/native"
)

// AttachOptions describe how a native thread joins the runtime.
type AttachOptions struct {
	Name   string
	Group  string
	Daemon bool
}

// AttachHook runs before a thread is attached; a non-nil error refuses the
// attachment.
type AttachHook func(th *native.Thread, opts AttachOptions) error

type attachment struct {
	opts AttachOptions
}

// Runtime is the managed side's object model: which native threads are
// attached, the reference handle table, and per-thread pending exceptions.
type Runtime struct {
	attached map[*native.Thread]*attachment
	attaches map[uint64]int
	pending  map[*native.Thread]error
	hook     AttachHook
	handles  *handleTable
	mu       sync.Mutex
}

// New creates an empty runtime.
func New() *Runtime {
	return &Runtime{
		attached: make(map[*native.Thread]*attachment),
		attaches: make(map[uint64]int),
		pending:  make(map[*native.Thread]error),
		handles:  newHandleTable(),
	}
}

// SetAttachHook installs a hook consulted by Attach.
func (r *Runtime) SetAttachHook(h AttachHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = h
}

// Attach joins th to the runtime. Attaching an attached thread is a no-op.
func (r *Runtime) Attach(th *native.Thread, opts AttachOptions) error {
	r.mu.Lock()
	hook := r.hook
	if _, ok := r.attached[th]; ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if hook != nil {
		if err := hook(th, opts); err != nil {
			return errors.Wrap(errors.PhaseAttach, errors.KindNotAttached, err, "can't attach native thread")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.attached[th]; !ok {
		r.attached[th] = &attachment{opts: opts}
		r.attaches[th.ID()]++
	}
	return nil
}

// Detach removes th from the runtime.
func (r *Runtime) Detach(th *native.Thread) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.attached[th]; !ok {
		return errors.New(errors.PhaseAttach, errors.KindNotAttached).
			Detail("thread %d is not attached", th.ID()).
			Build()
	}
	delete(r.attached, th)
	delete(r.pending, th)
	return nil
}

// IsAttached reports whether th is attached.
func (r *Runtime) IsAttached(th *native.Thread) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.attached[th]
	return ok
}

// AttachOptionsOf returns the options th was attached with.
func (r *Runtime) AttachOptionsOf(th *native.Thread) (AttachOptions, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attached[th]
	if !ok {
		return AttachOptions{}, false
	}
	return a.opts, true
}

// AttachCount returns how many times the thread has been attached.
func (r *Runtime) AttachCount(th *native.Thread) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attaches[th.ID()]
}

// Stats is a snapshot of the runtime's reference bookkeeping.
type Stats struct {
	AttachedThreads int
	OpenFrames      int
	LocalRefs       int
	GlobalRefs      int
	Pending         int
}

// Stats returns current counters.
func (r *Runtime) Stats() Stats {
	r.mu.Lock()
	attached, pending := len(r.attached), len(r.pending)
	r.mu.Unlock()

	frames, locals, globals := r.handles.counts()
	return Stats{
		AttachedThreads: attached,
		OpenFrames:      frames,
		LocalRefs:       locals,
		GlobalRefs:      globals,
		Pending:         pending,
	}
}
