package host

import (
	"sync"
)

// Handle is a reference to a managed object as seen by native code. Zero is
// the null reference.
type Handle uint32

type handleEntry struct {
	value  any
	global bool
}

type handleTable struct {
	entries map[Handle]handleEntry
	free    []Handle
	next    Handle
	frames  int
	locals  int
	globals int
	mu      sync.Mutex
}

func newHandleTable() *handleTable {
	return &handleTable{entries: make(map[Handle]handleEntry), next: 1}
}

func (t *handleTable) add(v any, global bool) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	var h Handle
	if n := len(t.free); n > 0 {
		h = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		h = t.next
		t.next++
	}
	t.entries[h] = handleEntry{value: v, global: global}
	if global {
		t.globals++
	} else {
		t.locals++
	}
	return h
}

func (t *handleTable) remove(h Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[h]
	if !ok {
		return false
	}
	delete(t.entries, h)
	t.free = append(t.free, h)
	if e.global {
		t.globals--
	} else {
		t.locals--
	}
	return true
}

func (t *handleTable) get(h Handle) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[h]
	return e.value, ok
}

func (t *handleTable) frameDelta(d int) {
	t.mu.Lock()
	t.frames += d
	t.mu.Unlock()
}

func (t *handleTable) counts() (frames, locals, globals int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames, t.locals, t.globals
}

// Scope collects references created for one crossing of the boundary.
type Scope interface {
	// Add returns a handle for v. A nil v yields the null handle.
	Add(v any) Handle
	// Resolve returns the object behind any live handle.
	Resolve(h Handle) (any, bool)
}

// Frame is a bounded scope of local references, released together by Pop.
type Frame struct {
	rt     *Runtime
	refs   []Handle
	popped bool
	mu     sync.Mutex
}

// PushFrame opens a local reference frame.
func (r *Runtime) PushFrame() *Frame {
	r.handles.frameDelta(1)
	return &Frame{rt: r}
}

// Add creates a local reference valid until the frame is popped.
func (f *Frame) Add(v any) Handle {
	if v == nil {
		return 0
	}
	h := f.rt.handles.add(v, false)
	f.mu.Lock()
	f.refs = append(f.refs, h)
	f.mu.Unlock()
	return h
}

// Resolve returns the object behind h.
func (f *Frame) Resolve(h Handle) (any, bool) {
	return f.rt.Resolve(h)
}

// Pop releases every local reference in the frame. Pop is idempotent.
func (f *Frame) Pop() {
	f.mu.Lock()
	if f.popped {
		f.mu.Unlock()
		return
	}
	f.popped = true
	refs := f.refs
	f.refs = nil
	f.mu.Unlock()

	for _, h := range refs {
		f.rt.handles.remove(h)
	}
	f.rt.handles.frameDelta(-1)
}

// NewGlobal creates a global reference that lives until DeleteGlobal.
func (r *Runtime) NewGlobal(v any) Handle {
	if v == nil {
		return 0
	}
	return r.handles.add(v, true)
}

// DeleteGlobal releases a global reference.
func (r *Runtime) DeleteGlobal(h Handle) {
	if h != 0 {
		r.handles.remove(h)
	}
}

// Resolve returns the object behind a live local or global handle.
func (r *Runtime) Resolve(h Handle) (any, bool) {
	if h == 0 {
		return nil, true
	}
	return r.handles.get(h)
}

// Globals is a scope of global references released together.
type Globals struct {
	rt   *Runtime
	refs []Handle
	mu   sync.Mutex
}

// NewGlobals opens a global reference scope.
func (r *Runtime) NewGlobals() *Globals {
	return &Globals{rt: r}
}

func (g *Globals) Add(v any) Handle {
	h := g.rt.NewGlobal(v)
	if h != 0 {
		g.mu.Lock()
		g.refs = append(g.refs, h)
		g.mu.Unlock()
	}
	return h
}

func (g *Globals) Resolve(h Handle) (any, bool) {
	return g.rt.Resolve(h)
}

// Release deletes every reference in the scope.
func (g *Globals) Release() {
	g.mu.Lock()
	refs := g.refs
	g.refs = nil
	g.mu.Unlock()
	for _, h := range refs {
		g.rt.DeleteGlobal(h)
	}
}

var (
	_ Scope = (*Frame)(nil)
	_ Scope = (*Globals)(nil)
)
