package attach

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/wippyai/wasm-ffi/host"
	"github.com/wippyai/wasm-ffi/native"
)

func TestEnterLeave_DetachesNewThreads(t *testing.T) {
	rt := host.New()
	m := New(rt)
	defer m.Close()

	th := native.NewThread("worker")
	ctx := native.WithThread(context.Background(), th)

	a, err := m.Enter(ctx, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if !rt.IsAttached(th) {
		t.Fatal("thread should be attached inside the crossing")
	}
	if a.State.WasAttached() {
		t.Error("thread was attached by the bridge")
	}
	m.Leave(a)
	if rt.IsAttached(th) {
		t.Error("thread should be detached after the crossing")
	}
}

func TestEnterLeave_KeepsPreviouslyAttached(t *testing.T) {
	rt := host.New()
	m := New(rt)
	defer m.Close()

	th := native.NewThread("main")
	if err := rt.Attach(th, host.AttachOptions{}); err != nil {
		t.Fatal(err)
	}
	ctx := native.WithThread(context.Background(), th)
	a, err := m.Enter(ctx, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if !a.State.WasAttached() {
		t.Error("state should record the prior attachment")
	}
	m.Leave(a)
	if !rt.IsAttached(th) {
		t.Error("previously attached threads must stay attached")
	}
	if rt.AttachCount(th) != 1 {
		t.Errorf("AttachCount = %d, want 1", rt.AttachCount(th))
	}
}

func TestInitializer(t *testing.T) {
	rt := host.New()
	m := New(rt)
	defer m.Close()

	th := native.NewThread("raw")
	ctx := native.WithThread(context.Background(), th)
	init := &Initializer{Name: "callback-thread", Group: "ffi", Daemon: true, Detach: false}

	a, err := m.Enter(ctx, init, false)
	if err != nil {
		t.Fatal(err)
	}
	opts, _ := rt.AttachOptionsOf(th)
	if opts.Name != "callback-thread" || opts.Group != "ffi" || !opts.Daemon {
		t.Errorf("attach options = %+v", opts)
	}
	if a.State.Name() != "callback-thread" {
		t.Errorf("state name = %q", a.State.Name())
	}
	m.Leave(a)
	if !rt.IsAttached(th) {
		t.Fatal("Detach=false keeps the thread attached")
	}

	a, _ = m.Enter(ctx, init, false)
	m.Leave(a)
	if rt.AttachCount(th) != 1 {
		t.Errorf("thread attached %d times, want 1", rt.AttachCount(th))
	}

	th.Exit()
	if rt.IsAttached(th) {
		t.Error("thread exit should detach")
	}
}

func TestSetDetachState_TerminationFlag(t *testing.T) {
	rt := host.New()
	m := New(rt)
	defer m.Close()

	th := native.NewThread("long-lived")
	ctx := native.WithThread(context.Background(), th)
	var terminated atomic.Bool

	a, err := m.Enter(ctx, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetDetachState(a.Context(), false, &terminated); err != nil {
		t.Fatal(err)
	}
	m.Leave(a)
	if !rt.IsAttached(th) || terminated.Load() {
		t.Fatal("thread should stay attached with the flag unset")
	}

	th.Exit()
	if rt.IsAttached(th) {
		t.Error("exit should detach")
	}
	if !terminated.Load() {
		t.Error("termination flag should be set after detach")
	}

	if err := m.SetDetachState(context.Background(), true, nil); err == nil {
		t.Error("SetDetachState without a thread should fail")
	}
}

func TestStay(t *testing.T) {
	rt := host.New()
	m := New(rt)
	defer m.Close()

	th := native.NewThread("")
	a, _ := m.Enter(native.WithThread(context.Background(), th), nil, true)
	m.Leave(a)
	if !rt.IsAttached(th) {
		t.Error("stay should keep the thread attached")
	}
}

func TestCall_NestedCallbacksReuseCaller(t *testing.T) {
	rt := host.New()
	m := New(rt)
	defer m.Close()

	th := native.NewThread("go-caller")
	ctx := native.WithThread(context.Background(), th)
	done := m.Call(th)
	for i := 0; i < 3; i++ {
		a, err := m.Enter(ctx, nil, false)
		if err != nil {
			t.Fatal(err)
		}
		rt.Throw(th, errors.New("pending"))
		m.Leave(a)
		if !rt.ExceptionCheck(th) {
			t.Fatal("exceptions pending on the caller must survive the callback")
		}
		rt.ClearException(th)
	}
	done()

	if n := rt.AttachCount(th); n != 0 {
		t.Errorf("AttachCount = %d, want 0", n)
	}
	if m.State(th).InCall() {
		t.Error("call marker should be cleared")
	}

	a, err := m.Enter(ctx, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	m.Leave(a)
	if rt.AttachCount(th) != 1 || rt.IsAttached(th) {
		t.Error("outside a call the thread attaches for the callback only")
	}
}

func TestTransientThread(t *testing.T) {
	rt := host.New()
	m := New(rt)
	defer m.Close()

	a, err := m.Enter(context.Background(), &Initializer{Detach: false}, false)
	if err != nil {
		t.Fatal(err)
	}
	th := a.Thread
	m.Leave(a)
	if !th.Exited() {
		t.Error("transient thread should exit on Leave")
	}
	if rt.IsAttached(th) {
		t.Error("transient thread should be detached by teardown")
	}
}

func TestAttachFailure(t *testing.T) {
	rt := host.New()
	rt.SetAttachHook(func(*native.Thread, host.AttachOptions) error {
		return errors.New("no room")
	})
	m := New(rt)
	defer m.Close()

	if _, err := m.Enter(context.Background(), nil, false); err == nil {
		t.Fatal("expected attach failure")
	}
}

func TestLastError(t *testing.T) {
	rt := host.New()
	m := New(rt)
	defer m.Close()

	th := native.NewThread("")
	ctx := native.WithThread(context.Background(), th)
	m.SetLastError(ctx, 13)
	if m.LastError(ctx) != 13 || th.Errno() != 13 {
		t.Errorf("LastError = %d, errno = %d", m.LastError(ctx), th.Errno())
	}
	m.StoreLastError(th, 2)
	if m.LastError(ctx) != 2 {
		t.Errorf("LastError = %d, want 2", m.LastError(ctx))
	}
	if m.LastError(context.Background()) != 0 {
		t.Error("no thread means no last error")
	}
}

func TestConcurrentThreadsGetOwnState(t *testing.T) {
	rt := host.New()
	m := New(rt)
	defer m.Close()

	const n = 16
	var wg sync.WaitGroup
	states := make([]*ThreadState, n)
	threads := make([]*native.Thread, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			th := native.NewThread("")
			threads[i] = th
			ctx := native.WithThread(context.Background(), th)
			a, err := m.Enter(ctx, &Initializer{Detach: false}, false)
			if err != nil {
				t.Error(err)
				return
			}
			m.StoreLastError(th, int32(i))
			states[i] = a.State
			m.Leave(a)
		}()
	}
	wg.Wait()

	seen := map[*ThreadState]bool{}
	for i, st := range states {
		if st == nil {
			t.Fatalf("thread %d has no state", i)
		}
		if seen[st] {
			t.Fatalf("thread %d shares state", i)
		}
		seen[st] = true
		if st.LastError() != int32(i) {
			t.Errorf("thread %d last error = %d", i, st.LastError())
		}
		if rt.AttachCount(threads[i]) != 1 {
			t.Errorf("thread %d attached %d times", i, rt.AttachCount(threads[i]))
		}
	}
}
