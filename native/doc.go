// Package native models the native side's threads.
//
// A Thread owns TLS slots whose destructors run when the thread exits, and a
// per-thread errno that native code sets through host imports. Threads travel
// in a context.Context; calls that arrive without one run on a transient
// thread that exits when the call completes, the way a short-lived native
// thread would.
package native
