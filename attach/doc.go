// Package attach manages the attachment of native threads to the host
// runtime for callbacks.
//
// A thread moves from not attached to attached on its first crossing into
// managed code. Threads the bridge attached are detached again when the
// callback returns, unless the callback's Initializer or SetDetachState asks
// for them to stay attached; those are detached by the thread's TLS
// teardown when it exits. Threads that were already attached are never
// detached by the bridge.
package attach
