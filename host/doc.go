// Package host is the managed runtime's object model as the bridge sees it.
//
// It tracks which native threads are attached, hands out integer handles for
// Go objects that cross into native code (local handles grouped in frames,
// global handles released explicitly), creates weak references that do not
// keep their target alive, and invokes Go methods with panics and returned
// errors captured as exceptions pending on the calling thread.
package host
