package native

import "sync"

// Key identifies a TLS slot. Keys are shared by all threads.
type Key uint32

// Destructor runs when a thread exits with a non-nil value in the slot.
type Destructor func(th *Thread, v any)

var (
	keysMu  sync.RWMutex
	keys    = map[Key]Destructor{}
	nextKey Key
)

// NewKey allocates a TLS key with an optional destructor.
func NewKey(d Destructor) Key {
	keysMu.Lock()
	defer keysMu.Unlock()
	nextKey++
	keys[nextKey] = d
	return nextKey
}

// DeleteKey releases the key. Values still stored under it are no longer
// handed to the destructor.
func DeleteKey(k Key) {
	keysMu.Lock()
	defer keysMu.Unlock()
	keys[k] = nil
}

func (k Key) destructor() Destructor {
	keysMu.RLock()
	defer keysMu.RUnlock()
	return keys[k]
}
