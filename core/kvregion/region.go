package kvregion

import (
	"sync"
)

// ChangeOp identifies the kind of external mutation observed on the region.
type ChangeOp string

const (
	// OpSet indicates a key was written or overwritten externally.
	OpSet ChangeOp = "set"
	// OpDelete indicates a key was removed externally.
	OpDelete ChangeOp = "delete"
)

// ChangeEvent describes an external mutation of the region.
type ChangeEvent struct {
	Key string
	Op  ChangeOp
}

// Region is the host key-value surface the secret store writes into.
// Implementations must be safe for concurrent use.
type Region interface {
	// Get returns the value stored under key, and whether it exists.
	Get(key string) ([]byte, bool)
	// Set writes value under key, overwriting any previous value.
	Set(key string, value []byte)
	// Delete removes key. Deleting a missing key is a no-op.
	Delete(key string)
	// Keys returns a snapshot of all keys currently present.
	Keys() []string
	// Len returns the number of entries currently present.
	Len() int
	// Subscribe registers a callback for external mutations and returns
	// a cancel function. Callbacks run synchronously on the mutating
	// goroutine and must not block.
	Subscribe(fn func(ChangeEvent)) (cancel func())
}

// MemoryRegion is the in-process Region used for the volatile session store.
// Entries do not survive the process; that is the point.
type MemoryRegion struct {
	mu      sync.RWMutex
	entries map[string][]byte

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func(ChangeEvent)
}

// NewMemoryRegion creates an empty volatile region.
func NewMemoryRegion() *MemoryRegion {
	return &MemoryRegion{
		entries: make(map[string][]byte),
		subs:    make(map[int]func(ChangeEvent)),
	}
}

// Get returns a copy of the value stored under key.
func (r *MemoryRegion) Get(key string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	value, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true
}

// Set writes value under key. Local writes do not raise change events.
func (r *MemoryRegion) Set(key string, value []byte) {
	stored := make([]byte, len(value))
	copy(stored, value)

	r.mu.Lock()
	r.entries[key] = stored
	r.mu.Unlock()
}

// Delete removes key. Local deletes do not raise change events.
func (r *MemoryRegion) Delete(key string) {
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
}

// Keys returns a snapshot of all present keys.
func (r *MemoryRegion) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the current entry count.
func (r *MemoryRegion) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Subscribe registers a callback for external mutations.
func (r *MemoryRegion) Subscribe(fn func(ChangeEvent)) (cancel func()) {
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.subMu.Unlock()

	return func() {
		r.subMu.Lock()
		delete(r.subs, id)
		r.subMu.Unlock()
	}
}

// ApplyExternal writes a value as another context would (another tab sharing
// the host region) and notifies subscribers. Used by the session layer's
// cross-context anomaly detection and by tests.
func (r *MemoryRegion) ApplyExternal(key string, value []byte) {
	r.Set(key, value)
	r.notify(ChangeEvent{Key: key, Op: OpSet})
}

// DeleteExternal removes a key as another context would and notifies
// subscribers.
func (r *MemoryRegion) DeleteExternal(key string) {
	r.Delete(key)
	r.notify(ChangeEvent{Key: key, Op: OpDelete})
}

func (r *MemoryRegion) notify(ev ChangeEvent) {
	r.subMu.Lock()
	fns := make([]func(ChangeEvent), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
