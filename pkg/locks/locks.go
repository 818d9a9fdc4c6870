package locks

import (
	"sync"
)

// Keyed is a process-wide set of named mutexes. The sandbox managers and the
// reconciler serialise per-sandbox critical sections through the same key so
// GC cannot race request handlers.
//
// Entries are created on first use and must be purged after the final delete
// of the keyed resource.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyed creates an empty keyed lock set.
func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*entry)}
}

// Acquire blocks until the lock for key is held and returns the release
// function. Typical use:
//
//	unlock := locks.Acquire(sandboxID)
//	defer unlock()
func (k *Keyed) Acquire(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			k.mu.Lock()
			e.refs--
			k.mu.Unlock()
		})
	}
}

// Purge removes the lock entry for key if nobody holds or waits on it.
// Called after a sandbox is fully deleted so the map does not grow without
// bound.
func (k *Keyed) Purge(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if e, ok := k.locks[key]; ok && e.refs == 0 {
		delete(k.locks, key)
	}
}

// Len returns the number of live lock entries.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
