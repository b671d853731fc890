package common

import "sync"

// KeyedMutex serialises operations against a single logical entity (one loan,
// one investor balance) identified by a string key. Engines acquire the key
// for the full read -> external call -> write sequence so interleaved
// suspension points cannot observe or commit torn state.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entityLock
}

type entityLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex constructs an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*entityLock)}
}

// Lock acquires the mutex for the supplied key and returns the release
// function. Lock entries are reference counted and removed once the last
// holder releases, so the map does not grow with the entity population.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &entityLock{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs <= 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
