package service

import "sync"

// keyedMutex provides per-key mutual exclusion. Mutating operations on a
// document (start) or an instance (act, withdraw, transfer, urge) take the
// corresponding key for the duration of their read-modify-write, so two
// concurrent calls can never both observe a step as pending.
type keyedMutex struct {
	mu   sync.Mutex
	keys map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{keys: make(map[string]*keyLock)}
}

// Lock acquires the mutex for key and returns the release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.keys[key]
	if !ok {
		l = &keyLock{}
		k.keys[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.keys, key)
		}
		k.mu.Unlock()
	}
}
