package service

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := newKeyedMutex()

	const workers = 32
	var wg sync.WaitGroup
	counter := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("doc:1")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, workers, counter)
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := newKeyedMutex()

	unlockA := km.Lock("doc:a")
	done := make(chan struct{})
	go func() {
		unlockB := km.Lock("doc:b")
		unlockB()
		close(done)
	}()
	<-done // a held lock on one key must not block another key
	unlockA()
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	km := newKeyedMutex()

	for i := 0; i < 10; i++ {
		unlock := km.Lock("doc:1")
		unlock()
	}

	km.mu.Lock()
	defer km.mu.Unlock()
	assert.Empty(t, km.keys, "unused entries must be reclaimed")
}
