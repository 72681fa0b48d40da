// Package locks provides keyed advisory locks shared between the
// evaluator, the queue operations, and the dispatcher.
package locks

import "sync"

// Keyed hands out one mutex per key. Locks are never discarded; the key
// space here (destinations, in-flight content ids) stays small.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyed returns an empty lock registry.
func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *Keyed) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
