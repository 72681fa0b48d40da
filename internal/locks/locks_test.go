package locks

import (
	"sync"
	"testing"
	"time"
)

func TestLockSerializesSameKey(t *testing.T) {
	k := NewKeyed()

	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("dest:1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	k := NewKeyed()

	unlock1 := k.Lock("dest:1")
	defer unlock1()

	done := make(chan struct{})
	go func() {
		unlock2 := k.Lock("dest:2")
		unlock2()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}
