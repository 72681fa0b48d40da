package events

import (
	"testing"
	"time"

	"github.com/ienone/VaultStream-sub000/internal/model"
)

func TestPublishFanout(t *testing.T) {
	h := NewHub()

	ch1, unsub1 := h.Subscribe(4)
	defer unsub1()
	ch2, unsub2 := h.Subscribe(4)
	defer unsub2()

	h.Publish(Event{Type: TypeQueued, Item: model.QueueItem{ID: 1}})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != TypeQueued || e.Item.ID != 1 {
				t.Errorf("subscriber %d got %+v", i, e)
			}
			if e.Time.IsZero() {
				t.Errorf("subscriber %d event has no timestamp", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	h := NewHub()

	_, unsub := h.Subscribe(1)
	defer unsub()

	// The subscriber is never drained; extra events are dropped instead
	// of blocking the publisher.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			h.Publish(Event{Type: TypeUpdated})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()

	ch, unsub := h.Subscribe(1)
	unsub()
	unsub() // idempotent

	if _, ok := <-ch; ok {
		t.Error("channel still open after unsubscribe")
	}

	// Publishing after unsubscribe must not panic on the closed channel.
	h.Publish(Event{Type: TypeFailed})
}
