// Package events provides the in-memory fanout bus carrying queue
// lifecycle notifications to subscribers (the websocket stream).
package events

import (
	"sync"
	"time"

	"github.com/ienone/VaultStream-sub000/internal/model"
)

// Event is one queue item lifecycle notification.
type Event struct {
	Type string          `json:"type"`
	Time time.Time       `json:"time"`
	Item model.QueueItem `json:"item"`
}

// Event types.
const (
	TypeQueued     = "queued"
	TypeUpdated    = "updated"
	TypeDispatched = "dispatched"
	TypeFailed     = "failed"
)

// Hub is a simple in-memory fanout bus. Publish never blocks; slow
// subscribers drop events.
type Hub struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  uint64
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]chan Event)}
}

// Publish delivers e to every subscriber without blocking.
func (h *Hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a buffered event channel and returns it with its
// unsubscribe function. Unsubscribing closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	h.seq++
	id := h.seq
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
