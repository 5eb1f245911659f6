package session

import "sync"

// Hub fans snapshots out to subscribers. Publish never blocks: a subscriber
// that is behind loses the older snapshot and keeps the newest.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Snapshot]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Snapshot]struct{}{}}
}

// Subscribe returns a channel of snapshots and a function that unsubscribes
// and closes it.
func (h *Hub) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return ch, func() { once.Do(func() { h.unsubscribe(ch) }) }
}

func (h *Hub) unsubscribe(ch chan Snapshot) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Publish delivers s to every subscriber.
func (h *Hub) Publish(s Snapshot) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- s:
			continue
		default:
		}
		// Drop the stale snapshot and retry once.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
