// Package event provides a small generic observer registry used to wire
// provider callbacks (device data, transcripts) and coordinator lifecycle
// events without exposing mutable handler lists.
//
// A [Hub] hands out an unsubscribe function for every registration so that
// subscription and unsubscription stay symmetric across pipeline restarts.
package event

import (
	"sync"
)

// Hub fans a value out to every registered handler. The zero value is ready
// to use. All methods are safe for concurrent use.
//
// Handlers are invoked synchronously on the publishing goroutine, outside the
// hub's lock, in registration order. A handler may unsubscribe itself (or
// others) while being invoked; the change takes effect for the next Publish.
type Hub[T any] struct {
	mu    sync.RWMutex
	next  uint64
	order []uint64
	subs  map[uint64]func(T)
}

// Subscribe registers fn and returns a function that removes it again.
// The returned function is idempotent. A nil fn is ignored and yields a no-op
// unsubscribe.
func (h *Hub[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[uint64]func(T))
	}
	h.next++
	id := h.next
	h.subs[id] = fn
	h.order = append(h.order, id)
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(id) })
	}
}

// Publish invokes every registered handler with v.
func (h *Hub[T]) Publish(v T) {
	h.mu.RLock()
	handlers := make([]func(T), 0, len(h.order))
	for _, id := range h.order {
		handlers = append(handlers, h.subs[id])
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(v)
	}
}

// Len returns the number of registered handlers.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.order)
}

// Reset drops every registration. Outstanding unsubscribe functions stay
// valid and become no-ops.
func (h *Hub[T]) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = nil
	h.order = nil
}

func (h *Hub[T]) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[id]; !ok {
		return
	}
	delete(h.subs, id)
	for i, v := range h.order {
		if v == id {
			h.order = append(h.order[:i:i], h.order[i+1:]...)
			break
		}
	}
}
