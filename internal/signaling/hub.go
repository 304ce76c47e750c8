package signaling

import (
	"context"
	"sync"
)

// Hub is an in-process Transport. Every Channel attached to the same Hub can
// reach every other; a user with no listener is offline.
type Hub struct {
	mu        sync.RWMutex
	next      int
	listeners map[string]map[int]func(Event)
	down      bool
}

var _ Transport = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{listeners: make(map[string]map[int]func(Event))}
}

// SetDown makes every delivery fail until cleared.
func (h *Hub) SetDown(down bool) {
	h.mu.Lock()
	h.down = down
	h.mu.Unlock()
}

func (h *Hub) Deliver(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "deliver", Peer: ev.To, Err: err}
	}
	h.mu.RLock()
	if h.down {
		h.mu.RUnlock()
		return &TransportError{Op: "deliver", Peer: ev.To, Err: ErrTransport}
	}
	fns := make([]func(Event), 0, len(h.listeners[ev.To]))
	for _, fn := range h.listeners[ev.To] {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	if len(fns) == 0 {
		return &TransportError{Op: "deliver", Peer: ev.To, Err: ErrOffline}
	}
	for _, fn := range fns {
		fn(ev)
	}
	return nil
}

func (h *Hub) Listen(userID string, fn func(Event)) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	if h.listeners[userID] == nil {
		h.listeners[userID] = make(map[int]func(Event))
	}
	h.listeners[userID][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners[userID], id)
			if len(h.listeners[userID]) == 0 {
				delete(h.listeners, userID)
			}
			h.mu.Unlock()
		})
	}, nil
}
