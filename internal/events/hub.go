package events

import (
	"context"
	"sync"
)

// subscriberBufferSize is the channel buffer for each watcher.
// Events are dropped if a watcher falls this far behind.
const subscriberBufferSize = 64

// Hub fans bundle events out to in-process watchers, keyed by bundle UUID.
// It is safe for concurrent use.
//
// When a bundle reaches a terminal state its topic is closed and kept as a
// marker, so watchers that subscribe afterwards get a closed channel instead
// of blocking forever.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel of events for bundleUUID and an unsubscribe
// function. If the bundle already finished the channel is closed immediately.
func (h *Hub) Subscribe(bundleUUID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[bundleUUID]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		h.topics[bundleUUID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
	}
}

// Publish implements Publisher. Terminal events close the topic after delivery.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[ev.BundleUUID]
	if !ok {
		if ev.Terminal {
			h.topics[ev.BundleUUID] = &topic{subs: make(map[int]chan Event), closed: true}
		}
		return nil
	}
	if t.closed {
		return nil
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Slow watcher; drop rather than block a state transition.
		}
	}

	if ev.Terminal {
		t.closed = true
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
	}
	return nil
}
