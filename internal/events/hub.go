// Package events routes live assistant output to the browser connections of the user
// that produced it.
package events

import (
	"context"
	"sync"
)

const (
	// EventName is the SSE event name clients listen for.
	EventName = "new-message"

	defaultBufferSize = 32
)

// Event is one snapshot of a streaming assistant reply. Content carries the whole
// sanitized text so far, not just the newest fragment.
type Event struct {
	ThreadID string `json:"id"`
	UserID   string `json:"userId"`
	Content  string `json:"content"`
	Role     string `json:"role"`
}

// Observer receives hub activity for metrics.
type Observer interface {
	SubscriberCount(n int)
	EventDropped()
}

// Subscription is a live feed of events for a single user and connection.
type Subscription struct {
	C <-chan Event

	hub  *Hub
	id   uint64
	stop func() bool
}

// Cancel unregisters the subscription and closes C. It is safe to call more than once.
func (s *Subscription) Cancel() {
	if s.stop != nil {
		s.stop()
	}
	s.hub.remove(s.id)
}

type subscriber struct {
	userID string
	ch     chan Event
}

// Hub is an in-process publish/subscribe registry keyed by user id. Delivery is
// best-effort: events for users without a subscriber are discarded, and a subscriber
// whose buffer is full misses the event.
type Hub struct {
	mu       sync.RWMutex
	subs     map[uint64]*subscriber
	nextID   uint64
	closed   bool
	buffer   int
	observer Observer
}

func NewHub(observer Observer) *Hub {
	return &Hub{
		subs:     make(map[uint64]*subscriber),
		buffer:   defaultBufferSize,
		observer: observer,
	}
}

// Subscribe registers a channel for userID. The subscription is removed when ctx is
// done or Cancel is called. Subscribing to a closed hub yields an already closed channel.
func (h *Hub) Subscribe(ctx context.Context, userID string) *Subscription {
	ch := make(chan Event, h.buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return &Subscription{C: ch, hub: h}
	}
	h.nextID++
	id := h.nextID
	h.subs[id] = &subscriber{userID: userID, ch: ch}
	n := len(h.subs)
	h.mu.Unlock()

	h.reportCount(n)

	sub := &Subscription{C: ch, hub: h, id: id}
	sub.stop = context.AfterFunc(ctx, func() { h.remove(id) })
	return sub
}

// Publish delivers e to every subscriber of e.UserID and returns how many received it.
func (h *Hub) Publish(e Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, s := range h.subs {
		if s.userID != e.UserID {
			continue
		}
		select {
		case s.ch <- e:
			delivered++
		default:
			if h.observer != nil {
				h.observer.EventDropped()
			}
		}
	}
	return delivered
}

// Len returns the number of open subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every subscription. Later subscriptions are closed immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for id, s := range h.subs {
		close(s.ch)
		delete(h.subs, id)
	}
	h.mu.Unlock()

	h.reportCount(0)
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	s, ok := h.subs[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, id)
	close(s.ch)
	n := len(h.subs)
	h.mu.Unlock()

	h.reportCount(n)
}

func (h *Hub) reportCount(n int) {
	if h.observer != nil {
		h.observer.SubscriberCount(n)
	}
}
