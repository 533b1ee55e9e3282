package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

type subscriber[T comparable] struct {
	ch     chan Event[T]
	filter Filter
	// done stops the goroutine watching the subscribe context.
	done chan struct{}
}

type observer[T comparable] struct {
	id     string
	fn     func(Event[T])
	filter Filter
}

// Hub fans delivered events out to channel subscribers and synchronous
// observers.
type Hub[T comparable] struct {
	mu          sync.RWMutex
	subscribers map[string]subscriber[T]
	observers   []observer[T]
	closed      bool
	dropped     atomic.Uint64
	published   atomic.Uint64
	logger      *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub[T comparable](logger *slog.Logger) *Hub[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub[T]{
		subscribers: make(map[string]subscriber[T]),
		logger:      logger.With("component", "notify"),
	}
}

// Subscribe registers a channel subscriber. The subscription is removed and
// its channel closed when ctx is cancelled, on Unsubscribe or on Close.
func (h *Hub[T]) Subscribe(ctx context.Context, filter Filter) (<-chan Event[T], string) {
	subID := uuid.New().String()
	ch := make(chan Event[T], subscriberBufferSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, subID
	}
	done := make(chan struct{})
	h.subscribers[subID] = subscriber[T]{ch: ch, filter: filter, done: done}
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		select {
		case <-ctx.Done():
			h.Unsubscribe(subID)
		case <-done:
		}
	}()

	return ch, subID
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub[T]) Unsubscribe(subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subscribers[subID]
	if !ok {
		return
	}
	delete(h.subscribers, subID)
	close(sub.done)
	close(sub.ch)

	h.logger.Debug("subscriber removed", "sub_id", subID)
}

// Observe registers fn to be called synchronously, on the delivering
// goroutine, for every matching event. It returns an ID for RemoveObserver.
func (h *Hub[T]) Observe(filter Filter, fn func(Event[T])) string {
	id := uuid.New().String()
	h.mu.Lock()
	h.observers = append(h.observers, observer[T]{id: id, fn: fn, filter: filter})
	h.mu.Unlock()
	return id
}

// RemoveObserver unregisters an observer.
func (h *Hub[T]) RemoveObserver(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, o := range h.observers {
		if o.id == id {
			h.observers = append(h.observers[:i:i], h.observers[i+1:]...)
			return
		}
	}
}

// Publish delivers ev. Channel sends never block: events are dropped for
// subscribers whose buffers are full. Observers run after the sends, outside
// the hub lock, so they may publish or subscribe themselves.
func (h *Hub[T]) Publish(ev Event[T]) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	h.published.Add(1)
	for id, sub := range h.subscribers {
		if !sub.filter.Match(ev.Kind, ev.Model) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
			h.logger.Debug("dropped event for slow subscriber",
				"sub_id", id,
				"kind", ev.Kind,
				"model", ev.Model)
		}
	}
	observers := make([]observer[T], 0, len(h.observers))
	for _, o := range h.observers {
		if o.filter.Match(ev.Kind, ev.Model) {
			observers = append(observers, o)
		}
	}
	h.mu.RUnlock()

	for _, o := range observers {
		o.fn(ev)
	}
}

// Dropped returns how many channel sends were skipped.
func (h *Hub[T]) Dropped() uint64 {
	return h.dropped.Load()
}

// Published returns how many events were published.
func (h *Hub[T]) Published() uint64 {
	return h.published.Load()
}

// Close shuts down the hub and closes all subscriber channels. Later
// publishes are ignored.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subscribers {
		close(sub.done)
		close(sub.ch)
		delete(h.subscribers, id)
	}
	h.observers = nil

	h.logger.Debug("hub closed")
}
