// Package events fans out engine and session notifications to streaming
// clients.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 64

// Event is one notification streamed to clients. Session names the engine
// session it concerns, empty for global events.
type Event struct {
	Name      string    `json:"name"`
	Session   string    `json:"session,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Filter selects the events a subscriber receives.
type Filter func(Event) bool

// ForSession passes events of one session plus global ones.
func ForSession(name string) Filter {
	return func(evt Event) bool { return evt.Session == "" || evt.Session == name }
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// Hub delivers events to subscribers over per-subscriber buffered channels.
// A subscriber that falls behind loses events instead of blocking publishers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	nextID      uint64
	bufferSize  int
	closed      bool

	dropped atomic.Uint64
}

func NewHub() *Hub {
	return NewHubWithBuffer(defaultBufferSize)
}

func NewHubWithBuffer(size int) *Hub {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Hub{
		subscribers: make(map[uint64]*subscriber),
		bufferSize:  size,
	}
}

func (h *Hub) Publish(evt Event) {
	if h == nil {
		return
	}
	evt.Timestamp = time.Now().UTC()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subscribers {
		if sub.filter != nil && !sub.filter(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			if n := h.dropped.Add(1); n == 1 || n%100 == 0 {
				slog.Debug("slow event subscriber, events dropped", slog.String("event", evt.Name), slog.Uint64("dropped", n))
			}
		}
	}
}

// Subscribe registers a listener. The returned function unsubscribes and
// closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(filter Filter) (<-chan Event, func()) {
	ch := make(chan Event, h.bufferSize)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subscribers[id] = &subscriber{ch: ch, filter: filter}

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subscribers[id]; ok {
			delete(h.subscribers, id)
			close(sub.ch)
		}
	}
}

// Dropped reports how many deliveries were skipped for slow subscribers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Close ends every subscription. Later publishes are discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, sub := range h.subscribers {
		delete(h.subscribers, id)
		close(sub.ch)
	}
}
