package bridge

import (
	"log/slog"
	"sync"

	"github.com/ryuuseigun/ryuu-gate/internal/ipc"
)

// DefaultBuffer is the per-subscriber event buffer used by NewHub when
// given a non-positive size.
const DefaultBuffer = 8

// Hub fans events out to subscribers. A subscriber whose buffer is full
// misses the event rather than stalling the publisher.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan ipc.Event]struct{}
	buffer int
}

// NewHub creates a Hub with the given per-subscriber buffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[chan ipc.Event]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber. The returned func unsubscribes and
// closes the channel; calling it more than once is safe.
func (h *Hub) Subscribe() (<-chan ipc.Event, func()) {
	ch := make(chan ipc.Event, h.buffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every current subscriber without blocking.
func (h *Hub) Publish(ev ipc.Event) {
	ev.Type = ipc.MessageTypeEvent

	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for ch := range h.subs {
		select {
		case ch <- ev:
			delivered++
		default:
			slog.Warn("dropping event for slow subscriber", "event", ev.Event)
		}
	}

	if delivered == 0 {
		slog.Debug("event published with no listeners", "event", ev.Event)
	}
}

// Count returns the number of current subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
