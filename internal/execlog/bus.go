package execlog

import (
	"log/slog"
	"sync"

	"polycopy/internal/domain"
)

// Bus is an in-process event fan-out. Publish never blocks: each
// subscriber has a buffered channel and a full buffer drops the event
// with a warning rather than stalling the trading loop.
type Bus struct {
	mu   sync.RWMutex
	subs []chan domain.Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel receiving every future event. The channel
// is closed by Close.
func (b *Bus) Subscribe(buffer int) <-chan domain.Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan domain.Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers ev to all subscribers without blocking.
func (b *Bus) Publish(ev domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("event bus: subscriber buffer full, dropping event",
				"type", ev.Type, "strategy", ev.StrategyID)
		}
	}
}

// Close closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
