package events

import (
	"sync"

	"go.uber.org/zap"
)

// subscriberBuffer is the per-subscriber channel depth. Emit never blocks;
// an event to a full subscriber is dropped and logged.
const subscriberBuffer = 64

// Bus is a publish/subscribe fan-out for Event values. The zero value is not
// usable; construct with NewBus.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a consumer and returns its event channel plus a cancel
// function. Cancel closes the channel and stops delivery; it is safe to call
// more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Emit delivers an event to all current subscribers without blocking.
func (b *Bus) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			zap.S().Debugw("event_dropped", "kind", Kind(event), "subscriber", id)
		}
	}
}

// Close shuts the bus down and closes all subscriber channels. Emit and
// Subscribe after Close are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
