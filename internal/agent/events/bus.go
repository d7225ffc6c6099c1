package events

import (
	"reflect"
	"sync"
)

// Bus is a small, typed, in-process event bus for agent orchestration.
// Publishing never blocks: subscribers receive on buffered channels and a
// full channel drops the event for that subscriber. The bus carries
// control-flow signals (metrics, audit), not durable state.
type Bus struct {
	mu     sync.RWMutex
	subs   map[reflect.Type][]chan any
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[reflect.Type][]chan any)}
}

// Subscribe registers a subscription for events of type T. The returned
// channel is closed when the bus closes. The unsubscribe func is idempotent.
func Subscribe[T any](b *Bus, buffer int) (<-chan T, func()) {
	eventType := reflect.TypeFor[T]()
	raw := make(chan any, buffer)
	out := make(chan T, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(out)
		return out, func() {}
	}
	b.subs[eventType] = append(b.subs[eventType], raw)
	b.mu.Unlock()

	go func() {
		defer close(out)
		for evt := range raw {
			v, ok := evt.(T)
			if !ok {
				continue
			}
			// Mirror Publish: a subscriber that stopped draining loses the
			// event, and the forwarder stays free to observe raw closing.
			select {
			case out <- v:
			default:
			}
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			chans := b.subs[eventType]
			for i, c := range chans {
				if c == raw {
					b.subs[eventType] = append(chans[:i], chans[i+1:]...)
					close(raw)
					return
				}
			}
		})
	}
	return out, unsubscribe
}

// Publish delivers an event to all subscribers of its concrete type.
// Slow subscribers whose buffer is full miss the event.
func (b *Bus) Publish(evt any) {
	if evt == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, c := range b.subs[reflect.TypeOf(evt)] {
		select {
		case c <- evt:
		default:
		}
	}
}

// Close closes the bus and all subscription channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, c := range chans {
			close(c)
		}
	}
	b.subs = make(map[reflect.Type][]chan any)
}
