package events

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handler reacts to one event.
type Handler func(ctx context.Context, e Event) error

type subscription struct {
	name    string
	handler Handler
}

// Bus delivers events to subscribers synchronously, in registration order. A failing
// or panicking handler is logged and does not stop the remaining handlers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Type][]subscription
	logger *zap.Logger
}

// NewBus returns an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{subs: make(map[Type][]subscription), logger: logger}
}

// Subscribe registers h for every event of type t.
func (b *Bus) Subscribe(t Type, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], subscription{name: name, handler: h})
}

// SubscribeAll registers h for each of the listed types.
func (b *Bus) SubscribeAll(name string, h Handler, types ...Type) {
	for _, t := range types {
		b.Subscribe(t, name, h)
	}
}

// Publish runs every handler subscribed to e's type.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[e.EventType()]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		if err := b.dispatch(ctx, sub, e); err != nil {
			b.logger.Warn("event handler failed",
				zap.String("event", e.EventType().String()),
				zap.String("handler", sub.name),
				zap.Error(err),
			)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, sub subscription, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return sub.handler(ctx, e)
}
