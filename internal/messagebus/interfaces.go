// Package messagebus publishes nyx events to NATS JetStream.
package messagebus

import (
	"context"
	"sync"

	"github.com/jordanhubbard/nyx/pkg/messages"
)

// EventPublisher abstracts event publishing for testability.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *messages.EventMessage) error
}

// ReloadSubscriber receives cluster-wide module reload requests.
type ReloadSubscriber interface {
	SubscribeReloads(handler func(*messages.EventMessage)) error
}

// Bus is the full message bus surface used by the service.
type Bus interface {
	EventPublisher
	ReloadSubscriber
	Health() error
	Close() error
}

// Verify implementations at compile time.
var (
	_ Bus = (*NatsMessageBus)(nil)
	_ Bus = (*MemoryBus)(nil)
)

// MemoryBus is an in-process Bus used when NATS is disabled and in tests.
// Published reload requests are delivered to local subscribers.
type MemoryBus struct {
	mu       sync.Mutex
	events   []*messages.EventMessage
	handlers []func(*messages.EventMessage)
	limit    int
}

// NewMemoryBus keeps up to limit recent events.
func NewMemoryBus(limit int) *MemoryBus {
	if limit <= 0 {
		limit = 100
	}
	return &MemoryBus{limit: limit}
}

func (b *MemoryBus) PublishEvent(ctx context.Context, event *messages.EventMessage) error {
	b.mu.Lock()
	b.events = append(b.events, event)
	if len(b.events) > b.limit {
		b.events = b.events[len(b.events)-b.limit:]
	}
	var handlers []func(*messages.EventMessage)
	if event.Subject() == SubjectReloadRequest {
		handlers = append(handlers, b.handlers...)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
	return nil
}

func (b *MemoryBus) SubscribeReloads(handler func(*messages.EventMessage)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
	return nil
}

// Events returns the retained events, oldest first.
func (b *MemoryBus) Events() []*messages.EventMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*messages.EventMessage, len(b.events))
	copy(out, b.events)
	return out
}

func (b *MemoryBus) Health() error { return nil }
func (b *MemoryBus) Close() error  { return nil }
