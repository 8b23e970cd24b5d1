package events

import (
	"context"
	"errors"
	"sync"

	"github.com/gocast/livecast/internal/stream"
)

// Subscription represents an active event stream.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// Bus fans lifecycle events out to in-process consumers such as packagers
// and relays. A consumer that falls behind misses events instead of
// stalling the stream lifecycle.
type Bus struct {
	mu       sync.RWMutex
	subs     map[*busSubscription]struct{}
	buffer   int
	serverID string
}

// NewBus creates a bus whose subscriptions buffer up to buffer events
func NewBus(buffer int, serverID string) *Bus {
	if buffer <= 0 {
		buffer = 32
	}
	return &Bus{
		subs:     make(map[*busSubscription]struct{}),
		buffer:   buffer,
		serverID: serverID,
	}
}

// Publish delivers event to every subscription that has room for it
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errors.New("event type is required")
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

// Subscribe opens a new subscription
func (b *Bus) Subscribe() Subscription {
	sub := &busSubscription{
		bus: b,
		ch:  make(chan Event, b.buffer),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) OnPublish(ctx context.Context, pub *stream.PublishContext) error {
	return b.Publish(ctx, publishEvent(TypePublish, pub, b.serverID))
}

func (b *Bus) OnUnpublish(ctx context.Context, pub *stream.PublishContext) error {
	return b.Publish(ctx, publishEvent(TypeUnpublish, pub, b.serverID))
}

func (b *Bus) OnSubscribe(ctx context.Context, sub *stream.SubscribeContext) error {
	return b.Publish(ctx, subscribeEvent(TypeSubscribe, sub, b.serverID))
}

func (b *Bus) OnUnsubscribe(ctx context.Context, sub *stream.SubscribeContext) error {
	return b.Publish(ctx, subscribeEvent(TypeUnsubscribe, sub, b.serverID))
}

type busSubscription struct {
	once sync.Once
	bus  *Bus
	ch   chan Event
}

func (s *busSubscription) Events() <-chan Event {
	return s.ch
}

func (s *busSubscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}
