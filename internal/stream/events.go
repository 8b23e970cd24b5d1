package stream

import (
	"context"
	"log/slog"
	"sync"
)

// EventHandler is notified of stream lifecycle changes. Handlers run
// synchronously on the goroutine that caused the change and must not block
// for long; an error is logged and does not stop later handlers.
type EventHandler interface {
	OnPublish(ctx context.Context, pub *PublishContext) error
	OnUnpublish(ctx context.Context, pub *PublishContext) error
	OnSubscribe(ctx context.Context, sub *SubscribeContext) error
	OnUnsubscribe(ctx context.Context, sub *SubscribeContext) error
}

// BaseEventHandler implements EventHandler with no-ops so handlers can
// embed it and override only what they need.
type BaseEventHandler struct{}

func (BaseEventHandler) OnPublish(context.Context, *PublishContext) error       { return nil }
func (BaseEventHandler) OnUnpublish(context.Context, *PublishContext) error     { return nil }
func (BaseEventHandler) OnSubscribe(context.Context, *SubscribeContext) error   { return nil }
func (BaseEventHandler) OnUnsubscribe(context.Context, *SubscribeContext) error { return nil }

// Dispatcher invokes the registered handlers in registration order
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []EventHandler
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher with the given handlers
func NewDispatcher(logger *slog.Logger, handlers ...EventHandler) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{handlers: handlers, logger: logger}
}

// Register appends a handler
func (d *Dispatcher) Register(h EventHandler) {
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
}

func (d *Dispatcher) snapshot() []EventHandler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]EventHandler(nil), d.handlers...)
}

func (d *Dispatcher) each(event string, path StreamPath, conn ConnectionID, fn func(EventHandler) error) {
	for _, h := range d.snapshot() {
		if err := fn(h); err != nil {
			d.logger.Warn("event handler failed",
				"event", event,
				"stream_path", path,
				"connection_id", conn,
				"error", err)
		}
	}
}

// Publish notifies handlers that a publisher started
func (d *Dispatcher) Publish(ctx context.Context, pub *PublishContext) {
	d.each("publish", pub.Path, pub.ConnectionID, func(h EventHandler) error {
		return h.OnPublish(ctx, pub)
	})
}

// Unpublish notifies handlers that a publisher stopped
func (d *Dispatcher) Unpublish(ctx context.Context, pub *PublishContext) {
	d.each("unpublish", pub.Path, pub.ConnectionID, func(h EventHandler) error {
		return h.OnUnpublish(ctx, pub)
	})
}

// Subscribe notifies handlers that a subscriber joined
func (d *Dispatcher) Subscribe(ctx context.Context, sub *SubscribeContext) {
	d.each("subscribe", sub.Path, sub.ConnectionID, func(h EventHandler) error {
		return h.OnSubscribe(ctx, sub)
	})
}

// Unsubscribe notifies handlers that a subscriber left
func (d *Dispatcher) Unsubscribe(ctx context.Context, sub *SubscribeContext) {
	d.each("unsubscribe", sub.Path, sub.ConnectionID, func(h EventHandler) error {
		return h.OnUnsubscribe(ctx, sub)
	})
}
