package eventbus

import (
	"context"
	"sync/atomic"
)

// MemoryBus delivers messages within one process.
type MemoryBus struct {
	handlers *handlerSet
	closed   atomic.Bool
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: newHandlerSet()}
}

// Publish delivers payload synchronously to every handler of topic.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) (int, error) {
	if b.closed.Load() {
		return 0, &PublishError{Topic: topic, Err: ErrBusClosed}
	}
	if err := ctx.Err(); err != nil {
		return 0, &PublishError{Topic: topic, Err: err}
	}
	return b.handlers.dispatch(topic, payload), nil
}

// Subscribe registers h for topic.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	id, _ := b.handlers.add(topic, h)
	return &subscription{cancel: func() error {
		b.handlers.remove(topic, id)
		return nil
	}}, nil
}

// Subscribers returns the number of handlers registered for topic.
func (b *MemoryBus) Subscribers(topic string) int {
	return b.handlers.count(topic)
}

// Close stops the bus.
func (b *MemoryBus) Close() error {
	b.closed.Store(true)
	return nil
}
