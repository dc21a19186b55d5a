package bus

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus for tests and single-instance deployments.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers []func(Invalidation)
	closed   bool
}

// NewMemoryBus creates a new in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Publish delivers the message synchronously to all handlers.
func (b *MemoryBus) Publish(_ context.Context, msg Invalidation) error {
	b.mu.RLock()
	handlers := b.handlers
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return nil
	}
	for _, h := range handlers {
		h(msg)
	}
	return nil
}

// Subscribe registers a handler.
func (b *MemoryBus) Subscribe(handler func(Invalidation)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Close stops delivery.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = nil
	return nil
}
