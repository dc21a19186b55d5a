package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel carrying invalidation messages.
const DefaultChannel = "relaymux:invalidations"

// RedisBus delivers invalidation messages over redis pub/sub.
type RedisBus struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger

	mu       sync.RWMutex
	handlers []func(Invalidation)

	sub    *redis.PubSub
	cancel context.CancelFunc
}

// NewRedisBus creates a bus on the given channel and starts the receive loop.
func NewRedisBus(client redis.UniversalClient, channel string, logger *slog.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBus{
		client:  client,
		channel: channel,
		logger:  logger,
		sub:     client.Subscribe(ctx, channel),
		cancel:  cancel,
	}
	go b.receiveLoop(ctx)
	return b
}

// Publish broadcasts the message to every instance subscribed to the channel.
func (b *RedisBus) Publish(ctx context.Context, msg Invalidation) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// Subscribe registers a handler for subsequent messages.
func (b *RedisBus) Subscribe(handler func(Invalidation)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Close stops the receive loop and the underlying subscription.
func (b *RedisBus) Close() error {
	b.cancel()
	return b.sub.Close()
}

func (b *RedisBus) receiveLoop(ctx context.Context) {
	ch := b.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			msg, err := Unmarshal([]byte(m.Payload))
			if err != nil {
				b.logger.Warn("invalid invalidation message dropped", "error", err)
				continue
			}
			b.mu.RLock()
			handlers := b.handlers
			b.mu.RUnlock()
			for _, h := range handlers {
				h(msg)
			}
		}
	}
}
