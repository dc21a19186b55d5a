// Package bus provides the cache-invalidation message bus used to keep
// per-process configuration caches coherent across a fleet of instances.
package bus

import (
	"context"

	"github.com/goccy/go-json"
)

// InvalidationKind identifies which cached entity class changed.
type InvalidationKind string

const (
	InvalidateProvider InvalidationKind = "provider"
	InvalidateEndpoint InvalidationKind = "endpoint"
)

// Invalidation tells subscribers to drop a cached entity. An empty ID
// invalidates the whole class.
type Invalidation struct {
	Kind InvalidationKind `json:"kind"`
	ID   string           `json:"id,omitempty"`
}

// Marshal encodes the message for the wire.
func (m Invalidation) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal decodes a wire message.
func Unmarshal(data []byte) (Invalidation, error) {
	var m Invalidation
	err := json.Unmarshal(data, &m)
	return m, err
}

// Bus delivers invalidation messages between instances.
type Bus interface {
	// Publish broadcasts a message to all subscribers, including local ones.
	Publish(ctx context.Context, msg Invalidation) error

	// Subscribe registers a handler for all subsequent messages. The handler
	// must not block; it runs on the bus delivery goroutine.
	Subscribe(handler func(Invalidation))

	// Close stops delivery and releases resources.
	Close() error
}
