// Package store defines persistence interfaces for the routing engine and
// provides in-memory and PostgreSQL implementations.
//
// Provider and endpoint configuration is owned by an external collaborator;
// the engine reads it here and only ever mutates probe results, attempt
// chains, and rate events.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/relaymux/relaymux/pkg/types"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ProviderStore reads provider configuration.
type ProviderStore interface {
	// GetProvider returns a provider by id, or ErrNotFound.
	GetProvider(ctx context.Context, id string) (*types.Provider, error)

	// ListProviders returns all providers, enabled or not.
	ListProviders(ctx context.Context) ([]*types.Provider, error)

	// UpsertProvider creates or replaces a provider record.
	UpsertProvider(ctx context.Context, p *types.Provider) error
}

// EndpointStore reads endpoint configuration and records probe outcomes.
type EndpointStore interface {
	// ListEndpoints returns all endpoints.
	ListEndpoints(ctx context.Context) ([]*types.Endpoint, error)

	// ListVendorEndpoints returns endpoints for one vendor+provider-type pair.
	ListVendorEndpoints(ctx context.Context, vendorID, providerType string) ([]*types.Endpoint, error)

	// RecordProbe writes the probe result for an endpoint.
	RecordProbe(ctx context.Context, endpointID string, result types.ProbeResult) error

	// UpsertEndpoint creates or replaces an endpoint record.
	UpsertEndpoint(ctx context.Context, e *types.Endpoint) error
}

// AttemptStore persists the append-only provider chain per request.
type AttemptStore interface {
	// AppendAttempt appends one record to a request's chain.
	AppendAttempt(ctx context.Context, requestID string, rec types.AttemptRecord) error

	// GetChain returns the chain in append order.
	GetChain(ctx context.Context, requestID string) ([]types.AttemptRecord, error)
}

// RateEvent is the durable copy of one billable cost event for one subject.
type RateEvent struct {
	ID        string
	SubjectID string
	Cost      float64
	RequestID string
	At        time.Time
}

// RateEventStore is the durable fallback behind the shared-cache rate windows.
type RateEventStore interface {
	// InsertEvents appends durable rows, one per affected subject.
	InsertEvents(ctx context.Context, events []RateEvent) error

	// SumCosts sums event costs for a subject within [start, end).
	SumCosts(ctx context.Context, subjectID string, start, end time.Time) (float64, error)

	// ListEvents returns events for a subject within [start, end), oldest first.
	ListEvents(ctx context.Context, subjectID string, start, end time.Time) ([]RateEvent, error)
}
