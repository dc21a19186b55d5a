package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/relaymux/relaymux/pkg/types"
)

// MemoryStore implements all store interfaces in process memory.
// It is used in tests and single-instance deployments without Postgres.
type MemoryStore struct {
	mu        sync.RWMutex
	providers map[string]*types.Provider
	endpoints map[string]*types.Endpoint
	chains    map[string][]types.AttemptRecord
	events    map[string][]RateEvent // subject id -> events, append order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		providers: make(map[string]*types.Provider),
		endpoints: make(map[string]*types.Endpoint),
		chains:    make(map[string][]types.AttemptRecord),
		events:    make(map[string][]RateEvent),
	}
}

// GetProvider returns a provider by id.
func (s *MemoryStore) GetProvider(_ context.Context, id string) (*types.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.providers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// ListProviders returns all providers sorted by id.
func (s *MemoryStore) ListProviders(_ context.Context) ([]*types.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Provider, 0, len(s.providers))
	for _, p := range s.providers {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertProvider creates or replaces a provider.
func (s *MemoryStore) UpsertProvider(_ context.Context, p *types.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.providers[p.ID] = &cp
	return nil
}

// ListEndpoints returns all endpoints sorted by id.
func (s *MemoryStore) ListEndpoints(_ context.Context) ([]*types.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Endpoint, 0, len(s.endpoints))
	for _, e := range s.endpoints {
		out = append(out, copyEndpoint(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListVendorEndpoints returns endpoints for one vendor+provider-type pair.
func (s *MemoryStore) ListVendorEndpoints(_ context.Context, vendorID, providerType string) ([]*types.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Endpoint, 0)
	for _, e := range s.endpoints {
		if e.VendorID == vendorID && e.ProviderType == providerType {
			out = append(out, copyEndpoint(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RecordProbe writes the probe result for an endpoint.
func (s *MemoryStore) RecordProbe(_ context.Context, endpointID string, result types.ProbeResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.endpoints[endpointID]
	if !ok {
		return ErrNotFound
	}
	r := result
	e.LastProbe = &r
	return nil
}

// UpsertEndpoint creates or replaces an endpoint.
func (s *MemoryStore) UpsertEndpoint(_ context.Context, e *types.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.endpoints[e.ID] = copyEndpoint(e)
	return nil
}

// AppendAttempt appends one record to a request's chain.
func (s *MemoryStore) AppendAttempt(_ context.Context, requestID string, rec types.AttemptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chains[requestID] = append(s.chains[requestID], rec)
	return nil
}

// GetChain returns the chain in append order.
func (s *MemoryStore) GetChain(_ context.Context, requestID string) ([]types.AttemptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain, ok := s.chains[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]types.AttemptRecord, len(chain))
	copy(out, chain)
	return out, nil
}

// InsertEvents appends durable rate event rows.
func (s *MemoryStore) InsertEvents(_ context.Context, events []RateEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range events {
		s.events[ev.SubjectID] = append(s.events[ev.SubjectID], ev)
	}
	return nil
}

// SumCosts sums event costs for a subject within [start, end).
func (s *MemoryStore) SumCosts(_ context.Context, subjectID string, start, end time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum float64
	for _, ev := range s.events[subjectID] {
		if !ev.At.Before(start) && ev.At.Before(end) {
			sum += ev.Cost
		}
	}
	return sum, nil
}

// ListEvents returns events for a subject within [start, end), oldest first.
func (s *MemoryStore) ListEvents(_ context.Context, subjectID string, start, end time.Time) ([]RateEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RateEvent, 0)
	for _, ev := range s.events[subjectID] {
		if !ev.At.Before(start) && ev.At.Before(end) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func copyEndpoint(e *types.Endpoint) *types.Endpoint {
	cp := *e
	if e.LastProbe != nil {
		pr := *e.LastProbe
		cp.LastProbe = &pr
	}
	return &cp
}
