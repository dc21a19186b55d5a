// Package selector filters and orders candidate endpoints for dispatch.
// Ranking is fully deterministic so retries and tests see stable order.
package selector

import (
	"context"
	"math"
	"sort"

	"github.com/relaymux/relaymux/internal/breaker"
	"github.com/relaymux/relaymux/internal/store"
	"github.com/relaymux/relaymux/pkg/types"
)

// Selector ranks endpoints by probed health, configured order, and latency.
type Selector struct {
	endpoints store.EndpointStore
	breakers  *breaker.Registry
}

// New creates a selector. breakers may be nil only when circuit breaking is
// disabled engine-wide.
func New(endpoints store.EndpointStore, breakers *breaker.Registry) *Selector {
	return &Selector{endpoints: endpoints, breakers: breakers}
}

// Rank orders endpoints ascending by (health rank, sort order, latency with
// missing treated as +inf, id). It does not filter; callers pass candidates
// that already survived filtering.
func (s *Selector) Rank(endpoints []*types.Endpoint) []*types.Endpoint {
	out := make([]*types.Endpoint, len(endpoints))
	copy(out, endpoints)

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ha, hb := healthRank(a), healthRank(b); ha != hb {
			return ha < hb
		}
		if a.SortOrder != b.SortOrder {
			return a.SortOrder < b.SortOrder
		}
		if la, lb := latencyMs(a), latencyMs(b); la != lb {
			return la < lb
		}
		return a.ID < b.ID
	})
	return out
}

// GetPreferred returns the ranked candidates for a vendor+provider-type
// pair, dropping disabled, soft-deleted, explicitly excluded, and (when
// circuit breaking is enabled) circuit-open endpoints.
func (s *Selector) GetPreferred(ctx context.Context, vendorID, providerType string, exclude map[string]bool) ([]*types.Endpoint, error) {
	endpoints, err := s.endpoints.ListVendorEndpoints(ctx, vendorID, providerType)
	if err != nil {
		return nil, err
	}

	breaking := s.breakers != nil && s.breakers.Enabled()

	candidates := make([]*types.Endpoint, 0, len(endpoints))
	for _, e := range endpoints {
		if !e.Enabled || e.Deleted || exclude[e.ID] {
			continue
		}
		if breaking && !s.breakers.Allow(breaker.ScopeEndpoint, e.ID) {
			continue
		}
		candidates = append(candidates, e)
	}
	return s.Rank(candidates), nil
}

// PickBest returns the top-ranked candidate, or nil when none remains.
func (s *Selector) PickBest(ctx context.Context, vendorID, providerType string, exclude map[string]bool) (*types.Endpoint, error) {
	ranked, err := s.GetPreferred(ctx, vendorID, providerType, exclude)
	if err != nil {
		return nil, err
	}
	if len(ranked) == 0 {
		return nil, nil
	}
	return ranked[0], nil
}

// healthRank maps probe state to rank: ok < unknown < failed.
func healthRank(e *types.Endpoint) int {
	if e.LastProbe == nil {
		return 1
	}
	switch e.LastProbe.State {
	case types.ProbeOK:
		return 0
	case types.ProbeFailed:
		return 2
	default:
		return 1
	}
}

// latencyMs returns the last observed latency, with no recorded latency
// treated as worst.
func latencyMs(e *types.Endpoint) float64 {
	if e.LastProbe == nil || e.LastProbe.Latency <= 0 {
		return math.Inf(1)
	}
	return float64(e.LastProbe.Latency.Milliseconds())
}
