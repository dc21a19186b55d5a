package forwarder

import (
	"math/rand"
	"sync"

	"github.com/relaymux/relaymux/internal/breaker"
	"github.com/relaymux/relaymux/pkg/types"
)

// picker performs weighted-random provider selection. math/rand.Rand is not
// safe for concurrent use, so draws are serialized.
type picker struct {
	mu       sync.Mutex
	rng      *rand.Rand
	breakers *breaker.Registry
}

func newPicker(rng *rand.Rand, breakers *breaker.Registry) *picker {
	return &picker{rng: rng, breakers: breakers}
}

// pick selects one provider. Candidates are filtered to enabled providers
// matching the session group, not excluded, and with closed provider and
// vendor-type circuits. Among survivors only the best (lowest) priority
// tier competes, weighted by effective weight scaled down by the cost
// multiplier so cheaper capacity absorbs more traffic.
func (p *picker) pick(candidates []*types.Provider, group string, exclude map[string]bool) *types.Provider {
	eligible := make([]*types.Provider, 0, len(candidates))
	for _, c := range candidates {
		if p.admissible(c, group, exclude) {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	tier := eligible[0].Priority
	for _, c := range eligible[1:] {
		if c.Priority < tier {
			tier = c.Priority
		}
	}
	tiered := eligible[:0]
	for _, c := range eligible {
		if c.Priority == tier {
			tiered = append(tiered, c)
		}
	}

	weights := make([]float64, len(tiered))
	var total float64
	for i, c := range tiered {
		w := float64(c.EffectiveWeight())
		if c.CostMultiplier > 0 {
			w /= c.CostMultiplier
		}
		weights[i] = w
		total += w
	}

	p.mu.Lock()
	draw := p.rng.Float64() * total
	p.mu.Unlock()

	var cumulative float64
	for i, w := range weights {
		cumulative += w
		if draw < cumulative {
			return tiered[i]
		}
	}
	return tiered[len(tiered)-1]
}

// admissible reports whether one provider may serve the session right now:
// enabled, not excluded, in the requested group, circuits closed.
func (p *picker) admissible(c *types.Provider, group string, exclude map[string]bool) bool {
	if !c.Enabled || exclude[c.ID] {
		return false
	}
	if group != "" && !inGroup(c, group) {
		return false
	}
	if p.breakers != nil && p.breakers.Enabled() {
		if !p.breakers.Allow(breaker.ScopeProvider, c.ID) {
			return false
		}
		if !p.breakers.Allow(breaker.ScopeVendorType, breaker.VendorTypeID(c.VendorID, c.ProviderType)) {
			return false
		}
	}
	return true
}

func inGroup(p *types.Provider, group string) bool {
	for _, g := range p.Groups {
		if g == group {
			return true
		}
	}
	return false
}
