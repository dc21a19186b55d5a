// Package types defines the shared domain model for the routing engine:
// providers, endpoints, probe results, and the per-request attempt chain.
package types

import (
	"time"
)

// ProbeState describes the outcome of the most recent health probe.
type ProbeState int

const (
	// ProbeUnknown means the endpoint has never been probed.
	ProbeUnknown ProbeState = iota
	// ProbeOK means the last probe succeeded.
	ProbeOK
	// ProbeFailed means the last probe failed.
	ProbeFailed
)

func (s ProbeState) String() string {
	switch s {
	case ProbeOK:
		return "ok"
	case ProbeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ProbeResult is the record written back by the prober after each probe.
type ProbeResult struct {
	State      ProbeState    `json:"state"`
	StatusCode int           `json:"status_code,omitempty"`
	Latency    time.Duration `json:"latency,omitempty"`
	ErrorKind  string        `json:"error_kind,omitempty"`
	ErrorMsg   string        `json:"error_msg,omitempty"`
	ProbedAt   time.Time     `json:"probed_at"`
}

// Endpoint is one concrete reachable URL for a vendor+provider-type pair.
// Probe fields are mutated only by the health prober.
type Endpoint struct {
	ID           string `json:"id"`
	VendorID     string `json:"vendor_id"`
	ProviderType string `json:"provider_type"`
	URL          string `json:"url"`
	Enabled      bool   `json:"enabled"`
	Deleted      bool   `json:"deleted"`
	SortOrder    int    `json:"sort_order"`

	LastProbe *ProbeResult `json:"last_probe,omitempty"`
}

// BreakerSettings carries per-provider circuit breaker tuning.
// Zero values fall back to the engine-wide defaults.
type BreakerSettings struct {
	FailureThreshold     int           `json:"failure_threshold" yaml:"failure_threshold"`
	OpenDuration         time.Duration `json:"open_duration" yaml:"open_duration"`
	HalfOpenSuccessCount int           `json:"half_open_success_count" yaml:"half_open_success_count"`
}

// CostLimit is one windowed spend ceiling for a subject.
type CostLimit struct {
	Window Window  `json:"window" yaml:"window"`
	Limit  float64 `json:"limit" yaml:"limit"`
}

// Provider is the billable entity a request is routed to. It is owned by
// the configuration collaborator and read-mostly inside the engine.
type Provider struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	VendorID       string          `json:"vendor_id"`
	ProviderType   string          `json:"provider_type"`
	URL            string          `json:"url"`
	Enabled        bool            `json:"enabled"`
	Weight         int             `json:"weight"`
	Priority       int             `json:"priority"`
	Groups         []string        `json:"groups,omitempty"`
	CostMultiplier float64         `json:"cost_multiplier"`
	CostLimits     []CostLimit     `json:"cost_limits,omitempty"`
	MaxConcurrency int             `json:"max_concurrency"`
	MaxRetries     int             `json:"max_retries"`
	Timeout        time.Duration   `json:"timeout"`
	Breaker        BreakerSettings `json:"breaker"`
}

// EffectiveWeight returns the selection weight, never below 1 so an enabled
// provider always has a chance to be picked.
func (p *Provider) EffectiveWeight() int {
	if p.Weight < 1 {
		return 1
	}
	return p.Weight
}

// SelectionReason explains why a provider was chosen for an attempt.
type SelectionReason string

const (
	ReasonInitial      SelectionReason = "initial"
	ReasonRetry        SelectionReason = "retry_after_failure"
	ReasonSessionReuse SelectionReason = "session_reuse"
)

// AttemptRecord is one entry of the provider chain: the append-only history
// of routing attempts for a single request. The last entry is the binding
// final provider for billing attribution.
type AttemptRecord struct {
	ProviderID     string          `json:"provider_id"`
	ProviderName   string          `json:"provider_name"`
	EndpointID     string          `json:"endpoint_id,omitempty"`
	Method         string          `json:"method"`
	Reason         SelectionReason `json:"reason"`
	Attempt        int             `json:"attempt"`
	CostMultiplier float64         `json:"cost_multiplier"`
	FailureKind    string          `json:"failure_kind,omitempty"`
	At             time.Time       `json:"at"`
}
