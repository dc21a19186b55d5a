package breaker

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/relaymux/relaymux/internal/metrics"
	"github.com/relaymux/relaymux/pkg/types"
)

type key struct {
	scope Scope
	id    string
}

// Registry owns one breaker per (scope, id). Breakers are created lazily
// with engine defaults unless the caller supplies per-target settings.
type Registry struct {
	enabled  bool
	defaults types.BreakerSettings
	clock    clock.Clock
	logger   *slog.Logger

	mu       sync.RWMutex
	breakers map[key]*Breaker
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock injects a clock shared by all breakers, for deterministic tests.
func WithClock(c clock.Clock) RegistryOption {
	return func(r *Registry) { r.clock = c }
}

// NewRegistry creates a registry. When enabled is false, Allow always
// returns true and no breaker state is ever created or consulted.
func NewRegistry(enabled bool, defaults types.BreakerSettings, logger *slog.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		enabled:  enabled,
		defaults: defaults,
		clock:    clock.New(),
		logger:   logger,
		breakers: make(map[key]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enabled reports whether circuit breaking is active. Consumers skip all
// breaker calls entirely when it is not.
func (r *Registry) Enabled() bool {
	return r.enabled
}

// Get returns the breaker for (scope, id), creating it with the registry
// defaults on first use.
func (r *Registry) Get(scope Scope, id string) *Breaker {
	return r.GetWith(scope, id, r.defaults)
}

// GetWith returns the breaker for (scope, id), creating it with the given
// settings on first use. Settings with zero fields fall back to defaults.
func (r *Registry) GetWith(scope Scope, id string, settings types.BreakerSettings) *Breaker {
	k := key{scope: scope, id: id}

	r.mu.RLock()
	b, ok := r.breakers[k]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[k]; ok {
		return b
	}

	b = NewBreaker(r.resolve(settings), r.clock)
	b.onTransition = func(from, to State) {
		metrics.BreakerTransitions.WithLabelValues(string(scope), to.String()).Inc()
		r.logger.Info("circuit breaker transition",
			"scope", scope,
			"id", id,
			"from", from.String(),
			"to", to.String(),
		)
	}
	r.breakers[k] = b
	return b
}

// Allow reports whether calls to (scope, id) may proceed. It is always true
// when circuit breaking is disabled.
func (r *Registry) Allow(scope Scope, id string) bool {
	if !r.enabled {
		return true
	}
	return r.Get(scope, id).Allow()
}

// ReportSuccess records a success against (scope, id).
func (r *Registry) ReportSuccess(scope Scope, id string) {
	if !r.enabled {
		return
	}
	r.Get(scope, id).RecordSuccess()
}

// ReportFailure records a failure against (scope, id).
func (r *Registry) ReportFailure(scope Scope, id string) {
	if !r.enabled {
		return
	}
	r.Get(scope, id).RecordFailure()
}

// ReportCycleTimeouts applies the vendor-type aggregate fast-trip signal:
// when every endpoint of a vendor+type timed out in the same probe cycle
// the aggregate breaker opens immediately, independent of the per-endpoint
// counters. A mixed or healthy cycle records a normal success.
func (r *Registry) ReportCycleTimeouts(vendorID, providerType string, allTimedOut bool) {
	if !r.enabled {
		return
	}
	b := r.Get(ScopeVendorType, VendorTypeID(vendorID, providerType))
	if allTimedOut {
		b.Trip()
		return
	}
	b.RecordSuccess()
}

// VendorTypeID builds the aggregate-scope key for a vendor+type pair.
func VendorTypeID(vendorID, providerType string) string {
	return vendorID + ":" + providerType
}

// SplitVendorTypeID is the inverse of VendorTypeID.
func SplitVendorTypeID(id string) (vendorID, providerType string) {
	if i := strings.IndexByte(id, ':'); i >= 0 {
		return id[:i], id[i+1:]
	}
	return id, ""
}

func (r *Registry) resolve(s types.BreakerSettings) types.BreakerSettings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = r.defaults.FailureThreshold
	}
	if s.OpenDuration <= 0 {
		s.OpenDuration = r.defaults.OpenDuration
	}
	if s.HalfOpenSuccessCount <= 0 {
		s.HalfOpenSuccessCount = r.defaults.HalfOpenSuccessCount
	}
	return s
}
