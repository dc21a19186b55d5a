package forwarder

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/relaymux/relaymux/internal/breaker"
	"github.com/relaymux/relaymux/internal/config"
	"github.com/relaymux/relaymux/internal/metrics"
	"github.com/relaymux/relaymux/internal/ratelimit"
	"github.com/relaymux/relaymux/internal/selector"
	"github.com/relaymux/relaymux/internal/store"
	relayerrors "github.com/relaymux/relaymux/pkg/errors"
	"github.com/relaymux/relaymux/pkg/types"
)

// Forwarder routes a session to a provider endpoint, verifying the response
// and failing over with the failed provider excluded until the retry budget
// is spent.
type Forwarder struct {
	cfg       config.ForwardConfig
	providers store.ProviderStore
	attempts  store.AttemptStore
	sel       *selector.Selector
	breakers  *breaker.Registry
	limiter   *ratelimit.CostLimiter
	guard     *ratelimit.ConcurrencyGuard
	picker    *picker
	clock     clock.Clock
	logger    *slog.Logger

	client       *http.Client
	streamClient *http.Client
}

// ForwarderOption configures a Forwarder.
type ForwarderOption func(*Forwarder)

// WithForwarderClock injects a clock for deterministic tests.
func WithForwarderClock(c clock.Clock) ForwarderOption {
	return func(f *Forwarder) { f.clock = c }
}

// WithRand injects a seeded source for deterministic provider draws.
func WithRand(rng *rand.Rand) ForwarderOption {
	return func(f *Forwarder) { f.picker = newPicker(rng, f.breakers) }
}

// New wires a forwarder. limiter may be nil when rate limiting is disabled.
func New(cfg config.ForwardConfig, providers store.ProviderStore, attempts store.AttemptStore, sel *selector.Selector, breakers *breaker.Registry, limiter *ratelimit.CostLimiter, logger *slog.Logger, opts ...ForwarderOption) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Forwarder{
		cfg:          cfg,
		providers:    providers,
		attempts:     attempts,
		sel:          sel,
		breakers:     breakers,
		limiter:      limiter,
		guard:        ratelimit.NewConcurrencyGuard(),
		clock:        clock.New(),
		logger:       logger,
		client:       &http.Client{Timeout: cfg.RequestTimeout},
		streamClient: &http.Client{},
	}
	f.picker = newPicker(rand.New(rand.NewSource(time.Now().UnixNano())), breakers)
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Send routes the session until a provider returns a verified success, the
// retry budget is exhausted, or a terminal condition is hit. Rate-limit
// denials and client cancellation are terminal and never retried.
func (f *Forwarder) Send(ctx context.Context, sess *Session) (*Response, error) {
	candidates, err := f.providers.ListProviders(ctx)
	if err != nil {
		return nil, relayerrors.Wrap(relayerrors.KindUnknown, err, "cannot list providers")
	}

	if f.limiter != nil && sess.KeyID != "" && len(sess.KeyLimits) > 0 {
		subject := ratelimit.SubjectKey(sess.KeyID)
		d, err := f.limiter.CheckCostLimits(ctx, subject, sess.KeyLimits)
		if err != nil {
			f.logger.Warn("key rate check degraded, local pacing applied",
				"request_id", sess.RequestID, "error", err)
			if !f.limiter.AllowDegraded(subject) {
				return nil, relayerrors.New(relayerrors.KindRateLimited, "rate limiter degraded: local pacing exceeded")
			}
		} else if !d.Allowed {
			return nil, d.Err()
		}
	}

	var lastErr error
	for {
		p := f.pickPreferred(candidates, sess)
		if p == nil {
			p = f.picker.pick(candidates, sess.Group, sess.ExcludedProviders())
		}
		if p == nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, relayerrors.New(relayerrors.KindNoProvider, "no provider available for request")
		}

		resp, err := f.attempt(ctx, p, sess)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		kind := relayerrors.KindOf(err)
		if kind == relayerrors.KindRateLimited || kind == relayerrors.KindClientCancelled {
			return nil, err
		}
		if !kind.Retryable() {
			return nil, err
		}

		sess.Exclude(p.ID)
		metrics.Failovers.WithLabelValues(kind.String()).Inc()
		if sess.attemptCount() > f.maxRetries(p) {
			return nil, err
		}
		f.logger.Info("failing over to next provider",
			"request_id", sess.RequestID,
			"failed_provider", p.ID,
			"failure_kind", kind.String(),
		)
	}
}

// pickPreferred returns the session's pinned provider for the first attempt
// when it is still admissible. A failed pinned provider is excluded like any
// other and later attempts fall through to the weighted draw.
func (f *Forwarder) pickPreferred(candidates []*types.Provider, sess *Session) *types.Provider {
	if sess.PreferredProvider == "" || sess.attemptCount() > 0 {
		return nil
	}
	exclude := sess.ExcludedProviders()
	for _, c := range candidates {
		if c.ID == sess.PreferredProvider {
			if f.picker.admissible(c, sess.Group, exclude) {
				return c
			}
			return nil
		}
	}
	return nil
}

// attempt runs a single dispatch against one provider: rate gate,
// concurrency gate, endpoint resolution, dispatch, circuit accounting, and
// the chain entry.
func (f *Forwarder) attempt(ctx context.Context, p *types.Provider, sess *Session) (*Response, error) {
	if f.limiter != nil && len(p.CostLimits) > 0 {
		subject := ratelimit.SubjectProvider(p.ID)
		d, err := f.limiter.CheckCostLimits(ctx, subject, p.CostLimits)
		if err != nil {
			f.logger.Warn("provider rate check degraded, local pacing applied",
				"request_id", sess.RequestID, "provider", p.ID, "error", err)
			if !f.limiter.AllowDegraded(subject) {
				return nil, relayerrors.New(relayerrors.KindRateLimited, "rate limiter degraded: local pacing exceeded")
			}
		} else if !d.Allowed {
			return nil, d.Err()
		}
	}

	if sem := f.guard.For(p.ID, p.MaxConcurrency); sem != nil {
		if err := sem.Acquire(ctx); err != nil {
			return nil, relayerrors.Wrap(relayerrors.KindClientCancelled, err, "cancelled while waiting for capacity")
		}
		defer sem.Release()
	}

	ep, err := f.sel.PickBest(ctx, p.VendorID, p.ProviderType, nil)
	if err != nil {
		f.logger.Warn("endpoint resolution failed, using provider primary URL",
			"request_id", sess.RequestID, "provider", p.ID, "error", err)
		ep = nil
	}

	resp, dispatchErr := f.dispatch(ctx, targetURL(p, ep), sess)
	f.record(ctx, p, ep, sess, dispatchErr)

	if dispatchErr != nil {
		if re, ok := relayerrors.As(dispatchErr); ok {
			re.Provider = p.Name
			re.Endpoint = endpointID(ep)
		}
		return nil, dispatchErr
	}

	resp.ProviderID = p.ID
	resp.EndpointID = endpointID(ep)
	f.trackCost(ctx, p, sess)
	return resp, nil
}

// record updates circuit state and appends the attempt chain entry. Client
// cancellation and policy denials never count against a circuit.
func (f *Forwarder) record(ctx context.Context, p *types.Provider, ep *types.Endpoint, sess *Session, dispatchErr error) {
	now := f.clock.Now()
	rec := types.AttemptRecord{
		ProviderID:     p.ID,
		ProviderName:   p.Name,
		EndpointID:     endpointID(ep),
		Method:         sess.Method,
		Attempt:        sess.attemptCount() + 1,
		CostMultiplier: p.CostMultiplier,
		Reason:         types.ReasonInitial,
		At:             now,
	}
	if rec.Attempt > 1 {
		rec.Reason = types.ReasonRetry
	} else if sess.PreferredProvider != "" && p.ID == sess.PreferredProvider {
		rec.Reason = types.ReasonSessionReuse
	}

	outcome := "success"
	if dispatchErr != nil {
		kind := relayerrors.KindOf(dispatchErr)
		rec.FailureKind = kind.String()
		outcome = kind.String()

		if f.breakers != nil && kind.CountsForCircuit() {
			f.breakers.ReportFailure(breaker.ScopeProvider, p.ID)
			if ep != nil {
				f.breakers.ReportFailure(breaker.ScopeEndpoint, ep.ID)
			}
		}
	} else if f.breakers != nil {
		f.breakers.ReportSuccess(breaker.ScopeProvider, p.ID)
		if ep != nil {
			f.breakers.ReportSuccess(breaker.ScopeEndpoint, ep.ID)
		}
	}
	metrics.ForwardAttempts.WithLabelValues(p.Name, outcome).Inc()

	sess.appendAttempt(rec)
	if f.attempts != nil {
		if err := f.attempts.AppendAttempt(ctx, sess.RequestID, rec); err != nil {
			f.logger.Error("attempt chain write failed",
				"request_id", sess.RequestID, "provider", p.ID, "error", err)
		}
	}
}

func (f *Forwarder) trackCost(ctx context.Context, p *types.Provider, sess *Session) {
	if f.limiter == nil || sess.Cost <= 0 {
		return
	}
	cost := sess.Cost
	if p.CostMultiplier > 0 {
		cost *= p.CostMultiplier
	}
	subjects := []string{ratelimit.SubjectProvider(p.ID)}
	if sess.KeyID != "" {
		subjects = append(subjects, ratelimit.SubjectKey(sess.KeyID))
	}
	if err := f.limiter.TrackCost(ctx, subjects, cost, ratelimit.EventMeta{RequestID: sess.RequestID}); err != nil {
		f.logger.Error("cost tracking failed", "request_id", sess.RequestID, "error", err)
	}
}

func (f *Forwarder) maxRetries(p *types.Provider) int {
	if p.MaxRetries > 0 {
		return p.MaxRetries
	}
	return f.cfg.MaxRetries
}

func endpointID(ep *types.Endpoint) string {
	if ep == nil {
		return ""
	}
	return ep.ID
}
