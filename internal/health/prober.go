// Package health keeps endpoint liveness data fresh. A leader-elected
// scheduler decides which endpoints are due; an HTTP prober checks them and
// writes the result back to the store.
package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/relaymux/relaymux/internal/metrics"
	relayerrors "github.com/relaymux/relaymux/pkg/errors"
	"github.com/relaymux/relaymux/pkg/types"
)

const defaultProbeTimeout = 10 * time.Second

// Prober performs a single liveness check against an endpoint.
type Prober interface {
	Probe(ctx context.Context, ep *types.Endpoint) types.ProbeResult
}

// HTTPProber issues a lightweight HTTP request to the endpoint URL.
// Any response at all counts as alive for 5xx-free statuses; transport
// failures and timeouts are classified for the scheduler's interval rules.
type HTTPProber struct {
	client  *http.Client
	clock   clock.Clock
	timeout time.Duration
	logger  *slog.Logger
}

// HTTPProberOption configures an HTTPProber.
type HTTPProberOption func(*HTTPProber)

// WithProberClock injects a clock for deterministic tests.
func WithProberClock(c clock.Clock) HTTPProberOption {
	return func(p *HTTPProber) { p.clock = c }
}

// WithProberClient replaces the HTTP client.
func WithProberClient(c *http.Client) HTTPProberOption {
	return func(p *HTTPProber) { p.client = c }
}

// NewHTTPProber creates a prober with the given per-probe timeout.
func NewHTTPProber(timeout time.Duration, logger *slog.Logger, opts ...HTTPProberOption) *HTTPProber {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &HTTPProber{
		client:  &http.Client{Timeout: timeout},
		clock:   clock.New(),
		timeout: timeout,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe checks one endpoint and returns the result to record.
func (p *HTTPProber) Probe(ctx context.Context, ep *types.Endpoint) types.ProbeResult {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := p.clock.Now()
	result := types.ProbeResult{ProbedAt: start}

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, ep.URL, nil)
	if err != nil {
		result.State = types.ProbeFailed
		result.ErrorKind = relayerrors.KindConnection.String()
		result.ErrorMsg = err.Error()
		return p.observe(ep, result)
	}

	resp, err := p.client.Do(req)
	result.Latency = p.clock.Now().Sub(start)
	if err != nil {
		result.State = types.ProbeFailed
		result.ErrorKind = classifyProbeErr(err).String()
		result.ErrorMsg = err.Error()
		return p.observe(ep, result)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	result.StatusCode = resp.StatusCode
	if resp.StatusCode >= http.StatusInternalServerError {
		result.State = types.ProbeFailed
		result.ErrorKind = relayerrors.KindUpstreamStatus.String()
		result.ErrorMsg = resp.Status
		return p.observe(ep, result)
	}

	result.State = types.ProbeOK
	return p.observe(ep, result)
}

func (p *HTTPProber) observe(ep *types.Endpoint, r types.ProbeResult) types.ProbeResult {
	metrics.ProbeResults.WithLabelValues(ep.VendorID, r.State.String()).Inc()
	if r.Latency > 0 {
		metrics.ProbeLatency.WithLabelValues(ep.VendorID).Observe(r.Latency.Seconds())
	}
	if r.State == types.ProbeFailed {
		p.logger.Warn("endpoint probe failed",
			"endpoint_id", ep.ID,
			"vendor_id", ep.VendorID,
			"url", ep.URL,
			"error_kind", r.ErrorKind,
			"error", r.ErrorMsg,
		)
	}
	return r
}

func classifyProbeErr(err error) relayerrors.FailureKind {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return relayerrors.KindTimeout
	}
	return relayerrors.KindConnection
}
