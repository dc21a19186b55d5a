// Package api exposes the forward surface over HTTP: the relay endpoint,
// the attempt-chain lookup consumed by the billing ledger, and liveness.
package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/relaymux/relaymux/internal/forwarder"
	"github.com/relaymux/relaymux/internal/observability"
	"github.com/relaymux/relaymux/internal/store"
	relayerrors "github.com/relaymux/relaymux/pkg/errors"
	"github.com/relaymux/relaymux/pkg/types"
)

// KeyHeader identifies the tenant key for rate accounting.
const KeyHeader = "X-Relay-Key"

// GroupHeader restricts routing to providers carrying the named group.
const GroupHeader = "X-Relay-Group"

// CostHeader carries the caller-estimated cost of the request in accounting
// units, before any provider multiplier.
const CostHeader = "X-Relay-Cost"

// PreviousRequestHeader names an earlier request in the same conversation.
// Its final provider is preferred for this request's first attempt.
const PreviousRequestHeader = "X-Relay-Previous-Request"

// Handler serves the engine's HTTP surface.
type Handler struct {
	fwd       *forwarder.Forwarder
	attempts  store.AttemptStore
	keyLimits []types.CostLimit
	logger    *slog.Logger
}

// NewHandler wires the HTTP handlers. keyLimits are the configured spend
// ceilings applied to every tenant key.
func NewHandler(fwd *forwarder.Forwarder, attempts store.AttemptStore, keyLimits []types.CostLimit, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{fwd: fwd, attempts: attempts, keyLimits: keyLimits, logger: logger}
}

// Relay forwards the request body to a selected provider and returns the
// verified upstream response.
func (h *Handler) Relay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := observability.RequestIDFromContext(ctx)
	logger := observability.WithRequestID(ctx, h.logger)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "cannot read request body", http.StatusBadRequest)
		return
	}

	cost, err := parseCost(r.Header.Get(CostHeader))
	if err != nil {
		http.Error(w, "malformed "+CostHeader+" header", http.StatusBadRequest)
		return
	}

	sess := &forwarder.Session{
		RequestID:         requestID,
		Method:            "relay",
		Group:             r.Header.Get(GroupHeader),
		Stream:            wantsStream(r, body),
		Body:              body,
		Header:            forwardableHeaders(r.Header),
		KeyID:             r.Header.Get(KeyHeader),
		Cost:              cost,
		PreferredProvider: h.previousProvider(r),
	}
	if sess.KeyID != "" {
		sess.KeyLimits = h.keyLimits
	}

	resp, err := h.fwd.Send(ctx, sess)
	if err != nil {
		h.writeError(w, logger, err)
		return
	}

	if resp.Stream != nil {
		h.copyStream(w, logger, resp)
		return
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func (h *Handler) copyStream(w http.ResponseWriter, logger *slog.Logger, resp *forwarder.Response) {
	defer func() { _ = resp.Stream.Close() }()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("stream relay interrupted", "error", err)
			}
			return
		}
	}
}

// Chain returns the attempt history for a request id. The last entry is the
// binding final provider for billing.
func (h *Handler) Chain(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("id")
	chain, err := h.attempts.GetChain(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "unknown request id", http.StatusNotFound)
			return
		}
		http.Error(w, "chain lookup failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"request_id": requestID,
		"attempts":   chain,
	})
}

// Health reports process liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	re, ok := relayerrors.As(err)
	if !ok {
		re = relayerrors.Wrap(relayerrors.KindUnknown, err, "")
	}
	logger.Warn("relay failed", "kind", re.Kind.String(), "error", err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(re.HTTPStatusCode())
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"kind":    re.Kind.String(),
			"message": clientMessage(re),
		},
	})
}

// clientMessage surfaces rate-limit detail verbatim so callers see the
// current/limit numbers; other kinds map to their client-safe message.
func clientMessage(re *relayerrors.RelayError) string {
	if re.Kind == relayerrors.KindRateLimited && re.Message != "" {
		return re.Message
	}
	return re.Kind.ClientMessage()
}

// parseCost reads the caller-supplied cost estimate. Absent means zero
// (untracked); a malformed or negative value is the caller's error.
func parseCost(raw string) (float64, error) {
	if raw == "" {
		return 0, nil
	}
	cost, err := strconv.ParseFloat(raw, 64)
	if err != nil || cost < 0 {
		return 0, fmt.Errorf("invalid cost %q", raw)
	}
	return cost, nil
}

// previousProvider resolves the final provider of a named earlier request so
// a conversation sticks to one provider. An unknown id is ignored.
func (h *Handler) previousProvider(r *http.Request) string {
	prev := r.Header.Get(PreviousRequestHeader)
	if prev == "" {
		return ""
	}
	chain, err := h.attempts.GetChain(r.Context(), prev)
	if err != nil || len(chain) == 0 {
		return ""
	}
	return chain[len(chain)-1].ProviderID
}

func wantsStream(r *http.Request, body []byte) bool {
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return true
	}
	var probe struct {
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.Stream
}

var skippedHeaders = func() map[string]bool {
	m := make(map[string]bool)
	for _, h := range []string{
		"Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade",
		"Content-Length", "Accept-Encoding", "Host",
		KeyHeader, GroupHeader, CostHeader, PreviousRequestHeader,
		observability.RequestIDHeader,
	} {
		m[http.CanonicalHeaderKey(h)] = true
	}
	return m
}()

// forwardableHeaders drops hop-by-hop and routing-internal headers before
// the payload is sent upstream.
func forwardableHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for k, vs := range in {
		if skippedHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		out[k] = append([]string(nil), vs...)
	}
	return out
}
