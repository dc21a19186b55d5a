// Package ratelimit implements sliding-window cost accounting and
// concurrency control per subject (key-level and provider-level), backed by
// the shared cache with durable-storage recovery on cache miss.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/relaymux/relaymux/internal/metrics"
	"github.com/relaymux/relaymux/internal/store"
	relayerrors "github.com/relaymux/relaymux/pkg/errors"
	"github.com/relaymux/relaymux/pkg/types"
)

const keyPrefix = "relaymux:rate:"

// retentionSlack keeps entries slightly beyond the longest window so a read
// racing an eviction never undercounts.
const retentionSlack = time.Hour

// evictSumScript atomically evicts entries older than the retention horizon
// and sums the costs inside [windowStart, now) in one round trip. Entries
// are kept long enough for the longest configured window, so a short-window
// read never destroys data a longer window still needs.
//
// KEYS[1] - subject zset
// ARGV[1] - retention start (unix ms; strictly older entries are removed)
// ARGV[2] - window start (unix ms, inclusive)
// ARGV[3] - now (unix ms, inclusive so a just-tracked event counts)
//
// Returns {existsFlag, sumString}.
var evictSumScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {0, '0'}
end
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
local entries = redis.call('ZRANGEBYSCORE', KEYS[1], ARGV[2], ARGV[3])
local sum = 0
for _, m in ipairs(entries) do
	local c = tonumber(string.match(m, '^([^|]+)'))
	if c then
		sum = sum + c
	end
end
return {1, tostring(sum)}
`)

// EventMeta carries identifying metadata for one billable event.
type EventMeta struct {
	RequestID string
}

// Decision is the structured verdict of a limit check.
type Decision struct {
	Allowed bool         `json:"allowed"`
	Window  types.Window `json:"window,omitempty"`
	Current float64      `json:"current"`
	Limit   float64      `json:"limit"`
	Reason  string       `json:"reason,omitempty"`
}

// Err converts a denial into the structured terminal error for callers.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return relayerrors.New(relayerrors.KindRateLimited, d.Reason)
}

// CostLimiter tracks windowed cost totals per subject. Reads and evictions
// run as one atomic script against the shared cache; a cold or unreachable
// cache degrades to a durable-storage read, never to a blind allow or deny.
type CostLimiter struct {
	rdb     redis.UniversalClient
	events  store.RateEventStore
	clock   clock.Clock
	logger  *slog.Logger
	windows []types.Window

	// In-flight cold-start recoveries, deduplicated per subject.
	recoverMu sync.Mutex
	recovers  map[string]*recovery

	// Advisory local pacing, applied only while the shared cache is down.
	pacerMu     sync.Mutex
	pacers      map[string]*rate.Limiter
	fallbackRPS float64
	fallbackB   int
}

type recovery struct {
	done chan struct{}
	sum  float64
	err  error
}

// Option configures a CostLimiter.
type Option func(*CostLimiter)

// WithClock injects a clock for deterministic tests.
func WithClock(c clock.Clock) Option {
	return func(l *CostLimiter) { l.clock = c }
}

// WithLocalFallback sets the advisory pacing applied while degraded.
func WithLocalFallback(rps float64, burst int) Option {
	return func(l *CostLimiter) {
		l.fallbackRPS = rps
		l.fallbackB = burst
	}
}

// NewCostLimiter creates a limiter over the given windows.
func NewCostLimiter(rdb redis.UniversalClient, events store.RateEventStore, windows []types.Window, logger *slog.Logger, opts ...Option) *CostLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &CostLimiter{
		rdb:         rdb,
		events:      events,
		clock:       clock.New(),
		logger:      logger,
		windows:     windows,
		recovers:    make(map[string]*recovery),
		pacers:      make(map[string]*rate.Limiter),
		fallbackRPS: 10,
		fallbackB:   20,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TrackCost records one billable event against every affected subject.
// The durable row is written unconditionally; a shared-cache write failure
// is logged and absorbed so the event is never lost.
func (l *CostLimiter) TrackCost(ctx context.Context, subjectIDs []string, cost float64, meta EventMeta) error {
	if len(subjectIDs) == 0 || cost <= 0 {
		return nil
	}
	now := l.clock.Now()

	events := make([]store.RateEvent, 0, len(subjectIDs))
	for _, subject := range subjectIDs {
		events = append(events, store.RateEvent{
			ID:        uuid.NewString(),
			SubjectID: subject,
			Cost:      cost,
			RequestID: meta.RequestID,
			At:        now,
		})
	}
	if err := l.events.InsertEvents(ctx, events); err != nil {
		return fmt.Errorf("persist rate events: %w", err)
	}

	if l.rdb == nil {
		return nil
	}
	pipe := l.rdb.Pipeline()
	for _, ev := range events {
		key := keyPrefix + ev.SubjectID
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(ev.At.UnixMilli()),
			Member: member(ev.Cost, ev.ID),
		})
		pipe.PExpire(ctx, key, l.retention(now))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.RateLimitBackendErrors.WithLabelValues("track").Inc()
		l.logger.Warn("rate event cache write failed, durable copy kept",
			"subjects", len(subjectIDs),
			"error", err,
		)
	}
	return nil
}

// GetCurrentCost returns the cost total for a subject inside the window
// containing now. The shared cache answers in one atomic evict+sum round
// trip; a cold key or unreachable cache recovers from durable storage.
func (l *CostLimiter) GetCurrentCost(ctx context.Context, subjectID string, w types.Window) (float64, error) {
	now := l.clock.Now()
	start := w.Start(now)

	// A window reaching past the retention horizon cannot be answered from
	// the cache: entries that old are already evicted. Durable storage is
	// authoritative for it.
	if start.Before(now.Add(-l.retention(now))) {
		sum, err := l.events.SumCosts(ctx, subjectID, start, now.Add(time.Millisecond))
		if err != nil {
			return 0, fmt.Errorf("sum durable rate events: %w", err)
		}
		return sum, nil
	}

	if l.rdb != nil {
		sum, ok, err := l.readCache(ctx, subjectID, start, now)
		if err == nil && ok {
			return sum, nil
		}
		if err != nil {
			metrics.RateLimitBackendErrors.WithLabelValues("read").Inc()
			l.logger.Warn("rate window cache read failed, recovering from durable storage",
				"subject", subjectID,
				"error", err,
			)
		}
	}

	return l.recover(ctx, subjectID, start, now)
}

// CheckCostLimits evaluates every configured limit for a subject and
// returns the first denial, or an allowing decision.
func (l *CostLimiter) CheckCostLimits(ctx context.Context, subjectID string, limits []types.CostLimit) (Decision, error) {
	for _, limit := range limits {
		if limit.Limit <= 0 {
			continue
		}
		current, err := l.GetCurrentCost(ctx, subjectID, limit.Window)
		if err != nil {
			return Decision{}, err
		}
		if current >= limit.Limit {
			metrics.RateLimitDecisions.WithLabelValues(string(limit.Window.Kind), "deny").Inc()
			return Decision{
				Allowed: false,
				Window:  limit.Window,
				Current: current,
				Limit:   limit.Limit,
				Reason: fmt.Sprintf("cost limit exceeded: %.4f of %.4f in %s window (%s reset)",
					current, limit.Limit, limit.Window.Kind, resetModeLabel(limit.Window)),
			}, nil
		}
		metrics.RateLimitDecisions.WithLabelValues(string(limit.Window.Kind), "allow").Inc()
	}
	return Decision{Allowed: true}, nil
}

// AllowDegraded paces a subject locally while the shared cache is down.
// It is advisory only; cross-instance totals resume once the cache returns.
func (l *CostLimiter) AllowDegraded(subjectID string) bool {
	l.pacerMu.Lock()
	defer l.pacerMu.Unlock()

	p, ok := l.pacers[subjectID]
	if !ok {
		p = rate.NewLimiter(rate.Limit(l.fallbackRPS), l.fallbackB)
		l.pacers[subjectID] = p
	}
	return p.Allow()
}

func (l *CostLimiter) readCache(ctx context.Context, subjectID string, start, now time.Time) (float64, bool, error) {
	res, err := evictSumScript.Run(ctx, l.rdb,
		[]string{keyPrefix + subjectID},
		now.Add(-l.retention(now)).UnixMilli(),
		start.UnixMilli(),
		now.UnixMilli(),
	).Result()
	if err != nil {
		return 0, false, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, false, fmt.Errorf("unexpected script result: %v", res)
	}
	exists, _ := vals[0].(int64)
	if exists == 0 {
		return 0, false, nil
	}
	sumStr, _ := vals[1].(string)
	sum, err := strconv.ParseFloat(sumStr, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse window sum %q: %w", sumStr, err)
	}
	return sum, true, nil
}

// recover reads the durable copy for [start, now) and, when possible,
// replays it into the shared cache so subsequent reads stay cheap.
// Concurrent recoveries for the same subject collapse into one fetch.
func (l *CostLimiter) recover(ctx context.Context, subjectID string, start, now time.Time) (float64, error) {
	l.recoverMu.Lock()
	if r, inFlight := l.recovers[subjectID]; inFlight {
		l.recoverMu.Unlock()
		select {
		case <-r.done:
			return r.sum, r.err
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	r := &recovery{done: make(chan struct{})}
	l.recovers[subjectID] = r
	l.recoverMu.Unlock()

	defer func() {
		close(r.done)
		l.recoverMu.Lock()
		delete(l.recovers, subjectID)
		l.recoverMu.Unlock()
	}()

	events, err := l.events.ListEvents(ctx, subjectID, now.Add(-l.retention(now)), now.Add(time.Millisecond))
	if err != nil {
		r.err = fmt.Errorf("recover rate window: %w", err)
		return 0, r.err
	}

	var sum float64
	for _, ev := range events {
		if !ev.At.Before(start) && !ev.At.After(now) {
			sum += ev.Cost
		}
	}
	r.sum = sum

	l.replay(ctx, subjectID, events, now)
	return sum, nil
}

func (l *CostLimiter) replay(ctx context.Context, subjectID string, events []store.RateEvent, now time.Time) {
	if l.rdb == nil || len(events) == 0 {
		return
	}
	key := keyPrefix + subjectID
	pipe := l.rdb.Pipeline()
	for _, ev := range events {
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(ev.At.UnixMilli()),
			Member: member(ev.Cost, ev.ID),
		})
	}
	pipe.PExpire(ctx, key, l.retention(now))
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Debug("rate window replay skipped", "subject", subjectID, "error", err)
	}
}

// retention is how long entries must stay readable: the longest configured
// window plus slack.
func (l *CostLimiter) retention(now time.Time) time.Duration {
	max := 5 * time.Hour
	for _, w := range l.windows {
		if span := w.Span(now); span > max {
			max = span
		}
	}
	return max + retentionSlack
}

func member(cost float64, id string) string {
	return strconv.FormatFloat(cost, 'f', -1, 64) + "|" + id
}

func resetModeLabel(w types.Window) string {
	if w.Kind == types.WindowFiveHour || w.Mode != types.ResetFixed {
		return "rolling"
	}
	return "fixed"
}

// SubjectKey builds the key-level subject id for a tenant key.
func SubjectKey(keyID string) string { return "key:" + keyID }

// SubjectProvider builds the provider-level subject id.
func SubjectProvider(providerID string) string { return "provider:" + providerID }
