package health

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/relaymux/relaymux/internal/breaker"
	"github.com/relaymux/relaymux/internal/config"
	"github.com/relaymux/relaymux/internal/lock"
	"github.com/relaymux/relaymux/internal/metrics"
	"github.com/relaymux/relaymux/internal/store"
	relayerrors "github.com/relaymux/relaymux/pkg/errors"
	"github.com/relaymux/relaymux/pkg/types"
)

// SchedulerService runs probe cycles on the fleet instance holding the
// scheduler lock. All state lives on the struct so tests can run several
// isolated instances with a mock clock.
type SchedulerService struct {
	cfg       config.SchedulerConfig
	locks     *lock.Client
	endpoints store.EndpointStore
	prober    Prober
	breakers  *breaker.Registry
	clock     clock.Clock
	logger    *slog.Logger

	started atomic.Bool
	inCycle atomic.Bool

	// Current leadership lock, renewed at the top of each cycle.
	lockMu sync.Mutex
	held   *lock.Lock

	// Idle hint: cycles before this instant skip the store query entirely.
	// Bounded by IdlePollCeiling so config changes are picked up.
	hintMu  sync.Mutex
	nextDue time.Time
}

// SchedulerOption configures a SchedulerService.
type SchedulerOption func(*SchedulerService)

// WithSchedulerClock injects a clock for deterministic tests.
func WithSchedulerClock(c clock.Clock) SchedulerOption {
	return func(s *SchedulerService) { s.clock = c }
}

// NewSchedulerService wires a scheduler. The breaker registry may be nil.
func NewSchedulerService(cfg config.SchedulerConfig, locks *lock.Client, endpoints store.EndpointStore, prober Prober, breakers *breaker.Registry, logger *slog.Logger, opts ...SchedulerOption) *SchedulerService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SchedulerService{
		cfg:       cfg,
		locks:     locks,
		endpoints: endpoints,
		prober:    prober,
		breakers:  breakers,
		clock:     clock.New(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the probe loop until ctx is cancelled.
func (s *SchedulerService) Start(ctx context.Context) {
	if s == nil || !s.cfg.Enabled {
		return
	}
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.run(ctx)
}

func (s *SchedulerService) run(ctx context.Context) {
	tick := s.cfg.BaseInterval
	if s.cfg.TimeoutOverrideInterval > 0 && s.cfg.TimeoutOverrideInterval < tick {
		tick = s.cfg.TimeoutOverrideInterval
	}
	if tick <= 0 {
		tick = time.Minute
	}

	ticker := s.clock.Ticker(tick)
	defer ticker.Stop()

	s.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			s.releaseLeadership()
			s.logger.Info("probe scheduler stopped")
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle executes one probe cycle. It is a no-op when a cycle is already
// running on this process, or when this instance is not the leader.
func (s *SchedulerService) RunCycle(ctx context.Context) {
	if !s.inCycle.CompareAndSwap(false, true) {
		return
	}
	defer s.inCycle.Store(false)

	if !s.ensureLeader(ctx) {
		metrics.SchedulerLeader.Set(0)
		return
	}
	metrics.SchedulerLeader.Set(1)

	now := s.clock.Now()
	s.hintMu.Lock()
	idleUntil := s.nextDue
	s.hintMu.Unlock()
	if !idleUntil.IsZero() && now.Before(idleUntil) {
		return
	}

	// Keep-alive runs beside cycle work; losing the lock cancels dispatch
	// between work items.
	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.keepAlive(cycleCtx, cancel)

	if !s.sleepJitter(cycleCtx) {
		return
	}

	eps, err := s.endpoints.ListEndpoints(cycleCtx)
	if err != nil {
		s.logger.Error("probe cycle cannot list endpoints", "error", err)
		return
	}

	candidates := make([]*types.Endpoint, 0, len(eps))
	perVendorType := make(map[string]int)
	for _, ep := range eps {
		if !ep.Enabled || ep.Deleted {
			continue
		}
		candidates = append(candidates, ep)
		perVendorType[breaker.VendorTypeID(ep.VendorID, ep.ProviderType)]++
	}

	now = s.clock.Now()
	due := make([]*types.Endpoint, 0, len(candidates))
	for _, ep := range candidates {
		if s.isDue(ep, now, perVendorType) {
			due = append(due, ep)
		}
	}

	if len(due) == 0 {
		s.updateIdleHint(candidates, perVendorType, now)
		return
	}

	rand.Shuffle(len(due), func(i, j int) { due[i], due[j] = due[j], due[i] })
	s.dispatch(cycleCtx, due)
	s.updateIdleHint(candidates, perVendorType, s.clock.Now())
}

// ensureLeader renews the held lock or tries to acquire it.
func (s *SchedulerService) ensureLeader(ctx context.Context) bool {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	if s.held != nil {
		if s.locks.Renew(ctx, s.held, s.cfg.LockTTL) {
			return true
		}
		s.held = nil
	}
	s.held = s.locks.Acquire(ctx, s.cfg.LockKey, s.cfg.LockTTL)
	if s.held != nil && s.held.Kind == lock.Local {
		// Advisory leadership only. Redundant probes across instances are
		// harmless; going dark fleet-wide until the cache returns is not.
		s.logger.Warn("scheduler running under local lock, leadership is advisory")
	}
	return s.held != nil
}

func (s *SchedulerService) keepAlive(ctx context.Context, cancel context.CancelFunc) {
	s.lockMu.Lock()
	held := s.held
	s.lockMu.Unlock()
	if held == nil {
		return
	}
	s.locks.KeepAlive(ctx, held, s.cfg.LockTTL, func() {
		s.logger.Warn("scheduler lock lost mid-cycle, stopping dispatch")
		s.lockMu.Lock()
		s.held = nil
		s.lockMu.Unlock()
		metrics.SchedulerLeader.Set(0)
		cancel()
	})
}

func (s *SchedulerService) releaseLeadership() {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if s.held != nil {
		s.locks.Release(context.Background(), s.held)
		s.held = nil
	}
	metrics.SchedulerLeader.Set(0)
}

func (s *SchedulerService) sleepJitter(ctx context.Context) bool {
	if s.cfg.JitterMax <= 0 {
		return true
	}
	d := time.Duration(rand.Int63n(int64(s.cfg.JitterMax)))
	t := s.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// isDue applies the interval rules: a never-probed endpoint is always due;
// a timeout-failed endpoint uses the short override; a vendor+type with one
// enabled endpoint uses the long interval; everything else uses the base.
func (s *SchedulerService) isDue(ep *types.Endpoint, now time.Time, perVendorType map[string]int) bool {
	if ep.LastProbe == nil {
		return true
	}
	return !now.Before(ep.LastProbe.ProbedAt.Add(s.effectiveInterval(ep, perVendorType)))
}

func (s *SchedulerService) effectiveInterval(ep *types.Endpoint, perVendorType map[string]int) time.Duration {
	lp := ep.LastProbe
	if lp != nil && lp.State == types.ProbeFailed && lp.ErrorKind == relayerrors.KindTimeout.String() {
		return s.cfg.TimeoutOverrideInterval
	}
	if perVendorType[breaker.VendorTypeID(ep.VendorID, ep.ProviderType)] == 1 {
		return s.cfg.SingleCandidateInterval
	}
	return s.cfg.BaseInterval
}

// dispatch probes the due endpoints through a bounded worker pool pulling
// from a shared index. Lock loss stops new dispatch between items.
func (s *SchedulerService) dispatch(ctx context.Context, due []*types.Endpoint) {
	workers := s.cfg.ProbeConcurrency
	if workers <= 0 {
		workers = 1
	}
	if workers > len(due) {
		workers = len(due)
	}

	type vtStats struct{ total, timeouts int }
	var (
		statsMu sync.Mutex
		stats   = make(map[string]*vtStats)
		next    int64 = -1
		wg      sync.WaitGroup
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				idx := atomic.AddInt64(&next, 1)
				if idx >= int64(len(due)) {
					return
				}
				ep := due[idx]

				result := s.prober.Probe(ctx, ep)
				if err := s.endpoints.RecordProbe(ctx, ep.ID, result); err != nil {
					s.logger.Warn("probe result write failed", "endpoint_id", ep.ID, "error", err)
				}

				statsMu.Lock()
				vt := breaker.VendorTypeID(ep.VendorID, ep.ProviderType)
				st, ok := stats[vt]
				if !ok {
					st = &vtStats{}
					stats[vt] = st
				}
				st.total++
				if result.State == types.ProbeFailed && result.ErrorKind == relayerrors.KindTimeout.String() {
					st.timeouts++
				}
				statsMu.Unlock()
			}
		}()
	}
	wg.Wait()

	if s.breakers == nil || ctx.Err() != nil {
		return
	}
	for vt, st := range stats {
		vendorID, providerType := breaker.SplitVendorTypeID(vt)
		s.breakers.ReportCycleTimeouts(vendorID, providerType, st.total > 0 && st.timeouts == st.total)
	}
}

// updateIdleHint records when the earliest endpoint next comes due, capped
// at the idle poll ceiling.
func (s *SchedulerService) updateIdleHint(candidates []*types.Endpoint, perVendorType map[string]int, now time.Time) {
	var earliest time.Time
	for _, ep := range candidates {
		if ep.LastProbe == nil {
			earliest = now
			break
		}
		dueAt := ep.LastProbe.ProbedAt.Add(s.effectiveInterval(ep, perVendorType))
		if earliest.IsZero() || dueAt.Before(earliest) {
			earliest = dueAt
		}
	}
	if earliest.IsZero() {
		earliest = now
	}
	if ceiling := now.Add(s.cfg.IdlePollCeiling); s.cfg.IdlePollCeiling > 0 && earliest.After(ceiling) {
		earliest = ceiling
	}

	s.hintMu.Lock()
	s.nextDue = earliest
	s.hintMu.Unlock()
}
