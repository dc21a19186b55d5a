package forwarder

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymux/relaymux/internal/breaker"
	"github.com/relaymux/relaymux/internal/config"
	"github.com/relaymux/relaymux/internal/ratelimit"
	"github.com/relaymux/relaymux/internal/selector"
	"github.com/relaymux/relaymux/internal/store"
	relayerrors "github.com/relaymux/relaymux/pkg/errors"
	"github.com/relaymux/relaymux/pkg/types"
)

func testForwardConfig() config.ForwardConfig {
	return config.ForwardConfig{
		MaxRetries:       3,
		RequestTimeout:   2 * time.Second,
		StreamFirstByte:  500 * time.Millisecond,
		StreamIdle:       500 * time.Millisecond,
		StreamTotal:      5 * time.Second,
		MaxInspectedBody: 1 << 20,
	}
}

func goodUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hello"}}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func seedProvider(t *testing.T, st *store.MemoryStore, p *types.Provider) {
	t.Helper()
	if p.CostMultiplier == 0 {
		p.CostMultiplier = 1
	}
	require.NoError(t, st.UpsertProvider(context.Background(), p))
}

type env struct {
	st       *store.MemoryStore
	breakers *breaker.Registry
	fwd      *Forwarder
}

func newEnv(t *testing.T, cfg config.ForwardConfig, limiter *ratelimit.CostLimiter) *env {
	t.Helper()
	st := store.NewMemoryStore()
	reg := breaker.NewRegistry(true, types.BreakerSettings{
		FailureThreshold:     1,
		OpenDuration:         time.Minute,
		HalfOpenSuccessCount: 1,
	}, nil)
	sel := selector.New(st, reg)
	fwd := New(cfg, st, st, sel, reg, limiter, nil,
		WithRand(rand.New(rand.NewSource(1))))
	return &env{st: st, breakers: reg, fwd: fwd}
}

func TestSend_Success(t *testing.T) {
	good := goodUpstream(t)
	e := newEnv(t, testForwardConfig(), nil)
	seedProvider(t, e.st, &types.Provider{ID: "p1", Name: "alpha", VendorID: "v1", ProviderType: "openai", URL: good.URL, Enabled: true, Weight: 1})

	sess := &Session{RequestID: "r1", Method: "chat", Body: []byte(`{}`)}
	resp, err := e.fwd.Send(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "p1", resp.ProviderID)

	chain := sess.Chain()
	require.Len(t, chain, 1)
	assert.Equal(t, "p1", chain[0].ProviderID)
	assert.Equal(t, types.ReasonInitial, chain[0].Reason)
	assert.Empty(t, chain[0].FailureKind)

	persisted, err := e.st.GetChain(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, chain, persisted)
}

func TestSend_HTMLBodyFailsOver(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("<html><body>maintenance</body></html>"))
	}))
	t.Cleanup(bad.Close)
	good := goodUpstream(t)

	e := newEnv(t, testForwardConfig(), nil)
	// Lower priority value wins the first draw.
	seedProvider(t, e.st, &types.Provider{ID: "p1", Name: "broken", VendorID: "v1", ProviderType: "openai", URL: bad.URL, Enabled: true, Priority: 0})
	seedProvider(t, e.st, &types.Provider{ID: "p2", Name: "backup", VendorID: "v2", ProviderType: "openai", URL: good.URL, Enabled: true, Priority: 1})

	sess := &Session{RequestID: "r1", Method: "chat", Body: []byte(`{}`)}
	resp, err := e.fwd.Send(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, "p2", resp.ProviderID)

	chain := sess.Chain()
	require.Len(t, chain, 2)
	assert.Equal(t, relayerrors.KindFakeSuccessHTML.String(), chain[0].FailureKind)
	assert.Equal(t, types.ReasonRetry, chain[1].Reason)
	assert.Empty(t, chain[1].FailureKind)

	// The failed provider tripped its circuit; the replacement stayed closed.
	assert.False(t, e.breakers.Allow(breaker.ScopeProvider, "p1"))
	assert.True(t, e.breakers.Allow(breaker.ScopeProvider, "p2"))

	final, ok := sess.FinalAttempt()
	require.True(t, ok)
	assert.Equal(t, "p2", final.ProviderID, "billing binds to the last chain entry")
}

func TestSend_ErrorFieldFailsOver(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":{"message":"insufficient quota"}}`))
	}))
	t.Cleanup(bad.Close)
	good := goodUpstream(t)

	e := newEnv(t, testForwardConfig(), nil)
	seedProvider(t, e.st, &types.Provider{ID: "p1", Name: "broken", VendorID: "v1", ProviderType: "openai", URL: bad.URL, Enabled: true, Priority: 0})
	seedProvider(t, e.st, &types.Provider{ID: "p2", Name: "backup", VendorID: "v2", ProviderType: "openai", URL: good.URL, Enabled: true, Priority: 1})

	sess := &Session{RequestID: "r1", Method: "chat", Body: []byte(`{}`)}
	resp, err := e.fwd.Send(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, "p2", resp.ProviderID)
	assert.Equal(t, relayerrors.KindFakeSuccessError.String(), sess.Chain()[0].FailureKind)
}

func TestSend_MissingContentDistinctKind(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"resp-1","choices":[{"message":{"role":"assistant"}}]}`))
	}))
	t.Cleanup(bad.Close)
	good := goodUpstream(t)

	e := newEnv(t, testForwardConfig(), nil)
	seedProvider(t, e.st, &types.Provider{ID: "p1", Name: "broken", VendorID: "v1", ProviderType: "openai", URL: bad.URL, Enabled: true, Priority: 0})
	seedProvider(t, e.st, &types.Provider{ID: "p2", Name: "backup", VendorID: "v2", ProviderType: "openai", URL: good.URL, Enabled: true, Priority: 1})

	sess := &Session{RequestID: "r1", Method: "chat", Body: []byte(`{}`)}
	_, err := e.fwd.Send(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, relayerrors.KindMissingContent.String(), sess.Chain()[0].FailureKind)
}

func TestSend_UpstreamStatusFailsOver(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	t.Cleanup(bad.Close)
	good := goodUpstream(t)

	e := newEnv(t, testForwardConfig(), nil)
	seedProvider(t, e.st, &types.Provider{ID: "p1", Name: "broken", VendorID: "v1", ProviderType: "openai", URL: bad.URL, Enabled: true, Priority: 0})
	seedProvider(t, e.st, &types.Provider{ID: "p2", Name: "backup", VendorID: "v2", ProviderType: "openai", URL: good.URL, Enabled: true, Priority: 1})

	sess := &Session{RequestID: "r1", Method: "chat", Body: []byte(`{}`)}
	resp, err := e.fwd.Send(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, "p2", resp.ProviderID)
	assert.Equal(t, relayerrors.KindUpstreamStatus.String(), sess.Chain()[0].FailureKind)
}

func TestSend_NoProvider(t *testing.T) {
	e := newEnv(t, testForwardConfig(), nil)

	sess := &Session{RequestID: "r1", Method: "chat", Body: []byte(`{}`)}
	_, err := e.fwd.Send(context.Background(), sess)
	require.Error(t, err)
	assert.Equal(t, relayerrors.KindNoProvider, relayerrors.KindOf(err))
}

func TestSend_RetryBudgetExhausted(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	t.Cleanup(bad.Close)

	cfg := testForwardConfig()
	cfg.MaxRetries = 1
	e := newEnv(t, cfg, nil)
	for _, id := range []string{"p1", "p2", "p3"} {
		seedProvider(t, e.st, &types.Provider{ID: id, Name: id, VendorID: "v-" + id, ProviderType: "openai", URL: bad.URL, Enabled: true})
	}

	sess := &Session{RequestID: "r1", Method: "chat", Body: []byte(`{}`)}
	_, err := e.fwd.Send(context.Background(), sess)
	require.Error(t, err)
	assert.Equal(t, relayerrors.KindUpstreamStatus, relayerrors.KindOf(err))
	assert.Len(t, sess.Chain(), 2, "one initial attempt plus one retry")
}

func TestSend_RateLimitDenialIsTerminal(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })

	events := store.NewMemoryStore()
	limiter := ratelimit.NewCostLimiter(rdb, events, []types.Window{{Kind: types.WindowFiveHour}}, nil)
	require.NoError(t, limiter.TrackCost(context.Background(), []string{ratelimit.SubjectKey("k1")}, 10, ratelimit.EventMeta{}))

	good := goodUpstream(t)
	e := newEnv(t, testForwardConfig(), limiter)
	seedProvider(t, e.st, &types.Provider{ID: "p1", Name: "alpha", VendorID: "v1", ProviderType: "openai", URL: good.URL, Enabled: true})

	sess := &Session{
		RequestID: "r1",
		Method:    "chat",
		Body:      []byte(`{}`),
		KeyID:     "k1",
		KeyLimits: []types.CostLimit{{Window: types.Window{Kind: types.WindowFiveHour}, Limit: 5}},
	}
	_, err := e.fwd.Send(context.Background(), sess)
	require.Error(t, err)
	assert.Equal(t, relayerrors.KindRateLimited, relayerrors.KindOf(err))
	assert.Empty(t, sess.Chain(), "a rate-limit denial never reaches dispatch")
}

func TestSend_SuccessTracksCost(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })

	events := store.NewMemoryStore()
	fiveHour := types.Window{Kind: types.WindowFiveHour}
	limiter := ratelimit.NewCostLimiter(rdb, events, []types.Window{fiveHour}, nil)

	good := goodUpstream(t)
	e := newEnv(t, testForwardConfig(), limiter)
	seedProvider(t, e.st, &types.Provider{ID: "p1", Name: "alpha", VendorID: "v1", ProviderType: "openai", URL: good.URL, Enabled: true, CostMultiplier: 2})

	sess := &Session{RequestID: "r1", Method: "chat", Body: []byte(`{}`), KeyID: "k1", Cost: 3}
	_, err := e.fwd.Send(context.Background(), sess)
	require.NoError(t, err)

	keyCost, err := limiter.GetCurrentCost(context.Background(), ratelimit.SubjectKey("k1"), fiveHour)
	require.NoError(t, err)
	assert.Equal(t, 6.0, keyCost, "cost multiplier applies")

	provCost, err := limiter.GetCurrentCost(context.Background(), ratelimit.SubjectProvider("p1"), fiveHour)
	require.NoError(t, err)
	assert.Equal(t, 6.0, provCost)
}

func TestSend_UsesHealthyEndpointOverPrimaryURL(t *testing.T) {
	good := goodUpstream(t)
	e := newEnv(t, testForwardConfig(), nil)

	// Primary URL points nowhere; a healthy probed endpoint must win.
	seedProvider(t, e.st, &types.Provider{ID: "p1", Name: "alpha", VendorID: "v1", ProviderType: "openai", URL: "http://127.0.0.1:1", Enabled: true})
	require.NoError(t, e.st.UpsertEndpoint(context.Background(), &types.Endpoint{
		ID: "e1", VendorID: "v1", ProviderType: "openai", URL: good.URL, Enabled: true,
		LastProbe: &types.ProbeResult{State: types.ProbeOK, Latency: 5 * time.Millisecond, ProbedAt: time.Now()},
	}))

	sess := &Session{RequestID: "r1", Method: "chat", Body: []byte(`{}`)}
	resp, err := e.fwd.Send(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, "e1", resp.EndpointID)
}

func TestSend_StreamingReturnsBodyStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n"))
		f.Flush()
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	t.Cleanup(srv.Close)

	e := newEnv(t, testForwardConfig(), nil)
	seedProvider(t, e.st, &types.Provider{ID: "p1", Name: "alpha", VendorID: "v1", ProviderType: "openai", URL: srv.URL, Enabled: true})

	sess := &Session{RequestID: "r1", Method: "chat", Body: []byte(`{}`), Stream: true}
	resp, err := e.fwd.Send(context.Background(), sess)
	require.NoError(t, err)
	require.NotNil(t, resp.Stream)
	defer resp.Stream.Close()

	buf := make([]byte, 1024)
	n, _ := resp.Stream.Read(buf)
	assert.Contains(t, string(buf[:n]), "data:")
}

func TestSend_StreamingHTMLBodyFailsOver(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("<html><body>gateway error</body></html>"))
	}))
	t.Cleanup(bad.Close)

	goodSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {}\n\n"))
	}))
	t.Cleanup(goodSrv.Close)

	e := newEnv(t, testForwardConfig(), nil)
	seedProvider(t, e.st, &types.Provider{ID: "p1", Name: "broken", VendorID: "v1", ProviderType: "openai", URL: bad.URL, Enabled: true, Priority: 0})
	seedProvider(t, e.st, &types.Provider{ID: "p2", Name: "backup", VendorID: "v2", ProviderType: "openai", URL: goodSrv.URL, Enabled: true, Priority: 1})

	sess := &Session{RequestID: "r1", Method: "chat", Body: []byte(`{}`), Stream: true}
	resp, err := e.fwd.Send(context.Background(), sess)
	require.NoError(t, err)
	defer resp.Stream.Close()
	assert.Equal(t, "p2", resp.ProviderID)
	assert.Equal(t, relayerrors.KindFakeSuccessHTML.String(), sess.Chain()[0].FailureKind)
}

func TestSend_ClientCancellationNotRetried(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(slow.Close)

	e := newEnv(t, testForwardConfig(), nil)
	seedProvider(t, e.st, &types.Provider{ID: "p1", Name: "alpha", VendorID: "v1", ProviderType: "openai", URL: slow.URL, Enabled: true})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	sess := &Session{RequestID: "r1", Method: "chat", Body: []byte(`{}`)}
	_, err := e.fwd.Send(ctx, sess)
	require.Error(t, err)
	assert.Equal(t, relayerrors.KindClientCancelled, relayerrors.KindOf(err))
	require.Len(t, sess.Chain(), 1)

	// Client-caused failures never count against the provider's circuit.
	assert.True(t, e.breakers.Allow(breaker.ScopeProvider, "p1"))
}

func TestPicker_WeightedByPriorityTier(t *testing.T) {
	reg := breaker.NewRegistry(false, types.BreakerSettings{}, nil)
	p := newPicker(rand.New(rand.NewSource(7)), reg)

	providers := []*types.Provider{
		{ID: "low", Enabled: true, Priority: 1, Weight: 100},
		{ID: "high-a", Enabled: true, Priority: 0, Weight: 1},
		{ID: "high-b", Enabled: true, Priority: 0, Weight: 3},
	}

	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		picked := p.pick(providers, "", nil)
		require.NotNil(t, picked)
		counts[picked.ID]++
	}

	assert.Zero(t, counts["low"], "lower tiers only serve when the best tier is empty")
	assert.Greater(t, counts["high-b"], counts["high-a"], "weights shape the draw")
}

func TestPicker_ExclusionAndGroups(t *testing.T) {
	reg := breaker.NewRegistry(false, types.BreakerSettings{}, nil)
	p := newPicker(rand.New(rand.NewSource(7)), reg)

	providers := []*types.Provider{
		{ID: "a", Enabled: true, Groups: []string{"eu"}},
		{ID: "b", Enabled: true, Groups: []string{"us"}},
		{ID: "c", Enabled: false, Groups: []string{"us"}},
	}

	picked := p.pick(providers, "us", nil)
	require.NotNil(t, picked)
	assert.Equal(t, "b", picked.ID)

	assert.Nil(t, p.pick(providers, "us", map[string]bool{"b": true}))
	assert.Nil(t, p.pick(providers, "apac", nil))
}

// failingEventStore simulates durable storage being offline for reads.
type failingEventStore struct {
	*store.MemoryStore
}

var errStoreDown = errors.New("storage offline")

func (s *failingEventStore) ListEvents(context.Context, string, time.Time, time.Time) ([]store.RateEvent, error) {
	return nil, errStoreDown
}

func (s *failingEventStore) SumCosts(context.Context, string, time.Time, time.Time) (float64, error) {
	return 0, errStoreDown
}

func TestSend_DegradedLimiterAppliesLocalPacing(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })
	s.Close()

	// Cache and durable storage both unreachable: limit checks cannot be
	// answered, so the local pacer gates traffic. Zero refill with burst one
	// admits exactly one request.
	events := &failingEventStore{store.NewMemoryStore()}
	limiter := ratelimit.NewCostLimiter(rdb, events, []types.Window{{Kind: types.WindowFiveHour}}, nil,
		ratelimit.WithLocalFallback(0, 1))

	good := goodUpstream(t)
	e := newEnv(t, testForwardConfig(), limiter)
	seedProvider(t, e.st, &types.Provider{ID: "p1", Name: "alpha", VendorID: "v1", ProviderType: "openai", URL: good.URL, Enabled: true})

	mkSess := func(id string) *Session {
		return &Session{
			RequestID: id,
			Method:    "chat",
			Body:      []byte(`{}`),
			KeyID:     "k1",
			KeyLimits: []types.CostLimit{{Window: types.Window{Kind: types.WindowFiveHour}, Limit: 100}},
		}
	}

	_, err := e.fwd.Send(context.Background(), mkSess("r1"))
	require.NoError(t, err, "burst admits the first request")

	_, err = e.fwd.Send(context.Background(), mkSess("r2"))
	require.Error(t, err)
	assert.Equal(t, relayerrors.KindRateLimited, relayerrors.KindOf(err))
}

func TestSend_StreamFirstByteTimeoutIsTimeoutKind(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(slow.Close)

	cfg := testForwardConfig()
	cfg.StreamFirstByte = 50 * time.Millisecond
	e := newEnv(t, cfg, nil)
	seedProvider(t, e.st, &types.Provider{ID: "p1", Name: "alpha", VendorID: "v1", ProviderType: "openai", URL: slow.URL, Enabled: true})

	sess := &Session{RequestID: "r1", Method: "chat", Body: []byte(`{}`), Stream: true}
	_, err := e.fwd.Send(context.Background(), sess)
	require.Error(t, err)
	assert.Equal(t, relayerrors.KindTimeout, relayerrors.KindOf(err),
		"watchdog expiry must classify as timeout, not connection failure")

	chain := sess.Chain()
	require.NotEmpty(t, chain)
	assert.Equal(t, relayerrors.KindTimeout.String(), chain[0].FailureKind)
}

func TestSend_SessionReusePinsPriorProvider(t *testing.T) {
	good := goodUpstream(t)
	e := newEnv(t, testForwardConfig(), nil)
	// p2 holds the better priority tier and would win any fresh draw.
	seedProvider(t, e.st, &types.Provider{ID: "p1", Name: "pinned", VendorID: "v1", ProviderType: "openai", URL: good.URL, Enabled: true, Priority: 1})
	seedProvider(t, e.st, &types.Provider{ID: "p2", Name: "fresh", VendorID: "v2", ProviderType: "openai", URL: good.URL, Enabled: true, Priority: 0})

	sess := &Session{RequestID: "r2", Method: "chat", Body: []byte(`{}`), PreferredProvider: "p1"}
	resp, err := e.fwd.Send(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, "p1", resp.ProviderID)

	chain := sess.Chain()
	require.Len(t, chain, 1)
	assert.Equal(t, types.ReasonSessionReuse, chain[0].Reason)
}

func TestSend_SessionReuseFallsBackWhenInadmissible(t *testing.T) {
	good := goodUpstream(t)
	e := newEnv(t, testForwardConfig(), nil)
	seedProvider(t, e.st, &types.Provider{ID: "p1", Name: "pinned", VendorID: "v1", ProviderType: "openai", URL: good.URL, Enabled: false})
	seedProvider(t, e.st, &types.Provider{ID: "p2", Name: "fresh", VendorID: "v2", ProviderType: "openai", URL: good.URL, Enabled: true})

	sess := &Session{RequestID: "r2", Method: "chat", Body: []byte(`{}`), PreferredProvider: "p1"}
	resp, err := e.fwd.Send(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, "p2", resp.ProviderID)

	chain := sess.Chain()
	require.Len(t, chain, 1)
	assert.Equal(t, types.ReasonInitial, chain[0].Reason)
}
