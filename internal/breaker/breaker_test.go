package breaker

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymux/relaymux/pkg/types"
)

var testSettings = types.BreakerSettings{
	FailureThreshold:     3,
	OpenDuration:         30 * time.Second,
	HalfOpenSuccessCount: 2,
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	mc := clock.NewMock()
	b := NewBreaker(testSettings, mc)

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreaker_SuccessResetsClosedCounter(t *testing.T) {
	mc := clock.NewMock()
	b := NewBreaker(testSettings, mc)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_LazyHalfOpenTransition(t *testing.T) {
	mc := clock.NewMock()
	b := NewBreaker(testSettings, mc)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, StateOpen, b.State())

	// Elapsing the open duration alone changes nothing until Allow is asked.
	mc.Add(31 * time.Second)
	assert.Equal(t, StateOpen, b.State())

	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_HalfOpenClosesAfterConsecutiveSuccesses(t *testing.T) {
	mc := clock.NewMock()
	b := NewBreaker(testSettings, mc)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	mc.Add(31 * time.Second)
	require.True(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())
}

func TestBreaker_HalfOpenFailureReopensImmediately(t *testing.T) {
	mc := clock.NewMock()
	b := NewBreaker(testSettings, mc)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	mc.Add(31 * time.Second)
	require.True(t, b.Allow())
	b.RecordSuccess()

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, testSettings.FailureThreshold, b.Failures())

	// openedAt was refreshed: the previous elapsed time does not count.
	mc.Add(29 * time.Second)
	assert.False(t, b.Allow())
	mc.Add(2 * time.Second)
	assert.True(t, b.Allow())
}

func TestBreaker_NeverSkipsHalfOpen(t *testing.T) {
	mc := clock.NewMock()
	b := NewBreaker(testSettings, mc)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	mc.Add(time.Hour)

	// Even after a long open period, the first Allow lands in half-open,
	// not closed.
	require.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_ConcurrentRecordFailure(t *testing.T) {
	mc := clock.NewMock()
	b := NewBreaker(types.BreakerSettings{
		FailureThreshold:     50,
		OpenDuration:         30 * time.Second,
		HalfOpenSuccessCount: 2,
	}, mc)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.RecordFailure()
		}()
	}
	wg.Wait()

	assert.Equal(t, StateOpen, b.State())
}

func TestRegistry_DisabledNeverCreatesState(t *testing.T) {
	r := NewRegistry(false, testSettings, slog.Default())

	assert.True(t, r.Allow(ScopeProvider, "p1"))
	r.ReportFailure(ScopeProvider, "p1")
	r.ReportFailure(ScopeProvider, "p1")
	r.ReportFailure(ScopeProvider, "p1")
	assert.True(t, r.Allow(ScopeProvider, "p1"))
	assert.Empty(t, r.breakers)
}

func TestRegistry_ScopesAreIndependent(t *testing.T) {
	mc := clock.NewMock()
	r := NewRegistry(true, testSettings, slog.Default(), WithClock(mc))

	for i := 0; i < 3; i++ {
		r.ReportFailure(ScopeEndpoint, "e1")
	}
	assert.False(t, r.Allow(ScopeEndpoint, "e1"))
	assert.True(t, r.Allow(ScopeProvider, "e1"))
	assert.True(t, r.Allow(ScopeEndpoint, "e2"))
}

func TestRegistry_PerTargetSettingsOverride(t *testing.T) {
	mc := clock.NewMock()
	r := NewRegistry(true, testSettings, slog.Default(), WithClock(mc))

	b := r.GetWith(ScopeProvider, "strict", types.BreakerSettings{FailureThreshold: 1})
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	// Unset fields fall back to registry defaults.
	mc.Add(testSettings.OpenDuration + time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestRegistry_VendorTypeFastTrip(t *testing.T) {
	mc := clock.NewMock()
	r := NewRegistry(true, testSettings, slog.Default(), WithClock(mc))

	// A single all-timeout cycle trips the aggregate regardless of counters.
	r.ReportCycleTimeouts("vendor-a", "openai", true)
	assert.False(t, r.Allow(ScopeVendorType, VendorTypeID("vendor-a", "openai")))

	// Per-endpoint breakers are untouched.
	assert.True(t, r.Allow(ScopeEndpoint, "e1"))
}

func TestRegistry_VendorTypeRecoversThroughHalfOpen(t *testing.T) {
	mc := clock.NewMock()
	r := NewRegistry(true, testSettings, slog.Default(), WithClock(mc))

	r.ReportCycleTimeouts("vendor-a", "openai", true)
	id := VendorTypeID("vendor-a", "openai")
	require.False(t, r.Allow(ScopeVendorType, id))

	mc.Add(31 * time.Second)
	require.True(t, r.Allow(ScopeVendorType, id))

	r.ReportCycleTimeouts("vendor-a", "openai", false)
	r.ReportCycleTimeouts("vendor-a", "openai", false)
	assert.Equal(t, StateClosed, r.Get(ScopeVendorType, id).State())
}
