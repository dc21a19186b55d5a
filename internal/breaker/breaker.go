// Package breaker implements the closed/open/half-open circuit breaker used
// to stop routing to failing providers, endpoints, and vendor-type
// aggregates until they prove recovery.
package breaker

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/relaymux/relaymux/pkg/types"
)

// State represents the current state of a circuit breaker.
type State int

const (
	// StateClosed allows requests to pass through normally.
	StateClosed State = iota
	// StateOpen rejects all requests until the open duration elapses.
	StateOpen
	// StateHalfOpen lets requests through while recovery is being proven.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Scope distinguishes the three independent breaker key spaces.
type Scope string

const (
	ScopeProvider   Scope = "provider"
	ScopeEndpoint   Scope = "endpoint"
	ScopeVendorType Scope = "vendortype"
)

// Breaker is one failure-counting state machine. All methods are safe for
// concurrent use; increments and transitions happen under one mutex so
// concurrent in-flight requests cannot race a threshold crossing.
type Breaker struct {
	mu       sync.Mutex
	settings types.BreakerSettings
	clock    clock.Clock

	state             State
	failures          int
	halfOpenSuccesses int
	openedAt          time.Time

	onTransition func(from, to State)
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(settings types.BreakerSettings, clk clock.Clock) *Breaker {
	if clk == nil {
		clk = clock.New()
	}
	return &Breaker{settings: settings, clock: clk, state: StateClosed}
}

// Allow reports whether a call may proceed. An open breaker whose open
// duration has elapsed transitions to half-open here; there is no timer.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.clock.Now().Sub(b.openedAt) >= b.settings.OpenDuration {
			b.transitionTo(StateHalfOpen)
			b.halfOpenSuccesses = 0
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess notes a successful call. In half-open state, reaching the
// configured consecutive success count closes the breaker and resets all
// counters.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.settings.HalfOpenSuccessCount {
			b.transitionTo(StateClosed)
			b.failures = 0
			b.halfOpenSuccesses = 0
		}
	}
}

// RecordFailure notes a failed call. Reaching the failure threshold opens
// the breaker; any failure while half-open reopens it immediately with the
// failure counter pinned at the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.open()
		}
	case StateHalfOpen:
		b.failures = b.settings.FailureThreshold
		b.halfOpenSuccesses = 0
		b.open()
	}
}

// Trip forces the breaker open regardless of the failure counter. It is the
// fast-trip path for the vendor-type aggregate when every endpoint of a
// vendor timed out in one probe cycle.
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = b.settings.FailureThreshold
	b.halfOpenSuccesses = 0
	b.open()
}

// State returns the current state without triggering lazy transitions.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) open() {
	b.openedAt = b.clock.Now()
	b.transitionTo(StateOpen)
}

func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		// Reopening while already open still refreshes openedAt (done by
		// the caller); no transition to report.
		return
	}
	from := b.state
	b.state = newState
	if b.onTransition != nil {
		b.onTransition(from, newState)
	}
}
