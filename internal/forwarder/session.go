// Package forwarder orchestrates request dispatch: provider selection,
// endpoint resolution, disguised-success detection, circuit accounting, and
// retry with failover. The attempt chain it appends is the billing record.
package forwarder

import (
	"net/http"
	"sync"

	"github.com/relaymux/relaymux/pkg/types"
)

// Session carries one client request through its routing attempts. The
// exclusion set grows as providers fail; the chain is append-only and the
// last entry is the binding final provider.
type Session struct {
	RequestID string
	Method    string
	Group     string
	Stream    bool
	Body      []byte
	Header    http.Header

	// KeyID identifies the tenant key for rate accounting; KeyLimits are
	// its configured ceilings.
	KeyID     string
	KeyLimits []types.CostLimit

	// Cost is the estimated cost of this request in accounting units,
	// before any provider multiplier.
	Cost float64

	// PreferredProvider pins the first attempt to the provider a prior
	// request in the same conversation bound to, when still admissible.
	PreferredProvider string

	mu       sync.Mutex
	excluded map[string]bool
	chain    []types.AttemptRecord
}

// Exclude marks a provider as failed for the remainder of this session.
func (s *Session) Exclude(providerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.excluded == nil {
		s.excluded = make(map[string]bool)
	}
	s.excluded[providerID] = true
}

// ExcludedProviders returns a copy of the exclusion set.
func (s *Session) ExcludedProviders() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.excluded))
	for id := range s.excluded {
		out[id] = true
	}
	return out
}

func (s *Session) appendAttempt(rec types.AttemptRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chain = append(s.chain, rec)
}

// Chain returns the attempt history in append order.
func (s *Session) Chain() []types.AttemptRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.AttemptRecord, len(s.chain))
	copy(out, s.chain)
	return out
}

// FinalAttempt returns the last chain entry, the one billing binds to.
func (s *Session) FinalAttempt() (types.AttemptRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.chain) == 0 {
		return types.AttemptRecord{}, false
	}
	return s.chain[len(s.chain)-1], true
}

func (s *Session) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chain)
}
