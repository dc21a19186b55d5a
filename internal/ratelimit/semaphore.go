package ratelimit

import (
	"context"
	"errors"
	"sync"
)

// ErrConcurrencyFull is returned when a provider is at its concurrency cap.
var ErrConcurrencyFull = errors.New("provider concurrency limit reached")

// Semaphore is a counting semaphore bounding in-flight requests.
type Semaphore struct {
	mu       sync.Mutex
	capacity int
	current  int
	waiters  []chan struct{}
}

// NewSemaphore creates a semaphore with the given capacity. A non-positive
// capacity means a single permit.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &Semaphore{capacity: capacity}
}

// TryAcquire takes a permit without blocking.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current < s.capacity {
		s.current++
		return true
	}
	return false
}

// Acquire takes a permit, blocking until one frees up or ctx ends. The
// capacity check and waiter registration share one critical section so a
// concurrent Release cannot slip between them and strand the waiter.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.current < s.capacity {
		s.current++
		s.mu.Unlock()
		return nil
	}
	waiter := make(chan struct{})
	s.waiters = append(s.waiters, waiter)
	s.mu.Unlock()

	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		removed := false
		for i, w := range s.waiters {
			if w == waiter {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				removed = true
				break
			}
		}
		s.mu.Unlock()
		if !removed {
			// A Release handed us the permit while ctx fired; pass it on.
			s.Release()
		}
		return ctx.Err()
	}
}

// Release frees a permit. When a waiter is queued the permit transfers
// directly without touching the count.
func (s *Semaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current <= 0 {
		return
	}
	if len(s.waiters) > 0 {
		waiter := s.waiters[0]
		s.waiters = s.waiters[1:]
		close(waiter)
		return
	}
	s.current--
}

// InFlight returns the current number of held permits.
func (s *Semaphore) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// ConcurrencyGuard hands out per-provider semaphores sized to each
// provider's configured cap. Resizing a provider replaces its semaphore;
// permits already held drain against the old one.
type ConcurrencyGuard struct {
	mu   sync.Mutex
	sems map[string]*guardEntry
}

type guardEntry struct {
	capacity int
	sem      *Semaphore
}

// NewConcurrencyGuard creates an empty guard.
func NewConcurrencyGuard() *ConcurrencyGuard {
	return &ConcurrencyGuard{sems: make(map[string]*guardEntry)}
}

// For returns the semaphore for a provider, creating or resizing as needed.
// A cap of zero means unlimited and returns nil.
func (g *ConcurrencyGuard) For(providerID string, capacity int) *Semaphore {
	if capacity <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.sems[providerID]
	if !ok || e.capacity != capacity {
		e = &guardEntry{capacity: capacity, sem: NewSemaphore(capacity)}
		g.sems[providerID] = e
	}
	return e.sem
}
