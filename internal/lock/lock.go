// Package lock provides a fleet-wide mutual exclusion primitive backed by
// the shared cache, with an in-process fallback when the cache is
// unreachable. It is used to elect exactly one scheduler leader.
package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/relaymux/relaymux/internal/metrics"
)

// Kind tells callers whether a lock actually excludes other instances.
type Kind int

const (
	// Shared locks are held in the shared cache and exclude the whole fleet.
	Shared Kind = iota
	// Local locks only exclude goroutines in this process. They exist so the
	// engine keeps running while the shared cache is down; coordination is
	// advisory-only in that mode.
	Local
)

func (k Kind) String() string {
	if k == Local {
		return "local"
	}
	return "shared"
}

// Lock is a held lock. The holder token is compared on renew and release so
// a stale holder can never renew or delete a successor's lock.
type Lock struct {
	Key   string
	Token string
	Kind  Kind
}

// renewScript extends the expiry only when the stored token matches.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the key only when the stored token matches.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type localEntry struct {
	token  string
	expiry time.Time
}

// Client acquires, renews, and releases locks.
type Client struct {
	rdb    redis.UniversalClient
	clock  clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	local map[string]localEntry
}

// Option configures a Client.
type Option func(*Client)

// WithClock injects a clock for deterministic tests.
func WithClock(c clock.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

// NewClient creates a lock client. rdb may be nil, in which case every lock
// is a local one.
func NewClient(rdb redis.UniversalClient, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		rdb:    rdb,
		clock:  clock.New(),
		logger: logger,
		local:  make(map[string]localEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire attempts to take the lock, returning nil when it is already held
// elsewhere. Shared-cache errors are swallowed: the client degrades to a
// process-local lock rather than failing the caller.
func (c *Client) Acquire(ctx context.Context, key string, ttl time.Duration) *Lock {
	token := uuid.NewString()

	if c.rdb != nil {
		ok, err := c.rdb.SetNX(ctx, key, token, ttl).Result()
		if err == nil {
			if !ok {
				return nil
			}
			return &Lock{Key: key, Token: token, Kind: Shared}
		}
		c.logger.Warn("shared lock unavailable, using local fallback", "key", key, "error", err)
		metrics.LockFallbacks.Inc()
	}

	return c.acquireLocal(key, token, ttl)
}

// Renew extends the lock's TTL. It returns false when the lock was lost:
// the token no longer matches, the entry expired, or a local-fallback lock
// is being renewed while the shared cache is reachable again. The last case
// forces a reacquire so two leadership mechanisms never coexist.
func (c *Client) Renew(ctx context.Context, l *Lock, ttl time.Duration) bool {
	if l == nil {
		return false
	}

	if l.Kind == Local {
		if c.sharedAvailable(ctx) {
			c.dropLocal(l)
			return false
		}
		return c.renewLocal(l, ttl)
	}

	if c.rdb == nil {
		return false
	}
	n, err := renewScript.Run(ctx, c.rdb, []string{l.Key}, l.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		c.logger.Warn("shared lock renew failed", "key", l.Key, "error", err)
		return false
	}
	return n == 1
}

// Release drops the lock. Only the holder whose token matches may delete.
func (c *Client) Release(ctx context.Context, l *Lock) {
	if l == nil {
		return
	}
	if l.Kind == Local {
		c.dropLocal(l)
		return
	}
	if c.rdb == nil {
		return
	}
	if _, err := releaseScript.Run(ctx, c.rdb, []string{l.Key}, l.Token).Result(); err != nil {
		c.logger.Warn("shared lock release failed", "key", l.Key, "error", err)
	}
}

// KeepAlive renews the lock every ttl/2 until ctx is cancelled or a renewal
// fails, in which case onLost is invoked once. It blocks; run it on its own
// goroutine.
func (c *Client) KeepAlive(ctx context.Context, l *Lock, ttl time.Duration, onLost func()) {
	ticker := c.clock.Ticker(ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.Renew(ctx, l, ttl) {
				if onLost != nil {
					onLost()
				}
				return
			}
		}
	}
}

func (c *Client) acquireLocal(key, token string, ttl time.Duration) *Lock {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for k, e := range c.local {
		if now.After(e.expiry) {
			delete(c.local, k)
		}
	}

	if _, held := c.local[key]; held {
		return nil
	}
	c.local[key] = localEntry{token: token, expiry: now.Add(ttl)}
	return &Lock{Key: key, Token: token, Kind: Local}
}

func (c *Client) renewLocal(l *Lock, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.local[l.Key]
	if !ok || e.token != l.Token {
		return false
	}
	if c.clock.Now().After(e.expiry) {
		delete(c.local, l.Key)
		return false
	}
	e.expiry = c.clock.Now().Add(ttl)
	c.local[l.Key] = e
	return true
}

func (c *Client) dropLocal(l *Lock) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.local[l.Key]; ok && e.token == l.Token {
		delete(c.local, l.Key)
	}
}

func (c *Client) sharedAvailable(ctx context.Context) bool {
	if c.rdb == nil {
		return false
	}
	return c.rdb.Ping(ctx).Err() == nil
}
