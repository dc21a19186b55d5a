package store

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/relaymux/relaymux/internal/bus"
	"github.com/relaymux/relaymux/pkg/types"
)

const (
	providerKeyPrefix = "provider:"
	allProvidersKey   = "providers:all"
)

// CachedProviderStore decorates a ProviderStore with an in-process cache.
// Entries are dropped on invalidation messages from the bus, so fleet
// instances converge shortly after the configuration collaborator writes.
type CachedProviderStore struct {
	inner ProviderStore
	cache *gocache.Cache
}

// NewCachedProviderStore wraps inner with a TTL cache and subscribes to
// invalidations on b. A nil bus disables cross-instance invalidation.
func NewCachedProviderStore(inner ProviderStore, ttl time.Duration, b bus.Bus) *CachedProviderStore {
	if ttl <= 0 {
		ttl = time.Minute
	}
	s := &CachedProviderStore{
		inner: inner,
		cache: gocache.New(ttl, 2*ttl),
	}
	if b != nil {
		b.Subscribe(s.onInvalidation)
	}
	return s
}

func (s *CachedProviderStore) onInvalidation(msg bus.Invalidation) {
	if msg.Kind != bus.InvalidateProvider {
		return
	}
	if msg.ID == "" {
		s.cache.Flush()
		return
	}
	s.cache.Delete(providerKeyPrefix + msg.ID)
	s.cache.Delete(allProvidersKey)
}

// GetProvider returns a provider, serving repeated reads from the cache.
func (s *CachedProviderStore) GetProvider(ctx context.Context, id string) (*types.Provider, error) {
	if v, ok := s.cache.Get(providerKeyPrefix + id); ok {
		p := v.(types.Provider)
		return &p, nil
	}

	p, err := s.inner.GetProvider(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.SetDefault(providerKeyPrefix+id, *p)
	return p, nil
}

// ListProviders returns all providers, cached as one entry.
func (s *CachedProviderStore) ListProviders(ctx context.Context) ([]*types.Provider, error) {
	if v, ok := s.cache.Get(allProvidersKey); ok {
		cached := v.([]types.Provider)
		out := make([]*types.Provider, len(cached))
		for i := range cached {
			p := cached[i]
			out[i] = &p
		}
		return out, nil
	}

	providers, err := s.inner.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	cached := make([]types.Provider, len(providers))
	for i, p := range providers {
		cached[i] = *p
	}
	s.cache.SetDefault(allProvidersKey, cached)
	return providers, nil
}

// UpsertProvider writes through and drops the affected cache entries.
func (s *CachedProviderStore) UpsertProvider(ctx context.Context, p *types.Provider) error {
	if err := s.inner.UpsertProvider(ctx, p); err != nil {
		return err
	}
	s.cache.Delete(providerKeyPrefix + p.ID)
	s.cache.Delete(allProvidersKey)
	return nil
}
