package tenant

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"logfanout/internal/callgroup"
)

// Cache memoizes lookups for the life of one batch invocation. Each
// distinct tenant reaches the underlying store at most once, including
// concurrent lookups for the same tenant. Missing tenants are remembered
// too; transient errors are not.
//
// A Cache is created per batch and discarded afterwards.
type Cache struct {
	store Store

	mu      sync.RWMutex
	entries map[string]cached

	group   callgroup.Group[string, Config]
	lookups atomic.Int64
}

type cached struct {
	cfg Config
	err error
}

// NewCache wraps store with an invocation-scoped cache.
func NewCache(store Store) *Cache {
	return &Cache{store: store, entries: make(map[string]cached)}
}

// Get returns the configuration for tenantID.
func (c *Cache) Get(ctx context.Context, tenantID string) (Config, error) {
	c.mu.RLock()
	e, ok := c.entries[tenantID]
	c.mu.RUnlock()
	if ok {
		return e.cfg.Clone(), e.err
	}

	cfg, _, err := c.group.Do(ctx, tenantID, func() (Config, error) {
		c.lookups.Add(1)
		cfg, err := c.store.Get(ctx, tenantID)
		if err == nil || errors.Is(err, ErrNotFound) {
			c.mu.Lock()
			c.entries[tenantID] = cached{cfg: cfg, err: err}
			c.mu.Unlock()
		}
		return cfg, err
	})
	return cfg.Clone(), err
}

// Lookups returns how many times the underlying store was queried.
func (c *Cache) Lookups() int64 { return c.lookups.Load() }

// Warm keeps configurations across invocations for a bounded time. It is
// opt-in: without it every batch starts cold. Reads are concurrent;
// Invalidate and InvalidateAll are meant for rare external triggers such
// as a config file change.
type Warm struct {
	store Store
	cache *ttlcache.Cache[string, Config]
	group callgroup.Group[string, Config]
}

// NewWarm wraps store with a TTL cache holding at most capacity tenants.
func NewWarm(store Store, ttl time.Duration, capacity uint64) *Warm {
	opts := []ttlcache.Option[string, Config]{
		ttlcache.WithTTL[string, Config](ttl),
		ttlcache.WithDisableTouchOnHit[string, Config](),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, Config](capacity))
	}
	return &Warm{
		store: store,
		cache: ttlcache.New(opts...),
	}
}

// Get returns a cached configuration or loads it from the store.
// Missing tenants are not cached so onboarding takes effect immediately.
func (w *Warm) Get(ctx context.Context, tenantID string) (Config, error) {
	if item := w.cache.Get(tenantID); item != nil {
		return item.Value().Clone(), nil
	}
	cfg, _, err := w.group.Do(ctx, tenantID, func() (Config, error) {
		cfg, err := w.store.Get(ctx, tenantID)
		if err != nil {
			return Config{}, err
		}
		w.cache.Set(tenantID, cfg.Clone(), ttlcache.DefaultTTL)
		return cfg, nil
	})
	return cfg.Clone(), err
}

// Invalidate drops one tenant.
func (w *Warm) Invalidate(tenantID string) { w.cache.Delete(tenantID) }

// InvalidateAll drops every cached tenant.
func (w *Warm) InvalidateAll() { w.cache.DeleteAll() }

// DeleteExpired evicts entries past their TTL.
func (w *Warm) DeleteExpired() { w.cache.DeleteExpired() }

// Len returns the number of cached tenants, including expired entries
// not yet evicted.
func (w *Warm) Len() int { return w.cache.Len() }
