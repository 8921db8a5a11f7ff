/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package tokenlimit

import (
	"context"
	"fmt"
	"time"

	"github.com/acronis/go-tokenlimit/lrucache"
)

// RegistryOpts represents options for the Registry.
type RegistryOpts struct {
	// Limit is the capacity of every Pool created by the Registry.
	// If it's 0, DefaultLimit is used.
	Limit int

	// IdleTimeout is the period of inactivity (no GetOrCreate calls for a key)
	// after which the key's pool is dropped from the Registry. It must be positive.
	IdleTimeout time.Duration

	// MaxKeys is a soft limit of credentials tracked at the same time.
	// 0 means no limit, and pools leave the registry only when they become idle.
	// When the limit is exceeded, least recently used pools without held permits are dropped.
	// Pools with held permits are never dropped this way, so the registry may grow over MaxKeys
	// while all tracked credentials have in-flight requests.
	MaxKeys int

	// MetricsCollector collects metrics of the registry storage (number of tracked credentials,
	// hits, misses and evictions). If nil, metrics are disabled.
	MetricsCollector lrucache.MetricsCollector
}

// Registry is a concurrency-safe store of per-credential pools with idle-time eviction.
type Registry struct {
	limit int
	pools *lrucache.LRUCache[string, *Pool]
}

// NewRegistry creates a new Registry.
func NewRegistry(opts RegistryOpts) (*Registry, error) {
	if opts.Limit < 0 {
		return nil, fmt.Errorf("limit should not be negative, got %d", opts.Limit)
	}
	if opts.Limit == 0 {
		opts.Limit = DefaultLimit
	}
	if opts.IdleTimeout <= 0 {
		return nil, fmt.Errorf("idle timeout should be positive, got %s", opts.IdleTimeout)
	}
	if opts.MaxKeys < 0 {
		return nil, fmt.Errorf("max keys should not be negative, got %d", opts.MaxKeys)
	}
	cacheOpts := lrucache.Options[*Pool]{
		IdleTTL:  opts.IdleTimeout,
		CanEvict: func(pool *Pool) bool { return pool.held() == 0 },
	}
	pools, err := lrucache.NewWithOpts[string, *Pool](opts.MaxKeys, opts.MetricsCollector, cacheOpts)
	if err != nil {
		return nil, fmt.Errorf("new LRU in-memory store for pools: %w", err)
	}
	return &Registry{limit: opts.Limit, pools: pools}, nil
}

// MustNewRegistry creates a new Registry and panics if any error occurs.
func MustNewRegistry(opts RegistryOpts) *Registry {
	r, err := NewRegistry(opts)
	if err != nil {
		panic(err)
	}
	return r
}

// GetOrCreate returns the pool for the key and refreshes its last access time.
// If there is no pool for the key or it has been idle for too long, a new pool is created.
// Concurrent calls with the same key always get the same pool.
func (r *Registry) GetOrCreate(key string) *Pool {
	pool, _ := r.pools.GetOrAdd(key, func() *Pool {
		return &Pool{slots: make(chan struct{}, r.limit)}
	})
	return pool
}

// Limit returns the capacity of pools created by the Registry.
func (r *Registry) Limit() int {
	return r.limit
}

// Len returns the number of credentials tracked by the Registry.
// Idle pools which have not been cleaned up yet are counted too.
func (r *Registry) Len() int {
	return r.pools.Len()
}

// DropIdle drops pools which have been idle for longer than IdleTimeout and returns their number.
func (r *Registry) DropIdle() int {
	return r.pools.RemoveExpired()
}

// RunPeriodicCleanup drops idle pools every interval until ctx is done.
// Without it, an idle pool is dropped only when its key is requested again.
// It's supposed to be run in a separate goroutine.
func (r *Registry) RunPeriodicCleanup(ctx context.Context, interval time.Duration) {
	r.pools.RunPeriodicCleanup(ctx, interval)
}
