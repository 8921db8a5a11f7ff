/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package lrucache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

type cacheEntry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

func (e *cacheEntry[K, V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !e.expiresAt.After(now)
}

// LRUCache represents an LRU cache with time-to-idle expiration and Prometheus metrics.
type LRUCache[K comparable, V any] struct {
	maxEntries int
	idleTTL    time.Duration
	canEvict   func(value V) bool

	mu      sync.Mutex
	lruList *list.List
	cache   map[K]*list.Element // map of cache entries, value is a lruList element

	metricsCollector MetricsCollector
}

// Options represents options for the cache.
type Options[V any] struct {
	// IdleTTL enables time-to-idle expiration: an entry expires when it has not been
	// added or successfully read for the given duration. Every hit prolongs the entry.
	// Expired entries are not removed immediately,
	// but only when they are accessed or during cleanup (see RemoveExpired and RunPeriodicCleanup).
	IdleTTL time.Duration

	// CanEvict reports whether the entry may be evicted to keep the cache within maxEntries.
	// Entries for which it returns false are skipped, and if there is no entry to evict,
	// the cache grows over maxEntries until one becomes evictable. It's called under the cache lock.
	// If nil, every entry may be evicted.
	CanEvict func(value V) bool
}

// New creates a new LRUCache with the provided maximum number of entries and metrics collector.
// Zero maxEntries means the cache is not limited by size and entries leave it only by expiration.
func New[K comparable, V any](maxEntries int, metricsCollector MetricsCollector) (*LRUCache[K, V], error) {
	return NewWithOpts[K, V](maxEntries, metricsCollector, Options[V]{})
}

// NewWithOpts creates a new LRUCache with the provided maximum number of entries, metrics collector, and options.
// Metrics collector is used to collect statistics about cache usage.
// It can be nil, in this case, metrics will be disabled.
func NewWithOpts[K comparable, V any](maxEntries int, metricsCollector MetricsCollector, opts Options[V]) (*LRUCache[K, V], error) {
	if maxEntries < 0 {
		return nil, fmt.Errorf("maxEntries must be greater or equal to 0 (no limit)")
	}
	if opts.IdleTTL < 0 {
		return nil, fmt.Errorf("idleTTL must be greater or equal to 0 (no expiration)")
	}
	if metricsCollector == nil {
		metricsCollector = disabledMetrics{}
	}
	return &LRUCache[K, V]{
		maxEntries:       maxEntries,
		idleTTL:          opts.IdleTTL,
		canEvict:         opts.CanEvict,
		lruList:          list.New(),
		cache:            make(map[K]*list.Element),
		metricsCollector: metricsCollector,
	}, nil
}

// GetOrAdd returns a value from the cache by the provided key.
// If the key does not exist or its entry is expired, the value returned by valueProvider is added.
// The valueProvider is called under the cache lock, so concurrent callers
// with the same key always get the same value and valueProvider is called only once.
// A hit prolongs the entry's lifetime.
func (c *LRUCache[K, V]) GetOrAdd(key K, valueProvider func() V) (value V, exists bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if value, exists = c.get(key, now); exists {
		return value, exists
	}
	value = valueProvider()
	c.addNew(&cacheEntry[K, V]{key: key, value: value, expiresAt: c.expiresAt(now)})
	return value, false
}

// Len returns the number of items in the cache.
// Expired entries which have not been accessed or cleaned up yet are counted too.
func (c *LRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

func (c *LRUCache[K, V]) expiresAt(now time.Time) time.Time {
	if c.idleTTL <= 0 {
		return time.Time{}
	}
	return now.Add(c.idleTTL)
}

func (c *LRUCache[K, V]) get(key K, now time.Time) (value V, ok bool) {
	elem, hit := c.cache[key]
	if !hit {
		c.metricsCollector.IncMisses()
		return value, false
	}
	entry := elem.Value.(*cacheEntry[K, V])
	if entry.expired(now) {
		c.removeElement(elem)
		c.metricsCollector.SetAmount(len(c.cache))
		c.metricsCollector.AddEvictions(1)
		c.metricsCollector.IncMisses()
		return value, false
	}
	entry.expiresAt = c.expiresAt(now)
	c.lruList.MoveToFront(elem)
	c.metricsCollector.IncHits()
	return entry.value, true
}

func (c *LRUCache[K, V]) addNew(entry *cacheEntry[K, V]) {
	c.cache[entry.key] = c.lruList.PushFront(entry)
	if c.maxEntries != 0 {
		if evicted := c.evictOverflow(); evicted > 0 {
			c.metricsCollector.AddEvictions(evicted)
		}
	}
	c.metricsCollector.SetAmount(len(c.cache))
}

// evictOverflow removes the least recently used evictable entries while the cache is over maxEntries.
// The most recently added entry is never evicted.
func (c *LRUCache[K, V]) evictOverflow() (evicted int) {
	elem := c.lruList.Back()
	for len(c.cache) > c.maxEntries && elem != nil && elem != c.lruList.Front() {
		prev := elem.Prev()
		if c.canEvict == nil || c.canEvict(elem.Value.(*cacheEntry[K, V]).value) {
			c.removeElement(elem)
			evicted++
		}
		elem = prev
	}
	return evicted
}

func (c *LRUCache[K, V]) removeElement(elem *list.Element) {
	c.lruList.Remove(elem)
	delete(c.cache, elem.Value.(*cacheEntry[K, V]).key)
}

// RunPeriodicCleanup runs a cycle of periodic cleanup of expired entries.
// It's supposed to be run in a separate goroutine.
func (c *LRUCache[K, V]) RunPeriodicCleanup(ctx context.Context, cleanupInterval time.Duration) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.removeExpired(time.Now())
		}
	}
}

// RemoveExpired removes all expired entries and returns their number.
func (c *LRUCache[K, V]) RemoveExpired() int {
	return c.removeExpired(time.Now())
}

func (c *LRUCache[K, V]) removeExpired(now time.Time) (removed int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, elem := range c.cache {
		if elem.Value.(*cacheEntry[K, V]).expired(now) {
			c.removeElement(elem)
			removed++
		}
	}
	c.metricsCollector.SetAmount(len(c.cache))
	if removed > 0 {
		c.metricsCollector.AddEvictions(removed)
	}
	return removed
}
