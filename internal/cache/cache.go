// Package cache provides a short-TTL in-process cache for tenant stats
// reads. Stats responses are expensive tenant-wide aggregates; a short
// TTL keeps repeated dashboard polls off the database while staying
// fresh enough that new activity shows up within seconds.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/minirag/minirag/internal/observability"
)

const (
	// DefaultTTL bounds how stale a cached stats response can be.
	DefaultTTL = 30 * time.Second

	// DefaultSize bounds resident entries across all tenants.
	DefaultSize = 1024
)

// Key joins cache key segments with "|". Stats keys follow the
// metric|tenant|params convention so tenant invalidation can match on
// the second segment.
func Key(parts ...string) string {
	return strings.Join(parts, "|")
}

// call tracks one in-flight loader execution shared by concurrent
// GetOrLoad callers for the same key.
type call[V any] struct {
	done  chan struct{}
	value V
	err   error
}

// Cache is a bounded TTL cache with request coalescing: concurrent
// GetOrLoad calls for the same key share a single loader execution
// instead of stampeding the database.
type Cache[V any] struct {
	lru      *expirable.LRU[string, V]
	inflight map[string]*call[V]
	mu       sync.Mutex
	logger   observability.Logger
}

// New creates a cache holding up to size entries for ttl each.
// Non-positive size or ttl fall back to the defaults.
func New[V any](size int, ttl time.Duration, logger observability.Logger) *Cache[V] {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache[V]{
		lru:      expirable.NewLRU[string, V](size, nil, ttl),
		inflight: make(map[string]*call[V]),
		logger:   logger.WithPrefix("cache"),
	}
}

// Get returns the cached value for key if present and unexpired.
func (c *Cache[V]) Get(key string) (V, bool) {
	return c.lru.Get(key)
}

// Set stores value under key with the cache TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.lru.Add(key, value)
}

// GetOrLoad returns the cached value for key, running loader once on a
// miss and caching its result. Callers that arrive while a load is in
// flight wait for that load and share its outcome; loader errors are
// propagated to every waiter and never cached.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, loader func() (V, error)) (V, error) {
	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}

	c.mu.Lock()
	if existing, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-existing.done:
			return existing.value, existing.err
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
	}
	cl := &call[V]{done: make(chan struct{})}
	c.inflight[key] = cl
	c.mu.Unlock()

	cl.value, cl.err = loader()
	if cl.err == nil {
		c.lru.Add(key, cl.value)
	}

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
	close(cl.done)

	return cl.value, cl.err
}

// InvalidateTenant drops every cached entry whose key carries the given
// tenant id segment.
func (c *Cache[V]) InvalidateTenant(tenantID string) {
	segment := "|" + tenantID
	removed := 0
	for _, key := range c.lru.Keys() {
		if strings.Contains(key, segment) {
			c.lru.Remove(key)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("Invalidated tenant stats entries", map[string]interface{}{
			"tenant_id": tenantID,
			"removed":   removed,
		})
	}
}

// Len reports the number of resident entries, expired or not.
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}
