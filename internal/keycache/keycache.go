// Package keycache is a read-through cache of key records with bounded
// freshness. It keeps hot key lookups off the durable store on the request
// path, and is invalidated on every key mutation so no stale record is
// served to a concurrent reader.
package keycache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gatecore-ai/gatecore/internal/keystore"
	"github.com/gatecore-ai/gatecore/internal/metrics"
)

type cached struct {
	record    *keystore.KeyRecord
	expiresAt time.Time
}

// Cache is a read-through TTL cache over a keystore.Store. Concurrent
// lookups for the same missing key are collapsed into a single store load.
type Cache struct {
	store keystore.Store
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[string]cached
	sf      singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a Cache over store with the given freshness bound.
func New(store keystore.Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{
		store:   store,
		ttl:     ttl,
		entries: make(map[string]cached),
	}
}

// Lookup returns the record for key, serving from cache while fresh and
// loading through to the store otherwise. Store errors (including
// not-found) are returned unaltered and are not cached.
func (c *Cache) Lookup(ctx context.Context, key string) (*keystore.KeyRecord, error) {
	now := time.Now()

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		c.hits.Add(1)
		metrics.KeyCacheLookups.WithLabelValues("hit").Inc()
		return entry.record, nil
	}

	c.misses.Add(1)
	metrics.KeyCacheLookups.WithLabelValues("miss").Inc()

	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		record, err := c.store.GetKeyRecord(ctx, key)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = cached{record: record, expiresAt: time.Now().Add(c.ttl)}
		c.mu.Unlock()
		return record, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*keystore.KeyRecord), nil
}

// Invalidate drops the cached record for key. Called on every key mutation.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	c.sf.Forget(key)
}

// Reset drops all cached records and zeroes the counters.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.entries = make(map[string]cached)
	c.mu.Unlock()
	c.hits.Store(0)
	c.misses.Store(0)
}

// Counters returns the lifetime hit and miss counts.
func (c *Cache) Counters() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
