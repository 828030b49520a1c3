// Package ratelimit provides an in-memory token-bucket request-rate guard.
// It sits in front of token-quota admission: a key that hammers the gateway
// gets 429s here before its requests ever reach the quota tracker.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a single token bucket.
type Limiter struct {
	mu         sync.Mutex
	rate       float64 // tokens added per second
	burst      float64 // maximum token capacity
	tokens     float64 // current token count
	lastRefill time.Time
	lastSeen   time.Time
}

// New creates a Limiter allowing ratePerSecond requests/s with a burst
// capacity. If burst <= 0, it defaults to ratePerSecond.
func New(ratePerSecond, burst float64) *Limiter {
	if burst <= 0 {
		burst = ratePerSecond
	}
	now := time.Now()
	return &Limiter{
		rate:       ratePerSecond,
		burst:      burst,
		tokens:     burst,
		lastRefill: now,
		lastSeen:   now,
	}
}

// Allow consumes one token and returns true if the request is permitted.
func (l *Limiter) Allow() bool {
	return l.allowAt(time.Now())
}

func (l *Limiter) allowAt(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	elapsed := now.Sub(l.lastRefill).Seconds()
	l.tokens += elapsed * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.lastRefill = now
	l.lastSeen = now

	if l.tokens >= 1.0 {
		l.tokens--
		return true
	}
	return false
}

// Guard maintains one Limiter per API key. Buckets for keys that go quiet
// are dropped by PruneIdle so the map does not grow with churned keys.
type Guard struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	rate     float64
	burst    float64
	nowFn    func() time.Time
}

// NewGuard creates a Guard whose per-key limiters share the same rate/burst.
func NewGuard(ratePerSecond, burst float64) *Guard {
	return &Guard{
		limiters: make(map[string]*Limiter),
		rate:     ratePerSecond,
		burst:    burst,
		nowFn:    time.Now,
	}
}

// Allow checks (and creates if needed) the limiter for key.
func (g *Guard) Allow(key string) bool {
	now := g.nowFn()

	// Fast path, limiter already exists.
	g.mu.RLock()
	l, ok := g.limiters[key]
	g.mu.RUnlock()
	if ok {
		return l.allowAt(now)
	}

	g.mu.Lock()
	// Double-check after acquiring write lock.
	if l, ok = g.limiters[key]; !ok {
		l = New(g.rate, g.burst)
		g.limiters[key] = l
	}
	g.mu.Unlock()
	return l.allowAt(now)
}

// PruneIdle drops limiters that have not seen a request within idle.
// Returns the number of buckets removed.
func (g *Guard) PruneIdle(idle time.Duration) int {
	cutoff := g.nowFn().Add(-idle)

	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for key, l := range g.limiters {
		l.mu.Lock()
		stale := l.lastSeen.Before(cutoff)
		l.mu.Unlock()
		if stale {
			delete(g.limiters, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of live buckets.
func (g *Guard) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.limiters)
}
