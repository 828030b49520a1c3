// Package cachemgr orchestrates the response cache: it decides cacheability,
// derives fingerprints, and exposes the hit/miss contract to the request
// pipeline, while keeping the aggregate cache metrics.
package cachemgr

import (
	"sync"
	"time"

	"github.com/gatecore-ai/gatecore/backend"
	"github.com/gatecore-ai/gatecore/internal/cachekey"
	"github.com/gatecore-ai/gatecore/internal/logging"
	"github.com/gatecore-ai/gatecore/internal/metrics"
	"github.com/gatecore-ai/gatecore/internal/respcache"
)

// Evaluation is the outcome of a cache lookup for one request.
type Evaluation struct {
	// Cacheable reports whether the request may participate in caching at
	// all. When false, Fingerprint is empty and Cached is false.
	Cacheable bool
	// Cached reports a live cache hit; Entry carries the stored response.
	Cached bool
	// Fingerprint is the derived lookup key for cacheable requests.
	Fingerprint string
	Entry       *respcache.Entry
}

// Metrics is a point-in-time view of the manager's aggregate counters.
type Metrics struct {
	TotalLookups   int64         `json:"total_lookups"`
	Hits           int64         `json:"hits"`
	Misses         int64         `json:"misses"`
	ExpiredCount   int64         `json:"expired_count"`
	EvictedCount   int64         `json:"evicted_count"`
	HitRate        float64       `json:"hit_rate"`
	AvgLookupTime  time.Duration `json:"avg_lookup_time_ns"`
	TotalBytes     int64         `json:"total_bytes"`
	Entries        int           `json:"entries"`
	StoredCount    int64         `json:"stored_count"`
	DroppedCorrupt int64         `json:"dropped_corrupt"`
}

// Manager owns the response cache store. One instance serves the whole
// request pipeline; construct it once in the top-level composition.
type Manager struct {
	store *respcache.Store
	ttl   time.Duration

	mu             sync.Mutex
	totalLookups   int64
	hits           int64
	misses         int64
	storedCount    int64
	droppedCorrupt int64
	lookupTimeSum  time.Duration
}

// New creates a Manager with a cache bounded at maxSize entries and the
// given default TTL.
func New(maxSize int, ttl time.Duration) *Manager {
	return &Manager{
		store: respcache.New(maxSize, ttl),
		ttl:   ttl,
	}
}

// Evaluate decides cacheability for req and, when cacheable, looks up the
// response cache. Corrupt entries are dropped and degrade to a miss; the
// request then proceeds through the normal backend path.
func (m *Manager) Evaluate(req backend.Request, now time.Time) Evaluation {
	if !cachekey.IsCacheable(req) {
		metrics.CacheLookups.WithLabelValues("bypass").Inc()
		return Evaluation{}
	}

	fp, err := cachekey.Fingerprint(req)
	if err != nil {
		// Underivable params make the request non-cacheable, not an error.
		metrics.CacheLookups.WithLabelValues("bypass").Inc()
		return Evaluation{}
	}

	start := time.Now()
	entry, found, expired := m.store.Get(fp, now)
	elapsed := time.Since(start)
	metrics.LookupDuration.Observe(elapsed.Seconds())

	m.mu.Lock()
	m.totalLookups++
	m.lookupTimeSum += elapsed
	if found {
		m.hits++
	} else {
		m.misses++
	}
	m.mu.Unlock()

	if found && corrupt(entry) {
		m.store.Delete(fp)
		m.mu.Lock()
		m.hits--
		m.misses++
		m.droppedCorrupt++
		m.mu.Unlock()
		logging.Component("respcache").Warn("dropped corrupt cache entry", "fingerprint", fp)
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		m.syncGauges()
		return Evaluation{Cacheable: true, Fingerprint: fp}
	}

	switch {
	case found:
		metrics.CacheLookups.WithLabelValues("hit").Inc()
	case expired:
		metrics.CacheLookups.WithLabelValues("expired").Inc()
	default:
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	}
	m.syncGauges()

	return Evaluation{
		Cacheable:   true,
		Cached:      found,
		Fingerprint: fp,
		Entry:       entry,
	}
}

// Record stores the completed backend result for a cacheable miss. Results
// without a fingerprintable request, and failed responses, are ignored.
func (m *Manager) Record(req backend.Request, result *backend.Result, now time.Time) {
	if result == nil || result.Status < 200 || result.Status >= 300 {
		return
	}
	if !cachekey.IsCacheable(req) {
		return
	}
	fp, err := cachekey.Fingerprint(req)
	if err != nil {
		return
	}

	m.store.Put(fp, &respcache.Entry{
		Body:       result.Body,
		Chunks:     result.Chunks,
		Status:     result.Status,
		Headers:    result.Headers,
		TokensUsed: result.TokensUsed,
		TTL:        m.ttl,
	}, now)

	m.mu.Lock()
	m.storedCount++
	m.mu.Unlock()
	m.syncGauges()
}

// Metrics returns the aggregate cache metrics. HitRate is 0 before the
// first lookup.
func (m *Manager) Metrics() Metrics {
	stats := m.store.Stats()

	m.mu.Lock()
	defer m.mu.Unlock()

	out := Metrics{
		TotalLookups:   m.totalLookups,
		Hits:           m.hits,
		Misses:         m.misses,
		ExpiredCount:   stats.ExpiredCount,
		EvictedCount:   stats.EvictedCount,
		TotalBytes:     stats.TotalBytes,
		Entries:        stats.Entries,
		StoredCount:    m.storedCount,
		DroppedCorrupt: m.droppedCorrupt,
	}
	if m.totalLookups > 0 {
		out.HitRate = float64(m.hits) / float64(m.totalLookups)
		out.AvgLookupTime = m.lookupTimeSum / time.Duration(m.totalLookups)
	}
	return out
}

// Reset reinitializes all counters and empties the underlying store.
// Used to isolate test runs.
func (m *Manager) Reset() {
	m.store.Clear()
	m.mu.Lock()
	m.totalLookups = 0
	m.hits = 0
	m.misses = 0
	m.storedCount = 0
	m.droppedCorrupt = 0
	m.lookupTimeSum = 0
	m.mu.Unlock()
	m.syncGauges()
}

func (m *Manager) syncGauges() {
	stats := m.store.Stats()
	metrics.CacheEntries.Set(float64(stats.Entries))
	metrics.CacheBytes.Set(float64(stats.TotalBytes))
}

// corrupt reports an entry that cannot be served: no replayable content at
// all, or a zero status. Such entries are treated as serialization failures.
func corrupt(e *respcache.Entry) bool {
	if e == nil {
		return true
	}
	if e.Status == 0 {
		return true
	}
	return len(e.Body) == 0 && len(e.Chunks) == 0
}
