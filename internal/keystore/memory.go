package keystore

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-memory Store for tests and embedded single-process use.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*KeyRecord
	// buckets[key][windowStart.Unix()] = tokens
	buckets map[string]map[int64]int64

	// failing simulates an unreachable backend; every operation returns
	// ErrStoreUnavailable while set. Used to exercise fail-closed paths.
	failing bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*KeyRecord),
		buckets: make(map[string]map[int64]int64),
	}
}

// SetFailing toggles simulated backend unavailability.
func (m *Memory) SetFailing(failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = failing
}

func (m *Memory) checkUp() error {
	if m.failing {
		return ErrStoreUnavailable
	}
	return nil
}

// GetKeyRecord returns a copy of the record for key, or ErrKeyNotFound.
func (m *Memory) GetKeyRecord(_ context.Context, key string) (*KeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkUp(); err != nil {
		return nil, err
	}
	r, ok := m.records[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *r
	return &cp, nil
}

// PutKeyRecord creates or replaces a key record.
func (m *Memory) PutKeyRecord(_ context.Context, record *KeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkUp(); err != nil {
		return err
	}
	cp := *record
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if existing, ok := m.records[cp.Key]; ok {
		// Create/update preserves accounting fields owned by the tracker.
		cp.CreatedAt = existing.CreatedAt
		cp.LastUsed = existing.LastUsed
		cp.TotalLifetimeTokens = existing.TotalLifetimeTokens
	}
	m.records[cp.Key] = &cp
	return nil
}

// DeleteKeyRecord removes a record and cascades its usage buckets.
func (m *Memory) DeleteKeyRecord(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkUp(); err != nil {
		return err
	}
	if _, ok := m.records[key]; !ok {
		return ErrKeyNotFound
	}
	delete(m.records, key)
	delete(m.buckets, key)
	return nil
}

// UpsertUsageBucket increments the bucket at windowStart by delta.
func (m *Memory) UpsertUsageBucket(_ context.Context, key string, windowStart time.Time, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkUp(); err != nil {
		return err
	}
	kb, ok := m.buckets[key]
	if !ok {
		kb = make(map[int64]int64)
		m.buckets[key] = kb
	}
	kb[windowStart.UTC().Unix()] += delta
	return nil
}

// SumUsageSince returns total tokens over buckets with windowStart >= since.
func (m *Memory) SumUsageSince(_ context.Context, key string, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkUp(); err != nil {
		return 0, err
	}
	var sum int64
	cutoff := since.UTC().Unix()
	for start, tokens := range m.buckets[key] {
		if start >= cutoff {
			sum += tokens
		}
	}
	return sum, nil
}

// ListUsageBuckets returns the buckets for key with windowStart >= since.
func (m *Memory) ListUsageBuckets(_ context.Context, key string, since time.Time) ([]UsageBucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkUp(); err != nil {
		return nil, err
	}
	cutoff := since.UTC().Unix()
	var out []UsageBucket
	for start, tokens := range m.buckets[key] {
		if start >= cutoff {
			out = append(out, UsageBucket{
				APIKey:      key,
				WindowStart: time.Unix(start, 0).UTC(),
				TokensUsed:  tokens,
			})
		}
	}
	sortBuckets(out)
	return out, nil
}

// UpdateKeyTotals adds lifetimeDelta to the lifetime counter and stamps lastUsed.
func (m *Memory) UpdateKeyTotals(_ context.Context, key string, lifetimeDelta int64, lastUsed time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkUp(); err != nil {
		return err
	}
	r, ok := m.records[key]
	if !ok {
		return ErrKeyNotFound
	}
	r.TotalLifetimeTokens += lifetimeDelta
	t := lastUsed.UTC()
	r.LastUsed = &t
	return nil
}

// PruneUsageBuckets deletes buckets with windowStart < olderThan.
func (m *Memory) PruneUsageBuckets(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkUp(); err != nil {
		return 0, err
	}
	cutoff := olderThan.UTC().Unix()
	var removed int64
	for _, kb := range m.buckets {
		for start := range kb {
			if start < cutoff {
				delete(kb, start)
				removed++
			}
		}
	}
	return removed, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }
