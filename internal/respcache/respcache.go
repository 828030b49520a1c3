// Package respcache provides the bounded in-memory LRU+TTL store of cached
// backend responses. Entries are purely ephemeral: they have no persistence
// and no relationship to key records.
package respcache

import (
	"container/list"
	"net/http"
	"sync"
	"time"

	"github.com/gatecore-ai/gatecore/internal/metrics"
)

// Entry is a cached backend response. Body holds the buffered response;
// Chunks holds recorded stream frames for streaming requests so a hit can
// replay the exact byte sequence without touching the backend.
type Entry struct {
	Fingerprint    string
	Body           []byte
	Chunks         [][]byte
	Status         int
	Headers        http.Header
	TokensUsed     int
	TTL            time.Duration
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int64
}

// SizeBytes returns the serialized size of the entry's body and headers,
// used for memory-pressure accounting only.
func (e *Entry) SizeBytes() int64 {
	var n int64
	n += int64(len(e.Body))
	for _, c := range e.Chunks {
		n += int64(len(c))
	}
	for k, vs := range e.Headers {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

func (e *Entry) expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL
}

// Stats is a point-in-time view of the store's counters.
type Stats struct {
	Entries      int
	TotalBytes   int64
	ExpiredCount int64
	EvictedCount int64
}

// Store is a thread-safe LRU cache with per-entry TTL. The entry count never
// exceeds maxSize; inserting into a full store evicts exactly one entry, the
// least recently used.
type Store struct {
	mu         sync.Mutex
	maxSize    int
	defaultTTL time.Duration
	items      map[string]*list.Element
	evictList  *list.List

	totalBytes   int64
	expiredCount int64
	evictedCount int64
}

// New creates a Store bounded at maxSize entries. defaultTTL applies to
// entries inserted without an explicit TTL.
func New(maxSize int, defaultTTL time.Duration) *Store {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Store{
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
		items:      make(map[string]*list.Element),
		evictList:  list.New(),
	}
}

// Put inserts or replaces the entry for key and stamps CreatedAt and TTL.
// A replaced key moves to the most-recently-used position; a fresh insert
// into a full store evicts the least-recently-used entry first.
func (s *Store) Put(key string, entry *Entry, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.Fingerprint = key
	entry.CreatedAt = now
	entry.LastAccessedAt = now
	if entry.TTL <= 0 {
		entry.TTL = s.defaultTTL
	}

	if elem, ok := s.items[key]; ok {
		old := elem.Value.(*Entry)
		s.totalBytes -= old.SizeBytes()
		elem.Value = entry
		s.totalBytes += entry.SizeBytes()
		s.evictList.MoveToFront(elem)
		return
	}

	if s.evictList.Len() >= s.maxSize {
		s.removeOldest()
	}

	elem := s.evictList.PushFront(entry)
	s.items[key] = elem
	s.totalBytes += entry.SizeBytes()
}

// Get returns the live entry for key at time now. An entry past its TTL is
// removed, counted as expired, and reported as (nil, false, true). A live
// hit updates LastAccessedAt, increments AccessCount, and promotes the entry
// to most-recently-used.
func (s *Store) Get(key string, now time.Time) (entry *Entry, found bool, expired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		return nil, false, false
	}

	e := elem.Value.(*Entry)
	if e.expired(now) {
		s.removeElement(elem)
		s.expiredCount++
		return nil, false, true
	}

	e.LastAccessedAt = now
	e.AccessCount++
	s.evictList.MoveToFront(elem)
	return e, true, false
}

// Delete removes the entry for key if present.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.items[key]; ok {
		s.removeElement(elem)
	}
}

// Len returns the number of entries currently held, including entries whose
// TTL has lapsed but which have not been touched since.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictList.Len()
}

// Stats returns the store's current counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Entries:      s.evictList.Len(),
		TotalBytes:   s.totalBytes,
		ExpiredCount: s.expiredCount,
		EvictedCount: s.evictedCount,
	}
}

// Clear removes all entries and resets the counters.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*list.Element)
	s.evictList.Init()
	s.totalBytes = 0
	s.expiredCount = 0
	s.evictedCount = 0
}

func (s *Store) removeOldest() {
	elem := s.evictList.Back()
	if elem != nil {
		s.removeElement(elem)
		s.evictedCount++
		metrics.CacheEvictions.Inc()
	}
}

func (s *Store) removeElement(elem *list.Element) {
	s.evictList.Remove(elem)
	e := elem.Value.(*Entry)
	delete(s.items, e.Fingerprint)
	s.totalBytes -= e.SizeBytes()
}
