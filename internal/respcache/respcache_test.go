package respcache

import (
	"net/http"
	"sync"
	"testing"
	"time"
)

func newEntry(body string) *Entry {
	return &Entry{
		Body:    []byte(body),
		Status:  200,
		Headers: http.Header{"Content-Type": []string{"application/json"}},
		TTL:     time.Minute,
	}
}

func TestPutAndGet(t *testing.T) {
	s := New(10, time.Minute)
	now := time.Now()

	s.Put("k1", newEntry("hello"), now)
	e, found, expired := s.Get("k1", now)
	if !found || expired {
		t.Fatalf("expected hit, got found=%v expired=%v", found, expired)
	}
	if string(e.Body) != "hello" {
		t.Errorf("expected body hello, got %s", e.Body)
	}
	if e.AccessCount != 1 {
		t.Errorf("expected access count 1, got %d", e.AccessCount)
	}
}

func TestGetMiss(t *testing.T) {
	s := New(10, time.Minute)
	if _, found, expired := s.Get("missing", time.Now()); found || expired {
		t.Errorf("expected clean miss, got found=%v expired=%v", found, expired)
	}
}

func TestTTLExpiration(t *testing.T) {
	s := New(10, time.Minute)
	now := time.Now()
	e := newEntry("stale")
	e.TTL = 10 * time.Second
	s.Put("k1", e, now)

	_, found, expired := s.Get("k1", now.Add(11*time.Second))
	if found {
		t.Error("expected miss after TTL")
	}
	if !expired {
		t.Error("expected expired flag")
	}
	if s.Len() != 0 {
		t.Errorf("expected entry removed, len %d", s.Len())
	}
	if got := s.Stats().ExpiredCount; got != 1 {
		t.Errorf("expected expiredCount 1, got %d", got)
	}

	// Exactly at TTL the entry is still live.
	s.Put("k2", &Entry{Body: []byte("edge"), TTL: 10 * time.Second}, now)
	if _, found, _ := s.Get("k2", now.Add(10*time.Second)); !found {
		t.Error("entry exactly at TTL boundary should still be live")
	}
}

func TestLRUEviction(t *testing.T) {
	s := New(2, time.Minute)
	now := time.Now()
	s.Put("a", newEntry("a"), now)
	s.Put("b", newEntry("b"), now.Add(time.Second))
	s.Put("c", newEntry("c"), now.Add(2*time.Second)) // evicts "a"

	if _, found, _ := s.Get("a", now.Add(3*time.Second)); found {
		t.Error("expected 'a' to be evicted")
	}
	if _, found, _ := s.Get("b", now.Add(3*time.Second)); !found {
		t.Error("expected 'b' present")
	}
	if _, found, _ := s.Get("c", now.Add(3*time.Second)); !found {
		t.Error("expected 'c' present")
	}
	if s.Len() > 2 {
		t.Errorf("size %d exceeds max 2", s.Len())
	}
	if got := s.Stats().EvictedCount; got != 1 {
		t.Errorf("expected exactly one eviction, got %d", got)
	}
}

func TestLRUAccessOrder(t *testing.T) {
	s := New(2, time.Minute)
	now := time.Now()
	s.Put("a", newEntry("a"), now)
	s.Put("b", newEntry("b"), now)

	s.Get("a", now.Add(time.Second)) // "b" is now LRU

	s.Put("c", newEntry("c"), now.Add(2*time.Second)) // evicts "b"

	if _, found, _ := s.Get("a", now.Add(3*time.Second)); !found {
		t.Error("expected recently accessed 'a' present")
	}
	if _, found, _ := s.Get("b", now.Add(3*time.Second)); found {
		t.Error("expected LRU 'b' evicted")
	}
}

func TestReplaceMovesToFront(t *testing.T) {
	s := New(2, time.Minute)
	now := time.Now()
	s.Put("a", newEntry("a1"), now)
	s.Put("b", newEntry("b"), now)
	s.Put("a", newEntry("a2"), now.Add(time.Second)) // replace, promote

	s.Put("c", newEntry("c"), now.Add(2*time.Second)) // evicts "b"

	e, found, _ := s.Get("a", now.Add(3*time.Second))
	if !found || string(e.Body) != "a2" {
		t.Errorf("expected replaced entry a2 present, found=%v", found)
	}
	if _, found, _ := s.Get("b", now.Add(3*time.Second)); found {
		t.Error("expected 'b' evicted")
	}
	if s.Len() != 2 {
		t.Errorf("expected len 2, got %d", s.Len())
	}
}

func TestByteAccounting(t *testing.T) {
	s := New(10, time.Minute)
	now := time.Now()

	e := &Entry{
		Body:    []byte("12345678"),
		Headers: http.Header{"X": []string{"y"}},
		TTL:     time.Minute,
	}
	s.Put("k", e, now)
	want := e.SizeBytes()
	if got := s.Stats().TotalBytes; got != want {
		t.Errorf("expected %d bytes accounted, got %d", want, got)
	}

	s.Delete("k")
	if got := s.Stats().TotalBytes; got != 0 {
		t.Errorf("expected 0 bytes after delete, got %d", got)
	}
}

func TestStreamingChunksAccounted(t *testing.T) {
	s := New(10, time.Minute)
	now := time.Now()
	e := &Entry{
		Chunks: [][]byte{[]byte("frame-1"), []byte("frame-2")},
		TTL:    time.Minute,
	}
	s.Put("stream", e, now)

	got, found, _ := s.Get("stream", now)
	if !found {
		t.Fatal("expected streaming entry present")
	}
	if len(got.Chunks) != 2 || string(got.Chunks[0]) != "frame-1" {
		t.Errorf("expected recorded chunks replayable, got %v", got.Chunks)
	}
	if s.Stats().TotalBytes != 14 {
		t.Errorf("expected 14 chunk bytes accounted, got %d", s.Stats().TotalBytes)
	}
}

func TestClear(t *testing.T) {
	s := New(10, time.Minute)
	now := time.Now()
	s.Put("a", newEntry("a"), now)
	s.Put("b", newEntry("b"), now)
	s.Clear()

	if s.Len() != 0 {
		t.Errorf("expected empty store after clear, len %d", s.Len())
	}
	if st := s.Stats(); st.TotalBytes != 0 || st.EvictedCount != 0 || st.ExpiredCount != 0 {
		t.Errorf("expected zeroed stats after clear, got %+v", st)
	}
}

func TestConcurrent(_ *testing.T) {
	s := New(100, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i%26))
			s.Put(key, newEntry(key), time.Now())
			s.Get(key, time.Now())
			s.Stats()
		}(i)
	}
	wg.Wait()
}
