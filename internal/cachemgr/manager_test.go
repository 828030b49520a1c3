package cachemgr

import (
	"net/http"
	"testing"
	"time"

	"github.com/gatecore-ai/gatecore/backend"
)

func floatPtr(f float64) *float64 { return &f }

func cacheableRequest(content string) backend.Request {
	return backend.Request{
		Model:       "gpt-4o",
		Messages:    []backend.Message{{Role: backend.RoleUser, Content: content}},
		Temperature: floatPtr(0),
	}
}

func okResult(body string) *backend.Result {
	return &backend.Result{
		Body:       []byte(body),
		Status:     200,
		Headers:    http.Header{"Content-Type": []string{"application/json"}},
		TokensUsed: 42,
	}
}

func TestEvaluateMissThenHit(t *testing.T) {
	m := New(10, time.Minute)
	now := time.Now()
	req := cacheableRequest("hello")

	ev := m.Evaluate(req, now)
	if !ev.Cacheable || ev.Cached {
		t.Fatalf("expected cacheable miss, got %+v", ev)
	}
	if ev.Fingerprint == "" {
		t.Fatal("expected fingerprint on cacheable request")
	}

	m.Record(req, okResult(`{"id":"r1"}`), now)

	ev = m.Evaluate(req, now)
	if !ev.Cached {
		t.Fatalf("expected hit after record, got %+v", ev)
	}
	if string(ev.Entry.Body) != `{"id":"r1"}` {
		t.Errorf("unexpected cached body %s", ev.Entry.Body)
	}
	if ev.Entry.AccessCount != 1 {
		t.Errorf("expected access count 1, got %d", ev.Entry.AccessCount)
	}

	mm := m.Metrics()
	if mm.TotalLookups != 2 || mm.Hits != 1 || mm.Misses != 1 {
		t.Errorf("unexpected counters %+v", mm)
	}
	if mm.HitRate != 0.5 {
		t.Errorf("expected hit rate 0.5, got %v", mm.HitRate)
	}
}

func TestEvaluateNonCacheableBypasses(t *testing.T) {
	m := New(10, time.Minute)
	req := cacheableRequest("hi")
	req.Temperature = floatPtr(0.9)

	ev := m.Evaluate(req, time.Now())
	if ev.Cacheable || ev.Cached {
		t.Fatalf("expected bypass, got %+v", ev)
	}
	if m.Metrics().TotalLookups != 0 {
		t.Error("bypass must not count as a lookup")
	}
}

func TestRecordSkipsFailedResponses(t *testing.T) {
	m := New(10, time.Minute)
	now := time.Now()
	req := cacheableRequest("boom")

	m.Record(req, &backend.Result{Status: 500, Body: []byte("err")}, now)
	if ev := m.Evaluate(req, now); ev.Cached {
		t.Error("failed responses must not be cached")
	}
}

func TestExpiredEntryCountsAndRemoves(t *testing.T) {
	m := New(10, 10*time.Second)
	now := time.Now()
	req := cacheableRequest("stale")

	m.Record(req, okResult("x"), now)

	ev := m.Evaluate(req, now.Add(11*time.Second))
	if ev.Cached {
		t.Fatal("expected expired entry to miss")
	}
	mm := m.Metrics()
	if mm.ExpiredCount != 1 {
		t.Errorf("expected expiredCount 1, got %d", mm.ExpiredCount)
	}
	if mm.Entries != 0 {
		t.Errorf("expected expired entry removed, %d entries remain", mm.Entries)
	}
}

func TestCorruptEntryDegradesToMiss(t *testing.T) {
	m := New(10, time.Minute)
	now := time.Now()
	req := cacheableRequest("corrupt")

	// A successful result with an empty body round-trips as a corrupt entry.
	m.Record(req, &backend.Result{Status: 200}, now)

	ev := m.Evaluate(req, now)
	if ev.Cached {
		t.Fatal("expected corrupt entry to degrade to a miss")
	}
	if !ev.Cacheable || ev.Fingerprint == "" {
		t.Fatalf("request must remain cacheable after corrupt drop, got %+v", ev)
	}
	mm := m.Metrics()
	if mm.DroppedCorrupt != 1 {
		t.Errorf("expected 1 corrupt drop, got %d", mm.DroppedCorrupt)
	}
	if mm.Hits != 0 || mm.Misses != 1 {
		t.Errorf("corrupt hit must be recounted as a miss: %+v", mm)
	}
}

func TestStreamingResultReplayable(t *testing.T) {
	m := New(10, time.Minute)
	now := time.Now()
	req := cacheableRequest("stream me")
	req.Stream = true

	m.Record(req, &backend.Result{
		Status:  200,
		Chunks:  [][]byte{[]byte(`data: {"delta":"a"}`), []byte(`data: [DONE]`)},
		Headers: http.Header{"Content-Type": []string{"text/event-stream"}},
	}, now)

	ev := m.Evaluate(req, now)
	if !ev.Cached {
		t.Fatal("expected streaming hit")
	}
	if len(ev.Entry.Chunks) != 2 {
		t.Errorf("expected 2 replayable chunks, got %d", len(ev.Entry.Chunks))
	}
}

func TestReset(t *testing.T) {
	m := New(10, time.Minute)
	now := time.Now()
	req := cacheableRequest("reset")

	m.Record(req, okResult("x"), now)
	m.Evaluate(req, now)
	m.Reset()

	mm := m.Metrics()
	if mm.TotalLookups != 0 || mm.Hits != 0 || mm.Entries != 0 || mm.TotalBytes != 0 {
		t.Errorf("expected zeroed metrics after reset, got %+v", mm)
	}
	if ev := m.Evaluate(req, now); ev.Cached {
		t.Error("expected empty store after reset")
	}
}
