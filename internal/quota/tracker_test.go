package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gatecore-ai/gatecore/internal/keycache"
	"github.com/gatecore-ai/gatecore/internal/keystore"
)

func newTestTracker(t *testing.T, limit int64) (*Tracker, *keystore.Memory) {
	t.Helper()
	store := keystore.NewMemory()
	err := store.PutKeyRecord(context.Background(), &keystore.KeyRecord{
		Key:             "gc-key",
		Name:            "tracker-test",
		TokenLimitPer5h: limit,
	})
	if err != nil {
		t.Fatalf("seed key: %v", err)
	}
	keys := keycache.New(store, time.Minute)
	return NewTracker(store, keys, 5*time.Hour, time.Hour), store
}

func TestReserveWithinQuota(t *testing.T) {
	tr, _ := newTestTracker(t, 1000)
	ctx := context.Background()
	now := time.Now()

	d, err := tr.Reserve(ctx, "gc-key", 100, now)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected allowed, got %+v", d)
	}
	if d.Remaining != 900 {
		t.Errorf("expected remaining 900, got %d", d.Remaining)
	}
}

func TestReserveExactFitAndOverage(t *testing.T) {
	tr, _ := newTestTracker(t, 1000)
	ctx := context.Background()
	now := time.Now()

	// Consume 950 in the trailing window.
	if err := tr.Commit(ctx, "gc-key", 950, now.Add(-time.Hour)); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// 100 over a 50 remainder is rejected.
	d, err := tr.Reserve(ctx, "gc-key", 100, now)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if d.Allowed || d.Reason != ReasonQuotaExceeded {
		t.Fatalf("expected quota_exceeded, got %+v", d)
	}
	if d.Remaining != 50 {
		t.Errorf("expected remaining 50, got %d", d.Remaining)
	}

	// Exact fit is allowed and drains the quota.
	d, err = tr.Reserve(ctx, "gc-key", 50, now)
	if err != nil {
		t.Fatalf("reserve exact fit: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected exact-fit reservation allowed, got %+v", d)
	}
	if d.Remaining != 0 {
		t.Errorf("expected remaining 0 after exact fit, got %d", d.Remaining)
	}

	// Even a single token beyond the drained quota rejects.
	d, err = tr.Reserve(ctx, "gc-key", 1, now)
	if err != nil {
		t.Fatalf("reserve after drain: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected rejection after quota drained, got %+v", d)
	}
}

func TestRollingWindowExcludesOldBuckets(t *testing.T) {
	tr, _ := newTestTracker(t, 1000)
	ctx := context.Background()
	now := time.Now().Truncate(time.Hour)

	if err := tr.Commit(ctx, "gc-key", 600, now.Add(-6*time.Hour)); err != nil {
		t.Fatalf("commit old: %v", err)
	}
	if err := tr.Commit(ctx, "gc-key", 300, now.Add(-2*time.Hour)); err != nil {
		t.Fatalf("commit recent: %v", err)
	}

	consumed, err := tr.Consumed(ctx, "gc-key", now)
	if err != nil {
		t.Fatalf("consumed: %v", err)
	}
	if consumed != 300 {
		t.Errorf("expected trailing-window consumption 300, got %d", consumed)
	}

	d, err := tr.Reserve(ctx, "gc-key", 700, now)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !d.Allowed {
		t.Errorf("expected old bucket outside window to be ignored, got %+v", d)
	}
}

func TestCommitSumsIntoSameBucket(t *testing.T) {
	tr, store := newTestTracker(t, 10000)
	ctx := context.Background()
	now := time.Now().Truncate(time.Hour).Add(10 * time.Minute)

	deltas := []int64{100, 250, 7}
	var want int64
	for _, d := range deltas {
		if err := tr.Commit(ctx, "gc-key", d, now); err != nil {
			t.Fatalf("commit %d: %v", d, err)
		}
		want += d
	}

	consumed, err := tr.Consumed(ctx, "gc-key", now)
	if err != nil {
		t.Fatalf("consumed: %v", err)
	}
	if consumed != want {
		t.Errorf("expected consumption %d, got %d", want, consumed)
	}

	// Persisted buckets agree with memory, in one hour-aligned bucket.
	buckets, err := store.ListUsageBuckets(ctx, "gc-key", now.Add(-5*time.Hour))
	if err != nil {
		t.Fatalf("list buckets: %v", err)
	}
	if len(buckets) != 1 || buckets[0].TokensUsed != want {
		t.Fatalf("expected single persisted bucket with %d tokens, got %+v", want, buckets)
	}
	if !buckets[0].WindowStart.Equal(now.Truncate(time.Hour).UTC()) {
		t.Errorf("expected hour-aligned bucket, got %v", buckets[0].WindowStart)
	}

	record, err := store.GetKeyRecord(ctx, "gc-key")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if record.TotalLifetimeTokens != want {
		t.Errorf("expected lifetime tokens %d, got %d", want, record.TotalLifetimeTokens)
	}
	if record.LastUsed == nil {
		t.Error("expected last_used set after commit")
	}
}

func TestExpiredKeyRejectsBeforeQuota(t *testing.T) {
	store := keystore.NewMemory()
	past := time.Now().Add(-time.Hour)
	err := store.PutKeyRecord(context.Background(), &keystore.KeyRecord{
		Key:             "gc-expired",
		TokenLimitPer5h: 1000,
		ExpiryDate:      &past,
	})
	if err != nil {
		t.Fatalf("seed key: %v", err)
	}
	tr := NewTracker(store, keycache.New(store, time.Minute), 0, 0)

	for _, est := range []int64{0, 1, 5000} {
		d, err := tr.Reserve(context.Background(), "gc-expired", est, time.Now())
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
		if d.Allowed || d.Reason != ReasonKeyExpired {
			t.Errorf("estimate %d: expected key_expired, got %+v", est, d)
		}
	}
}

func TestUnknownKeyRejects(t *testing.T) {
	tr, _ := newTestTracker(t, 1000)
	d, err := tr.Reserve(context.Background(), "nope", 10, time.Now())
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if d.Allowed || d.Reason != ReasonKeyNotFound {
		t.Errorf("expected key_not_found, got %+v", d)
	}
}

func TestFailClosedOnStoreOutage(t *testing.T) {
	tr, store := newTestTracker(t, 1000)
	store.SetFailing(true)

	d, err := tr.Reserve(context.Background(), "gc-key", 10, time.Now())
	if err == nil {
		t.Error("expected error surfaced on store outage")
	}
	if d.Allowed || d.Reason != ReasonStoreUnavailable {
		t.Errorf("expected store_unavailable rejection, got %+v", d)
	}
}

func TestPendingReservationsBlockDoubleSpend(t *testing.T) {
	tr, _ := newTestTracker(t, 1000)
	ctx := context.Background()
	now := time.Now()

	d, err := tr.Reserve(ctx, "gc-key", 600, now)
	if err != nil || !d.Allowed {
		t.Fatalf("first reserve: %+v %v", d, err)
	}

	// A second in-flight reservation sees the first as pending.
	d, err = tr.Reserve(ctx, "gc-key", 600, now)
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected pending reservation to block double-spend")
	}

	// Releasing the first makes room again.
	tr.Release("gc-key", 600)
	d, err = tr.Reserve(ctx, "gc-key", 600, now)
	if err != nil || !d.Allowed {
		t.Fatalf("reserve after release: %+v %v", d, err)
	}
}

func TestCommitReservedSwapsPendingForActual(t *testing.T) {
	tr, store := newTestTracker(t, 1000)
	ctx := context.Background()
	now := time.Now()

	d, err := tr.Reserve(ctx, "gc-key", 600, now)
	if err != nil || !d.Allowed {
		t.Fatalf("reserve: %+v %v", d, err)
	}
	if err := tr.CommitReserved(ctx, "gc-key", 600, 250, now); err != nil {
		t.Fatalf("commit reserved: %v", err)
	}

	consumed, err := tr.Consumed(ctx, "gc-key", now)
	if err != nil {
		t.Fatalf("consumed: %v", err)
	}
	if consumed != 250 {
		t.Errorf("expected consumption 250 after commit, got %d", consumed)
	}

	// The reservation is fully drained: the actual usage alone counts.
	d, err = tr.Reserve(ctx, "gc-key", 750, now)
	if err != nil || !d.Allowed {
		t.Fatalf("reserve after commit: %+v %v", d, err)
	}

	record, err := store.GetKeyRecord(ctx, "gc-key")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if record.TotalLifetimeTokens != 250 {
		t.Errorf("expected lifetime tokens 250, got %d", record.TotalLifetimeTokens)
	}
}

// gatedStore stalls the first usage-bucket write until released, exposing
// any moment where committed usage is visible to the store but not to
// concurrent reservations.
type gatedStore struct {
	*keystore.Memory
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedStore) UpsertUsageBucket(ctx context.Context, key string, windowStart time.Time, delta int64) error {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.Memory.UpsertUsageBucket(ctx, key, windowStart, delta)
}

func TestCommitReservedKeepsAdmittedUsageVisible(t *testing.T) {
	store := &gatedStore{
		Memory:  keystore.NewMemory(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	err := store.PutKeyRecord(context.Background(), &keystore.KeyRecord{
		Key:             "gc-key",
		TokenLimitPer5h: 1000,
	})
	if err != nil {
		t.Fatalf("seed key: %v", err)
	}
	tr := NewTracker(store, keycache.New(store, time.Minute), 5*time.Hour, time.Hour)

	ctx := context.Background()
	now := time.Now()

	d, err := tr.Reserve(ctx, "gc-key", 1000, now)
	if err != nil || !d.Allowed {
		t.Fatalf("reserve: %+v %v", d, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- tr.CommitReserved(ctx, "gc-key", 1000, 1000, now)
	}()
	<-store.entered

	// Mid-commit, while persistence is still in flight, the admitted
	// tokens must already count against the window.
	d, err = tr.Reserve(ctx, "gc-key", 1000, now)
	if err != nil {
		t.Fatalf("interleaved reserve: %v", err)
	}
	if d.Allowed {
		t.Fatal("interleaved reservation must see the committed usage, not an empty window")
	}

	close(store.release)
	if err := <-done; err != nil {
		t.Fatalf("commit reserved: %v", err)
	}

	consumed, err := tr.Consumed(ctx, "gc-key", now)
	if err != nil {
		t.Fatalf("consumed: %v", err)
	}
	if consumed != 1000 {
		t.Errorf("expected consumption 1000, got %d", consumed)
	}
}

func TestCommitReservedBooksIntoCompletionBucket(t *testing.T) {
	tr, store := newTestTracker(t, 10000)
	ctx := context.Background()
	admitted := time.Now().Truncate(time.Hour).Add(55 * time.Minute)
	completed := admitted.Add(10 * time.Minute)

	d, err := tr.Reserve(ctx, "gc-key", 500, admitted)
	if err != nil || !d.Allowed {
		t.Fatalf("reserve: %+v %v", d, err)
	}
	if err := tr.CommitReserved(ctx, "gc-key", 500, 500, completed); err != nil {
		t.Fatalf("commit reserved: %v", err)
	}

	// A call that crossed the hour boundary lands in the completion-time
	// bucket, so it stays in the rolling window for the full duration.
	buckets, err := store.ListUsageBuckets(ctx, "gc-key", admitted.Add(-5*time.Hour))
	if err != nil {
		t.Fatalf("list buckets: %v", err)
	}
	if len(buckets) != 1 {
		t.Fatalf("expected one bucket, got %+v", buckets)
	}
	if !buckets[0].WindowStart.Equal(completed.Truncate(time.Hour).UTC()) {
		t.Errorf("expected bucket at completion hour %v, got %v",
			completed.Truncate(time.Hour).UTC(), buckets[0].WindowStart)
	}
}

func TestConcurrentReservesNeverOversubscribe(t *testing.T) {
	tr, _ := newTestTracker(t, 1000)
	ctx := context.Background()
	now := time.Now()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := tr.Reserve(ctx, "gc-key", 100, now)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 10 {
		t.Errorf("expected exactly 10 admitted reservations of 100/1000, got %d", allowed)
	}
}

func TestGCPrunesOldBuckets(t *testing.T) {
	tr, store := newTestTracker(t, 1000)
	ctx := context.Background()
	now := time.Now()

	if err := store.UpsertUsageBucket(ctx, "gc-key", now.Add(-8*time.Hour).Truncate(time.Hour), 100); err != nil {
		t.Fatalf("seed old bucket: %v", err)
	}
	if err := tr.Commit(ctx, "gc-key", 50, now); err != nil {
		t.Fatalf("commit: %v", err)
	}

	removed, err := tr.GC(ctx, now)
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 pruned bucket, got %d", removed)
	}

	consumed, err := tr.Consumed(ctx, "gc-key", now)
	if err != nil {
		t.Fatalf("consumed after gc: %v", err)
	}
	if consumed != 50 {
		t.Errorf("expected live consumption 50 after gc, got %d", consumed)
	}
}
