package keycache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gatecore-ai/gatecore/internal/keystore"
)

func seedStore(t *testing.T) *keystore.Memory {
	t.Helper()
	store := keystore.NewMemory()
	err := store.PutKeyRecord(context.Background(), &keystore.KeyRecord{
		Key:             "gc-test",
		Name:            "test",
		TokenLimitPer5h: 1000,
	})
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}
	return store
}

func TestLookupReadThrough(t *testing.T) {
	store := seedStore(t)
	cache := New(store, time.Minute)
	ctx := context.Background()

	record, err := cache.Lookup(ctx, "gc-test")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if record.Name != "test" {
		t.Errorf("expected record name test, got %s", record.Name)
	}

	// Second lookup is served from cache even if the store goes away.
	store.SetFailing(true)
	if _, err := cache.Lookup(ctx, "gc-test"); err != nil {
		t.Errorf("expected cached lookup to succeed, got %v", err)
	}

	hits, misses := cache.Counters()
	if hits != 1 || misses != 1 {
		t.Errorf("expected 1 hit / 1 miss, got %d / %d", hits, misses)
	}
}

func TestLookupNotFoundNotCached(t *testing.T) {
	store := keystore.NewMemory()
	cache := New(store, time.Minute)
	ctx := context.Background()

	if _, err := cache.Lookup(ctx, "absent"); !errors.Is(err, keystore.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}

	// Creating the key afterwards must be visible immediately.
	_ = store.PutKeyRecord(ctx, &keystore.KeyRecord{Key: "absent", Name: "late"})
	record, err := cache.Lookup(ctx, "absent")
	if err != nil {
		t.Fatalf("lookup after create: %v", err)
	}
	if record.Name != "late" {
		t.Errorf("expected late record, got %s", record.Name)
	}
}

func TestInvalidate(t *testing.T) {
	store := seedStore(t)
	cache := New(store, time.Minute)
	ctx := context.Background()

	if _, err := cache.Lookup(ctx, "gc-test"); err != nil {
		t.Fatalf("warm lookup: %v", err)
	}

	updated := &keystore.KeyRecord{Key: "gc-test", Name: "renamed", TokenLimitPer5h: 2000}
	if err := store.PutKeyRecord(ctx, updated); err != nil {
		t.Fatalf("update record: %v", err)
	}
	cache.Invalidate("gc-test")

	record, err := cache.Lookup(ctx, "gc-test")
	if err != nil {
		t.Fatalf("lookup after invalidate: %v", err)
	}
	if record.Name != "renamed" {
		t.Errorf("expected renamed record after invalidate, got %s", record.Name)
	}
}

func TestExpiredEntryReloads(t *testing.T) {
	store := seedStore(t)
	cache := New(store, time.Millisecond)
	ctx := context.Background()

	if _, err := cache.Lookup(ctx, "gc-test"); err != nil {
		t.Fatalf("warm lookup: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	store.SetFailing(true)
	if _, err := cache.Lookup(ctx, "gc-test"); !errors.Is(err, keystore.ErrStoreUnavailable) {
		t.Errorf("expected reload to hit failing store, got %v", err)
	}
}

func TestConcurrentLookups(t *testing.T) {
	store := seedStore(t)
	cache := New(store, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Lookup(context.Background(), "gc-test"); err != nil {
				t.Errorf("concurrent lookup: %v", err)
			}
		}()
	}
	wg.Wait()
}
