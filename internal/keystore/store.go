// Package keystore provides durable storage of provisioned API key records
// and their rolling-window usage buckets. Backends: SQLite, Postgres, Redis,
// and an in-memory store for tests and embedded use.
package keystore

import (
	"context"
	"errors"
	"sort"
	"time"
)

// Storage errors. ErrStoreUnavailable wraps backend failures so callers can
// stay fail-closed without inspecting driver-specific errors.
var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrStoreUnavailable = errors.New("key store unavailable")
)

// KeyRecord is a provisioned API key with its token quota configuration.
type KeyRecord struct {
	Key                 string     `json:"key"`
	Name                string     `json:"name"`
	Model               string     `json:"model,omitempty"` // optional model constraint
	TokenLimitPer5h     int64      `json:"token_limit_per_5h"`
	ExpiryDate          *time.Time `json:"expiry_date,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	LastUsed            *time.Time `json:"last_used,omitempty"`
	TotalLifetimeTokens int64      `json:"total_lifetime_tokens"`
}

// Expired reports whether the record's expiry date has passed at now.
func (r *KeyRecord) Expired(now time.Time) bool {
	return r.ExpiryDate != nil && now.After(*r.ExpiryDate)
}

// UsageBucket is a coarse time-aligned accumulator of consumed tokens.
// WindowStart is truncated to the bucket granularity; TokensUsed only grows.
type UsageBucket struct {
	APIKey      string    `json:"api_key"`
	WindowStart time.Time `json:"window_start"`
	TokensUsed  int64     `json:"tokens_used"`
}

// Store is the durable key and usage storage consumed by the quota tracker
// and the key record cache. Implementations must be safe for concurrent use.
type Store interface {
	// GetKeyRecord returns the record for key, or ErrKeyNotFound.
	GetKeyRecord(ctx context.Context, key string) (*KeyRecord, error)

	// PutKeyRecord creates or replaces a key record.
	PutKeyRecord(ctx context.Context, record *KeyRecord) error

	// DeleteKeyRecord removes a key record and cascades its usage buckets.
	DeleteKeyRecord(ctx context.Context, key string) error

	// UpsertUsageBucket increments the bucket at windowStart by delta,
	// creating it when absent. delta must be non-negative.
	UpsertUsageBucket(ctx context.Context, key string, windowStart time.Time, delta int64) error

	// SumUsageSince returns the total tokens used by key across buckets with
	// WindowStart >= since.
	SumUsageSince(ctx context.Context, key string, since time.Time) (int64, error)

	// ListUsageBuckets returns the buckets for key with WindowStart >= since,
	// ordered by WindowStart ascending.
	ListUsageBuckets(ctx context.Context, key string, since time.Time) ([]UsageBucket, error)

	// UpdateKeyTotals adds lifetimeDelta to the record's lifetime counter and
	// stamps lastUsed.
	UpdateKeyTotals(ctx context.Context, key string, lifetimeDelta int64, lastUsed time.Time) error

	// PruneUsageBuckets deletes buckets with WindowStart < olderThan across
	// all keys and returns the number removed.
	PruneUsageBuckets(ctx context.Context, olderThan time.Time) (int64, error)

	// Close releases backend resources.
	Close() error
}

func sortBuckets(buckets []UsageBucket) {
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].WindowStart.Before(buckets[j].WindowStart)
	})
}
