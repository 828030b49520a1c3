package keystore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout. One hash per key record, one hash of
// windowStart→tokens per api key, and a set of known api keys so pruning
// can walk usage hashes without SCAN.
const (
	redisRecordPrefix = "gatecore:key:"
	redisUsagePrefix  = "gatecore:usage:"
	redisKeySet       = "gatecore:keys"
)

// RedisStore persists key records and usage buckets in Redis. Suitable when
// several gateway processes share quota state.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed store from an already configured client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// GetKeyRecord returns the record for key, or ErrKeyNotFound.
func (s *RedisStore) GetKeyRecord(ctx context.Context, key string) (*KeyRecord, error) {
	fields, err := s.client.HGetAll(ctx, redisRecordPrefix+key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: get key record: %v", ErrStoreUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrKeyNotFound
	}
	return recordFromFields(key, fields)
}

// PutKeyRecord creates or replaces a key record.
func (s *RedisStore) PutKeyRecord(ctx context.Context, record *KeyRecord) error {
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	fields := map[string]interface{}{
		"name":               record.Name,
		"model":              record.Model,
		"token_limit_per_5h": record.TokenLimitPer5h,
	}
	if record.ExpiryDate != nil {
		fields["expiry_date"] = record.ExpiryDate.UTC().Format(time.RFC3339Nano)
	} else {
		fields["expiry_date"] = ""
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, redisRecordPrefix+record.Key, fields)
	// Accounting fields are owned by the tracker; only seed them on create.
	pipe.HSetNX(ctx, redisRecordPrefix+record.Key, "created_at", createdAt.UTC().Format(time.RFC3339Nano))
	pipe.HSetNX(ctx, redisRecordPrefix+record.Key, "total_lifetime_tokens", 0)
	pipe.SAdd(ctx, redisKeySet, record.Key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: put key record: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// DeleteKeyRecord removes a record and cascades its usage buckets.
func (s *RedisStore) DeleteKeyRecord(ctx context.Context, key string) error {
	existed, err := s.client.Exists(ctx, redisRecordPrefix+key).Result()
	if err != nil {
		return fmt.Errorf("%w: delete key record: %v", ErrStoreUnavailable, err)
	}
	if existed == 0 {
		return ErrKeyNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, redisRecordPrefix+key, redisUsagePrefix+key)
	pipe.SRem(ctx, redisKeySet, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: delete key record: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// UpsertUsageBucket increments the bucket at windowStart by delta.
func (s *RedisStore) UpsertUsageBucket(ctx context.Context, key string, windowStart time.Time, delta int64) error {
	field := strconv.FormatInt(windowStart.UTC().Unix(), 10)
	if err := s.client.HIncrBy(ctx, redisUsagePrefix+key, field, delta).Err(); err != nil {
		return fmt.Errorf("%w: upsert usage bucket: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// SumUsageSince returns total tokens over buckets with windowStart >= since.
func (s *RedisStore) SumUsageSince(ctx context.Context, key string, since time.Time) (int64, error) {
	buckets, err := s.ListUsageBuckets(ctx, key, since)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, b := range buckets {
		sum += b.TokensUsed
	}
	return sum, nil
}

// ListUsageBuckets returns the buckets for key with windowStart >= since.
func (s *RedisStore) ListUsageBuckets(ctx context.Context, key string, since time.Time) ([]UsageBucket, error) {
	fields, err := s.client.HGetAll(ctx, redisUsagePrefix+key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list usage buckets: %v", ErrStoreUnavailable, err)
	}

	cutoff := since.UTC().Unix()
	var out []UsageBucket
	for field, value := range fields {
		start, perr := strconv.ParseInt(field, 10, 64)
		if perr != nil || start < cutoff {
			continue
		}
		tokens, perr := strconv.ParseInt(value, 10, 64)
		if perr != nil {
			continue
		}
		out = append(out, UsageBucket{
			APIKey:      key,
			WindowStart: time.Unix(start, 0).UTC(),
			TokensUsed:  tokens,
		})
	}
	sortBuckets(out)
	return out, nil
}

// UpdateKeyTotals adds lifetimeDelta to the lifetime counter and stamps lastUsed.
func (s *RedisStore) UpdateKeyTotals(ctx context.Context, key string, lifetimeDelta int64, lastUsed time.Time) error {
	existed, err := s.client.Exists(ctx, redisRecordPrefix+key).Result()
	if err != nil {
		return fmt.Errorf("%w: update key totals: %v", ErrStoreUnavailable, err)
	}
	if existed == 0 {
		return ErrKeyNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, redisRecordPrefix+key, "total_lifetime_tokens", lifetimeDelta)
	pipe.HSet(ctx, redisRecordPrefix+key, "last_used", lastUsed.UTC().Format(time.RFC3339Nano))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: update key totals: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// PruneUsageBuckets deletes buckets with windowStart < olderThan.
func (s *RedisStore) PruneUsageBuckets(ctx context.Context, olderThan time.Time) (int64, error) {
	keys, err := s.client.SMembers(ctx, redisKeySet).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: prune usage buckets: %v", ErrStoreUnavailable, err)
	}

	cutoff := olderThan.UTC().Unix()
	var removed int64
	for _, key := range keys {
		fields, err := s.client.HKeys(ctx, redisUsagePrefix+key).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: prune usage buckets: %v", ErrStoreUnavailable, err)
		}
		var stale []string
		for _, field := range fields {
			start, perr := strconv.ParseInt(field, 10, 64)
			if perr == nil && start < cutoff {
				stale = append(stale, field)
			}
		}
		if len(stale) == 0 {
			continue
		}
		n, err := s.client.HDel(ctx, redisUsagePrefix+key, stale...).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: prune usage buckets: %v", ErrStoreUnavailable, err)
		}
		removed += n
	}
	return removed, nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func recordFromFields(key string, fields map[string]string) (*KeyRecord, error) {
	r := &KeyRecord{
		Key:   key,
		Name:  fields["name"],
		Model: fields["model"],
	}

	var err error
	if v := fields["token_limit_per_5h"]; v != "" {
		if r.TokenLimitPer5h, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("%w: corrupt token limit for %s: %v", ErrStoreUnavailable, key, err)
		}
	}
	if v := fields["total_lifetime_tokens"]; v != "" {
		if r.TotalLifetimeTokens, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("%w: corrupt lifetime tokens for %s: %v", ErrStoreUnavailable, key, err)
		}
	}
	if v := fields["created_at"]; v != "" {
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("%w: corrupt created_at for %s: %v", ErrStoreUnavailable, key, err)
		}
	}
	if v := fields["expiry_date"]; v != "" {
		t, perr := time.Parse(time.RFC3339Nano, v)
		if perr != nil {
			return nil, fmt.Errorf("%w: corrupt expiry_date for %s: %v", ErrStoreUnavailable, key, perr)
		}
		r.ExpiryDate = &t
	}
	if v := fields["last_used"]; v != "" {
		t, perr := time.Parse(time.RFC3339Nano, v)
		if perr != nil {
			return nil, fmt.Errorf("%w: corrupt last_used for %s: %v", ErrStoreUnavailable, key, perr)
		}
		r.LastUsed = &t
	}
	return r, nil
}
