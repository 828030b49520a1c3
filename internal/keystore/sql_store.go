package keystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	// Register Postgres SQL driver.
	_ "github.com/lib/pq"
	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"
)

type sqlDialect string

const (
	dialectSQLite   sqlDialect = "sqlite"
	dialectPostgres sqlDialect = "postgres"
)

// SQLStore persists key records and usage buckets in SQL backends
// (SQLite or Postgres).
type SQLStore struct {
	db      *sql.DB
	dialect sqlDialect
}

// NewSQLiteStore creates a SQLite-backed store.
// dsn can be a file path (e.g. /var/lib/gatecore/keys.db) or SQLite DSN.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "gatecore-keys.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite key store: %w", err)
	}
	store := &SQLStore{db: db, dialect: dialectSQLite}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres key store: %w", err)
	}
	store := &SQLStore{db: db, dialect: dialectPostgres}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s key store: %w", s.dialect, err)
	}

	var ddl string
	switch s.dialect {
	case dialectPostgres:
		ddl = `
CREATE TABLE IF NOT EXISTS api_keys (
	key TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	token_limit_per_5h BIGINT NOT NULL,
	expiry_date TIMESTAMPTZ NULL,
	created_at TIMESTAMPTZ NOT NULL,
	last_used TIMESTAMPTZ NULL,
	total_lifetime_tokens BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS usage_buckets (
	api_key TEXT NOT NULL,
	window_start TIMESTAMPTZ NOT NULL,
	tokens_used BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (api_key, window_start)
);
CREATE INDEX IF NOT EXISTS idx_usage_buckets_window ON usage_buckets(window_start);`
	default:
		ddl = `
CREATE TABLE IF NOT EXISTS api_keys (
	key TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	token_limit_per_5h INTEGER NOT NULL,
	expiry_date DATETIME NULL,
	created_at DATETIME NOT NULL,
	last_used DATETIME NULL,
	total_lifetime_tokens INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS usage_buckets (
	api_key TEXT NOT NULL,
	window_start DATETIME NOT NULL,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (api_key, window_start)
);
CREATE INDEX IF NOT EXISTS idx_usage_buckets_window ON usage_buckets(window_start);`
	}

	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize %s key store schema: %w", s.dialect, err)
	}
	return nil
}

// GetKeyRecord returns the record for key, or ErrKeyNotFound.
func (s *SQLStore) GetKeyRecord(ctx context.Context, key string) (*KeyRecord, error) {
	q := s.bind(`
SELECT key, name, model, token_limit_per_5h, expiry_date, created_at, last_used, total_lifetime_tokens
FROM api_keys
WHERE key = ?`)

	var (
		r        KeyRecord
		expiry   sql.NullTime
		lastUsed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, q, key).Scan(
		&r.Key, &r.Name, &r.Model, &r.TokenLimitPer5h, &expiry, &r.CreatedAt, &lastUsed, &r.TotalLifetimeTokens,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get key record: %v", ErrStoreUnavailable, err)
	}
	if expiry.Valid {
		t := expiry.Time
		r.ExpiryDate = &t
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		r.LastUsed = &t
	}
	return &r, nil
}

// PutKeyRecord creates or replaces a key record.
func (s *SQLStore) PutKeyRecord(ctx context.Context, record *KeyRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	var q string
	if s.dialect == dialectPostgres {
		q = `
INSERT INTO api_keys(key, name, model, token_limit_per_5h, expiry_date, created_at, last_used, total_lifetime_tokens)
VALUES($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT(key) DO UPDATE SET
	name = EXCLUDED.name,
	model = EXCLUDED.model,
	token_limit_per_5h = EXCLUDED.token_limit_per_5h,
	expiry_date = EXCLUDED.expiry_date`
	} else {
		q = `
INSERT INTO api_keys(key, name, model, token_limit_per_5h, expiry_date, created_at, last_used, total_lifetime_tokens)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	name = excluded.name,
	model = excluded.model,
	token_limit_per_5h = excluded.token_limit_per_5h,
	expiry_date = excluded.expiry_date`
	}

	_, err := s.db.ExecContext(ctx, q,
		record.Key, record.Name, record.Model, record.TokenLimitPer5h,
		record.ExpiryDate, record.CreatedAt, record.LastUsed, record.TotalLifetimeTokens,
	)
	if err != nil {
		return fmt.Errorf("%w: put key record: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// DeleteKeyRecord removes a key record and cascades its usage buckets.
func (s *SQLStore) DeleteKeyRecord(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: delete key record: %v", ErrStoreUnavailable, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, s.bind(`DELETE FROM api_keys WHERE key = ?`), key)
	if err != nil {
		return fmt.Errorf("%w: delete key record: %v", ErrStoreUnavailable, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrKeyNotFound
	}
	if _, err := tx.ExecContext(ctx, s.bind(`DELETE FROM usage_buckets WHERE api_key = ?`), key); err != nil {
		return fmt.Errorf("%w: cascade usage buckets: %v", ErrStoreUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: delete key record: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// UpsertUsageBucket increments the bucket at windowStart by delta.
func (s *SQLStore) UpsertUsageBucket(ctx context.Context, key string, windowStart time.Time, delta int64) error {
	var q string
	if s.dialect == dialectPostgres {
		q = `
INSERT INTO usage_buckets(api_key, window_start, tokens_used)
VALUES($1, $2, $3)
ON CONFLICT(api_key, window_start) DO UPDATE SET tokens_used = usage_buckets.tokens_used + EXCLUDED.tokens_used`
	} else {
		q = `
INSERT INTO usage_buckets(api_key, window_start, tokens_used)
VALUES(?, ?, ?)
ON CONFLICT(api_key, window_start) DO UPDATE SET tokens_used = tokens_used + excluded.tokens_used`
	}

	if _, err := s.db.ExecContext(ctx, q, key, windowStart.UTC(), delta); err != nil {
		return fmt.Errorf("%w: upsert usage bucket: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// SumUsageSince returns total tokens over buckets with window_start >= since.
func (s *SQLStore) SumUsageSince(ctx context.Context, key string, since time.Time) (int64, error) {
	q := s.bind(`
SELECT COALESCE(SUM(tokens_used), 0)
FROM usage_buckets
WHERE api_key = ? AND window_start >= ?`)

	var sum int64
	if err := s.db.QueryRowContext(ctx, q, key, since.UTC()).Scan(&sum); err != nil {
		return 0, fmt.Errorf("%w: sum usage: %v", ErrStoreUnavailable, err)
	}
	return sum, nil
}

// ListUsageBuckets returns the buckets for key with window_start >= since.
func (s *SQLStore) ListUsageBuckets(ctx context.Context, key string, since time.Time) ([]UsageBucket, error) {
	q := s.bind(`
SELECT api_key, window_start, tokens_used
FROM usage_buckets
WHERE api_key = ? AND window_start >= ?
ORDER BY window_start ASC`)

	rows, err := s.db.QueryContext(ctx, q, key, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: list usage buckets: %v", ErrStoreUnavailable, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var buckets []UsageBucket
	for rows.Next() {
		var b UsageBucket
		if err := rows.Scan(&b.APIKey, &b.WindowStart, &b.TokensUsed); err != nil {
			return nil, fmt.Errorf("%w: scan usage bucket: %v", ErrStoreUnavailable, err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list usage buckets: %v", ErrStoreUnavailable, err)
	}
	return buckets, nil
}

// UpdateKeyTotals adds lifetimeDelta to the lifetime counter and stamps lastUsed.
func (s *SQLStore) UpdateKeyTotals(ctx context.Context, key string, lifetimeDelta int64, lastUsed time.Time) error {
	q := s.bind(`
UPDATE api_keys
SET total_lifetime_tokens = total_lifetime_tokens + ?, last_used = ?
WHERE key = ?`)

	res, err := s.db.ExecContext(ctx, q, lifetimeDelta, lastUsed.UTC(), key)
	if err != nil {
		return fmt.Errorf("%w: update key totals: %v", ErrStoreUnavailable, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// PruneUsageBuckets deletes buckets older than the retention horizon.
func (s *SQLStore) PruneUsageBuckets(ctx context.Context, olderThan time.Time) (int64, error) {
	q := s.bind(`DELETE FROM usage_buckets WHERE window_start < ?`)
	res, err := s.db.ExecContext(ctx, q, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: prune usage buckets: %v", ErrStoreUnavailable, err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

// Close closes the underlying database handle.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) bind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var (
		b      strings.Builder
		argNum = 1
	)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteString(fmt.Sprintf("$%d", argNum))
			argNum++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
