// Package audit persists admission decisions for offline review. Every
// admitted or rejected request produces one row with the outcome, the
// token amounts involved, and whether the response came from cache.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Entry is one recorded admission decision.
type Entry struct {
	TraceID         string
	APIKey          string
	Model           string
	Outcome         string
	EstimatedTokens int
	CommittedTokens int
	RemainingQuota  int64
	CacheHit        bool
	ErrorMessage    string
	CreatedAt       time.Time
}

// Query selects a page of audit entries, optionally filtered.
type Query struct {
	Limit   int
	Offset  int
	APIKey  string
	Outcome string
}

// ListResult is a page of entries plus the unpaged total.
type ListResult struct {
	Total int
	Data  []Entry
}

// MaintenanceQuery bounds a bulk delete.
type MaintenanceQuery struct {
	Before *time.Time
}

// Writer persists audit entries.
type Writer interface {
	Write(ctx context.Context, entry Entry) error
}

// NoopWriter ignores all audit writes.
type NoopWriter struct{}

func (NoopWriter) Write(_ context.Context, _ Entry) error { return nil }

// SQLWriter persists entries to SQLite/Postgres.
type SQLWriter struct {
	db      *sql.DB
	dialect string
}

func NewSQLiteWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "gatecore-audit.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite audit writer: %w", err)
	}
	w := &SQLWriter{db: db, dialect: "sqlite"}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func NewPostgresWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres audit writer: %w", err)
	}
	w := &SQLWriter{db: db, dialect: "postgres"}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *SQLWriter) init() error {
	if err := w.db.Ping(); err != nil {
		return fmt.Errorf("ping %s audit writer: %w", w.dialect, err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS admission_audit (
	id INTEGER PRIMARY KEY,
	trace_id TEXT,
	api_key TEXT NOT NULL,
	model TEXT,
	outcome TEXT NOT NULL,
	estimated_tokens INTEGER NOT NULL,
	committed_tokens INTEGER NOT NULL,
	remaining_quota BIGINT NOT NULL,
	cache_hit BOOLEAN NOT NULL,
	error_message TEXT,
	created_at TIMESTAMP NOT NULL
);`

	if w.dialect == "postgres" {
		ddl = `
CREATE TABLE IF NOT EXISTS admission_audit (
	id BIGSERIAL PRIMARY KEY,
	trace_id TEXT,
	api_key TEXT NOT NULL,
	model TEXT,
	outcome TEXT NOT NULL,
	estimated_tokens INTEGER NOT NULL,
	committed_tokens INTEGER NOT NULL,
	remaining_quota BIGINT NOT NULL,
	cache_hit BOOLEAN NOT NULL,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL
);`
	}

	if _, err := w.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize audit schema: %w", err)
	}
	return nil
}

func (w *SQLWriter) Write(ctx context.Context, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO admission_audit(trace_id, api_key, model, outcome, estimated_tokens, committed_tokens, remaining_quota, cache_hit, error_message, created_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if w.dialect == "postgres" {
		query = `INSERT INTO admission_audit(trace_id, api_key, model, outcome, estimated_tokens, committed_tokens, remaining_quota, cache_hit, error_message, created_at)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	}

	_, err := w.db.ExecContext(ctx, query,
		entry.TraceID,
		entry.APIKey,
		entry.Model,
		entry.Outcome,
		entry.EstimatedTokens,
		entry.CommittedTokens,
		entry.RemainingQuota,
		entry.CacheHit,
		entry.ErrorMessage,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// List returns a page of entries, newest first.
func (w *SQLWriter) List(ctx context.Context, q Query) (ListResult, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	var conds []string
	var args []interface{}
	if q.APIKey != "" {
		args = append(args, q.APIKey)
		conds = append(conds, "api_key = "+w.placeholder(len(args)))
	}
	if q.Outcome != "" {
		args = append(args, q.Outcome)
		conds = append(conds, "outcome = "+w.placeholder(len(args)))
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM admission_audit" + where
	if err := w.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return ListResult{}, fmt.Errorf("count audit entries: %w", err)
	}

	args = append(args, q.Limit, q.Offset)
	listQuery := fmt.Sprintf(
		"SELECT trace_id, api_key, model, outcome, estimated_tokens, committed_tokens, remaining_quota, cache_hit, error_message, created_at FROM admission_audit%s ORDER BY created_at DESC LIMIT %s OFFSET %s",
		where, w.placeholder(len(args)-1), w.placeholder(len(args)),
	)

	rows, err := w.db.QueryContext(ctx, listQuery, args...)
	if err != nil {
		return ListResult{}, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	result := ListResult{Total: total}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.TraceID, &e.APIKey, &e.Model, &e.Outcome,
			&e.EstimatedTokens, &e.CommittedTokens, &e.RemainingQuota,
			&e.CacheHit, &e.ErrorMessage, &e.CreatedAt); err != nil {
			return ListResult{}, fmt.Errorf("scan audit entry: %w", err)
		}
		result.Data = append(result.Data, e)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, fmt.Errorf("iterate audit entries: %w", err)
	}
	return result, nil
}

// Delete removes entries older than q.Before and reports how many went.
func (w *SQLWriter) Delete(ctx context.Context, q MaintenanceQuery) (int64, error) {
	if q.Before == nil {
		return 0, fmt.Errorf("delete requires a before bound")
	}

	query := "DELETE FROM admission_audit WHERE created_at < ?"
	if w.dialect == "postgres" {
		query = "DELETE FROM admission_audit WHERE created_at < $1"
	}

	res, err := w.db.ExecContext(ctx, query, q.Before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete audit entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted audit entries: %w", err)
	}
	return n, nil
}

func (w *SQLWriter) placeholder(n int) string {
	if w.dialect == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (w *SQLWriter) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}
