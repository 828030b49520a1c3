// Package gatecore provides the admission-control and response-caching core
// of an API gateway fronting a large language model (LLM) backend.
//
// The Core type is the main entry point: create one with New, manage API
// keys with CreateKey/UpdateKey/DeleteKey, and run requests through Handle.
// Each request is checked against its key's rolling 5-hour token quota, is
// served from the response cache when an identical deterministic request was
// answered recently, and has its actual token usage committed back to the
// quota window after the backend responds.
//
// Configuration is described by [Config], loadable from a YAML or JSON file
// using [LoadConfig].
package gatecore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gatecore-ai/gatecore/backend"
	"github.com/gatecore-ai/gatecore/internal/audit"
	"github.com/gatecore-ai/gatecore/internal/cachemgr"
	"github.com/gatecore-ai/gatecore/internal/events"
	"github.com/gatecore-ai/gatecore/internal/keycache"
	"github.com/gatecore-ai/gatecore/internal/keystore"
	"github.com/gatecore-ai/gatecore/internal/logging"
	"github.com/gatecore-ai/gatecore/internal/metrics"
	"github.com/gatecore-ai/gatecore/internal/quota"
	"github.com/gatecore-ai/gatecore/internal/ratelimit"
	"github.com/gatecore-ai/gatecore/internal/respcache"
	"github.com/gatecore-ai/gatecore/internal/tokenest"
)

// Sentinel errors returned by the admission pipeline. HTTP handlers map
// these onto status codes.
var (
	ErrQuotaExceeded    = errors.New("token quota exhausted")
	ErrKeyExpired       = errors.New("api key expired")
	ErrKeyNotFound      = errors.New("unknown api key")
	ErrKeyExists        = errors.New("api key already exists")
	ErrStoreUnavailable = errors.New("key store unavailable")
	ErrRateLimited      = errors.New("request rate exceeded")
)

// Core wires the key store, quota tracker, response cache, and event
// notifier into one admission pipeline.
type Core struct {
	mu      sync.RWMutex
	config  Config
	invoker backend.Invoker

	store     keystore.Store
	keys      *keycache.Cache
	quota     *quota.Tracker
	cache     *cachemgr.Manager
	estimator *tokenest.Estimator
	notifier  *events.Notifier
	auditor   audit.Writer
	guard     *ratelimit.Guard
}

// New creates a Core from cfg. The invoker may be nil, in which case an
// OpenAI-compatible client is built from cfg.Backend.
func New(cfg Config, invoker backend.Invoker) (*Core, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	store, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	auditor, err := openAuditor(cfg.Audit)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	if invoker == nil {
		invoker = backend.NewOpenAI(cfg.Backend.APIKey, cfg.Backend.BaseURL)
	}
	if bc := cfg.Backend.CircuitBreaker; bc != nil {
		invoker = backend.WithBreaker(invoker,
			bc.FailureThreshold, bc.SuccessThreshold, duration(bc.Timeout, 30*time.Second))
	}

	keys := keycache.New(store, duration(cfg.Quota.KeyCacheTTL, 30*time.Second))

	c := &Core{
		config:  cfg,
		invoker: invoker,
		store:   store,
		keys:    keys,
		quota: quota.NewTracker(store, keys,
			duration(cfg.Quota.Window, quota.DefaultWindow),
			duration(cfg.Quota.Granularity, quota.DefaultGranularity)),
		estimator: tokenest.New(),
		notifier:  events.NewNotifier(),
		auditor:   auditor,
	}

	if cfg.Cache.Enabled {
		maxEntries := cfg.Cache.MaxEntries
		if maxEntries <= 0 {
			maxEntries = 1000
		}
		c.cache = cachemgr.New(maxEntries, duration(cfg.Cache.TTL, 5*time.Minute))
	}

	if cfg.RateLimit.Enabled {
		c.guard = ratelimit.NewGuard(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	return c, nil
}

func openStore(cfg StoreConfig) (keystore.Store, error) {
	switch cfg.Backend {
	case StoreMemory, "":
		return keystore.NewMemory(), nil
	case StoreSQLite:
		return keystore.NewSQLiteStore(cfg.DSN)
	case StorePostgres:
		return keystore.NewPostgresStore(cfg.DSN)
	case StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			DB:       cfg.RedisDB,
			Password: cfg.RedisPassword,
		})
		return keystore.NewRedisStore(client), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %q", cfg.Backend)
	}
}

func openAuditor(cfg AuditConfig) (audit.Writer, error) {
	switch cfg.Backend {
	case AuditNone, "":
		return audit.NoopWriter{}, nil
	case AuditSQLite:
		return audit.NewSQLiteWriter(cfg.DSN)
	case AuditPostgres:
		return audit.NewPostgresWriter(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown audit backend: %q", cfg.Backend)
	}
}

// Handle runs one request through the full admission pipeline: request-rate
// guard, cache lookup, quota reservation, backend invocation, usage commit,
// and cache record. The returned Result may carry either a complete body or
// replayable stream chunks.
func (c *Core) Handle(ctx context.Context, req backend.Request) (*backend.Result, error) {
	now := time.Now()
	log := logging.FromContext(ctx)

	if err := req.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.APIKey) == "" {
		return nil, ErrKeyNotFound
	}

	if c.guard != nil && !c.guard.Allow(req.APIKey) {
		c.writeAudit(ctx, req, outcomeRateLimited, 0, 0, 0, false, ErrRateLimited.Error())
		return nil, ErrRateLimited
	}

	if c.cache != nil {
		eval := c.cache.Evaluate(req, now)
		if eval.Cached {
			return c.serveCached(ctx, req, eval, now)
		}
	}

	estimate := int64(c.estimator.Estimate(req))
	decision, err := c.quota.Reserve(ctx, req.APIKey, estimate, now)
	if err != nil {
		log.Warn("admission check degraded", "key", req.APIKey, "error", err.Error())
	}
	if !decision.Allowed {
		c.writeAudit(ctx, req, string(decision.Reason), int(estimate), 0, decision.Remaining, false, "")
		return nil, rejectionError(decision)
	}

	result, err := c.invoker.Invoke(ctx, req)
	if err != nil {
		c.quota.Release(req.APIKey, estimate)
		c.writeAudit(ctx, req, outcomeBackendError, int(estimate), 0, decision.Remaining, false, err.Error())
		return nil, fmt.Errorf("invoke backend: %w", err)
	}

	actual := int64(result.TokensUsed)
	if actual <= 0 {
		// The backend did not report usage; charge the estimate.
		actual = estimate
	}

	// Commit at completion time: a long streaming call may have crossed a
	// bucket boundary since admission.
	committedAt := time.Now()
	if err := c.quota.CommitReserved(ctx, req.APIKey, estimate, actual, committedAt); err != nil {
		log.Error("usage commit failed", "key", req.APIKey, "tokens", actual, "error", err.Error())
	}
	metrics.TokensCommitted.WithLabelValues(req.Model).Add(float64(actual))

	if c.cache != nil {
		c.cache.Record(req, result, committedAt)
	}

	c.writeAudit(ctx, req, string(quota.ReasonAllowed), int(estimate), int(actual), decision.Remaining, false, "")
	c.publishUsage(ctx, req.APIKey, committedAt)

	log.Info("request admitted",
		"key", req.APIKey,
		"model", req.Model,
		"estimated_tokens", estimate,
		"actual_tokens", actual,
		"remaining_quota", decision.Remaining,
	)
	return result, nil
}

// serveCached returns the cached response for req. The key must still be
// valid and unexpired; hits charge quota only when configured to.
func (c *Core) serveCached(ctx context.Context, req backend.Request, eval cachemgr.Evaluation, now time.Time) (*backend.Result, error) {
	log := logging.FromContext(ctx)

	record, err := c.keys.Lookup(ctx, req.APIKey)
	if err != nil {
		if errors.Is(err, keystore.ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if record.Expired(now) {
		return nil, ErrKeyExpired
	}

	committed := 0
	if c.config.Quota.ChargeCachedHits {
		charge := int64(eval.Entry.TokensUsed)
		decision, err := c.quota.Reserve(ctx, req.APIKey, charge, now)
		if err != nil {
			log.Warn("admission check degraded", "key", req.APIKey, "error", err.Error())
		}
		if !decision.Allowed {
			c.writeAudit(ctx, req, string(decision.Reason), int(charge), 0, decision.Remaining, true, "")
			return nil, rejectionError(decision)
		}
		if err := c.quota.CommitReserved(ctx, req.APIKey, charge, charge, now); err != nil {
			log.Error("usage commit failed", "key", req.APIKey, "tokens", charge, "error", err.Error())
		}
		metrics.TokensCommitted.WithLabelValues(req.Model).Add(float64(charge))
		committed = int(charge)
		c.publishUsage(ctx, req.APIKey, now)
	}

	c.writeAudit(ctx, req, string(quota.ReasonAllowed), 0, committed, 0, true, "")

	log.Info("request served from cache",
		"key", req.APIKey,
		"model", req.Model,
		"fingerprint", eval.Fingerprint,
	)
	return resultFromEntry(eval.Entry), nil
}

// Evaluate reports the cache outcome for req without running admission.
// Zero value when the cache is disabled.
func (c *Core) Evaluate(req backend.Request) cachemgr.Evaluation {
	if c.cache == nil {
		return cachemgr.Evaluation{}
	}
	return c.cache.Evaluate(req, time.Now())
}

// CommitOutcome records the outcome of a request whose backend call happened
// out-of-band: actual token usage is committed to the quota window, a
// successful cacheable response is stored for replay, and usage_updated is
// emitted. Handle does all of this itself for in-band requests.
func (c *Core) CommitOutcome(ctx context.Context, req backend.Request, result *backend.Result) error {
	now := time.Now()
	actual := int64(result.TokensUsed)
	if actual <= 0 {
		actual = int64(c.estimator.Estimate(req))
	}
	if err := c.quota.Commit(ctx, req.APIKey, actual, now); err != nil {
		return err
	}
	metrics.TokensCommitted.WithLabelValues(req.Model).Add(float64(actual))
	if c.cache != nil {
		c.cache.Record(req, result, now)
	}
	c.publishUsage(ctx, req.APIKey, now)
	return nil
}

// CheckAdmission reports whether a request charging estimatedTokens would be
// admitted right now, without holding a reservation.
func (c *Core) CheckAdmission(ctx context.Context, key string, estimatedTokens int64) (quota.Decision, error) {
	now := time.Now()
	decision, err := c.quota.Reserve(ctx, key, estimatedTokens, now)
	if decision.Allowed {
		c.quota.Release(key, estimatedTokens)
	}
	return decision, err
}

// EstimateTokens returns the projected token cost of req.
func (c *Core) EstimateTokens(req backend.Request) int {
	return c.estimator.Estimate(req)
}

// ── Key management ───────────────────────────────────────────────────────────

// CreateKey persists a new key record and emits key_created. The key must
// not already exist.
func (c *Core) CreateKey(ctx context.Context, record *keystore.KeyRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	if _, err := c.store.GetKeyRecord(ctx, record.Key); err == nil {
		return ErrKeyExists
	} else if !errors.Is(err, keystore.ErrKeyNotFound) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := c.store.PutKeyRecord(ctx, record); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	c.keys.Invalidate(record.Key)
	c.publishKeyEvent(ctx, events.TypeKeyCreated, record.Key)
	return nil
}

// UpdateKey persists changes to an existing key record and emits
// key_updated. Limit and expiry changes take effect on the next admission
// check once the key cache entry is invalidated here.
func (c *Core) UpdateKey(ctx context.Context, record *keystore.KeyRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	if _, err := c.store.GetKeyRecord(ctx, record.Key); err != nil {
		if errors.Is(err, keystore.ErrKeyNotFound) {
			return ErrKeyNotFound
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := c.store.PutKeyRecord(ctx, record); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	c.keys.Invalidate(record.Key)
	c.publishKeyEvent(ctx, events.TypeKeyUpdated, record.Key)
	return nil
}

// DeleteKey removes a key record and its usage history, drops all cached
// state for the key, and emits key_deleted.
func (c *Core) DeleteKey(ctx context.Context, key string) error {
	if err := c.store.DeleteKeyRecord(ctx, key); err != nil {
		if errors.Is(err, keystore.ErrKeyNotFound) {
			return ErrKeyNotFound
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	c.keys.Invalidate(key)
	c.quota.Forget(key)

	c.notifier.Publish(events.Event{
		Type:      events.TypeKeyDeleted,
		Key:       key,
		Timestamp: time.Now(),
	})
	return nil
}

// GetKey returns the stored record for key.
func (c *Core) GetKey(ctx context.Context, key string) (*keystore.KeyRecord, error) {
	record, err := c.store.GetKeyRecord(ctx, key)
	if err != nil {
		if errors.Is(err, keystore.ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return record, nil
}

// Usage returns the key's rolling-window consumption and remaining quota.
func (c *Core) Usage(ctx context.Context, key string) (events.UsageSummary, error) {
	now := time.Now()
	record, err := c.GetKey(ctx, key)
	if err != nil {
		return events.UsageSummary{}, err
	}
	consumed, err := c.quota.Consumed(ctx, key, now)
	if err != nil {
		return events.UsageSummary{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	remaining := record.TokenLimitPer5h - consumed
	if remaining < 0 {
		remaining = 0
	}
	return events.UsageSummary{
		WindowTokens:   consumed,
		RemainingQuota: remaining,
		LifetimeTokens: record.TotalLifetimeTokens,
	}, nil
}

func validateRecord(record *keystore.KeyRecord) error {
	if record == nil || strings.TrimSpace(record.Key) == "" {
		return errors.New("key record requires a key")
	}
	if record.TokenLimitPer5h <= 0 {
		return errors.New("key record requires a positive token limit")
	}
	return nil
}

// ── Observers, metrics, maintenance ──────────────────────────────────────────

// Subscribe registers an observer for key-lifecycle and usage events. The
// returned handle unregisters it via Unsubscribe.
func (c *Core) Subscribe(obs events.Observer) int {
	return c.notifier.Register(obs)
}

// Unsubscribe removes a previously registered observer.
func (c *Core) Unsubscribe(id int) {
	c.notifier.Unregister(id)
}

// CacheMetrics returns the response cache counters. Zero values when the
// cache is disabled.
func (c *Core) CacheMetrics() cachemgr.Metrics {
	if c.cache == nil {
		return cachemgr.Metrics{}
	}
	return c.cache.Metrics()
}

// Snapshot returns all gateway Prometheus series as a flat name->value map.
func (c *Core) Snapshot() (metrics.Snapshot, error) {
	return metrics.Gather()
}

// ResetCache clears the response cache and its counters.
func (c *Core) ResetCache() {
	if c.cache != nil {
		c.cache.Reset()
	}
}

// StartGC periodically prunes aged-out usage buckets and idle rate-limit
// buckets. It runs in a background goroutine until ctx is cancelled.
func (c *Core) StartGC(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("StartGC: interval must be greater than zero, got %v", interval)
	}
	log := logging.Component("gc")
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.quota.GC(ctx, time.Now()); err != nil {
					log.Warn("usage bucket prune failed", "error", err.Error())
				}
				if c.guard != nil {
					c.guard.PruneIdle(10 * time.Minute)
				}
			}
		}
	}()
	return nil
}

// GetConfig returns a copy of the current configuration.
func (c *Core) GetConfig() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// Close releases the store and audit writer.
func (c *Core) Close() error {
	var errs []error
	if closer, ok := c.auditor.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ── Internals ────────────────────────────────────────────────────────────────

// Audit outcomes beyond the quota decision reasons.
const (
	outcomeRateLimited  = "rate_limited"
	outcomeBackendError = "backend_error"
)

func (c *Core) writeAudit(ctx context.Context, req backend.Request, outcome string, estimated, committed int, remaining int64, cacheHit bool, errMsg string) {
	entry := audit.Entry{
		TraceID:         logging.TraceIDFromContext(ctx),
		APIKey:          req.APIKey,
		Model:           req.Model,
		Outcome:         outcome,
		EstimatedTokens: estimated,
		CommittedTokens: committed,
		RemainingQuota:  remaining,
		CacheHit:        cacheHit,
		ErrorMessage:    errMsg,
	}
	if err := c.auditor.Write(ctx, entry); err != nil {
		logging.FromContext(ctx).Warn("audit write failed", "error", err.Error())
	}
}

func (c *Core) publishKeyEvent(ctx context.Context, eventType, key string) {
	record, err := c.store.GetKeyRecord(ctx, key)
	if err != nil {
		record = nil
	}
	usage, err := c.Usage(ctx, key)
	if err != nil {
		usage = events.UsageSummary{}
	}
	c.notifier.Publish(events.Event{
		Type:      eventType,
		Key:       key,
		Record:    record,
		Usage:     usage,
		Timestamp: time.Now(),
	})
}

func (c *Core) publishUsage(ctx context.Context, key string, now time.Time) {
	if c.notifier.Len() == 0 {
		return
	}
	usage, err := c.Usage(ctx, key)
	if err != nil {
		return
	}
	record, err := c.keys.Lookup(ctx, key)
	if err != nil {
		record = nil
	}
	c.notifier.Publish(events.Event{
		Type:      events.TypeUsageUpdated,
		Key:       key,
		Record:    record,
		Usage:     usage,
		Timestamp: now,
	})
}

func rejectionError(decision quota.Decision) error {
	switch decision.Reason {
	case quota.ReasonQuotaExceeded:
		return fmt.Errorf("%w: %d tokens remaining", ErrQuotaExceeded, decision.Remaining)
	case quota.ReasonKeyExpired:
		return ErrKeyExpired
	case quota.ReasonKeyNotFound:
		return ErrKeyNotFound
	default:
		return ErrStoreUnavailable
	}
}

func resultFromEntry(entry *respcache.Entry) *backend.Result {
	return &backend.Result{
		Body:       entry.Body,
		Chunks:     entry.Chunks,
		Status:     entry.Status,
		Headers:    entry.Headers,
		TokensUsed: entry.TokensUsed,
	}
}
