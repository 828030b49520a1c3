package gatecore

// Config holds the configuration for the gateway core.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `json:"server" yaml:"server"`
	// Store selects and configures the key/usage persistence backend.
	Store StoreConfig `json:"store" yaml:"store"`
	// Quota configures the rolling token-usage window.
	Quota QuotaConfig `json:"quota" yaml:"quota"`
	// Cache configures the response cache.
	Cache CacheConfig `json:"cache" yaml:"cache"`
	// RateLimit configures the per-key request-rate guard (optional).
	RateLimit RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	// Audit configures the admission audit trail (optional).
	Audit AuditConfig `json:"audit,omitempty" yaml:"audit,omitempty"`
	// Backend configures the upstream LLM endpoint.
	Backend BackendConfig `json:"backend" yaml:"backend"`
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// StoreBackend identifies a persistence backend.
type StoreBackend string

// StoreBackend constants define the supported persistence backends.
const (
	StoreMemory   StoreBackend = "memory"
	StoreSQLite   StoreBackend = "sqlite"
	StorePostgres StoreBackend = "postgres"
	StoreRedis    StoreBackend = "redis"
)

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend StoreBackend `json:"backend" yaml:"backend"`
	// DSN is the SQLite file path or Postgres connection string.
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	// RedisAddr is the host:port of the Redis server (redis backend only).
	RedisAddr string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	// RedisDB selects the Redis logical database.
	RedisDB int `json:"redis_db,omitempty" yaml:"redis_db,omitempty"`
	// RedisPassword authenticates against the Redis server.
	RedisPassword string `json:"redis_password,omitempty" yaml:"redis_password,omitempty"`
}

// QuotaConfig configures the rolling-window quota tracker.
type QuotaConfig struct {
	// Window is the rolling-window length, e.g. "5h". Empty selects 5h.
	Window string `json:"window,omitempty" yaml:"window,omitempty"`
	// Granularity is the usage bucket width, e.g. "1h". Empty selects 1h.
	Granularity string `json:"granularity,omitempty" yaml:"granularity,omitempty"`
	// KeyCacheTTL bounds how long key records are served from cache before
	// re-reading the store, e.g. "30s".
	KeyCacheTTL string `json:"key_cache_ttl,omitempty" yaml:"key_cache_ttl,omitempty"`
	// GCInterval is how often expired usage buckets are pruned, e.g. "10m".
	// Empty disables the background sweep.
	GCInterval string `json:"gc_interval,omitempty" yaml:"gc_interval,omitempty"`
	// ChargeCachedHits also charges quota for responses served from cache.
	ChargeCachedHits bool `json:"charge_cached_hits,omitempty" yaml:"charge_cached_hits,omitempty"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	// Enabled turns the response cache on. Admission still runs when off.
	Enabled bool `json:"enabled" yaml:"enabled"`
	// MaxEntries bounds the number of cached responses. Zero selects 1000.
	MaxEntries int `json:"max_entries,omitempty" yaml:"max_entries,omitempty"`
	// TTL is the entry lifetime, e.g. "5m". Empty selects 5m.
	TTL string `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// RateLimitConfig configures the per-key request-rate guard.
type RateLimitConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// RequestsPerSecond is the sustained per-key request rate.
	RequestsPerSecond float64 `json:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty"`
	// Burst is the per-key burst allowance. Zero defaults to the rate.
	Burst float64 `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// AuditBackend identifies an audit persistence backend.
type AuditBackend string

// AuditBackend constants define the supported audit sinks.
const (
	AuditNone     AuditBackend = "none"
	AuditSQLite   AuditBackend = "sqlite"
	AuditPostgres AuditBackend = "postgres"
)

// AuditConfig configures the admission audit trail.
type AuditConfig struct {
	Backend AuditBackend `json:"backend,omitempty" yaml:"backend,omitempty"`
	DSN     string       `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// BackendConfig configures the upstream LLM endpoint.
type BackendConfig struct {
	// APIKey authenticates against the upstream provider.
	APIKey string `json:"api_key" yaml:"api_key"`
	// BaseURL overrides the provider's default endpoint (optional).
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	// CircuitBreaker guards upstream calls when set (optional).
	CircuitBreaker *CircuitBreakerConfig `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty"`
}

// CircuitBreakerConfig configures the upstream circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold opens the circuit after this many consecutive
	// failures. Zero selects 5.
	FailureThreshold int `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	// SuccessThreshold closes a half-open circuit after this many
	// consecutive successes. Zero selects 1.
	SuccessThreshold int `json:"success_threshold,omitempty" yaml:"success_threshold,omitempty"`
	// Timeout is how long the circuit stays open, e.g. "30s".
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}
