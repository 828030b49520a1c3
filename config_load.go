package gatecore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfig reads and parses a config file from the given path.
// Supported formats: JSON (.json), YAML (.yaml, .yml).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	return &cfg, nil
}

// ValidateConfig validates a Config for correctness.
func ValidateConfig(cfg Config) error {
	// Default to the memory store when the backend is omitted to match
	// runtime behavior.
	backend := cfg.Store.Backend
	if backend == "" {
		backend = StoreMemory
	}

	switch backend {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if strings.TrimSpace(cfg.Store.DSN) == "" {
			return fmt.Errorf("postgres store requires a dsn")
		}
	case StoreRedis:
		if strings.TrimSpace(cfg.Store.RedisAddr) == "" {
			return fmt.Errorf("redis store requires redis_addr")
		}
	default:
		return fmt.Errorf("unknown store backend: %q", cfg.Store.Backend)
	}

	for _, d := range []struct {
		name  string
		value string
	}{
		{"quota.window", cfg.Quota.Window},
		{"quota.granularity", cfg.Quota.Granularity},
		{"quota.key_cache_ttl", cfg.Quota.KeyCacheTTL},
		{"quota.gc_interval", cfg.Quota.GCInterval},
		{"cache.ttl", cfg.Cache.TTL},
		{"backend.circuit_breaker.timeout", breakerTimeout(cfg.Backend.CircuitBreaker)},
	} {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %q", d.name, d.value)
		}
		if parsed <= 0 {
			return fmt.Errorf("%s must be positive, got %q", d.name, d.value)
		}
	}

	if w, g := cfg.Quota.Window, cfg.Quota.Granularity; w != "" && g != "" {
		window, _ := time.ParseDuration(w)
		granularity, _ := time.ParseDuration(g)
		if granularity > window {
			return fmt.Errorf("quota granularity %q exceeds window %q", g, w)
		}
	}

	if cfg.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache max_entries must not be negative")
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limit requires requests_per_second > 0")
		}
		if cfg.RateLimit.Burst < 0 {
			return fmt.Errorf("rate_limit burst must not be negative")
		}
	}

	switch cfg.Audit.Backend {
	case AuditNone, "", AuditSQLite:
	case AuditPostgres:
		if strings.TrimSpace(cfg.Audit.DSN) == "" {
			return fmt.Errorf("postgres audit requires a dsn")
		}
	default:
		return fmt.Errorf("unknown audit backend: %q", cfg.Audit.Backend)
	}

	return nil
}

func breakerTimeout(cfg *CircuitBreakerConfig) string {
	if cfg == nil {
		return ""
	}
	return cfg.Timeout
}

// duration parses s, falling back to def when s is empty. Call only after
// ValidateConfig has vetted the string.
func duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
