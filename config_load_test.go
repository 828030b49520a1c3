package gatecore

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeTempConfig(t, "config.yaml", `
server:
  addr: ":8080"
store:
  backend: sqlite
  dsn: gatecore.db
quota:
  window: 5h
  granularity: 1h
  charge_cached_hits: true
cache:
  enabled: true
  max_entries: 500
  ttl: 10m
rate_limit:
  enabled: true
  requests_per_second: 20
  burst: 40
backend:
  api_key: sk-upstream
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load yaml config: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("unexpected addr: %s", cfg.Server.Addr)
	}
	if cfg.Store.Backend != StoreSQLite || cfg.Store.DSN != "gatecore.db" {
		t.Errorf("unexpected store config: %+v", cfg.Store)
	}
	if !cfg.Quota.ChargeCachedHits {
		t.Error("expected charge_cached_hits true")
	}
	if !cfg.Cache.Enabled || cfg.Cache.MaxEntries != 500 || cfg.Cache.TTL != "10m" {
		t.Errorf("unexpected cache config: %+v", cfg.Cache)
	}
	if cfg.RateLimit.RequestsPerSecond != 20 {
		t.Errorf("unexpected rate limit: %+v", cfg.RateLimit)
	}
	if err := ValidateConfig(*cfg); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestLoadConfigJSON(t *testing.T) {
	path := writeTempConfig(t, "config.json", `{
  "store": {"backend": "memory"},
  "cache": {"enabled": true, "ttl": "5m"},
  "backend": {"api_key": "sk-upstream"}
}`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load json config: %v", err)
	}
	if cfg.Store.Backend != StoreMemory {
		t.Errorf("unexpected store backend: %s", cfg.Store.Backend)
	}
	if err := ValidateConfig(*cfg); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestLoadConfigUnsupportedExtension(t *testing.T) {
	path := writeTempConfig(t, "config.toml", "backend = 'memory'")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for unsupported extension")
	}
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "empty defaults to memory", cfg: Config{}},
		{name: "sqlite without dsn", cfg: Config{Store: StoreConfig{Backend: StoreSQLite}}},
		{
			name:    "postgres requires dsn",
			cfg:     Config{Store: StoreConfig{Backend: StorePostgres}},
			wantErr: true,
		},
		{
			name:    "redis requires addr",
			cfg:     Config{Store: StoreConfig{Backend: StoreRedis}},
			wantErr: true,
		},
		{
			name:    "unknown store backend",
			cfg:     Config{Store: StoreConfig{Backend: "etcd"}},
			wantErr: true,
		},
		{
			name:    "bad quota window",
			cfg:     Config{Quota: QuotaConfig{Window: "five hours"}},
			wantErr: true,
		},
		{
			name:    "negative cache ttl",
			cfg:     Config{Cache: CacheConfig{TTL: "-1m"}},
			wantErr: true,
		},
		{
			name:    "granularity exceeds window",
			cfg:     Config{Quota: QuotaConfig{Window: "1h", Granularity: "2h"}},
			wantErr: true,
		},
		{
			name:    "rate limit without rate",
			cfg:     Config{RateLimit: RateLimitConfig{Enabled: true}},
			wantErr: true,
		},
		{
			name:    "unknown audit backend",
			cfg:     Config{Audit: AuditConfig{Backend: "kafka"}},
			wantErr: true,
		},
		{
			name:    "postgres audit requires dsn",
			cfg:     Config{Audit: AuditConfig{Backend: AuditPostgres}},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateConfig(tc.cfg)
			if tc.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}
