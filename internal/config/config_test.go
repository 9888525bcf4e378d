package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty db path", func(c *Config) { c.DatabasePath = "" }, "db-path"},
		{"zero db size", func(c *Config) { c.MaxTotalDBSize = 0 }, "max-total-db-size"},
		{"negative batch size", func(c *Config) { c.MaxBatchSize = -1 }, "max-batch-size"},
		{"zero interval", func(c *Config) { c.MinBatchInterval = 0 }, "min-batch-interval"},
		{"max wait below interval", func(c *Config) { c.MaxWait = time.Second }, "max-wait"},
		{"ratio too high", func(c *Config) { c.MemoryLimitRatio = 1.5 }, "memory-limit-ratio"},
		{"ratio zero", func(c *Config) { c.MemoryLimitRatio = 0 }, "memory-limit-ratio"},
		{"bad compression", func(c *Config) { c.Compression = "brotli" }, "compression"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestApplyYAML(t *testing.T) {
	cfg := DefaultConfig()
	data := []byte(`
ingest:
  listen_addr: ":9000"
store:
  path: /var/lib/courier/events.db
endpoint:
  url: https://collect.example.com
  bearer_token: tok
  compression: zstd
  timeout: 45s
tuning:
  max_total_db_size: 1048576
  min_batch_interval: 30s
scheduler:
  batch_delay: 5s
debug: true
`)

	if err := ApplyYAML(cfg, data); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if cfg.IngestListenAddr != ":9000" {
		t.Errorf("IngestListenAddr = %q", cfg.IngestListenAddr)
	}
	if cfg.DatabasePath != "/var/lib/courier/events.db" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath)
	}
	if cfg.EndpointURL != "https://collect.example.com" {
		t.Errorf("EndpointURL = %q", cfg.EndpointURL)
	}
	if cfg.AuthBearerToken != "tok" {
		t.Errorf("AuthBearerToken = %q", cfg.AuthBearerToken)
	}
	if cfg.Compression != "zstd" {
		t.Errorf("Compression = %q", cfg.Compression)
	}
	if cfg.UploadTimeout != 45*time.Second {
		t.Errorf("UploadTimeout = %s", cfg.UploadTimeout)
	}
	if cfg.MaxTotalDBSize != 1048576 {
		t.Errorf("MaxTotalDBSize = %d", cfg.MaxTotalDBSize)
	}
	if cfg.MinBatchInterval != 30*time.Second {
		t.Errorf("MinBatchInterval = %s", cfg.MinBatchInterval)
	}
	if cfg.BatchDelay != 5*time.Second {
		t.Errorf("BatchDelay = %s", cfg.BatchDelay)
	}
	if !cfg.Debug {
		t.Error("Debug = false, want true")
	}

	// Untouched fields keep their defaults.
	if cfg.StatsAddr != ":9090" {
		t.Errorf("StatsAddr = %q, want default", cfg.StatsAddr)
	}
	if cfg.MaxBatchSize != 500*1024 {
		t.Errorf("MaxBatchSize = %d, want default", cfg.MaxBatchSize)
	}
}

func TestApplyYAMLBoolOverlay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EndpointInsecure = true

	// Absent bool leaves the value alone, explicit false overrides.
	if err := ApplyYAML(cfg, []byte(`stats: {listen_addr: ":9100"}`)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !cfg.EndpointInsecure {
		t.Error("absent insecure flipped the value")
	}

	if err := ApplyYAML(cfg, []byte(`endpoint: {insecure: false}`)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.EndpointInsecure {
		t.Error("explicit insecure: false not applied")
	}
}

func TestApplyYAMLBadDuration(t *testing.T) {
	cfg := DefaultConfig()
	if err := ApplyYAML(cfg, []byte(`endpoint: {timeout: "not-a-duration"}`)); err == nil {
		t.Fatal("bad duration accepted")
	}
}

func TestApplyYAMLBadSyntax(t *testing.T) {
	cfg := DefaultConfig()
	if err := ApplyYAML(cfg, []byte("{{nope")); err == nil {
		t.Fatal("malformed YAML accepted")
	}
}
