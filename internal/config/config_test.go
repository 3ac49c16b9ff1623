package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Server.Host == "" {
		t.Error("expected Server.Host to be set")
	}
	if cfg.Server.Port == 0 {
		t.Error("expected Server.Port to be non-zero")
	}
	if cfg.Database.Name == "" {
		t.Error("expected Database.Name to be set")
	}
	if cfg.JWT.Secret == "" {
		t.Error("expected JWT.Secret to be set")
	}
	if cfg.Log.Level == "" {
		t.Error("expected Log.Level to be set")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfig_DatabaseSettings(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Database.MaxOpenConns == 0 {
		t.Error("expected MaxOpenConns to be set")
	}
	if cfg.Database.MaxIdleConns == 0 {
		t.Error("expected MaxIdleConns to be set")
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		t.Error("expected ConnMaxLifetime to be set")
	}
	want := "host=localhost user=postgres password=password dbname=ruleflow port=5432 sslmode=disable TimeZone=UTC"
	if got := cfg.Database.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}

func TestConfig_AutomationDefaults(t *testing.T) {
	cfg := GetDefaultConfig()
	a := cfg.Automation

	if a.Scheduler.Backend != "memory" {
		t.Errorf("expected memory scheduler by default, got %q", a.Scheduler.Backend)
	}
	if a.Scheduler.Workers <= 0 {
		t.Error("expected scheduler workers to be set")
	}
	if a.Retry.MaxAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", a.Retry.MaxAttempts)
	}
	if a.Retry.BackoffBase == 0 || a.Retry.BackoffMax < a.Retry.BackoffBase {
		t.Error("expected a bounded backoff")
	}
	if a.Dedup.Backend != "database" {
		t.Errorf("expected database dedup by default, got %q", a.Dedup.Backend)
	}
	if a.Webhook.BreakerFailures == 0 {
		t.Error("expected webhook breaker threshold to be set")
	}
	if cfg.NeedsRedis() {
		t.Error("default config should not need redis")
	}
}

func TestConfig_SecurityDefaults(t *testing.T) {
	cfg := GetDefaultConfig()

	if !cfg.Security.CORS.Enabled {
		t.Error("expected CORS to be enabled")
	}
	if !cfg.Security.RateLimiting.Enabled {
		t.Error("expected rate limiting to be enabled")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown scheduler", func(c *Config) { c.Automation.Scheduler.Backend = "kafka" }},
		{"unknown dedup", func(c *Config) { c.Automation.Dedup.Backend = "memcached" }},
		{"no attempts", func(c *Config) { c.Automation.Retry.MaxAttempts = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("server.port", 9090)
	viper.Set("automation.scheduler.backend", "redis")
	viper.Set("automation.retry.backoff_base", "250ms")
	viper.Set("automation.ingest_streams", []string{"crm.events"})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Automation.Retry.BackoffBase != 250*time.Millisecond {
		t.Errorf("expected 250ms backoff, got %s", cfg.Automation.Retry.BackoffBase)
	}
	// 未覆盖的键保持默认
	if cfg.Automation.Retry.MaxAttempts != 3 {
		t.Errorf("expected default attempts, got %d", cfg.Automation.Retry.MaxAttempts)
	}
	if cfg.Database.Name != "ruleflow" {
		t.Errorf("expected default database name, got %q", cfg.Database.Name)
	}
	if !cfg.NeedsRedis() {
		t.Error("redis scheduler should need redis")
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("automation.dedup.backend", "nope")
	if _, err := Load(); err == nil {
		t.Error("expected Load to fail")
	}
}
