package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	JWT        JWTConfig        `mapstructure:"jwt" yaml:"jwt"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring" yaml:"monitoring"`
	Security   SecurityConfig   `mapstructure:"security" yaml:"security"`
	Automation AutomationConfig `mapstructure:"automation" yaml:"automation"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Name            string        `mapstructure:"name" yaml:"name"`
	SSLMode         string        `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// DSN 构建 Postgres 连接串
func (d DatabaseConfig) DSN() string {
	ssl := d.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port, ssl)
}

type RedisConfig struct {
	Host         string `mapstructure:"host" yaml:"host"`
	Port         int    `mapstructure:"port" yaml:"port"`
	Password     string `mapstructure:"password" yaml:"password"`
	DB           int    `mapstructure:"db" yaml:"db"`
	PoolSize     int    `mapstructure:"pool_size" yaml:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns" yaml:"min_idle_conns"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type JWTConfig struct {
	Secret    string        `mapstructure:"secret" yaml:"secret"`
	ExpiresIn time.Duration `mapstructure:"expires_in" yaml:"expires_in"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	Output     string `mapstructure:"output" yaml:"output"` // stdout, file, both
	FilePath   string `mapstructure:"file_path" yaml:"file_path"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`       // MB
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`         // days
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"` // number of backup files
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type MonitoringConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	MetricsPath string        `mapstructure:"metrics_path" yaml:"metrics_path"`
	Tracing     TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"` // OTLP gRPC 端点
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"` // 0.0~1.0
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"`
}

type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors" yaml:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting" yaml:"rate_limiting"`
}

type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods" yaml:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers" yaml:"allowed_headers"`
}

type RateLimitingConfig struct {
	Enabled           bool                  `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerMinute int                   `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int                   `mapstructure:"burst" yaml:"burst"`
	KeyHeader         string                `mapstructure:"key_header" yaml:"key_header"` // e.g. X-Forwarded-For
	WhitelistIPs      []string              `mapstructure:"whitelist_ips" yaml:"whitelist_ips"`
	Paths             []PathRateLimitConfig `mapstructure:"paths" yaml:"paths"`
}

// PathRateLimitConfig 按路径前缀覆盖全局限流
type PathRateLimitConfig struct {
	Enabled           bool   `mapstructure:"enabled" yaml:"enabled"`
	Prefix            string `mapstructure:"prefix" yaml:"prefix"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int    `mapstructure:"burst" yaml:"burst"`
}

// AutomationConfig 自动化引擎配置
type AutomationConfig struct {
	Scheduler       SchedulerConfig       `mapstructure:"scheduler" yaml:"scheduler"`
	Retry           RetryConfig           `mapstructure:"retry" yaml:"retry"`
	Dedup           DedupConfig           `mapstructure:"dedup" yaml:"dedup"`
	Webhook         WebhookEffectorConfig `mapstructure:"webhook" yaml:"webhook"`
	StaleAfter      time.Duration         `mapstructure:"stale_after" yaml:"stale_after"`
	MaintenanceCron string                `mapstructure:"maintenance_cron" yaml:"maintenance_cron"`
	RuleSyncCron    string                `mapstructure:"rule_sync_cron" yaml:"rule_sync_cron"`
	// IngestStreams are Redis streams fed into the engine; empty disables the listener.
	IngestStreams []string `mapstructure:"ingest_streams" yaml:"ingest_streams"`
	// IngestGroup is the consumer group every worker joins.
	IngestGroup string `mapstructure:"ingest_group" yaml:"ingest_group"`
}

type SchedulerConfig struct {
	Backend           string        `mapstructure:"backend" yaml:"backend"` // memory, redis
	Workers           int           `mapstructure:"workers" yaml:"workers"`
	Buffer            int           `mapstructure:"buffer" yaml:"buffer"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" yaml:"visibility_timeout"`
	QueueKey          string        `mapstructure:"queue_key" yaml:"queue_key"`
}

type RetryConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BackoffBase   time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffFactor float64       `mapstructure:"backoff_factor" yaml:"backoff_factor"`
	BackoffMax    time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
}

type DedupConfig struct {
	Backend   string        `mapstructure:"backend" yaml:"backend"` // database, redis
	KeyPrefix string        `mapstructure:"key_prefix" yaml:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl" yaml:"ttl"`             // redis only
	Retention time.Duration `mapstructure:"retention" yaml:"retention"` // database purge; 0 keeps forever
}

type WebhookEffectorConfig struct {
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
	BreakerFailures   uint32        `mapstructure:"breaker_failures" yaml:"breaker_failures"`
	BreakerTimeout    time.Duration `mapstructure:"breaker_timeout" yaml:"breaker_timeout"`
}

// Load 从 viper 读取配置，未设置的键保留默认值
func Load() (*Config, error) {
	cfg := GetDefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	switch c.Automation.Scheduler.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("automation.scheduler.backend: unknown backend %q", c.Automation.Scheduler.Backend)
	}
	switch c.Automation.Dedup.Backend {
	case "database", "redis":
	default:
		return fmt.Errorf("automation.dedup.backend: unknown backend %q", c.Automation.Dedup.Backend)
	}
	if c.Automation.Retry.MaxAttempts < 1 {
		return fmt.Errorf("automation.retry.max_attempts must be at least 1")
	}
	return nil
}

// NeedsRedis reports whether any configured component talks to Redis.
func (c *Config) NeedsRedis() bool {
	a := c.Automation
	return a.Scheduler.Backend == "redis" || a.Dedup.Backend == "redis" || len(a.IngestStreams) > 0
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "ruleflow",
			SSLMode:         "disable",
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: time.Hour,
		},
		Redis: RedisConfig{
			Host:         "localhost",
			Port:         6379,
			PoolSize:     10,
			MinIdleConns: 2,
		},
		JWT: JWTConfig{
			Secret:    "default-secret-key",
			ExpiresIn: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/ruleflow.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "ruleflow",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
				AllowedHeaders: []string{"*"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 600,
				Burst:             100,
			},
		},
		Automation: AutomationConfig{
			Scheduler: SchedulerConfig{
				Backend:           "memory",
				Workers:           4,
				Buffer:            256,
				PollInterval:      500 * time.Millisecond,
				VisibilityTimeout: 5 * time.Minute,
				QueueKey:          "ruleflow:jobs",
			},
			Retry: RetryConfig{
				MaxAttempts:   3,
				BackoffBase:   time.Second,
				BackoffFactor: 2,
				BackoffMax:    5 * time.Minute,
			},
			Dedup: DedupConfig{
				Backend:   "database",
				KeyPrefix: "ruleflow:dedup",
				TTL:       30 * 24 * time.Hour,
				Retention: 30 * 24 * time.Hour,
			},
			Webhook: WebhookEffectorConfig{
				Timeout:           10 * time.Second,
				RequestsPerSecond: 10,
				Burst:             20,
				BreakerFailures:   5,
				BreakerTimeout:    time.Minute,
			},
			StaleAfter:      10 * time.Minute,
			MaintenanceCron: "@every 5m",
			RuleSyncCron:    "@every 1m",
			IngestGroup:     "ruleflow",
		},
	}
}
