// Package database opens the Postgres and Redis connections the service runs on.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"

	"ruleflow/internal/config"
	"ruleflow/internal/models"
)

// Open 连接 Postgres 并按配置设置连接池
func Open(cfg *config.Config) (*gorm.DB, error) {
	level := logger.Warn
	if cfg.Log.Level == "debug" {
		level = logger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := Configure(db, cfg); err != nil {
		return nil, err
	}
	return db, nil
}

// Configure applies pool limits and, when tracing is on, the gorm otel plugin.
func Configure(db *gorm.DB, cfg *config.Config) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}
	if cfg.Database.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}
	// GORM OTel 插件
	if cfg.Monitoring.Tracing.Enabled {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			return fmt.Errorf("gorm tracing plugin: %w", err)
		}
	}
	return nil
}

// indexes are the composite indexes the hot queries rely on.
var indexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_executions_rule_created ON execution_records(rule_id, created_at)",
	"CREATE INDEX IF NOT EXISTS idx_executions_status_updated ON execution_records(status, updated_at)",
	"CREATE INDEX IF NOT EXISTS idx_contacts_agent ON contacts(tenant_id, assigned_agent_id)",
}

// Migrate 自动迁移所有模型并创建附加索引
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	for _, stmt := range indexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// NewRedis builds a client from config and checks it answers.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr(), err)
	}
	logrus.WithField("addr", cfg.Addr()).Info("Redis connected")
	return client, nil
}
