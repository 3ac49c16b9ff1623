package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"ruleflow/internal/automation"
	"ruleflow/internal/config"
	"ruleflow/internal/database"
	"ruleflow/internal/effectors"
	"ruleflow/internal/observability"
)

// app holds the long-lived components shared by run and worker.
type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	db       *gorm.DB
	redis    redis.UniversalClient
	engine   *automation.Engine
	cron     *automation.Cron
	listener *automation.Listener

	shutdownTracing func(context.Context) error
}

// loadConfig 读取配置并初始化日志
func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := config.InitLogger(cfg, "ruleflow")
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

// newApp connects storage and builds the engine without starting anything.
func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	a.logger.WithFields(logrus.Fields(currentBuild().fields())).Info("starting ruleflow")

	shutdown, err := observability.SetupTracing(ctx, cfg)
	if err != nil {
		// 链路追踪失败不影响启动
		a.logger.WithError(err).Warn("tracing disabled")
		shutdown = func(context.Context) error { return nil }
	}
	a.shutdownTracing = shutdown

	a.db, err = database.Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(a.db); err != nil {
		return nil, err
	}

	if cfg.NeedsRedis() {
		a.redis, err = database.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
	}

	a.engine, err = buildEngine(cfg, a.db, a.redis, a.logger)
	if err != nil {
		return nil, err
	}
	a.cron = automation.NewCron(a.engine, automation.CronOptions{
		RuleSync:       cfg.Automation.RuleSyncCron,
		Maintenance:    cfg.Automation.MaintenanceCron,
		StaleAfter:     cfg.Automation.StaleAfter,
		DedupRetention: cfg.Automation.Dedup.Retention,
	}, a.logger)
	if len(cfg.Automation.IngestStreams) > 0 {
		a.listener = automation.NewListener(a.redis, a.engine, automation.ListenerOptions{
			Streams: cfg.Automation.IngestStreams,
			Group:   cfg.Automation.IngestGroup,
		}, a.logger)
	}
	return a, nil
}

// buildEngine picks the scheduler and dedup backends from config.
func buildEngine(cfg *config.Config, db *gorm.DB, rdb redis.UniversalClient, logger *logrus.Logger) (*automation.Engine, error) {
	scheduler, err := buildScheduler(cfg.Automation.Scheduler, rdb, logger)
	if err != nil {
		return nil, err
	}
	dedup, err := buildDedupStore(cfg.Automation.Dedup, db, rdb)
	if err != nil {
		return nil, err
	}

	wh := cfg.Automation.Webhook
	registry, err := effectors.NewRegistry(db, nil, effectors.WebhookOptions{
		Timeout:           wh.Timeout,
		RequestsPerSecond: wh.RequestsPerSecond,
		Burst:             wh.Burst,
		BreakerFailures:   wh.BreakerFailures,
		BreakerTimeout:    wh.BreakerTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	store := automation.NewGormStore(db)
	retry := cfg.Automation.Retry
	return automation.NewEngine(store, store, dedup, scheduler, registry, automation.Options{
		MaxAttempts: retry.MaxAttempts,
		Backoff: automation.BackoffPolicy{
			Base:   retry.BackoffBase,
			Factor: retry.BackoffFactor,
			Max:    retry.BackoffMax,
		},
	}, logger)
}

func buildScheduler(cfg config.SchedulerConfig, rdb redis.UniversalClient, logger *logrus.Logger) (automation.Scheduler, error) {
	switch cfg.Backend {
	case "", "memory":
		return automation.NewMemoryScheduler(cfg.Workers, cfg.Buffer, logger), nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis scheduler requires a redis client")
		}
		return automation.NewRedisScheduler(rdb, automation.RedisSchedulerOptions{
			Prefix:            cfg.QueueKey,
			Workers:           cfg.Workers,
			PollInterval:      cfg.PollInterval,
			VisibilityTimeout: cfg.VisibilityTimeout,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown scheduler backend %q", cfg.Backend)
	}
}

func buildDedupStore(cfg config.DedupConfig, db *gorm.DB, rdb redis.UniversalClient) (automation.DedupStore, error) {
	switch cfg.Backend {
	case "", "database":
		return automation.NewGormDedupStore(db), nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis dedup store requires a redis client")
		}
		return automation.NewRedisDedupStore(rdb, cfg.KeyPrefix, cfg.TTL), nil
	default:
		return nil, fmt.Errorf("unknown dedup backend %q", cfg.Backend)
	}
}

// startBackground starts the engine workers, the cron clock and the listener.
func (a *app) startBackground(ctx context.Context) error {
	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	if err := a.cron.Start(ctx); err != nil {
		return err
	}
	if a.listener != nil {
		go func() {
			if err := a.listener.Start(ctx); err != nil {
				a.logger.WithError(err).Error("event listener stopped")
			}
		}()
	}
	return nil
}

// close 按启动的逆序释放资源
func (a *app) close(ctx context.Context) {
	if a.cron != nil {
		a.cron.Stop()
	}
	if a.engine != nil {
		if err := a.engine.Close(); err != nil {
			a.logger.WithError(err).Warn("close engine")
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			a.logger.WithError(err).Warn("shutdown tracing")
		}
	}
}
