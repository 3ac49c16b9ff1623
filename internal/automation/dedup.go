package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ruleflow/internal/metrics"
	"ruleflow/internal/models"
)

// ErrDuplicateEvent marks a delivery whose (tenant, provider, event id) was already claimed.
var ErrDuplicateEvent = errors.New("duplicate event")

// ExternalEvent is a delivery from a third-party webhook source.
type ExternalEvent struct {
	Provider string                 `json:"provider"`
	EventID  string                 `json:"event_id"`
	Topic    string                 `json:"topic"`
	TenantID string                 `json:"tenant_id"`
	Payload  map[string]interface{} `json:"payload"`
}

// DedupKey identifies one delivery. Providers number events per store or
// account, so the same id from two tenants is two events.
type DedupKey struct {
	TenantID string
	Provider string
	EventID  string
}

func (ev ExternalEvent) Key() DedupKey {
	return DedupKey{TenantID: ev.TenantID, Provider: ev.Provider, EventID: ev.EventID}
}

// GuardOutcome 去重结果
type GuardOutcome string

const (
	OutcomeProcessed GuardOutcome = "processed"
	OutcomeDuplicate GuardOutcome = "duplicate"
	OutcomeFailed    GuardOutcome = "failed"
)

// DedupStore claims (tenant, provider, event id) keys. Claim must be atomic:
// of any number of concurrent callers exactly one gets true.
type DedupStore interface {
	Claim(ctx context.Context, rec *models.DeduplicationRecord) (bool, error)
	// MarkSeen records another sighting of an already claimed event.
	MarkSeen(ctx context.Context, key DedupKey, at time.Time) error
	// Complete stores the outcome of the winning delivery.
	Complete(ctx context.Context, key DedupKey, procErr error, at time.Time) error
	// Purge drops records first seen before the cutoff.
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Guard runs a handler at most once per external event.
type Guard struct {
	store  DedupStore
	logger *logrus.Logger
	now    func() time.Time
}

func NewGuard(store DedupStore, logger *logrus.Logger) *Guard {
	if logger == nil {
		logger = logrus.New()
	}
	return &Guard{store: store, logger: logger, now: time.Now}
}

// Process claims ev before fn runs. Losers get OutcomeDuplicate and a nil
// error. The claim stands whatever fn returns, so a failed first delivery is
// never replayed by a retry from the provider.
func (g *Guard) Process(ctx context.Context, ev ExternalEvent, fn func(ctx context.Context) error) (GuardOutcome, error) {
	if ev.Provider == "" || ev.EventID == "" {
		return "", fmt.Errorf("%w: provider and event id are required", ErrInvalidEvent)
	}
	key := ev.Key()
	entry := g.logger.WithFields(logrus.Fields{
		"tenant_id": ev.TenantID,
		"provider":  ev.Provider,
		"event_id":  ev.EventID,
		"topic":     ev.Topic,
	})

	now := g.now()
	won, err := g.store.Claim(ctx, &models.DeduplicationRecord{
		Provider:    ev.Provider,
		EventID:     ev.EventID,
		Topic:       ev.Topic,
		TenantID:    ev.TenantID,
		Attempts:    1,
		FirstSeenAt: now,
		LastSeenAt:  now,
	})
	if err != nil {
		return "", fmt.Errorf("claim event: %w", err)
	}
	if !won {
		if err := g.store.MarkSeen(ctx, key, now); err != nil {
			entry.WithError(err).Warn("dedup: could not record sighting")
		}
		metrics.ObserveDedup(ev.Provider, string(OutcomeDuplicate))
		entry.Info("dedup: duplicate delivery ignored")
		return OutcomeDuplicate, nil
	}
	metrics.ObserveDedup(ev.Provider, "new")

	procErr := fn(ctx)
	if err := g.store.Complete(context.WithoutCancel(ctx), key, procErr, g.now()); err != nil {
		entry.WithError(err).Error("dedup: could not record outcome")
	}
	if procErr != nil {
		entry.WithError(procErr).Warn("dedup: event processing failed")
		return OutcomeFailed, procErr
	}
	return OutcomeProcessed, nil
}

// Purge removes records older than retention.
func (g *Guard) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := g.store.Purge(ctx, g.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		g.logger.WithField("count", n).Info("dedup: purged old records")
	}
	return n, nil
}

// GormDedupStore keeps records in the deduplication_records table; the
// unique (tenant_id, provider, event_id) index makes Claim atomic.
type GormDedupStore struct {
	db *gorm.DB
}

func NewGormDedupStore(db *gorm.DB) *GormDedupStore {
	return &GormDedupStore{db: db}
}

func (s *GormDedupStore) Claim(ctx context.Context, rec *models.DeduplicationRecord) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "provider"}, {Name: "event_id"}},
			DoNothing: true,
		}).
		Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormDedupStore) scoped(ctx context.Context, key DedupKey) *gorm.DB {
	return s.db.WithContext(ctx).Model(&models.DeduplicationRecord{}).
		Where("tenant_id = ? AND provider = ? AND event_id = ?", key.TenantID, key.Provider, key.EventID)
}

func (s *GormDedupStore) MarkSeen(ctx context.Context, key DedupKey, at time.Time) error {
	return s.scoped(ctx, key).
		UpdateColumns(map[string]interface{}{
			"attempts":     gorm.Expr("attempts + 1"),
			"last_seen_at": at,
		}).Error
}

func (s *GormDedupStore) Complete(ctx context.Context, key DedupKey, procErr error, at time.Time) error {
	updates := map[string]interface{}{
		"processed":    procErr == nil,
		"processed_at": at,
		"error":        "",
	}
	if procErr != nil {
		updates["error"] = procErr.Error()
	}
	return s.scoped(ctx, key).
		UpdateColumns(updates).Error
}

func (s *GormDedupStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("first_seen_at < ?", before).
		Delete(&models.DeduplicationRecord{})
	return res.RowsAffected, res.Error
}

// Get 查询去重记录
func (s *GormDedupStore) Get(ctx context.Context, key DedupKey) (*models.DeduplicationRecord, error) {
	var rec models.DeduplicationRecord
	err := s.scoped(ctx, key).First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// RedisDedupStore claims with SET NX and lets keys expire after ttl.
// Each event is a hash holding status, error and sighting count.
type RedisDedupStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisDedupStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisDedupStore {
	if prefix == "" {
		prefix = "ruleflow:dedup"
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &RedisDedupStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisDedupStore) key(k DedupKey) string {
	return fmt.Sprintf("%s:%s:%s:%s", s.prefix, k.TenantID, k.Provider, k.EventID)
}

// Claim is decided by SET NX alone. Once it is won the event must be
// processed, so a failure writing the details hash is only logged.
func (s *RedisDedupStore) Claim(ctx context.Context, rec *models.DeduplicationRecord) (bool, error) {
	key := s.key(DedupKey{TenantID: rec.TenantID, Provider: rec.Provider, EventID: rec.EventID})
	ok, err := s.client.SetNX(ctx, key, rec.FirstSeenAt.UTC().Format(time.RFC3339Nano), s.ttl).Result()
	if err != nil || !ok {
		return false, err
	}
	meta := key + ":meta"
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, meta, map[string]interface{}{
		"topic":     rec.Topic,
		"tenant_id": rec.TenantID,
		"status":    "processing",
		"attempts":  1,
	})
	pipe.Expire(ctx, meta, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		logrus.WithError(err).WithField("key", key).Warn("dedup: could not write claim details")
	}
	return true, nil
}

func (s *RedisDedupStore) MarkSeen(ctx context.Context, key DedupKey, at time.Time) error {
	meta := s.key(key) + ":meta"
	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, meta, "attempts", 1)
	pipe.HSet(ctx, meta, "last_seen_at", at.UTC().Format(time.RFC3339Nano))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisDedupStore) Complete(ctx context.Context, key DedupKey, procErr error, at time.Time) error {
	meta := s.key(key) + ":meta"
	fields := map[string]interface{}{
		"status":       string(OutcomeProcessed),
		"processed_at": at.UTC().Format(time.RFC3339Nano),
	}
	if procErr != nil {
		fields["status"] = string(OutcomeFailed)
		fields["error"] = procErr.Error()
	}
	return s.client.HSet(ctx, meta, fields).Err()
}

// Purge is a no-op; Redis expires keys on its own.
func (s *RedisDedupStore) Purge(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// Sightings returns how many deliveries of the event were seen.
func (s *RedisDedupStore) Sightings(ctx context.Context, key DedupKey) (int64, error) {
	n, err := s.client.HGet(ctx, s.key(key)+":meta", "attempts").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

var (
	_ DedupStore = (*GormDedupStore)(nil)
	_ DedupStore = (*RedisDedupStore)(nil)
)
