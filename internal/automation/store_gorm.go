package automation

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"ruleflow/internal/models"
)

// GormStore implements RuleStore and ExecutionStore on gorm.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

var (
	_ RuleStore      = (*GormStore)(nil)
	_ ExecutionStore = (*GormStore)(nil)
)

func (s *GormStore) CreateRule(ctx context.Context, rule *models.AutomationRule) error {
	return s.db.WithContext(ctx).Create(rule).Error
}

func (s *GormStore) UpdateRule(ctx context.Context, rule *models.AutomationRule) error {
	res := s.db.WithContext(ctx).
		Model(&models.AutomationRule{}).
		Where("id = ? AND tenant_id = ?", rule.ID, rule.TenantID).
		Select("name", "description", "trigger_type", "trigger_config", "conditions",
			"actions", "delay_policy", "priority", "status", "version", "updated_at").
		Updates(rule)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (s *GormStore) DeleteRule(ctx context.Context, tenantID string, id uint) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Delete(&models.AutomationRule{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (s *GormStore) GetRule(ctx context.Context, tenantID string, id uint) (*models.AutomationRule, error) {
	var rule models.AutomationRule
	err := s.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (s *GormStore) ListRules(ctx context.Context, f RuleFilter) ([]models.AutomationRule, int64, error) {
	page, size := NormalizePage(f.Page, f.PageSize)
	q := s.db.WithContext(ctx).Model(&models.AutomationRule{})
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.TriggerType != "" {
		q = q.Where("trigger_type = ?", f.TriggerType)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var rules []models.AutomationRule
	if err := q.Order("priority DESC").Order("id DESC").
		Offset((page - 1) * size).Limit(size).
		Find(&rules).Error; err != nil {
		return nil, 0, err
	}
	return rules, total, nil
}

func (s *GormStore) FindActiveRules(ctx context.Context, tenantID, triggerType string) ([]models.AutomationRule, error) {
	var rules []models.AutomationRule
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND trigger_type = ? AND status = ?", tenantID, triggerType, models.RuleStatusActive).
		Order("priority DESC").Order("id ASC").
		Find(&rules).Error
	return rules, err
}

func (s *GormStore) FindScheduledRules(ctx context.Context) ([]models.AutomationRule, error) {
	var rules []models.AutomationRule
	err := s.db.WithContext(ctx).
		Where("trigger_type = ? AND status = ?", models.TriggerSchedule, models.RuleStatusActive).
		Order("id ASC").
		Find(&rules).Error
	return rules, err
}

func (s *GormStore) RuleStats(ctx context.Context, tenantID string) (*RuleStats, error) {
	var byStatus []struct {
		Status models.RuleStatus
		Count  int64
	}
	if err := s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Select("status, COUNT(*) AS count").
		Where("tenant_id = ?", tenantID).
		Group("status").
		Scan(&byStatus).Error; err != nil {
		return nil, err
	}
	stats := &RuleStats{}
	for _, row := range byStatus {
		stats.Total += row.Count
		switch row.Status {
		case models.RuleStatusActive:
			stats.Active = row.Count
		case models.RuleStatusPaused:
			stats.Paused = row.Count
		case models.RuleStatusDraft:
			stats.Draft = row.Count
		}
	}

	var sums struct {
		Runs      int64
		Successes int64
		Failures  int64
	}
	if err := s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Select("COALESCE(SUM(run_count), 0) AS runs, COALESCE(SUM(success_count), 0) AS successes, COALESCE(SUM(failure_count), 0) AS failures").
		Where("tenant_id = ?", tenantID).
		Scan(&sums).Error; err != nil {
		return nil, err
	}
	stats.Runs, stats.Successes, stats.Failures = sums.Runs, sums.Successes, sums.Failures
	if stats.Runs > 0 {
		stats.SuccessRate = float64(stats.Successes) / float64(stats.Runs)
	}
	return stats, nil
}

func (s *GormStore) CreateExecution(ctx context.Context, rec *models.ExecutionRecord) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *GormStore) GetExecution(ctx context.Context, id uint) (*models.ExecutionRecord, error) {
	var rec models.ExecutionRecord
	err := s.db.WithContext(ctx).First(&rec, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *GormStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]models.ExecutionRecord, int64, error) {
	page, size := NormalizePage(f.Page, f.PageSize)
	q := s.db.WithContext(ctx).Model(&models.ExecutionRecord{})
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if f.RuleID != 0 {
		q = q.Where("rule_id = ?", f.RuleID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var recs []models.ExecutionRecord
	if err := q.Order("id DESC").Offset((page - 1) * size).Limit(size).Find(&recs).Error; err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

func (s *GormStore) ClaimExecution(ctx context.Context, id uint, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.ExecutionRecord{}).
		Where("id = ? AND status IN ?", id, []models.ExecutionStatus{models.ExecutionPending, models.ExecutionWaiting}).
		UpdateColumns(map[string]interface{}{
			"status":       models.ExecutionRunning,
			"started_at":   gorm.Expr("COALESCE(started_at, ?)", now),
			"next_wake_at": nil,
			"updated_at":   now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) SaveProgress(ctx context.Context, rec *models.ExecutionRecord) error {
	return s.db.WithContext(ctx).Model(&models.ExecutionRecord{}).
		Where("id = ? AND status = ?", rec.ID, models.ExecutionRunning).
		UpdateColumns(map[string]interface{}{
			"steps":        rec.Steps,
			"current_step": rec.CurrentStep,
			"resume_path":  rec.ResumePath,
			"updated_at":   time.Now(),
		}).Error
}

func (s *GormStore) SuspendExecution(ctx context.Context, rec *models.ExecutionRecord) error {
	return s.db.WithContext(ctx).Model(&models.ExecutionRecord{}).
		Where("id = ? AND status = ?", rec.ID, models.ExecutionRunning).
		UpdateColumns(map[string]interface{}{
			"status":       models.ExecutionWaiting,
			"steps":        rec.Steps,
			"current_step": rec.CurrentStep,
			"resume_path":  rec.ResumePath,
			"next_wake_at": rec.NextWakeAt,
			"updated_at":   time.Now(),
		}).Error
}

func (s *GormStore) ReleaseExecution(ctx context.Context, rec *models.ExecutionRecord) error {
	return s.db.WithContext(ctx).Model(&models.ExecutionRecord{}).
		Where("id = ? AND status = ?", rec.ID, models.ExecutionRunning).
		UpdateColumns(map[string]interface{}{
			"status":       models.ExecutionPending,
			"steps":        rec.Steps,
			"current_step": rec.CurrentStep,
			"resume_path":  rec.ResumePath,
			"retry_count":  rec.RetryCount,
			"last_error":   rec.LastError,
			"updated_at":   time.Now(),
		}).Error
}

func (s *GormStore) FinishExecution(ctx context.Context, rec *models.ExecutionRecord) (bool, error) {
	return s.closeExecution(ctx, rec, []models.ExecutionStatus{models.ExecutionRunning})
}

func (s *GormStore) ExhaustExecution(ctx context.Context, rec *models.ExecutionRecord) (bool, error) {
	return s.closeExecution(ctx, rec, []models.ExecutionStatus{models.ExecutionPending, models.ExecutionWaiting})
}

// closeExecution writes the terminal state and the rule counters atomically;
// the status guard makes the counter bump happen at most once per record.
func (s *GormStore) closeExecution(ctx context.Context, rec *models.ExecutionRecord, from []models.ExecutionStatus) (bool, error) {
	won := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ExecutionRecord{}).
			Where("id = ? AND status IN ?", rec.ID, from).
			UpdateColumns(map[string]interface{}{
				"status":       rec.Status,
				"steps":        rec.Steps,
				"current_step": rec.CurrentStep,
				"resume_path":  rec.ResumePath,
				"retry_count":  rec.RetryCount,
				"last_error":   rec.LastError,
				"next_wake_at": nil,
				"completed_at": rec.CompletedAt,
				"duration_ms":  rec.DurationMs,
				"updated_at":   time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		won = true

		now := time.Now()
		if rec.CompletedAt != nil {
			now = *rec.CompletedAt
		}
		counters := map[string]interface{}{
			"run_count":   gorm.Expr("run_count + 1"),
			"last_run_at": now,
		}
		if rec.Status == models.ExecutionCompleted {
			counters["success_count"] = gorm.Expr("success_count + 1")
		} else {
			counters["failure_count"] = gorm.Expr("failure_count + 1")
		}
		return tx.Model(&models.AutomationRule{}).
			Where("id = ?", rec.RuleID).
			UpdateColumns(counters).Error
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

func (s *GormStore) TransitionExecution(ctx context.Context, id uint, from []models.ExecutionStatus, to models.ExecutionStatus) (bool, error) {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now(),
	}
	if to.IsTerminal() {
		updates["next_wake_at"] = nil
		updates["completed_at"] = time.Now()
	}
	res := s.db.WithContext(ctx).Model(&models.ExecutionRecord{}).
		Where("id = ? AND status IN ?", id, from).
		UpdateColumns(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) ListResumable(ctx context.Context, limit int) ([]models.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	var recs []models.ExecutionRecord
	err := s.db.WithContext(ctx).
		Where("status IN ?", []models.ExecutionStatus{models.ExecutionPending, models.ExecutionWaiting}).
		Order("id ASC").Limit(limit).
		Find(&recs).Error
	return recs, err
}

func (s *GormStore) ListOverdue(ctx context.Context, before time.Time, limit int) ([]models.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []models.ExecutionRecord
	err := s.db.WithContext(ctx).
		Where("status = ? AND next_wake_at < ?", models.ExecutionWaiting, before).
		Order("next_wake_at ASC").Limit(limit).
		Find(&recs).Error
	return recs, err
}

func (s *GormStore) RequeueStale(ctx context.Context, before time.Time, limit int) ([]models.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var stale []models.ExecutionRecord
	if err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.ExecutionRunning, before).
		Order("id ASC").Limit(limit).
		Find(&stale).Error; err != nil {
		return nil, err
	}
	released := make([]models.ExecutionRecord, 0, len(stale))
	for _, rec := range stale {
		res := s.db.WithContext(ctx).Model(&models.ExecutionRecord{}).
			Where("id = ? AND status = ? AND updated_at < ?", rec.ID, models.ExecutionRunning, before).
			UpdateColumns(map[string]interface{}{
				"status":     models.ExecutionPending,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return released, res.Error
		}
		if res.RowsAffected == 1 {
			rec.Status = models.ExecutionPending
			released = append(released, rec)
		}
	}
	return released, nil
}
