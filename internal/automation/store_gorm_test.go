package automation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleflow/internal/models"
)

func TestGormStore_RuleCRUDIsTenantScoped(t *testing.T) {
	store := NewGormStore(newTestDB(t))
	ctx := context.Background()

	rule := &models.AutomationRule{
		TenantID:    "t1",
		Name:        "welcome",
		TriggerType: models.TriggerContactCreated,
		Actions:     models.ActionList{tagAction("new")},
		Status:      models.RuleStatusActive,
	}
	require.NoError(t, store.CreateRule(ctx, rule))

	got, err := store.GetRule(ctx, "t1", rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "welcome", got.Name)
	require.Len(t, got.Actions, 1)
	assert.Equal(t, "new", got.Actions[0].Tag.Name)
	assert.Equal(t, 1, got.Version)

	_, err = store.GetRule(ctx, "t2", rule.ID)
	assert.ErrorIs(t, err, ErrRuleNotFound)

	other := *got
	other.TenantID = "t2"
	assert.ErrorIs(t, store.UpdateRule(ctx, &other), ErrRuleNotFound)
	assert.ErrorIs(t, store.DeleteRule(ctx, "t2", rule.ID), ErrRuleNotFound)

	got.Name = "renamed"
	got.Status = models.RuleStatusPaused
	require.NoError(t, store.UpdateRule(ctx, got))
	got, err = store.GetRule(ctx, "t1", rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, models.RuleStatusPaused, got.Status)

	require.NoError(t, store.DeleteRule(ctx, "t1", rule.ID))
	_, err = store.GetRule(ctx, "t1", rule.ID)
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestGormStore_FindActiveRulesOrdersByPriority(t *testing.T) {
	store := NewGormStore(newTestDB(t))
	ctx := context.Background()
	for _, r := range []models.AutomationRule{
		{TenantID: "t1", Name: "low", TriggerType: models.TriggerOrderCreated, Priority: 1, Status: models.RuleStatusActive},
		{TenantID: "t1", Name: "high", TriggerType: models.TriggerOrderCreated, Priority: 10, Status: models.RuleStatusActive},
		{TenantID: "t1", Name: "paused", TriggerType: models.TriggerOrderCreated, Priority: 99, Status: models.RuleStatusPaused},
		{TenantID: "t1", Name: "other trigger", TriggerType: models.TriggerOrderPaid, Priority: 50, Status: models.RuleStatusActive},
		{TenantID: "t2", Name: "other tenant", TriggerType: models.TriggerOrderCreated, Priority: 50, Status: models.RuleStatusActive},
		{TenantID: "t1", Name: "mid", TriggerType: models.TriggerOrderCreated, Priority: 5, Status: models.RuleStatusActive},
	} {
		r := r
		require.NoError(t, store.CreateRule(ctx, &r))
	}

	rules, err := store.FindActiveRules(ctx, "t1", models.TriggerOrderCreated)
	require.NoError(t, err)
	names := make([]string, 0, len(rules))
	for _, r := range rules {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"high", "mid", "low"}, names)
}

func TestGormStore_RuleStats(t *testing.T) {
	db := newTestDB(t)
	store := NewGormStore(db)
	ctx := context.Background()
	for _, r := range []models.AutomationRule{
		{TenantID: "t1", Name: "a", TriggerType: models.TriggerOrderCreated, Status: models.RuleStatusActive, RunCount: 4, SuccessCount: 3, FailureCount: 1},
		{TenantID: "t1", Name: "b", TriggerType: models.TriggerOrderCreated, Status: models.RuleStatusPaused, RunCount: 4, SuccessCount: 3, FailureCount: 1},
		{TenantID: "t1", Name: "c", TriggerType: models.TriggerOrderCreated, Status: models.RuleStatusDraft},
		{TenantID: "t2", Name: "d", TriggerType: models.TriggerOrderCreated, Status: models.RuleStatusActive, RunCount: 10},
	} {
		r := r
		require.NoError(t, store.CreateRule(ctx, &r))
	}

	stats, err := store.RuleStats(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(1), stats.Active)
	assert.Equal(t, int64(1), stats.Paused)
	assert.Equal(t, int64(1), stats.Draft)
	assert.Equal(t, int64(8), stats.Runs)
	assert.InDelta(t, 0.75, stats.SuccessRate, 1e-9)

	empty, err := store.RuleStats(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.Zero(t, empty.SuccessRate)
}

func newRunningExecution(t *testing.T, store *GormStore, ruleID uint) *models.ExecutionRecord {
	t.Helper()
	rec := &models.ExecutionRecord{
		TenantID: "t1",
		RuleID:   ruleID,
		Actions:  models.ActionList{tagAction("x")},
		Status:   models.ExecutionPending,
	}
	require.NoError(t, store.CreateExecution(context.Background(), rec))
	ok, err := store.ClaimExecution(context.Background(), rec.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	rec.Status = models.ExecutionRunning
	return rec
}

func TestGormStore_ClaimIsExclusive(t *testing.T) {
	store := NewGormStore(newTestDB(t))
	rec := &models.ExecutionRecord{TenantID: "t1", RuleID: 1, Status: models.ExecutionPending}
	require.NoError(t, store.CreateExecution(context.Background(), rec))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ClaimExecution(context.Background(), rec.ID, time.Now())
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	got, err := store.GetExecution(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, got.Status)
	assert.NotNil(t, got.StartedAt)
}

func TestGormStore_FinishBumpsCountersOnce(t *testing.T) {
	store := NewGormStore(newTestDB(t))
	ctx := context.Background()
	rule := &models.AutomationRule{TenantID: "t1", Name: "r", TriggerType: models.TriggerOrderCreated, Status: models.RuleStatusActive}
	require.NoError(t, store.CreateRule(ctx, rule))

	rec := newRunningExecution(t, store, rule.ID)
	now := time.Now()
	rec.Status = models.ExecutionCompleted
	rec.CompletedAt = &now

	won, err := store.FinishExecution(ctx, rec)
	require.NoError(t, err)
	assert.True(t, won)
	won, err = store.FinishExecution(ctx, rec)
	require.NoError(t, err)
	assert.False(t, won)

	rec.Status = models.ExecutionFailed
	won, err = store.ExhaustExecution(ctx, rec)
	require.NoError(t, err)
	assert.False(t, won)

	got, err := store.GetRule(ctx, "t1", rule.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.RunCount)
	assert.Equal(t, int64(1), got.SuccessCount)
	assert.Equal(t, int64(0), got.FailureCount)
	require.NotNil(t, got.LastRunAt)

	stored, err := store.GetExecution(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, stored.Status)
}

func TestGormStore_ProgressWritesRequireRunning(t *testing.T) {
	store := NewGormStore(newTestDB(t))
	ctx := context.Background()
	rec := newRunningExecution(t, store, 1)

	rec.Steps = models.StepOutcomeList{{Index: 0, Path: "0", Kind: models.ActionAddTag, Status: models.StepSuccess}}
	rec.ResumePath = models.IndexPath{1}
	rec.CurrentStep = 1
	require.NoError(t, store.SaveProgress(ctx, rec))

	wake := time.Now().Add(time.Hour)
	rec.NextWakeAt = &wake
	require.NoError(t, store.SuspendExecution(ctx, rec))

	got, err := store.GetExecution(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionWaiting, got.Status)
	assert.Len(t, got.Steps, 1)
	assert.Equal(t, models.IndexPath{1}, got.ResumePath)
	require.NotNil(t, got.NextWakeAt)

	// not running any more: progress writes are ignored
	rec.Steps = append(rec.Steps, models.StepOutcome{Index: 1})
	require.NoError(t, store.SaveProgress(ctx, rec))
	got, err = store.GetExecution(ctx, rec.ID)
	require.NoError(t, err)
	assert.Len(t, got.Steps, 1)

	overdue, err := store.ListOverdue(ctx, wake.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, overdue, 1)
	overdue, err = store.ListOverdue(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, overdue)
}

func TestGormStore_ListExecutionsPaginates(t *testing.T) {
	store := NewGormStore(newTestDB(t))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.CreateExecution(ctx, &models.ExecutionRecord{TenantID: "t1", RuleID: 7, Status: models.ExecutionPending}))
	}
	require.NoError(t, store.CreateExecution(ctx, &models.ExecutionRecord{TenantID: "t1", RuleID: 8, Status: models.ExecutionPending}))
	require.NoError(t, store.CreateExecution(ctx, &models.ExecutionRecord{TenantID: "t2", RuleID: 7, Status: models.ExecutionPending}))

	recs, total, err := store.ListExecutions(ctx, ExecutionFilter{TenantID: "t1", RuleID: 7, Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, recs, 2)
	assert.Greater(t, recs[0].ID, recs[1].ID)
}
