package automation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleflow/internal/models"
)

func TestDispatcher_SkipsWithoutRecord(t *testing.T) {
	h := newHarness(t)
	h.createRule(t, &models.AutomationRule{
		TriggerType: models.TriggerKeywordReceived,
		TriggerConfig: models.TriggerConfig{
			Keywords: []string{"refund"},
		},
		Actions: models.ActionList{tagAction("refund")},
	})

	res, err := h.dispatcher.Dispatch(context.Background(), Event{
		TenantID: "t1", TriggerType: models.TriggerKeywordReceived,
		Data: map[string]interface{}{"message": "hello there"},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Matched)
	assert.Len(t, res.Skipped, 1)
	assert.Zero(t, h.sched.len())

	var count int64
	h.db.Model(&models.ExecutionRecord{}).Count(&count)
	assert.Zero(t, count)
}

func TestDispatcher_PriorityOrderAndSnapshot(t *testing.T) {
	h := newHarness(t)
	low := h.createRule(t, &models.AutomationRule{
		Name: "low", TriggerType: models.TriggerOrderCreated, Priority: 1,
		Actions: models.ActionList{tagAction("low")},
	})
	high := h.createRule(t, &models.AutomationRule{
		Name: "high", TriggerType: models.TriggerOrderCreated, Priority: 9,
		Actions: models.ActionList{tagAction("high")},
	})

	res, err := h.dispatcher.Dispatch(context.Background(), Event{
		TenantID: "t1", TriggerType: models.TriggerOrderCreated, SubjectID: 7,
		Data: map[string]interface{}{"order_id": "A-100"},
	})
	require.NoError(t, err)
	assert.Equal(t, []uint{high.ID, low.ID}, res.Matched)
	require.Len(t, res.Executions, 2)

	rec := h.execution(t, res.Executions[0])
	assert.Equal(t, models.ExecutionPending, rec.Status)
	assert.Equal(t, high.ID, rec.RuleID)
	assert.Equal(t, uint(7), rec.SubjectID)
	assert.Equal(t, "A-100", rec.EventData["order_id"])
	assert.Equal(t, 1, rec.RuleVersion)
	require.Len(t, rec.Actions, 1)
	assert.Equal(t, "high", rec.Actions[0].Tag.Name)
	assert.Empty(t, rec.Steps)

	require.Equal(t, 2, h.sched.len())
	first := h.sched.jobs[0]
	assert.Equal(t, time.Duration(0), first.delay)
	assert.Equal(t, 3, first.job.MaxAttempts)
	assert.Equal(t, time.Second, first.job.Backoff.Base)

	// dispatch never touches counters
	assert.Zero(t, h.rule(t, high.ID).RunCount)
}

func TestDispatcher_DelayPolicies(t *testing.T) {
	h := newHarness(t)
	h.createRule(t, &models.AutomationRule{
		TriggerType: models.TriggerCartAbandoned,
		DelayPolicy: models.DelayPolicy{Type: models.DelayFixed, Seconds: 3600},
		Actions:     models.ActionList{messageAction("forgot something?")},
	})
	h.createRule(t, &models.AutomationRule{
		TriggerType: models.TriggerCartAbandoned,
		DelayPolicy: models.DelayPolicy{Type: models.DelayScheduledTime, Time: "10:00"},
		Actions:     models.ActionList{messageAction("morning digest")},
	})

	res, err := h.dispatcher.Dispatch(context.Background(), Event{TenantID: "t1", TriggerType: models.TriggerCartAbandoned})
	require.NoError(t, err)
	require.Len(t, res.Executions, 2)

	delays := []time.Duration{h.sched.jobs[0].delay, h.sched.jobs[1].delay}
	assert.ElementsMatch(t, []time.Duration{time.Hour, time.Hour}, delays)

	// a premature delivery of a delayed start is ignored
	rec := h.execution(t, res.Executions[0])
	require.NotNil(t, rec.NextWakeAt)
	require.NoError(t, h.executor.HandleJob(context.Background(), NewJob(rec.ID, 0, 3, DefaultBackoff())))
	assert.Equal(t, models.ExecutionPending, h.execution(t, rec.ID).Status)

	h.pump(t, 10)
	assert.Equal(t, 2, h.effectors.count())
}

func TestDispatcher_OneRuleFailureDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t)
	bad := h.createRule(t, &models.AutomationRule{
		Name: "bad", TriggerType: models.TriggerOrderCreated, Priority: 5,
		DelayPolicy: models.DelayPolicy{Type: models.DelayScheduledTime, Time: "nope"},
		Actions:     models.ActionList{tagAction("x")},
	})
	good := h.createRule(t, &models.AutomationRule{
		Name: "good", TriggerType: models.TriggerOrderCreated, Priority: 1,
		Actions: models.ActionList{tagAction("y")},
	})

	res, err := h.dispatcher.Dispatch(context.Background(), Event{TenantID: "t1", TriggerType: models.TriggerOrderCreated})
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, bad.ID, res.Failures[0].RuleID)
	require.Len(t, res.Executions, 1)
	assert.Equal(t, good.ID, h.execution(t, res.Executions[0]).RuleID)
	assert.Error(t, res.Err())
}

func TestDispatcher_EnqueueFailureFailsRecord(t *testing.T) {
	h := newHarness(t)
	rule := h.createRule(t, &models.AutomationRule{
		TriggerType: models.TriggerOrderCreated,
		Actions:     models.ActionList{tagAction("x")},
	})
	h.sched.err = errors.New("queue down")

	res, err := h.dispatcher.Dispatch(context.Background(), Event{TenantID: "t1", TriggerType: models.TriggerOrderCreated})
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Empty(t, res.Executions)

	var rec models.ExecutionRecord
	require.NoError(t, h.db.Where("rule_id = ?", rule.ID).First(&rec).Error)
	assert.Equal(t, models.ExecutionFailed, rec.Status)
	assert.Equal(t, int64(1), h.rule(t, rule.ID).FailureCount)
}

func TestDispatcher_RejectsIncompleteEvent(t *testing.T) {
	h := newHarness(t)
	_, err := h.dispatcher.Dispatch(context.Background(), Event{TriggerType: models.TriggerOrderCreated})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestDispatcher_DispatchRule(t *testing.T) {
	h := newHarness(t)
	rule := h.createRule(t, &models.AutomationRule{
		TriggerType: models.TriggerManual,
		Conditions:  models.ConditionList{{Field: "approved", Operator: models.OpEquals, Value: true}},
		Actions:     models.ActionList{tagAction("manual")},
	})
	ctx := context.Background()

	res, err := h.dispatcher.DispatchRule(ctx, rule, Event{}, false)
	require.NoError(t, err)
	assert.Empty(t, res.Executions)

	res, err = h.dispatcher.DispatchRule(ctx, rule, Event{}, true)
	require.NoError(t, err)
	require.Len(t, res.Executions, 1)
	assert.Equal(t, models.TriggerManual, h.execution(t, res.Executions[0]).TriggerType)

	_, err = h.dispatcher.DispatchRule(ctx, rule, Event{TenantID: "t2"}, true)
	assert.ErrorIs(t, err, ErrInvalidEvent)
}
