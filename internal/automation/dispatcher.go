package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ruleflow/internal/metrics"
	"ruleflow/internal/models"
)

// ErrInvalidEvent rejects events missing their tenant or trigger type.
var ErrInvalidEvent = errors.New("invalid event")

// Event is an internal business event offered to the tenant's rules.
type Event struct {
	TenantID    string                 `json:"tenant_id"`
	TriggerType string                 `json:"trigger_type"`
	SubjectID   uint                   `json:"subject_id,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// RuleFailure records a rule whose dispatch failed after matching.
type RuleFailure struct {
	RuleID uint   `json:"rule_id"`
	Error  string `json:"error"`
}

// DispatchResult 一次事件分发的结果
type DispatchResult struct {
	Matched    []uint        `json:"matched"`
	Skipped    []uint        `json:"skipped"`
	Executions []uint        `json:"executions"`
	Failures   []RuleFailure `json:"failures,omitempty"`
}

// Err joins every per-rule failure, or nil.
func (r *DispatchResult) Err() error {
	if r == nil || len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, fmt.Errorf("rule %d: %s", f.RuleID, f.Error))
	}
	return errors.Join(errs...)
}

// DispatcherOptions sets the retry budget handed to the scheduler.
type DispatcherOptions struct {
	MaxAttempts int
	Backoff     BackoffPolicy
}

// Dispatcher matches events to active rules and schedules executions.
type Dispatcher struct {
	rules      RuleStore
	executions ExecutionStore
	scheduler  Scheduler
	opts       DispatcherOptions
	logger     *logrus.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

func NewDispatcher(rules RuleStore, executions ExecutionStore, scheduler Scheduler, opts DispatcherOptions, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	return &Dispatcher{
		rules:      rules,
		executions: executions,
		scheduler:  scheduler,
		opts:       opts,
		logger:     logger,
		tracer:     otel.Tracer("ruleflow.automation"),
		now:        time.Now,
	}
}

// Dispatch offers ev to every active rule of its tenant and trigger, highest
// priority first. A rule that fails to dispatch is reported in the result
// and does not stop the others; the returned error covers only the rule
// lookup.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (*DispatchResult, error) {
	ctx, span := d.tracer.Start(ctx, "automation.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", ev.TenantID),
		attribute.String("trigger.type", ev.TriggerType),
	)

	if ev.TenantID == "" || ev.TriggerType == "" {
		return nil, fmt.Errorf("%w: tenant and trigger type are required", ErrInvalidEvent)
	}
	rules, err := d.rules.FindActiveRules(ctx, ev.TenantID, ev.TriggerType)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("find rules: %w", err)
	}

	result := &DispatchResult{}
	for i := range rules {
		d.dispatchOne(ctx, &rules[i], ev, true, result)
	}
	span.SetAttributes(attribute.Int("rules.matched", len(result.Matched)))
	return result, nil
}

// DispatchRule runs a single rule against ev regardless of its trigger type.
// Conditions still apply unless force is set; used by scheduled triggers and
// manual runs.
func (d *Dispatcher) DispatchRule(ctx context.Context, rule *models.AutomationRule, ev Event, force bool) (*DispatchResult, error) {
	ctx, span := d.tracer.Start(ctx, "automation.dispatch_rule")
	defer span.End()
	span.SetAttributes(attribute.Int64("rule.id", int64(rule.ID)))

	if ev.TenantID == "" {
		ev.TenantID = rule.TenantID
	}
	if ev.TenantID != rule.TenantID {
		return nil, fmt.Errorf("%w: rule %d belongs to another tenant", ErrInvalidEvent, rule.ID)
	}
	if ev.TriggerType == "" {
		ev.TriggerType = rule.TriggerType
	}
	result := &DispatchResult{}
	d.dispatchOne(ctx, rule, ev, !force, result)
	return result, result.Err()
}

func (d *Dispatcher) dispatchOne(ctx context.Context, rule *models.AutomationRule, ev Event, match bool, result *DispatchResult) {
	entry := d.logger.WithFields(logrus.Fields{
		"rule_id":   rule.ID,
		"tenant_id": ev.TenantID,
		"trigger":   ev.TriggerType,
	})
	data := ev.Data
	if data == nil {
		data = map[string]interface{}{}
	}

	if match && (!MatchTrigger(rule.TriggerConfig, data) || !EvaluateConditions(rule.Conditions, data)) {
		result.Skipped = append(result.Skipped, rule.ID)
		metrics.ObserveDispatch(ev.TriggerType, "skipped")
		return
	}
	result.Matched = append(result.Matched, rule.ID)

	fail := func(err error) {
		entry.WithError(err).Error("automation: dispatch failed")
		result.Failures = append(result.Failures, RuleFailure{RuleID: rule.ID, Error: err.Error()})
		metrics.ObserveDispatch(ev.TriggerType, "error")
	}

	now := d.now()
	delay, err := InitialDelay(rule.DelayPolicy, now)
	if err != nil {
		fail(fmt.Errorf("delay policy: %w", err))
		return
	}

	rec := &models.ExecutionRecord{
		TenantID:    ev.TenantID,
		RuleID:      rule.ID,
		RuleVersion: rule.Version,
		TriggerType: ev.TriggerType,
		SubjectID:   ev.SubjectID,
		EventData:   models.JSONMap(data),
		Actions:     rule.Actions,
		Status:      models.ExecutionPending,
		ResumePath:  models.IndexPath{0},
		Steps:       models.StepOutcomeList{},
		MaxRetries:  d.opts.MaxAttempts,
	}
	if delay > 0 {
		wake := now.Add(delay)
		rec.NextWakeAt = &wake
	}
	if err := d.executions.CreateExecution(ctx, rec); err != nil {
		fail(fmt.Errorf("create execution: %w", err))
		return
	}

	job := NewJob(rec.ID, 0, d.opts.MaxAttempts, d.opts.Backoff)
	if err := d.scheduler.Enqueue(ctx, job, delay); err != nil {
		// leave no orphan pending record behind
		rec.Status = models.ExecutionFailed
		rec.LastError = err.Error()
		rec.CompletedAt = &now
		if _, xErr := d.executions.ExhaustExecution(ctx, rec); xErr != nil {
			entry.WithError(xErr).Error("automation: could not fail unscheduled execution")
		}
		fail(fmt.Errorf("enqueue execution %d: %w", rec.ID, err))
		return
	}

	result.Executions = append(result.Executions, rec.ID)
	metrics.ObserveDispatch(ev.TriggerType, "matched")
	entry.WithFields(logrus.Fields{
		"execution_id": rec.ID,
		"delay":        delay.String(),
	}).Info("automation: execution scheduled")
}
