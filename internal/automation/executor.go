package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ruleflow/internal/metrics"
	"ruleflow/internal/models"
)

// ErrExecutionNotActive is returned by Cancel and Skip when the record is
// already running or finished.
var ErrExecutionNotActive = errors.New("execution is not pending or waiting")

// wakeTolerance absorbs timer jitter and clock skew between workers when a
// continuation arrives for a waiting record.
const wakeTolerance = time.Second

// ExecutorOptions configures continuation jobs created by the executor.
type ExecutorOptions struct {
	MaxAttempts int
	Backoff     BackoffPolicy
}

// Executor 按快照执行动作列表，实现 JobHandler
type Executor struct {
	store     ExecutionStore
	effectors *Registry
	scheduler Scheduler
	opts      ExecutorOptions
	logger    *logrus.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewExecutor 创建步骤执行器
func NewExecutor(store ExecutionStore, effectors *Registry, scheduler Scheduler, opts ExecutorOptions, logger *logrus.Logger) *Executor {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	return &Executor{
		store:     store,
		effectors: effectors,
		scheduler: scheduler,
		opts:      opts,
		logger:    logger,
		tracer:    otel.Tracer("ruleflow.automation"),
		now:       time.Now,
	}
}

var _ JobHandler = (*Executor)(nil)

type walkState int

const (
	walkDone walkState = iota
	walkSuspended
	walkFailed
	walkReleased
)

// HandleJob advances one execution from its resume path until it completes,
// fails, suspends on a wait or hits a retryable failure.
func (e *Executor) HandleJob(ctx context.Context, job Job) error {
	ctx, span := e.tracer.Start(ctx, "automation.handle_job")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("execution.id", int64(job.ExecutionID)),
		attribute.Int("job.attempt", job.Attempt),
	)

	rec, err := e.store.GetExecution(ctx, job.ExecutionID)
	if errors.Is(err, ErrExecutionNotFound) {
		e.logger.WithField("execution_id", job.ExecutionID).Warn("automation: job for unknown execution dropped")
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("load execution %d: %w", job.ExecutionID, err)
	}

	now := e.now()
	switch {
	case rec.Status.IsTerminal(), rec.Status == models.ExecutionRunning:
		return nil
	case rec.NextWakeAt != nil && rec.NextWakeAt.After(now.Add(wakeTolerance)):
		// delayed start or wait not yet due; a redelivered job must not jump it
		return nil
	}

	claimed, err := e.store.ClaimExecution(ctx, rec.ID, now)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("claim execution %d: %w", rec.ID, err)
	}
	if !claimed {
		return nil
	}
	rec.Status = models.ExecutionRunning
	rec.NextWakeAt = nil
	if rec.StartedAt == nil {
		rec.StartedAt = &now
	}
	span.SetAttributes(
		attribute.String("tenant.id", rec.TenantID),
		attribute.Int64("rule.id", int64(rec.RuleID)),
	)

	if failedEarlier(rec, e.resumeFrom(rec)) {
		return e.finish(ctx, rec, models.ExecutionFailed)
	}
	state, err := e.walk(ctx, rec, rec.Actions, nil, e.resumeFrom(rec))
	switch state {
	case walkDone:
		return e.finish(ctx, rec, models.ExecutionCompleted)
	case walkFailed:
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		return e.finish(ctx, rec, models.ExecutionFailed)
	default:
		if err != nil {
			span.RecordError(err)
		}
		return err
	}
}

// failedEarlier reports whether an earlier attempt recorded a permanent
// failure at path but could not persist the terminal status.
func failedEarlier(rec *models.ExecutionRecord, path models.IndexPath) bool {
	if len(rec.Steps) == 0 {
		return false
	}
	last := rec.Steps[len(rec.Steps)-1]
	return last.Status == models.StepFailed && last.Path == path.String()
}

func (e *Executor) resumeFrom(rec *models.ExecutionRecord) models.IndexPath {
	if len(rec.ResumePath) > 0 {
		return rec.ResumePath
	}
	return models.IndexPath{rec.CurrentStep}
}

// walk runs list from resume. prefix is the path of list inside the snapshot;
// a condition step adds two elements: its own index and the branch taken
// (0 then, 1 else).
func (e *Executor) walk(ctx context.Context, rec *models.ExecutionRecord, list []models.Action, prefix, resume models.IndexPath) (walkState, error) {
	from := 0
	var inner models.IndexPath
	if len(resume) > 0 {
		from, inner = resume[0], resume[1:]
	}

	for i := from; i < len(list); i++ {
		action := list[i]
		path := childPath(prefix, i)
		if len(prefix) == 0 {
			rec.CurrentStep = i
		}

		switch action.Type {
		case models.ActionWait:
			return e.suspend(ctx, rec, action, path, childPath(prefix, i+1))

		case models.ActionCondition:
			branch, sub := 0, models.IndexPath(nil)
			if i == from && len(inner) > 0 {
				branch, sub = inner[0], inner[1:]
			} else if action.Condition == nil || !EvaluateConditions(action.Condition.Conditions, rec.EventData) {
				branch = 1
			}
			var steps []models.Action
			if action.Condition != nil {
				if branch == 0 {
					steps = action.Condition.Then
				} else {
					steps = action.Condition.Else
				}
			}
			state, err := e.walk(ctx, rec, steps, childPath(path, branch), sub)
			if state != walkDone {
				return state, err
			}

		default:
			if err := ctx.Err(); err != nil {
				return e.release(ctx, rec, path, err, false)
			}
			res := e.invoke(ctx, rec, action, path)
			if res.Err != nil && IsRetryable(res.Err) {
				return e.release(ctx, rec, path, res.Err, true)
			}
			rec.Steps = append(rec.Steps, outcomeOf(action, path, res, e.now()))
			if res.Err != nil {
				rec.LastError = res.Err.Error()
				rec.ResumePath = path
				return walkFailed, res.Err
			}
			rec.ResumePath = childPath(prefix, i+1)
			if err := e.store.SaveProgress(ctx, rec); err != nil {
				return walkReleased, e.requeue(ctx, rec, fmt.Errorf("save progress of execution %d: %w", rec.ID, err))
			}
		}
		inner = nil
	}
	if len(prefix) == 0 {
		rec.CurrentStep = len(list)
	}
	return walkDone, nil
}

func (e *Executor) invoke(ctx context.Context, rec *models.ExecutionRecord, action models.Action, path models.IndexPath) Result {
	ctx, span := e.tracer.Start(ctx, "automation.step")
	defer span.End()
	span.SetAttributes(
		attribute.String("step.kind", string(action.Type)),
		attribute.String("step.path", path.String()),
	)

	entry := e.logger.WithFields(logrus.Fields{
		"execution_id": rec.ID,
		"rule_id":      rec.RuleID,
		"tenant_id":    rec.TenantID,
		"step":         path.String(),
		"kind":         action.Type,
	})

	started := e.now()
	var res Result
	if eff, ok := e.effectors.Lookup(action.Type); ok {
		res = eff.Execute(ctx, action, Request{
			TenantID:    rec.TenantID,
			SubjectID:   rec.SubjectID,
			ExecutionID: rec.ID,
			RuleID:      rec.RuleID,
			EventData:   rec.EventData,
		})
	} else {
		res = Failed(Permanent(nil, fmt.Sprintf("no effector registered for %q", action.Type)))
	}

	status := models.StepSuccess
	switch {
	case res.Err != nil:
		status = models.StepFailed
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		entry.WithError(res.Err).Warn("automation: step failed")
	case res.Skipped:
		status = models.StepSkipped
		entry.Debug("automation: step skipped")
	default:
		entry.Debug("automation: step succeeded")
	}
	metrics.ObserveStep(string(action.Type), string(status), e.now().Sub(started).Seconds())
	return res
}

func outcomeOf(action models.Action, path models.IndexPath, res Result, at time.Time) models.StepOutcome {
	out := models.StepOutcome{
		Index:  path[0],
		Path:   path.String(),
		Kind:   action.Type,
		Status: models.StepSuccess,
		Result: models.JSONMap(res.Data),
		At:     at,
	}
	switch {
	case res.Err != nil:
		out.Status = models.StepFailed
		out.Error = res.Err.Error()
	case res.Skipped:
		out.Status = models.StepSkipped
	}
	return out
}

func (e *Executor) suspend(ctx context.Context, rec *models.ExecutionRecord, action models.Action, at, next models.IndexPath) (walkState, error) {
	if action.Wait == nil {
		rec.LastError = "wait action without parameters"
		return walkFailed, errors.New(rec.LastError)
	}
	d, err := action.Wait.Interval()
	if err != nil {
		rec.LastError = err.Error()
		return walkFailed, err
	}
	wake := e.now().Add(d)
	rec.Status = models.ExecutionWaiting
	rec.ResumePath = next
	rec.CurrentStep = next[0]
	rec.NextWakeAt = &wake
	if err := e.store.SuspendExecution(ctx, rec); err != nil {
		// 回到等待步骤本身，重试时重新计算唤醒时间
		rec.ResumePath = at
		rec.CurrentStep = at[0]
		return walkReleased, e.requeue(ctx, rec, fmt.Errorf("suspend execution %d: %w", rec.ID, err))
	}

	job := NewJob(rec.ID, rec.CurrentStep, e.opts.MaxAttempts, e.opts.Backoff)
	if err := e.scheduler.Enqueue(ctx, job, d); err != nil {
		// the record is waiting with a wake time; the overdue sweep resumes it
		e.logger.WithError(err).WithField("execution_id", rec.ID).Error("automation: enqueue continuation failed")
	}
	metrics.ObserveExecution(string(models.ExecutionWaiting))
	e.logger.WithFields(logrus.Fields{
		"execution_id": rec.ID,
		"resume_path":  next.String(),
		"wake_at":      wake,
	}).Info("automation: execution waiting")
	return walkSuspended, nil
}

// release hands a running record back to pending at path so the scheduler
// can retry the same step.
func (e *Executor) release(ctx context.Context, rec *models.ExecutionRecord, path models.IndexPath, cause error, countRetry bool) (walkState, error) {
	rec.Status = models.ExecutionPending
	rec.ResumePath = path
	rec.LastError = cause.Error()
	if countRetry {
		rec.RetryCount++
	}
	if err := e.store.ReleaseExecution(context.WithoutCancel(ctx), rec); err != nil {
		return walkReleased, fmt.Errorf("release execution %d: %w", rec.ID, err)
	}
	return walkReleased, &retryError{ExecutionID: rec.ID, Err: cause}
}

// requeue hands a claimed record back to pending after a store write failed,
// so the retried job can claim it again instead of finding it running.
// Steps already recorded in rec are kept and are not run again.
func (e *Executor) requeue(ctx context.Context, rec *models.ExecutionRecord, cause error) error {
	rec.Status = models.ExecutionPending
	rec.NextWakeAt = nil
	if err := e.store.ReleaseExecution(context.WithoutCancel(ctx), rec); err != nil {
		// the stale sweep picks it up
		e.logger.WithError(err).WithField("execution_id", rec.ID).Error("automation: execution left running")
	}
	return cause
}

func (e *Executor) finish(ctx context.Context, rec *models.ExecutionRecord, status models.ExecutionStatus) error {
	now := e.now()
	rec.Status = status
	rec.CompletedAt = &now
	rec.NextWakeAt = nil
	if rec.StartedAt != nil {
		rec.DurationMs = now.Sub(*rec.StartedAt).Milliseconds()
	}
	won, err := e.store.FinishExecution(ctx, rec)
	if err != nil {
		rec.CompletedAt = nil
		return e.requeue(ctx, rec, fmt.Errorf("finish execution %d: %w", rec.ID, err))
	}
	if !won {
		return nil
	}
	metrics.ObserveExecution(string(status))
	entry := e.logger.WithFields(logrus.Fields{
		"execution_id": rec.ID,
		"rule_id":      rec.RuleID,
		"tenant_id":    rec.TenantID,
		"duration_ms":  rec.DurationMs,
	})
	if status == models.ExecutionFailed {
		entry.WithField("error", rec.LastError).Warn("automation: execution failed")
	} else {
		entry.Info("automation: execution completed")
	}
	return nil
}

// HandleExhausted fails a record the scheduler gave up on. The conditional
// transition keeps it from racing a worker that already finished the record.
func (e *Executor) HandleExhausted(ctx context.Context, job Job, lastErr error) error {
	rec, err := e.store.GetExecution(ctx, job.ExecutionID)
	if errors.Is(err, ErrExecutionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !rec.Status.Claimable() {
		return nil
	}

	now := e.now()
	msg := "retries exhausted"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	rec.Status = models.ExecutionFailed
	rec.LastError = msg
	rec.CompletedAt = &now
	if rec.StartedAt != nil {
		rec.DurationMs = now.Sub(*rec.StartedAt).Milliseconds()
	}
	path := e.resumeFrom(rec)
	if action, ok := actionAt(rec.Actions, path); ok && !action.Type.IsPseudo() {
		rec.Steps = append(rec.Steps, models.StepOutcome{
			Index:  path[0],
			Path:   path.String(),
			Kind:   action.Type,
			Status: models.StepFailed,
			Error:  msg,
			At:     now,
		})
	}

	won, err := e.store.ExhaustExecution(ctx, rec)
	if err != nil {
		return fmt.Errorf("exhaust execution %d: %w", rec.ID, err)
	}
	if won {
		metrics.ObserveExecution(string(models.ExecutionFailed))
		e.logger.WithFields(logrus.Fields{
			"execution_id": rec.ID,
			"rule_id":      rec.RuleID,
			"attempts":     job.Attempt + 1,
		}).Warnf("automation: execution failed after retries: %s", msg)
	}
	return nil
}

// Cancel 取消尚未结束的执行
func (e *Executor) Cancel(ctx context.Context, id uint) error {
	return e.stop(ctx, id, models.ExecutionCancelled)
}

// Skip 跳过尚未开始或等待中的执行
func (e *Executor) Skip(ctx context.Context, id uint) error {
	return e.stop(ctx, id, models.ExecutionSkipped)
}

func (e *Executor) stop(ctx context.Context, id uint, to models.ExecutionStatus) error {
	if _, err := e.store.GetExecution(ctx, id); err != nil {
		return err
	}
	ok, err := e.store.TransitionExecution(ctx, id,
		[]models.ExecutionStatus{models.ExecutionPending, models.ExecutionWaiting}, to)
	if err != nil {
		return err
	}
	if !ok {
		return ErrExecutionNotActive
	}
	metrics.ObserveExecution(string(to))
	e.logger.WithField("execution_id", id).Infof("automation: execution %s", to)
	return nil
}

// RecoverStale releases records left running by a crashed worker, and
// waiting records whose wake time passed olderThan ago without a
// continuation, and schedules them again.
func (e *Executor) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	before := e.now().Add(-olderThan)
	stale, err := e.store.RequeueStale(ctx, before, 100)
	if err != nil && len(stale) == 0 {
		return 0, err
	}
	overdue, odErr := e.store.ListOverdue(ctx, before, 100)
	if odErr != nil && err == nil {
		err = odErr
	}
	recs := append(stale, overdue...)
	errs := []error{err}
	queued := 0
	for _, rec := range recs {
		job := NewJob(rec.ID, rec.CurrentStep, e.opts.MaxAttempts, e.opts.Backoff)
		if enqErr := e.scheduler.Enqueue(ctx, job, 0); enqErr != nil {
			// 已释放的记录留在 pending，下一轮或重启时恢复
			errs = append(errs, fmt.Errorf("enqueue execution %d: %w", rec.ID, enqErr))
			continue
		}
		queued++
	}
	if len(recs) > 0 {
		e.logger.WithFields(logrus.Fields{
			"stale":   len(stale),
			"overdue": len(overdue),
			"queued":  queued,
		}).Warn("automation: requeued stuck executions")
	}
	return queued, errors.Join(errs...)
}

// Resume enqueues every pending or waiting record, honouring wake times.
// In-process schedulers lose their queue on restart; this rebuilds it.
func (e *Executor) Resume(ctx context.Context) (int, error) {
	recs, err := e.store.ListResumable(ctx, 0)
	if err != nil {
		return 0, err
	}
	now := e.now()
	for _, rec := range recs {
		var delay time.Duration
		if rec.NextWakeAt != nil {
			delay = rec.NextWakeAt.Sub(now)
		}
		job := NewJob(rec.ID, rec.CurrentStep, e.opts.MaxAttempts, e.opts.Backoff)
		if err := e.scheduler.Enqueue(ctx, job, delay); err != nil {
			return 0, err
		}
	}
	return len(recs), nil
}

func childPath(prefix models.IndexPath, i int) models.IndexPath {
	out := make(models.IndexPath, 0, len(prefix)+1)
	out = append(out, prefix...)
	return append(out, i)
}

// actionAt resolves a path produced by walk back to its action.
func actionAt(list []models.Action, path models.IndexPath) (models.Action, bool) {
	for len(path) > 0 {
		i := path[0]
		if i < 0 || i >= len(list) {
			return models.Action{}, false
		}
		a := list[i]
		if len(path) == 1 {
			return a, true
		}
		if a.Type != models.ActionCondition || a.Condition == nil || len(path) < 3 {
			return models.Action{}, false
		}
		if path[1] == 0 {
			list = a.Condition.Then
		} else {
			list = a.Condition.Else
		}
		path = path[2:]
	}
	return models.Action{}, false
}
