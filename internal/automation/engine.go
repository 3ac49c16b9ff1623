package automation

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"ruleflow/internal/models"
)

// Options are the engine-wide retry settings.
type Options struct {
	MaxAttempts int
	Backoff     BackoffPolicy
}

// Engine wires the dispatcher, executor, guard and scheduler together.
type Engine struct {
	Rules      RuleStore
	Executions ExecutionStore
	Dispatcher *Dispatcher
	Executor   *Executor
	Guard      *Guard
	Scheduler  Scheduler

	logger *logrus.Logger
}

// NewEngine refuses to build an engine with effect kinds left unbound.
func NewEngine(rules RuleStore, executions ExecutionStore, dedup DedupStore, scheduler Scheduler, effectors *Registry, opts Options, logger *logrus.Logger) (*Engine, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if missing := effectors.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("no effector registered for %v", missing)
	}
	return &Engine{
		Rules:      rules,
		Executions: executions,
		Dispatcher: NewDispatcher(rules, executions, scheduler, DispatcherOptions(opts), logger),
		Executor:   NewExecutor(executions, effectors, scheduler, ExecutorOptions(opts), logger),
		Guard:      NewGuard(dedup, logger),
		Scheduler:  scheduler,
		logger:     logger,
	}, nil
}

// Start re-enqueues unfinished executions and starts the workers.
func (e *Engine) Start(ctx context.Context) error {
	n, err := e.Executor.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resume executions: %w", err)
	}
	if n > 0 {
		e.logger.WithField("count", n).Info("automation: resumed unfinished executions")
	}
	return e.Scheduler.Start(ctx, e.Executor)
}

func (e *Engine) Close() error {
	return e.Scheduler.Close()
}

// Ingest dispatches an event from an internal producer.
func (e *Engine) Ingest(ctx context.Context, ev Event) (*DispatchResult, error) {
	return e.Dispatcher.Dispatch(ctx, ev)
}

// IngestExternal dispatches a webhook delivery through the deduplication
// guard. The topic is used as the trigger type when it names one, otherwise
// the event is dispatched as webhook_received.
func (e *Engine) IngestExternal(ctx context.Context, ext ExternalEvent) (GuardOutcome, *DispatchResult, error) {
	var result *DispatchResult
	outcome, err := e.Guard.Process(ctx, ext, func(ctx context.Context) error {
		var derr error
		result, derr = e.Dispatcher.Dispatch(ctx, ExternalToEvent(ext))
		if derr != nil {
			return derr
		}
		return result.Err()
	})
	return outcome, result, err
}

// ExternalToEvent maps a webhook delivery onto an internal event.
func ExternalToEvent(ext ExternalEvent) Event {
	trigger := ext.Topic
	if !models.IsSupportedTrigger(trigger) {
		trigger = models.TriggerWebhookReceived
	}
	data := make(map[string]interface{}, len(ext.Payload)+3)
	for k, v := range ext.Payload {
		data[k] = v
	}
	data["provider"] = ext.Provider
	data["event_id"] = ext.EventID
	data["topic"] = ext.Topic
	return Event{
		TenantID:    ext.TenantID,
		TriggerType: trigger,
		SubjectID:   subjectFrom(ext.Payload),
		Data:        data,
	}
}

// subjectFrom reads contact_id or subject_id from a payload.
func subjectFrom(payload map[string]interface{}) uint {
	for _, key := range []string{"contact_id", "subject_id"} {
		switch v := payload[key].(type) {
		case float64:
			if v > 0 && v <= math.MaxUint32 && v == math.Trunc(v) {
				return uint(v)
			}
		case int:
			if v > 0 {
				return uint(v)
			}
		case string:
			if n, err := strconv.ParseUint(v, 10, 64); err == nil {
				return uint(n)
			}
		}
	}
	return 0
}

// RunMaintenance releases stuck executions and purges old dedup records.
func (e *Engine) RunMaintenance(ctx context.Context, staleAfter, dedupRetention time.Duration) {
	if _, err := e.Executor.RecoverStale(ctx, staleAfter); err != nil {
		e.logger.WithError(err).Error("automation: stale recovery failed")
	}
	if dedupRetention > 0 {
		if _, err := e.Guard.Purge(ctx, dedupRetention); err != nil {
			e.logger.WithError(err).Error("automation: dedup purge failed")
		}
	}
}
