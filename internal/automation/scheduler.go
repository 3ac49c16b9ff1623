package automation

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ruleflow/internal/metrics"
)

// BackoffPolicy is an exponential retry delay with a cap.
type BackoffPolicy struct {
	Base   time.Duration `json:"base"`
	Factor float64       `json:"factor"`
	Max    time.Duration `json:"max"`
}

// DefaultBackoff starts at one second and doubles up to five minutes.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Base: time.Second, Factor: 2, Max: 5 * time.Minute}
}

// Delay returns the wait before retry number attempt+1 (attempt starts at 0).
func (b BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(b.Base) * math.Pow(factor, float64(attempt))
	if b.Max > 0 && (d > float64(b.Max) || math.IsInf(d, 1)) {
		return b.Max
	}
	return time.Duration(d)
}

// Job is one scheduled invocation of the step executor.
type Job struct {
	ID          string        `json:"id"`
	ExecutionID uint          `json:"execution_id"`
	ResumeStep  int           `json:"resume_step"`
	Attempt     int           `json:"attempt"`      // 0-based
	MaxAttempts int           `json:"max_attempts"` // total attempts, >= 1
	Backoff     BackoffPolicy `json:"backoff"`
	EnqueuedAt  time.Time     `json:"enqueued_at"`
}

// NewJob builds a first-attempt job for an execution.
func NewJob(executionID uint, resumeStep, maxAttempts int, backoff BackoffPolicy) Job {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return Job{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		ResumeStep:  resumeStep,
		MaxAttempts: maxAttempts,
		Backoff:     backoff,
		EnqueuedAt:  time.Now(),
	}
}

// JobHandler runs jobs; the step executor implements it.
type JobHandler interface {
	HandleJob(ctx context.Context, job Job) error
	// HandleExhausted is called once the attempt budget is spent.
	HandleExhausted(ctx context.Context, job Job, lastErr error) error
}

// Scheduler is a delay-capable, at-least-once work queue.
type Scheduler interface {
	Enqueue(ctx context.Context, job Job, delay time.Duration) error
	// Start begins delivering due jobs to h until ctx ends or Close is called.
	Start(ctx context.Context, h JobHandler) error
	Close() error
}

// runJob is the retry contract shared by every backend: a failed job is
// re-enqueued with backoff while budget remains, otherwise handed to
// HandleExhausted. It returns false when the job was interrupted by shutdown
// and should stay with the backend for redelivery.
func runJob(ctx context.Context, s Scheduler, h JobHandler, job Job, logger *logrus.Logger) bool {
	err := h.HandleJob(ctx, job)
	if err == nil {
		metrics.ObserveJob("ok")
		return true
	}

	entry := logger.WithFields(logrus.Fields{
		"job_id":       job.ID,
		"execution_id": job.ExecutionID,
		"attempt":      job.Attempt + 1,
		"max_attempts": job.MaxAttempts,
	})
	if ctx.Err() != nil {
		entry.WithError(err).Warn("automation: job interrupted by shutdown")
		return false
	}

	if job.Attempt+1 < job.MaxAttempts {
		next := job
		next.Attempt++
		next.ID = uuid.NewString()
		next.EnqueuedAt = time.Now()
		delay := job.Backoff.Delay(job.Attempt)
		entry.WithError(err).Warnf("automation: job failed, retrying in %s", delay)
		enqErr := s.Enqueue(ctx, next, delay)
		if enqErr == nil {
			metrics.ObserveJob("retried")
			return true
		}
		if errors.Is(enqErr, ErrSchedulerClosed) {
			entry.WithError(err).Warn("automation: scheduler closed, retry deferred")
			return false
		}
		// nothing will pick the execution up again, so close it out now
		entry.WithError(enqErr).Error("automation: re-enqueue failed")
		err = enqErr
	}

	entry.WithError(err).Warn("automation: job attempts exhausted")
	metrics.ObserveJob("exhausted")
	if exErr := h.HandleExhausted(ctx, job, err); exErr != nil {
		entry.WithError(exErr).Error("automation: exhaustion bookkeeping failed")
	}
	return true
}
