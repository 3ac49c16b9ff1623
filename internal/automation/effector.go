package automation

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"sort"

	apperrors "github.com/goliatone/go-errors"

	"ruleflow/internal/models"
)

const (
	ErrCodeEffectorRetryable = "EFFECTOR_RETRYABLE"
	ErrCodeEffectorPermanent = "EFFECTOR_PERMANENT"
)

// Request is what an effector receives alongside the action.
type Request struct {
	TenantID    string
	SubjectID   uint
	ExecutionID uint
	RuleID      uint
	EventData   map[string]interface{}
}

// Result reports an effector call. Failures are reported through Err, never
// by panicking; Err classification (Retryable / Permanent) decides whether the
// scheduler retries.
type Result struct {
	Success bool
	Skipped bool
	Data    map[string]interface{}
	Err     error
}

func Succeeded(data map[string]interface{}) Result {
	return Result{Success: true, Data: data}
}

func Skipped(reason string) Result {
	return Result{Skipped: true, Data: map[string]interface{}{"reason": reason}}
}

func Failed(err error) Result {
	return Result{Err: err}
}

// Effector performs the side effect for one or more action kinds.
type Effector interface {
	Execute(ctx context.Context, action models.Action, req Request) Result
}

// EffectorFunc adapts a function to Effector.
type EffectorFunc func(ctx context.Context, action models.Action, req Request) Result

func (f EffectorFunc) Execute(ctx context.Context, action models.Action, req Request) Result {
	return f(ctx, action, req)
}

// Registry maps effect kinds to effectors.
type Registry struct {
	effectors map[models.ActionKind]Effector
}

func NewRegistry() *Registry {
	return &Registry{effectors: make(map[models.ActionKind]Effector)}
}

// Register binds an effector to kinds. Pseudo-actions cannot be registered.
func (r *Registry) Register(e Effector, kinds ...models.ActionKind) error {
	for _, k := range kinds {
		if k.IsPseudo() {
			return fmt.Errorf("%s is handled by the executor", k)
		}
		r.effectors[k] = e
	}
	return nil
}

func (r *Registry) Lookup(kind models.ActionKind) (Effector, bool) {
	e, ok := r.effectors[kind]
	return e, ok
}

// Missing lists effect kinds without an effector; startup refuses to run
// with a non-empty result.
func (r *Registry) Missing() []models.ActionKind {
	var out []models.ActionKind
	for _, k := range models.EffectKinds {
		if _, ok := r.effectors[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Retryable marks err as transient (network, timeout, upstream 5xx).
func Retryable(err error, msg string) error {
	if err == nil {
		return apperrors.New(msg, apperrors.CategoryExternal).
			WithTextCode(ErrCodeEffectorRetryable)
	}
	return apperrors.Wrap(err, apperrors.CategoryExternal, msg).
		WithTextCode(ErrCodeEffectorRetryable)
}

// Permanent marks err as non-retryable (validation, missing data, 4xx).
func Permanent(err error, msg string) error {
	if err == nil {
		return apperrors.New(msg, apperrors.CategoryValidation).
			WithTextCode(ErrCodeEffectorPermanent)
	}
	return apperrors.Wrap(err, apperrors.CategoryValidation, msg).
		WithTextCode(ErrCodeEffectorPermanent)
}

// IsRetryable classifies an effector or infrastructure error.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ae *apperrors.Error
	if stderrors.As(err, &ae) {
		switch ae.TextCode {
		case ErrCodeEffectorRetryable:
			return true
		case ErrCodeEffectorPermanent:
			return false
		}
	}
	var re *retryError
	if stderrors.As(err, &re) {
		return true
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if stderrors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// retryError is returned by the executor when a step must be retried by
// the scheduler.
type retryError struct {
	ExecutionID uint
	Err         error
}

func (e *retryError) Error() string {
	return fmt.Sprintf("execution %d: retryable step failure: %v", e.ExecutionID, e.Err)
}

func (e *retryError) Unwrap() error { return e.Err }
