package automation

import (
	"context"
	"errors"
	"time"

	"ruleflow/internal/models"
)

var (
	ErrRuleNotFound      = errors.New("rule not found")
	ErrExecutionNotFound = errors.New("execution not found")
)

// RuleFilter narrows rule listings. Zero values mean "any".
type RuleFilter struct {
	TenantID    string
	Status      models.RuleStatus
	TriggerType string
	Page        int
	PageSize    int
}

// ExecutionFilter narrows execution log listings.
type ExecutionFilter struct {
	TenantID string
	RuleID   uint
	Status   models.ExecutionStatus
	Page     int
	PageSize int
}

// RuleStats summarises a tenant's rules and their run counters.
type RuleStats struct {
	Total       int64   `json:"total"`
	Active      int64   `json:"active"`
	Paused      int64   `json:"paused"`
	Draft       int64   `json:"draft"`
	Runs        int64   `json:"runs"`
	Successes   int64   `json:"successes"`
	Failures    int64   `json:"failures"`
	SuccessRate float64 `json:"success_rate"` // 0..1, 0 when nothing ran
}

// RuleStore persists rule definitions.
type RuleStore interface {
	CreateRule(ctx context.Context, rule *models.AutomationRule) error
	UpdateRule(ctx context.Context, rule *models.AutomationRule) error
	DeleteRule(ctx context.Context, tenantID string, id uint) error
	GetRule(ctx context.Context, tenantID string, id uint) (*models.AutomationRule, error)
	ListRules(ctx context.Context, f RuleFilter) ([]models.AutomationRule, int64, error)
	// FindActiveRules returns active rules for tenant+trigger, highest priority first.
	FindActiveRules(ctx context.Context, tenantID, triggerType string) ([]models.AutomationRule, error)
	// FindScheduledRules returns active schedule-triggered rules across tenants.
	FindScheduledRules(ctx context.Context) ([]models.AutomationRule, error)
	RuleStats(ctx context.Context, tenantID string) (*RuleStats, error)
}

// ExecutionStore persists execution records. Every status change is a
// conditional update so concurrent workers cannot both advance a record.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, rec *models.ExecutionRecord) error
	GetExecution(ctx context.Context, id uint) (*models.ExecutionRecord, error)
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]models.ExecutionRecord, int64, error)

	// ClaimExecution moves pending|waiting to running; false if another
	// worker got there first or the record is terminal.
	ClaimExecution(ctx context.Context, id uint, now time.Time) (bool, error)
	// SaveProgress persists the step log and resume path of a running record.
	SaveProgress(ctx context.Context, rec *models.ExecutionRecord) error
	// SuspendExecution moves running to waiting with rec's wake time and path.
	SuspendExecution(ctx context.Context, rec *models.ExecutionRecord) error
	// ReleaseExecution moves running back to pending after a retryable failure.
	ReleaseExecution(ctx context.Context, rec *models.ExecutionRecord) error
	// FinishExecution moves running to rec.Status (completed or failed) and
	// bumps the owning rule's counters in the same transaction.
	FinishExecution(ctx context.Context, rec *models.ExecutionRecord) (bool, error)
	// ExhaustExecution forces pending|waiting to failed once the scheduler
	// gave up, bumping the rule's failure counter if the transition won.
	ExhaustExecution(ctx context.Context, rec *models.ExecutionRecord) (bool, error)
	// TransitionExecution changes status if the record is currently in one of from.
	TransitionExecution(ctx context.Context, id uint, from []models.ExecutionStatus, to models.ExecutionStatus) (bool, error)
	// ListResumable returns pending and waiting records, oldest first.
	ListResumable(ctx context.Context, limit int) ([]models.ExecutionRecord, error)
	// ListOverdue returns waiting records whose wake time is before before.
	ListOverdue(ctx context.Context, before time.Time, limit int) ([]models.ExecutionRecord, error)
	// RequeueStale releases records stuck in running since before.
	RequeueStale(ctx context.Context, before time.Time, limit int) ([]models.ExecutionRecord, error)
}

// NormalizePage defaults page to 1 and size to 20, capping size at 200.
func NormalizePage(page, size int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	if size > 200 {
		size = 200
	}
	return page, size
}
