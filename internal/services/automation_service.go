package services

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"ruleflow/internal/automation"
	"ruleflow/internal/models"
)

// ErrInvalidRule wraps every rule validation failure.
var ErrInvalidRule = errors.New("invalid rule")

// RuleRequest 创建规则的请求
type RuleRequest struct {
	Name          string               `json:"name" binding:"required"`
	Description   string               `json:"description"`
	TriggerType   string               `json:"trigger_type" binding:"required"`
	TriggerConfig models.TriggerConfig `json:"trigger_config"`
	Conditions    []models.Condition   `json:"conditions"`
	Actions       []models.Action      `json:"actions"`
	DelayPolicy   models.DelayPolicy   `json:"delay_policy"`
	Priority      int                  `json:"priority"`
	Status        models.RuleStatus    `json:"status"`
}

// RuleUpdateRequest 更新规则的请求，nil 字段保持不变
type RuleUpdateRequest struct {
	Name          *string               `json:"name"`
	Description   *string               `json:"description"`
	TriggerType   *string               `json:"trigger_type"`
	TriggerConfig *models.TriggerConfig `json:"trigger_config"`
	Conditions    *[]models.Condition   `json:"conditions"`
	Actions       *[]models.Action      `json:"actions"`
	DelayPolicy   *models.DelayPolicy   `json:"delay_policy"`
	Priority      *int                  `json:"priority"`
}

// RunRequest 手动运行规则
type RunRequest struct {
	SubjectID uint                   `json:"subject_id"`
	Data      map[string]interface{} `json:"data"`
	// Force skips trigger parameters and conditions.
	Force bool `json:"force"`
}

// AutomationService manages tenant rules and exposes execution logs on top
// of the engine.
type AutomationService struct {
	engine *automation.Engine
	logger *logrus.Logger
}

func NewAutomationService(engine *automation.Engine, logger *logrus.Logger) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationService{engine: engine, logger: logger}
}

// CreateRule 新建规则（默认草稿状态）
func (s *AutomationService) CreateRule(ctx context.Context, tenantID string, req *RuleRequest) (*models.AutomationRule, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request required", ErrInvalidRule)
	}
	status := req.Status
	if status == "" {
		status = models.RuleStatusDraft
	}
	rule := &models.AutomationRule{
		TenantID:      tenantID,
		Name:          strings.TrimSpace(req.Name),
		Description:   req.Description,
		TriggerType:   req.TriggerType,
		TriggerConfig: req.TriggerConfig,
		Conditions:    models.ConditionList(req.Conditions),
		Actions:       models.ActionList(req.Actions),
		DelayPolicy:   req.DelayPolicy,
		Priority:      req.Priority,
		Status:        status,
		Version:       1,
	}
	if err := ValidateRule(rule); err != nil {
		return nil, err
	}
	if err := s.engine.Rules.CreateRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"tenant_id": tenantID, "rule_id": rule.ID}).Info("automation rule created")
	return rule, nil
}

// UpdateRule applies the set fields. Changing what the rule does bumps its
// version; executions already dispatched keep their own snapshot.
func (s *AutomationService) UpdateRule(ctx context.Context, tenantID string, id uint, req *RuleUpdateRequest) (*models.AutomationRule, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request required", ErrInvalidRule)
	}
	rule, err := s.engine.Rules.GetRule(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	before := *rule

	if req.Name != nil {
		rule.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		rule.Description = *req.Description
	}
	if req.TriggerType != nil {
		rule.TriggerType = *req.TriggerType
	}
	if req.TriggerConfig != nil {
		rule.TriggerConfig = *req.TriggerConfig
	}
	if req.Conditions != nil {
		rule.Conditions = models.ConditionList(*req.Conditions)
	}
	if req.Actions != nil {
		rule.Actions = models.ActionList(*req.Actions)
	}
	if req.DelayPolicy != nil {
		rule.DelayPolicy = *req.DelayPolicy
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}
	if err := ValidateRule(rule); err != nil {
		return nil, err
	}
	if behaviourChanged(&before, rule) {
		rule.Version++
	}
	if err := s.engine.Rules.UpdateRule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

func behaviourChanged(a, b *models.AutomationRule) bool {
	return a.TriggerType != b.TriggerType ||
		!reflect.DeepEqual(a.TriggerConfig, b.TriggerConfig) ||
		!reflect.DeepEqual(a.Conditions, b.Conditions) ||
		!reflect.DeepEqual(a.Actions, b.Actions) ||
		!reflect.DeepEqual(a.DelayPolicy, b.DelayPolicy)
}

// DeleteRule 删除规则
func (s *AutomationService) DeleteRule(ctx context.Context, tenantID string, id uint) error {
	return s.engine.Rules.DeleteRule(ctx, tenantID, id)
}

func (s *AutomationService) GetRule(ctx context.Context, tenantID string, id uint) (*models.AutomationRule, error) {
	return s.engine.Rules.GetRule(ctx, tenantID, id)
}

func (s *AutomationService) ListRules(ctx context.Context, f automation.RuleFilter) ([]models.AutomationRule, int64, error) {
	if f.Status != "" && !f.Status.IsValid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrInvalidRule, f.Status)
	}
	return s.engine.Rules.ListRules(ctx, f)
}

// Activate 启用规则
func (s *AutomationService) Activate(ctx context.Context, tenantID string, id uint) (*models.AutomationRule, error) {
	return s.setStatus(ctx, tenantID, id, models.RuleStatusActive)
}

// Pause 暂停规则；已在运行的执行不受影响
func (s *AutomationService) Pause(ctx context.Context, tenantID string, id uint) (*models.AutomationRule, error) {
	return s.setStatus(ctx, tenantID, id, models.RuleStatusPaused)
}

func (s *AutomationService) setStatus(ctx context.Context, tenantID string, id uint, status models.RuleStatus) (*models.AutomationRule, error) {
	rule, err := s.engine.Rules.GetRule(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if rule.Status == status {
		return rule, nil
	}
	if status == models.RuleStatusActive {
		// 草稿可能未通过校验
		if err := ValidateRule(rule); err != nil {
			return nil, err
		}
	}
	rule.Status = status
	if err := s.engine.Rules.UpdateRule(ctx, rule); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"tenant_id": tenantID, "rule_id": id}).Infof("automation rule %s", status)
	return rule, nil
}

// Stats 规则统计
func (s *AutomationService) Stats(ctx context.Context, tenantID string) (*automation.RuleStats, error) {
	return s.engine.Rules.RuleStats(ctx, tenantID)
}

// ListExecutions returns a rule's execution log, newest first.
func (s *AutomationService) ListExecutions(ctx context.Context, f automation.ExecutionFilter) ([]models.ExecutionRecord, int64, error) {
	if f.RuleID != 0 {
		if _, err := s.engine.Rules.GetRule(ctx, f.TenantID, f.RuleID); err != nil {
			return nil, 0, err
		}
	}
	return s.engine.Executions.ListExecutions(ctx, f)
}

// GetExecution hides other tenants' records behind ErrExecutionNotFound.
func (s *AutomationService) GetExecution(ctx context.Context, tenantID string, id uint) (*models.ExecutionRecord, error) {
	rec, err := s.engine.Executions.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.TenantID != tenantID {
		return nil, automation.ErrExecutionNotFound
	}
	return rec, nil
}

// CancelExecution 取消等待中或排队中的执行
func (s *AutomationService) CancelExecution(ctx context.Context, tenantID string, id uint) (*models.ExecutionRecord, error) {
	if _, err := s.GetExecution(ctx, tenantID, id); err != nil {
		return nil, err
	}
	if err := s.engine.Executor.Cancel(ctx, id); err != nil {
		return nil, err
	}
	return s.engine.Executions.GetExecution(ctx, id)
}

// RunRule dispatches one rule by hand as a manual trigger.
func (s *AutomationService) RunRule(ctx context.Context, tenantID string, id uint, req *RunRequest) (*automation.DispatchResult, error) {
	rule, err := s.engine.Rules.GetRule(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		req = &RunRequest{}
	}
	ev := automation.Event{
		TenantID:    tenantID,
		TriggerType: models.TriggerManual,
		SubjectID:   req.SubjectID,
		Data:        req.Data,
	}
	return s.engine.Dispatcher.DispatchRule(ctx, rule, ev, req.Force)
}

// Ingest 分发内部事件
func (s *AutomationService) Ingest(ctx context.Context, ev automation.Event) (*automation.DispatchResult, error) {
	return s.engine.Ingest(ctx, ev)
}

// IngestWebhook 分发外部投递（经去重）
func (s *AutomationService) IngestWebhook(ctx context.Context, ext automation.ExternalEvent) (automation.GuardOutcome, *automation.DispatchResult, error) {
	return s.engine.IngestExternal(ctx, ext)
}

// ValidateRule rejects rules the engine could not run.
func ValidateRule(rule *models.AutomationRule) error {
	if rule.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if !rule.Status.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRule, rule.Status)
	}
	if !models.IsSupportedTrigger(rule.TriggerType) {
		return fmt.Errorf("%w: unsupported trigger %q", ErrInvalidRule, rule.TriggerType)
	}
	if rule.TriggerType == models.TriggerSchedule {
		if rule.TriggerConfig.Schedule == "" {
			return fmt.Errorf("%w: schedule trigger requires a cron schedule", ErrInvalidRule)
		}
		if _, err := cron.ParseStandard(rule.TriggerConfig.Schedule); err != nil {
			return fmt.Errorf("%w: schedule: %v", ErrInvalidRule, err)
		}
	}
	for i, c := range rule.Conditions {
		if strings.TrimSpace(c.Field) == "" || c.Operator == "" {
			return fmt.Errorf("%w: conditions[%d] requires field and operator", ErrInvalidRule, i)
		}
	}
	if len(rule.Actions) == 0 {
		return fmt.Errorf("%w: at least one action is required", ErrInvalidRule)
	}
	if err := rule.Actions.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if err := automation.ValidateDelayPolicy(rule.DelayPolicy); err != nil {
		return fmt.Errorf("%w: delay policy: %v", ErrInvalidRule, err)
	}
	return nil
}
