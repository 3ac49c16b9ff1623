package effectors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"ruleflow/internal/automation"
	"ruleflow/internal/models"
)

// ContactEffector 处理标签、字段、生命周期和分配动作
type ContactEffector struct {
	db     *gorm.DB
	logger *logrus.Logger
	now    func() time.Time
}

func NewContactEffector(db *gorm.DB, logger *logrus.Logger) *ContactEffector {
	if logger == nil {
		logger = logrus.New()
	}
	return &ContactEffector{db: db, logger: logger, now: time.Now}
}

// Kinds lists the action kinds this effector serves.
func (e *ContactEffector) Kinds() []models.ActionKind {
	return []models.ActionKind{
		models.ActionAddTag, models.ActionRemoveTag, models.ActionUpdateField,
		models.ActionUpdateLifecycle, models.ActionAssignAgent,
	}
}

func (e *ContactEffector) Execute(ctx context.Context, action models.Action, req automation.Request) automation.Result {
	if !hasParams(action) {
		return automation.Failed(automation.Permanent(nil, fmt.Sprintf("%s without parameters", action.Type)))
	}
	contact, err := loadContact(ctx, e.db, req)
	if err != nil {
		return automation.Failed(err)
	}

	switch action.Type {
	case models.ActionAddTag:
		return e.addTag(ctx, contact, action.Tag.Name)
	case models.ActionRemoveTag:
		return e.removeTag(ctx, contact, action.Tag.Name)
	case models.ActionUpdateField:
		return e.updateField(ctx, contact, action.Field)
	case models.ActionUpdateLifecycle:
		return e.save(ctx, contact, map[string]interface{}{"lifecycle_stage": action.Lifecycle.Stage},
			map[string]interface{}{"lifecycle_stage": action.Lifecycle.Stage, "previous": contact.LifecycleStage})
	case models.ActionAssignAgent:
		return e.assign(ctx, contact, action.Assign)
	default:
		return automation.Failed(automation.Permanent(nil, fmt.Sprintf("contact effector cannot run %s", action.Type)))
	}
}

// hasParams 校验动作参数块存在
func hasParams(action models.Action) bool {
	switch action.Type {
	case models.ActionAddTag, models.ActionRemoveTag:
		return action.Tag != nil
	case models.ActionUpdateField:
		return action.Field != nil
	case models.ActionUpdateLifecycle:
		return action.Lifecycle != nil
	case models.ActionAssignAgent:
		return action.Assign != nil
	}
	return true
}

// loadContact fetches the execution subject within its tenant.
func loadContact(ctx context.Context, db *gorm.DB, req automation.Request) (*models.Contact, error) {
	if req.SubjectID == 0 {
		return nil, automation.Permanent(nil, "execution has no contact subject")
	}
	var contact models.Contact
	err := db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", req.SubjectID, req.TenantID).
		First(&contact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, automation.Permanent(err, fmt.Sprintf("contact %d not found", req.SubjectID))
	}
	if err != nil {
		return nil, automation.Retryable(err, "load contact")
	}
	return &contact, nil
}

func (e *ContactEffector) addTag(ctx context.Context, contact *models.Contact, tag string) automation.Result {
	tag = strings.TrimSpace(tag)
	if contact.HasTag(tag) {
		return automation.Succeeded(map[string]interface{}{"tag": tag, "changed": false})
	}
	tags := append(contact.TagList(), tag)
	return e.save(ctx, contact, map[string]interface{}{"tags": strings.Join(tags, ",")},
		map[string]interface{}{"tag": tag, "changed": true})
}

func (e *ContactEffector) removeTag(ctx context.Context, contact *models.Contact, tag string) automation.Result {
	tag = strings.TrimSpace(tag)
	if !contact.HasTag(tag) {
		return automation.Succeeded(map[string]interface{}{"tag": tag, "changed": false})
	}
	kept := make([]string, 0, len(contact.TagList()))
	for _, t := range contact.TagList() {
		if t != tag {
			kept = append(kept, t)
		}
	}
	return e.save(ctx, contact, map[string]interface{}{"tags": strings.Join(kept, ",")},
		map[string]interface{}{"tag": tag, "changed": true})
}

// updateField writes a built-in column or a customFields.<key> entry.
func (e *ContactEffector) updateField(ctx context.Context, contact *models.Contact, p *models.FieldUpdateParams) automation.Result {
	field := strings.TrimSpace(p.Field)
	if key, ok := customFieldKey(field); ok {
		fields := models.JSONMap{}
		for k, v := range contact.CustomFields {
			fields[k] = v
		}
		if p.Value == nil {
			delete(fields, key)
		} else {
			fields[key] = p.Value
		}
		return e.save(ctx, contact, map[string]interface{}{"custom_fields": fields},
			map[string]interface{}{"field": field, "value": p.Value})
	}

	column, ok := contactColumns[field]
	if !ok {
		return automation.Failed(automation.Permanent(nil, fmt.Sprintf("unknown contact field %q", field)))
	}
	value := ""
	if p.Value != nil {
		value = fmt.Sprint(p.Value)
	}
	return e.save(ctx, contact, map[string]interface{}{column: value},
		map[string]interface{}{"field": field, "value": value})
}

var contactColumns = map[string]string{
	"name":            "name",
	"email":           "email",
	"phone":           "phone",
	"lifecycle_stage": "lifecycle_stage",
	"lifecycleStage":  "lifecycle_stage",
}

func customFieldKey(field string) (string, bool) {
	for _, prefix := range []string{"customFields.", "custom_fields."} {
		if strings.HasPrefix(field, prefix) {
			key := strings.TrimPrefix(field, prefix)
			return key, key != ""
		}
	}
	return "", false
}

func (e *ContactEffector) save(ctx context.Context, contact *models.Contact, updates map[string]interface{}, data map[string]interface{}) automation.Result {
	updates["updated_at"] = e.now()
	res := e.db.WithContext(ctx).Model(&models.Contact{}).
		Where("id = ? AND tenant_id = ?", contact.ID, contact.TenantID).
		Updates(updates)
	if res.Error != nil {
		return automation.Failed(automation.Retryable(res.Error, "update contact"))
	}
	if res.RowsAffected == 0 {
		return automation.Failed(automation.Permanent(nil, fmt.Sprintf("contact %d disappeared", contact.ID)))
	}
	e.logger.WithFields(logrus.Fields{
		"contact_id": contact.ID,
		"tenant_id":  contact.TenantID,
	}).Debugf("effector: contact updated %v", keys(updates))
	return automation.Succeeded(data)
}

func keys(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		if k != "updated_at" {
			out = append(out, k)
		}
	}
	return out
}

// errNoAgent is retryable: agents come back online or free up capacity.
var errNoAgent = errors.New("no agent available")

func (e *ContactEffector) assign(ctx context.Context, contact *models.Contact, p *models.AssignParams) automation.Result {
	var (
		agent *models.Agent
		err   error
	)
	switch p.Strategy {
	case models.AssignSpecific:
		agent, err = e.specificAgent(ctx, contact.TenantID, p.AgentID)
	case models.AssignRoundRobin:
		agent, err = e.roundRobinAgent(ctx, contact.TenantID)
	case models.AssignLeastBusy:
		agent, err = e.leastBusyAgent(ctx, contact.TenantID)
	default:
		err = automation.Permanent(nil, fmt.Sprintf("unknown assignment strategy %q", p.Strategy))
	}
	if err != nil {
		return automation.Failed(err)
	}

	now := e.now()
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Contact{}).
			Where("id = ? AND tenant_id = ?", contact.ID, contact.TenantID).
			Updates(map[string]interface{}{"assigned_agent_id": agent.ID, "updated_at": now}).Error; err != nil {
			return err
		}
		return tx.Model(&models.Agent{}).
			Where("id = ?", agent.ID).
			Update("last_assigned_at", now).Error
	})
	if err != nil {
		return automation.Failed(automation.Retryable(err, "assign contact"))
	}
	e.logger.WithFields(logrus.Fields{
		"contact_id": contact.ID,
		"agent_id":   agent.ID,
		"strategy":   p.Strategy,
	}).Info("effector: contact assigned")
	return automation.Succeeded(map[string]interface{}{"agent_id": agent.ID, "strategy": p.Strategy})
}

func (e *ContactEffector) specificAgent(ctx context.Context, tenantID string, id uint) (*models.Agent, error) {
	var agent models.Agent
	err := e.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, automation.Permanent(err, fmt.Sprintf("agent %d not found", id))
	}
	if err != nil {
		return nil, automation.Retryable(err, "load agent")
	}
	return &agent, nil
}

// roundRobinAgent picks the online agent assigned least recently; agents
// never assigned come first.
func (e *ContactEffector) roundRobinAgent(ctx context.Context, tenantID string) (*models.Agent, error) {
	var agent models.Agent
	err := e.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantID, "online").
		Order("last_assigned_at IS NOT NULL").
		Order("last_assigned_at ASC").
		Order("id ASC").
		First(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, automation.Retryable(errNoAgent, "round robin assignment")
	}
	if err != nil {
		return nil, automation.Retryable(err, "load agents")
	}
	return &agent, nil
}

// leastBusyAgent picks the online agent with the fewest assigned contacts
// that is still under its max load.
func (e *ContactEffector) leastBusyAgent(ctx context.Context, tenantID string) (*models.Agent, error) {
	var agents []models.Agent
	if err := e.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantID, "online").
		Order("id ASC").
		Find(&agents).Error; err != nil {
		return nil, automation.Retryable(err, "load agents")
	}

	var loads []struct {
		AgentID   uint
		OpenCount int64
	}
	if err := e.db.WithContext(ctx).Model(&models.Contact{}).
		Select("assigned_agent_id AS agent_id, COUNT(*) AS open_count").
		Where("tenant_id = ? AND assigned_agent_id IS NOT NULL", tenantID).
		Group("assigned_agent_id").
		Scan(&loads).Error; err != nil {
		return nil, automation.Retryable(err, "count agent load")
	}
	byAgent := make(map[uint]int64, len(loads))
	for _, l := range loads {
		byAgent[l.AgentID] = l.OpenCount
	}

	var best *models.Agent
	var bestLoad int64
	for i := range agents {
		load := byAgent[agents[i].ID]
		if agents[i].MaxLoad > 0 && load >= int64(agents[i].MaxLoad) {
			continue
		}
		if best == nil || load < bestLoad {
			best, bestLoad = &agents[i], load
		}
	}
	if best == nil {
		return nil, automation.Retryable(errNoAgent, "least busy assignment")
	}
	return best, nil
}
