package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// JSONMap stores a JSON object in a text column.
type JSONMap map[string]interface{}

func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return jsonValue(j)
}

func (j *JSONMap) Scan(value interface{}) error {
	return jsonScan(value, j)
}

// jsonValue / jsonScan back every JSON column in this package.
func jsonValue(v interface{}) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func jsonScan(value interface{}, dst interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into %T", value, dst)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// 联系人（自动化动作的主要作用对象）
type Contact struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	TenantID        string         `gorm:"size:64;index;not null" json:"tenant_id"`
	Name            string         `json:"name"`
	Email           string         `gorm:"index" json:"email"`
	Phone           string         `json:"phone"`
	Tags            string         `json:"tags"` // 逗号分隔
	CustomFields    JSONMap        `gorm:"type:text" json:"custom_fields"`
	LifecycleStage  string         `gorm:"size:64;default:'lead'" json:"lifecycle_stage"`
	AssignedAgentID *uint          `gorm:"index" json:"assigned_agent_id"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"-"`
}

// TagList splits the comma separated tag column.
func (c *Contact) TagList() []string {
	return SplitTags(c.Tags)
}

// HasTag reports whether the contact carries tag (exact match).
func (c *Contact) HasTag(tag string) bool {
	for _, t := range c.TagList() {
		if t == tag {
			return true
		}
	}
	return false
}

func SplitTags(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// 客服代理
type Agent struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	TenantID       string         `gorm:"size:64;index;not null" json:"tenant_id"`
	Name           string         `json:"name"`
	Status         string         `gorm:"default:'online'" json:"status"` // online, offline, busy
	MaxLoad        int            `gorm:"default:20" json:"max_load"`
	LastAssignedAt *time.Time     `json:"last_assigned_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}

// 自动化发送的消息审计
type OutboundMessage struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	TenantID    string    `gorm:"size:64;index" json:"tenant_id"`
	ContactID   uint      `gorm:"index" json:"contact_id"`
	ExecutionID uint      `gorm:"index" json:"execution_id"`
	Channel     string    `json:"channel"` // whatsapp, email, sms
	Template    string    `json:"template"`
	Content     string    `gorm:"type:text" json:"content"`
	Status      string    `json:"status"` // sent, failed
	CreatedAt   time.Time `json:"created_at"`
}

// AllModels lists every table the service migrates.
func AllModels() []interface{} {
	return []interface{}{
		&Contact{}, &Agent{}, &OutboundMessage{},
		&AutomationRule{}, &ExecutionRecord{}, &DeduplicationRecord{},
	}
}
