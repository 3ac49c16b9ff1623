package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidAction is wrapped by every Action validation failure.
var ErrInvalidAction = errors.New("invalid action")

// 触发器类型（业务事件）
const (
	TriggerOrderCreated          = "order_created"
	TriggerOrderPaid             = "order_paid"
	TriggerOrderFulfilled        = "order_fulfilled"
	TriggerOrderCancelled        = "order_cancelled"
	TriggerOrderRefunded         = "order_refunded"
	TriggerCartAbandoned         = "cart_abandoned"
	TriggerCheckoutStarted       = "checkout_started"
	TriggerProductViewed         = "product_viewed"
	TriggerPaymentFailed         = "payment_failed"
	TriggerSubscriptionCreated   = "subscription_created"
	TriggerSubscriptionCancelled = "subscription_cancelled"
	TriggerContactCreated        = "contact_created"
	TriggerContactUpdated        = "contact_updated"
	TriggerTagAdded              = "tag_added"
	TriggerTagRemoved            = "tag_removed"
	TriggerFieldChanged          = "field_changed"
	TriggerLifecycleChanged      = "lifecycle_stage_changed"
	TriggerSegmentJoined         = "segment_joined"
	TriggerSegmentLeft           = "segment_left"
	TriggerBirthday              = "birthday"
	TriggerDateFieldReached      = "date_field_reached"
	TriggerMessageReceived       = "message_received"
	TriggerKeywordReceived       = "keyword_received"
	TriggerFirstMessage          = "first_message"
	TriggerNoReply               = "no_reply"
	TriggerConversationOpened    = "conversation_opened"
	TriggerConversationClosed    = "conversation_closed"
	TriggerConversationAssigned  = "conversation_assigned"
	TriggerTicketCreated         = "ticket_created"
	TriggerTicketUpdated         = "ticket_updated"
	TriggerTicketResolved        = "ticket_resolved"
	TriggerSLAViolation          = "sla_violation"
	TriggerFormSubmitted         = "form_submitted"
	TriggerAppointmentBooked     = "appointment_booked"
	TriggerAppointmentReminder   = "appointment_reminder"
	TriggerEmailOpened           = "email_opened"
	TriggerEmailClicked          = "email_clicked"
	TriggerLinkClicked           = "link_clicked"
	TriggerReviewReceived        = "review_received"
	TriggerWebhookReceived       = "webhook_received"
	TriggerSchedule              = "schedule"
	TriggerManual                = "manual"
)

// TriggerTypes is the closed set of events rules may subscribe to.
var TriggerTypes = []string{
	TriggerOrderCreated, TriggerOrderPaid, TriggerOrderFulfilled, TriggerOrderCancelled,
	TriggerOrderRefunded, TriggerCartAbandoned, TriggerCheckoutStarted, TriggerProductViewed,
	TriggerPaymentFailed, TriggerSubscriptionCreated, TriggerSubscriptionCancelled,
	TriggerContactCreated, TriggerContactUpdated, TriggerTagAdded, TriggerTagRemoved,
	TriggerFieldChanged, TriggerLifecycleChanged, TriggerSegmentJoined, TriggerSegmentLeft,
	TriggerBirthday, TriggerDateFieldReached, TriggerMessageReceived, TriggerKeywordReceived,
	TriggerFirstMessage, TriggerNoReply, TriggerConversationOpened, TriggerConversationClosed,
	TriggerConversationAssigned, TriggerTicketCreated, TriggerTicketUpdated, TriggerTicketResolved,
	TriggerSLAViolation, TriggerFormSubmitted, TriggerAppointmentBooked, TriggerAppointmentReminder,
	TriggerEmailOpened, TriggerEmailClicked, TriggerLinkClicked, TriggerReviewReceived,
	TriggerWebhookReceived, TriggerSchedule, TriggerManual,
}

func IsSupportedTrigger(t string) bool {
	for _, tt := range TriggerTypes {
		if tt == t {
			return true
		}
	}
	return false
}

// RuleStatus 规则生命周期
type RuleStatus string

const (
	RuleStatusDraft  RuleStatus = "draft"
	RuleStatusActive RuleStatus = "active"
	RuleStatusPaused RuleStatus = "paused"
)

func (s RuleStatus) IsValid() bool {
	switch s {
	case RuleStatusDraft, RuleStatusActive, RuleStatusPaused:
		return true
	default:
		return false
	}
}

// ExecutionStatus 执行记录状态
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionWaiting   ExecutionStatus = "waiting"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionSkipped   ExecutionStatus = "skipped"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further step may run.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionSkipped, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// Claimable reports whether a worker may move the record to running.
func (s ExecutionStatus) Claimable() bool {
	return s == ExecutionPending || s == ExecutionWaiting
}

type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// Condition operators
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpIsSet       = "is_set"
	OpIsNotSet    = "is_not_set"
	OpInList      = "in_list"
)

// Condition is a single field/operator/value predicate.
type Condition struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value,omitempty"`
}

type ConditionList []Condition

func (c ConditionList) Value() (driver.Value, error) {
	if c == nil {
		return jsonValue([]Condition{})
	}
	return jsonValue([]Condition(c))
}

func (c *ConditionList) Scan(value interface{}) error {
	return jsonScan(value, c)
}

// ActionKind 动作类型
type ActionKind string

const (
	ActionSendMessage     ActionKind = "send_message"
	ActionAddTag          ActionKind = "add_tag"
	ActionRemoveTag       ActionKind = "remove_tag"
	ActionUpdateField     ActionKind = "update_field"
	ActionUpdateLifecycle ActionKind = "update_lifecycle_stage"
	ActionAssignAgent     ActionKind = "assign_to_agent"
	ActionWait            ActionKind = "wait"
	ActionCondition       ActionKind = "condition"
	ActionWebhook         ActionKind = "webhook"
)

// EffectKinds are the kinds dispatched to an effector; wait and condition are
// handled by the executor itself.
var EffectKinds = []ActionKind{
	ActionSendMessage, ActionAddTag, ActionRemoveTag, ActionUpdateField,
	ActionUpdateLifecycle, ActionAssignAgent, ActionWebhook,
}

// IsPseudo reports whether the kind is interpreted by the executor.
func (k ActionKind) IsPseudo() bool {
	return k == ActionWait || k == ActionCondition
}

type SendMessageParams struct {
	Channel   string            `json:"channel"` // whatsapp, email, sms
	Template  string            `json:"template,omitempty"`
	Text      string            `json:"text,omitempty"`
	Subject   string            `json:"subject,omitempty"`
	Variables map[string]string `json:"variables,omitempty"` // placeholder -> event data path
}

type TagParams struct {
	Name string `json:"name"`
}

type FieldUpdateParams struct {
	Field string      `json:"field"` // name, email, phone, customFields.x
	Value interface{} `json:"value"`
}

type LifecycleParams struct {
	Stage string `json:"stage"`
}

// Assignment strategies
const (
	AssignRoundRobin = "round_robin"
	AssignLeastBusy  = "least_busy"
	AssignSpecific   = "specific"
)

type AssignParams struct {
	Strategy string `json:"strategy"`
	AgentID  uint   `json:"agent_id,omitempty"`
}

// Wait units
const (
	UnitSeconds = "seconds"
	UnitMinutes = "minutes"
	UnitHours   = "hours"
	UnitDays    = "days"
)

type WaitParams struct {
	Duration int    `json:"duration"`
	Unit     string `json:"unit"`
}

// Interval converts the wait to a duration; unknown units yield an error.
func (w WaitParams) Interval() (time.Duration, error) {
	if w.Duration < 0 {
		return 0, fmt.Errorf("%w: negative wait duration", ErrInvalidAction)
	}
	d := time.Duration(w.Duration)
	switch w.Unit {
	case UnitSeconds:
		return d * time.Second, nil
	case UnitMinutes:
		return d * time.Minute, nil
	case UnitHours:
		return d * time.Hour, nil
	case UnitDays:
		return d * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: unknown wait unit %q", ErrInvalidAction, w.Unit)
	}
}

type BranchParams struct {
	Conditions ConditionList `json:"conditions"`
	Then       []Action      `json:"then,omitempty"`
	Else       []Action      `json:"else,omitempty"`
}

type WebhookParams struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    JSONMap           `json:"body,omitempty"`
}

// Action is one step of a rule. Type selects exactly one payload field; branch
// actions own two nested lists of the same type.
type Action struct {
	Type      ActionKind         `json:"type"`
	Message   *SendMessageParams `json:"message,omitempty"`
	Tag       *TagParams         `json:"tag,omitempty"`
	Field     *FieldUpdateParams `json:"field,omitempty"`
	Lifecycle *LifecycleParams   `json:"lifecycle,omitempty"`
	Assign    *AssignParams      `json:"assign,omitempty"`
	Wait      *WaitParams        `json:"wait,omitempty"`
	Condition *BranchParams      `json:"condition,omitempty"`
	Webhook   *WebhookParams     `json:"webhook,omitempty"`
}

func (a Action) payloadCount() int {
	n := 0
	for _, set := range []bool{
		a.Message != nil, a.Tag != nil, a.Field != nil, a.Lifecycle != nil,
		a.Assign != nil, a.Wait != nil, a.Condition != nil, a.Webhook != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// Validate checks that the payload matches the kind, recursing into branches.
func (a Action) Validate() error {
	if a.payloadCount() != 1 {
		return fmt.Errorf("%w: %s must carry exactly one payload", ErrInvalidAction, a.Type)
	}
	switch a.Type {
	case ActionSendMessage:
		if a.Message == nil {
			return fmt.Errorf("%w: send_message requires message", ErrInvalidAction)
		}
		if a.Message.Channel == "" {
			return fmt.Errorf("%w: send_message requires channel", ErrInvalidAction)
		}
		if a.Message.Template == "" && a.Message.Text == "" {
			return fmt.Errorf("%w: send_message requires template or text", ErrInvalidAction)
		}
	case ActionAddTag, ActionRemoveTag:
		if a.Tag == nil || strings.TrimSpace(a.Tag.Name) == "" {
			return fmt.Errorf("%w: %s requires tag name", ErrInvalidAction, a.Type)
		}
	case ActionUpdateField:
		if a.Field == nil || a.Field.Field == "" {
			return fmt.Errorf("%w: update_field requires field", ErrInvalidAction)
		}
	case ActionUpdateLifecycle:
		if a.Lifecycle == nil || a.Lifecycle.Stage == "" {
			return fmt.Errorf("%w: update_lifecycle_stage requires stage", ErrInvalidAction)
		}
	case ActionAssignAgent:
		if a.Assign == nil {
			return fmt.Errorf("%w: assign_to_agent requires assign", ErrInvalidAction)
		}
		switch a.Assign.Strategy {
		case AssignRoundRobin, AssignLeastBusy:
		case AssignSpecific:
			if a.Assign.AgentID == 0 {
				return fmt.Errorf("%w: specific assignment requires agent_id", ErrInvalidAction)
			}
		default:
			return fmt.Errorf("%w: unknown assignment strategy %q", ErrInvalidAction, a.Assign.Strategy)
		}
	case ActionWait:
		if a.Wait == nil {
			return fmt.Errorf("%w: wait requires wait", ErrInvalidAction)
		}
		if _, err := a.Wait.Interval(); err != nil {
			return err
		}
	case ActionCondition:
		if a.Condition == nil {
			return fmt.Errorf("%w: condition requires condition", ErrInvalidAction)
		}
		for i, sub := range a.Condition.Then {
			if err := sub.Validate(); err != nil {
				return fmt.Errorf("then[%d]: %w", i, err)
			}
		}
		for i, sub := range a.Condition.Else {
			if err := sub.Validate(); err != nil {
				return fmt.Errorf("else[%d]: %w", i, err)
			}
		}
	case ActionWebhook:
		if a.Webhook == nil || a.Webhook.URL == "" {
			return fmt.Errorf("%w: webhook requires url", ErrInvalidAction)
		}
	default:
		return fmt.Errorf("%w: unknown action type %q", ErrInvalidAction, a.Type)
	}
	return nil
}

type ActionList []Action

func (l ActionList) Value() (driver.Value, error) {
	if l == nil {
		return jsonValue([]Action{})
	}
	return jsonValue([]Action(l))
}

func (l *ActionList) Scan(value interface{}) error {
	return jsonScan(value, l)
}

func (l ActionList) Validate() error {
	for i, a := range l {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("actions[%d]: %w", i, err)
		}
	}
	return nil
}

// CountEffects returns the number of effector-bound actions in the whole tree.
func (l ActionList) CountEffects() int {
	n := 0
	for _, a := range l {
		switch a.Type {
		case ActionWait:
		case ActionCondition:
			if a.Condition != nil {
				n += ActionList(a.Condition.Then).CountEffects()
				n += ActionList(a.Condition.Else).CountEffects()
			}
		default:
			n++
		}
	}
	return n
}

// Keyword match modes
const (
	MatchAny   = "any"
	MatchAll   = "all"
	MatchExact = "exact"
)

// TriggerConfig holds trigger parameters beyond the event type.
type TriggerConfig struct {
	Keywords       []string `json:"keywords,omitempty"`
	KeywordField   string   `json:"keyword_field,omitempty"` // default "message"
	MatchMode      string   `json:"match_mode,omitempty"`
	Threshold      *float64 `json:"threshold,omitempty"`
	ThresholdField string   `json:"threshold_field,omitempty"` // default "total"
	Schedule       string   `json:"schedule,omitempty"`        // cron spec for schedule triggers
}

func (c TriggerConfig) Value() (driver.Value, error) {
	return jsonValue(c)
}

func (c *TriggerConfig) Scan(value interface{}) error {
	return jsonScan(value, c)
}

// Delay policy types
const (
	DelayImmediate     = "immediate"
	DelayFixed         = "fixed_delay"
	DelayScheduledTime = "scheduled_time"
)

type DelayPolicy struct {
	Type     string `json:"type"`
	Seconds  int    `json:"seconds,omitempty"`
	Time     string `json:"time,omitempty"`     // HH:MM
	Timezone string `json:"timezone,omitempty"` // IANA name, default UTC
	Cron     string `json:"cron,omitempty"`     // overrides Time when set
}

func (p DelayPolicy) Value() (driver.Value, error) {
	return jsonValue(p)
}

func (p *DelayPolicy) Scan(value interface{}) error {
	return jsonScan(value, p)
}

// AutomationRule 自动化规则定义
type AutomationRule struct {
	ID            uint          `gorm:"primaryKey" json:"id"`
	TenantID      string        `gorm:"size:64;not null;index:idx_rules_lookup,priority:1" json:"tenant_id"`
	Name          string        `gorm:"not null" json:"name"`
	Description   string        `gorm:"type:text" json:"description"`
	TriggerType   string        `gorm:"size:64;not null;index:idx_rules_lookup,priority:2" json:"trigger_type"`
	TriggerConfig TriggerConfig `gorm:"type:text" json:"trigger_config"`
	Conditions    ConditionList `gorm:"type:text" json:"conditions"`
	Actions       ActionList    `gorm:"type:text" json:"actions"`
	DelayPolicy   DelayPolicy   `gorm:"type:text" json:"delay_policy"`
	Priority      int           `gorm:"default:0" json:"priority"`
	Status        RuleStatus    `gorm:"size:16;default:'draft';index:idx_rules_lookup,priority:3" json:"status"`
	Version       int           `gorm:"default:1" json:"version"`
	RunCount      int64         `gorm:"default:0" json:"run_count"`
	SuccessCount  int64         `gorm:"default:0" json:"success_count"`
	FailureCount  int64         `gorm:"default:0" json:"failure_count"`
	LastRunAt     *time.Time    `json:"last_run_at"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// StepOutcome is one entry of an execution's step log.
type StepOutcome struct {
	Index  int        `json:"index"` // top-level action index
	Path   string     `json:"path"`  // dotted index path, e.g. "2.0"
	Kind   ActionKind `json:"kind"`
	Status StepStatus `json:"status"`
	Result JSONMap    `json:"result,omitempty"`
	Error  string     `json:"error,omitempty"`
	At     time.Time  `json:"at"`
}

type StepOutcomeList []StepOutcome

func (l StepOutcomeList) Value() (driver.Value, error) {
	if l == nil {
		return jsonValue([]StepOutcome{})
	}
	return jsonValue([]StepOutcome(l))
}

func (l *StepOutcomeList) Scan(value interface{}) error {
	return jsonScan(value, l)
}

// IndexPath addresses a step in a nested action tree. Each element past the
// first indexes into the branch chosen by the condition action at the
// previous level.
type IndexPath []int

func (p IndexPath) Value() (driver.Value, error) {
	if p == nil {
		return jsonValue([]int{})
	}
	return jsonValue([]int(p))
}

func (p *IndexPath) Scan(value interface{}) error {
	return jsonScan(value, p)
}

func (p IndexPath) String() string {
	parts := make([]string, len(p))
	for i, v := range p {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ".")
}

// ExecutionRecord 一次规则执行（规则 × 触发事件）
type ExecutionRecord struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	TenantID    string          `gorm:"size:64;index" json:"tenant_id"`
	RuleID      uint            `gorm:"index" json:"rule_id"`
	RuleVersion int             `json:"rule_version"`
	TriggerType string          `gorm:"size:64" json:"trigger_type"`
	SubjectID   uint            `gorm:"index" json:"subject_id"`
	EventData   JSONMap         `gorm:"type:text" json:"event_data"`
	Actions     ActionList      `gorm:"type:text" json:"actions"`
	Status      ExecutionStatus `gorm:"size:16;index" json:"status"`
	CurrentStep int             `json:"current_step"`
	ResumePath  IndexPath       `gorm:"type:text" json:"resume_path"`
	Steps       StepOutcomeList `gorm:"type:text" json:"steps"`
	NextWakeAt  *time.Time      `json:"next_wake_at"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `gorm:"default:3" json:"max_retries"`
	LastError   string          `gorm:"type:text" json:"last_error"`
	StartedAt   *time.Time      `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at"`
	DurationMs  int64           `json:"duration_ms"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `gorm:"index" json:"updated_at"`
}

// DeduplicationRecord 外部事件去重
type DeduplicationRecord struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	TenantID    string     `gorm:"size:64;not null;default:'';uniqueIndex:idx_dedup_tenant_event,priority:1" json:"tenant_id"`
	Provider    string     `gorm:"size:64;not null;uniqueIndex:idx_dedup_tenant_event,priority:2" json:"provider"`
	EventID     string     `gorm:"size:191;not null;uniqueIndex:idx_dedup_tenant_event,priority:3" json:"event_id"`
	Topic       string     `gorm:"size:128" json:"topic"`
	Processed   bool       `gorm:"default:false" json:"processed"`
	Error       string     `gorm:"type:text" json:"error"`
	Attempts    int        `gorm:"default:1" json:"attempts"`
	FirstSeenAt time.Time  `gorm:"index" json:"first_seen_at"`
	LastSeenAt  time.Time  `json:"last_seen_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}
