package effectors

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/goliatone/go-errors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"ruleflow/internal/automation"
	"ruleflow/internal/models"
)

// Channels the message effector knows how to address.
const (
	ChannelEmail    = "email"
	ChannelSMS      = "sms"
	ChannelWhatsApp = "whatsapp"
)

// Message is one rendered outbound message.
type Message struct {
	TenantID    string
	ContactID   uint
	ExecutionID uint
	Channel     string
	To          string
	Subject     string
	Template    string
	Content     string
}

// Sender delivers rendered messages to a provider. Errors are retried
// unless wrapped with automation.Permanent.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to the log instead of a provider.
type LogSender struct {
	Logger *logrus.Logger
}

func (s LogSender) Send(_ context.Context, msg Message) error {
	logger := s.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithFields(logrus.Fields{
		"tenant_id":    msg.TenantID,
		"contact_id":   msg.ContactID,
		"execution_id": msg.ExecutionID,
		"channel":      msg.Channel,
		"to":           msg.To,
	}).Infof("message: %s", msg.Content)
	return nil
}

// MessageEffector 渲染并发送消息，记录发送审计
type MessageEffector struct {
	db     *gorm.DB
	sender Sender
	logger *logrus.Logger
	now    func() time.Time
}

func NewMessageEffector(db *gorm.DB, sender Sender, logger *logrus.Logger) *MessageEffector {
	if logger == nil {
		logger = logrus.New()
	}
	if sender == nil {
		sender = LogSender{Logger: logger}
	}
	return &MessageEffector{db: db, sender: sender, logger: logger, now: time.Now}
}

func (e *MessageEffector) Kinds() []models.ActionKind {
	return []models.ActionKind{models.ActionSendMessage}
}

func (e *MessageEffector) Execute(ctx context.Context, action models.Action, req automation.Request) automation.Result {
	p := action.Message
	if p == nil {
		return automation.Failed(automation.Permanent(nil, "send_message without parameters"))
	}
	contact, err := loadContact(ctx, e.db, req)
	if err != nil {
		return automation.Failed(err)
	}

	to, err := recipient(contact, p.Channel)
	if err != nil {
		return automation.Failed(err)
	}

	body := p.Text
	if body == "" {
		// provider-side templates receive the name; variables still render
		body = p.Template
	}
	msg := Message{
		TenantID:    req.TenantID,
		ContactID:   contact.ID,
		ExecutionID: req.ExecutionID,
		Channel:     p.Channel,
		To:          to,
		Subject:     Render(p.Subject, p.Variables, contact, req.EventData),
		Template:    p.Template,
		Content:     Render(body, p.Variables, contact, req.EventData),
	}

	sendErr := e.sender.Send(ctx, msg)
	status := "sent"
	if sendErr != nil {
		status = "failed"
	}
	audit := &models.OutboundMessage{
		TenantID:    msg.TenantID,
		ContactID:   msg.ContactID,
		ExecutionID: msg.ExecutionID,
		Channel:     msg.Channel,
		Template:    msg.Template,
		Content:     msg.Content,
		Status:      status,
		CreatedAt:   e.now(),
	}
	if err := e.db.WithContext(context.WithoutCancel(ctx)).Create(audit).Error; err != nil {
		e.logger.WithError(err).WithField("execution_id", req.ExecutionID).Warn("effector: message audit not saved")
	}

	if sendErr != nil {
		var classified *apperrors.Error
		if errors.As(sendErr, &classified) {
			return automation.Failed(sendErr)
		}
		return automation.Failed(automation.Retryable(sendErr, fmt.Sprintf("send %s message", p.Channel)))
	}
	return automation.Succeeded(map[string]interface{}{
		"channel":    msg.Channel,
		"to":         msg.To,
		"message_id": audit.ID,
	})
}

// recipient picks the contact address for the channel; a missing address
// is a permanent failure.
func recipient(c *models.Contact, channel string) (string, error) {
	var to string
	switch channel {
	case ChannelEmail:
		to = c.Email
	case ChannelSMS, ChannelWhatsApp:
		to = c.Phone
	default:
		return "", automation.Permanent(nil, fmt.Sprintf("unsupported channel %q", channel))
	}
	if strings.TrimSpace(to) == "" {
		return "", automation.Permanent(nil, fmt.Sprintf("contact %d has no %s address", c.ID, channel))
	}
	return to, nil
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// Render replaces {{name}} placeholders. A name listed in vars resolves
// through its mapped event data path; contact.* names read the contact;
// anything else is looked up in the event data directly. Unresolved
// placeholders render empty.
func Render(text string, vars map[string]string, contact *models.Contact, data map[string]interface{}) string {
	if text == "" || !strings.Contains(text, "{{") {
		return text
	}
	return placeholder.ReplaceAllStringFunc(text, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		if path, ok := vars[name]; ok {
			v, _ := automation.LookupPath(data, path)
			return v
		}
		if field, ok := strings.CutPrefix(name, "contact."); ok && contact != nil {
			return contactValue(contact, field)
		}
		v, _ := automation.LookupPath(data, name)
		return v
	})
}

func contactValue(c *models.Contact, field string) string {
	switch field {
	case "name":
		return c.Name
	case "first_name":
		first, _, _ := strings.Cut(strings.TrimSpace(c.Name), " ")
		return first
	case "email":
		return c.Email
	case "phone":
		return c.Phone
	case "lifecycle_stage":
		return c.LifecycleStage
	}
	if key, ok := customFieldKey(field); ok {
		v, _ := automation.LookupPath(c.CustomFields, key)
		return v
	}
	return ""
}
