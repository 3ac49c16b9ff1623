package effectors

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleflow/internal/automation"
	"ruleflow/internal/models"
)

type captureSender struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (s *captureSender) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func TestRender(t *testing.T) {
	contact := &models.Contact{Name: "Ana Lima", Email: "ana@example.com", CustomFields: models.JSONMap{"plan": "pro"}}
	data := map[string]interface{}{
		"order": map[string]interface{}{"id": "A-7", "total": 129.9},
		"cart":  map[string]interface{}{"url": "https://shop/cart/1"},
	}
	vars := map[string]string{"link": "cart.url"}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"event path", "order {{order.id}} totals {{ order.total }}", "order A-7 totals 129.9"},
		{"variable mapping", "finish at {{link}}", "finish at https://shop/cart/1"},
		{"contact", "Hi {{contact.first_name}} <{{contact.email}}>", "Hi Ana <ana@example.com>"},
		{"contact custom field", "plan: {{contact.customFields.plan}}", "plan: pro"},
		{"unresolved", "x{{missing.path}}y", "xy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.in, vars, contact, data))
		})
	}
}

func TestMessageEffector_SendsAndAudits(t *testing.T) {
	db := newTestDB(t)
	sender := &captureSender{}
	eff := NewMessageEffector(db, sender, quietLogger())
	c := seedContact(t, db, models.Contact{Name: "Ana", Email: "ana@example.com"})

	r := req(c.ID)
	r.EventData = map[string]interface{}{"order_id": "A-1"}
	res := eff.Execute(context.Background(), models.Action{
		Type: models.ActionSendMessage,
		Message: &models.SendMessageParams{
			Channel: ChannelEmail, Subject: "Order {{order_id}}", Text: "Thanks {{contact.name}}!",
		},
	}, r)
	require.NoError(t, res.Err)
	assert.True(t, res.Success)

	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, "ana@example.com", msg.To)
	assert.Equal(t, "Order A-1", msg.Subject)
	assert.Equal(t, "Thanks Ana!", msg.Content)
	assert.Equal(t, uint(99), msg.ExecutionID)

	var audit models.OutboundMessage
	require.NoError(t, db.First(&audit).Error)
	assert.Equal(t, "sent", audit.Status)
	assert.Equal(t, c.ID, audit.ContactID)
	assert.Equal(t, audit.ID, res.Data["message_id"])
}

func TestMessageEffector_Failures(t *testing.T) {
	db := newTestDB(t)
	c := seedContact(t, db, models.Contact{Name: "Ana", Email: "ana@example.com"})
	ctx := context.Background()
	whatsapp := models.Action{Type: models.ActionSendMessage, Message: &models.SendMessageParams{Channel: ChannelWhatsApp, Text: "hi"}}
	email := models.Action{Type: models.ActionSendMessage, Message: &models.SendMessageParams{Channel: ChannelEmail, Text: "hi"}}

	t.Run("missing address is permanent", func(t *testing.T) {
		sender := &captureSender{}
		res := NewMessageEffector(db, sender, quietLogger()).Execute(ctx, whatsapp, req(c.ID))
		require.Error(t, res.Err)
		assert.False(t, automation.IsRetryable(res.Err))
		assert.Empty(t, sender.sent)
	})

	t.Run("provider error is retryable", func(t *testing.T) {
		sender := &captureSender{err: errors.New("smtp timeout")}
		res := NewMessageEffector(db, sender, quietLogger()).Execute(ctx, email, req(c.ID))
		require.Error(t, res.Err)
		assert.True(t, automation.IsRetryable(res.Err))

		var failed int64
		db.Model(&models.OutboundMessage{}).Where("status = ?", "failed").Count(&failed)
		assert.Equal(t, int64(1), failed)
	})

	t.Run("classified provider error is kept", func(t *testing.T) {
		sender := &captureSender{err: automation.Permanent(nil, "recipient blocked")}
		res := NewMessageEffector(db, sender, quietLogger()).Execute(ctx, email, req(c.ID))
		require.Error(t, res.Err)
		assert.False(t, automation.IsRetryable(res.Err))
	})
}
