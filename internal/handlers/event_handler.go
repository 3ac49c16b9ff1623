package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"ruleflow/internal/automation"
	"ruleflow/internal/middleware"
	"ruleflow/internal/services"
)

// EventRequest 内部事件投递
type EventRequest struct {
	TriggerType string                 `json:"trigger_type" binding:"required"`
	SubjectID   uint                   `json:"subject_id"`
	Data        map[string]interface{} `json:"data"`
}

// WebhookResponse reports what the deduplication guard did with a delivery.
type WebhookResponse struct {
	Outcome automation.GuardOutcome    `json:"outcome"`
	Result  *automation.DispatchResult `json:"result,omitempty"`
}

// EventHandler 事件摄入
type EventHandler struct {
	service *services.AutomationService
	logger  *logrus.Logger
}

func NewEventHandler(service *services.AutomationService, logger *logrus.Logger) *EventHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &EventHandler{service: service, logger: logger}
}

// Ingest dispatches a business event for the caller's tenant.
func (h *EventHandler) Ingest(c *gin.Context) {
	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	result, err := h.service.Ingest(c.Request.Context(), automation.Event{
		TenantID:    middleware.TenantID(c),
		TriggerType: req.TriggerType,
		SubjectID:   req.SubjectID,
		Data:        req.Data,
	})
	if err != nil {
		writeError(c, "Failed to dispatch event", err)
		return
	}
	// 单条规则失败不影响其他规则，结果中列出
	c.JSON(http.StatusAccepted, result)
}

// Webhook accepts a third-party delivery. The topic comes from X-Topic or
// the payload's topic; the event id from webhookEventID.
func (h *EventHandler) Webhook(c *gin.Context) {
	var payload map[string]interface{}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid payload", Message: err.Error()})
		return
	}
	topic := firstNonEmpty(c.GetHeader("X-Topic"), payloadString(payload, "topic"))
	ext := automation.ExternalEvent{
		Provider: c.Param("provider"),
		EventID:  webhookEventID(c.GetHeader("X-Event-ID"), topic, payload),
		Topic:    topic,
		TenantID: middleware.TenantID(c),
		Payload:  payload,
	}
	outcome, result, err := h.service.IngestWebhook(c.Request.Context(), ext)
	switch {
	case err != nil && outcome == automation.OutcomeFailed:
		// 去重记录已占用，提供方重试不会再次执行
		h.logger.WithError(err).WithField("provider", ext.Provider).Warn("webhook processing failed")
		c.JSON(http.StatusOK, WebhookResponse{Outcome: outcome, Result: result})
	case err != nil:
		writeError(c, "Failed to accept webhook", err)
	case outcome == automation.OutcomeDuplicate:
		c.JSON(http.StatusOK, WebhookResponse{Outcome: outcome})
	default:
		c.JSON(http.StatusAccepted, WebhookResponse{Outcome: outcome, Result: result})
	}
}

// RegisterEventRoutes 注册事件路由
func RegisterEventRoutes(r *gin.RouterGroup, handler *EventHandler) {
	r.POST("/events", handler.Ingest)
	r.POST("/webhooks/:provider", handler.Webhook)
}

func payloadString(payload map[string]interface{}, key string) string {
	switch v := payload[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}

// webhookEventID prefers the X-Event-ID header, then the payload's event_id.
// A bare payload id usually names the resource (the order), not the
// delivery, so it is qualified with the topic: order_created and order_paid
// for one order stay distinct.
func webhookEventID(header, topic string, payload map[string]interface{}) string {
	if id := firstNonEmpty(header, payloadString(payload, "event_id")); id != "" {
		return id
	}
	id := payloadString(payload, "id")
	if id == "" || topic == "" {
		return id
	}
	return topic + ":" + id
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
