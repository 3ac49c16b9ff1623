package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ruleflow/internal/automation"
	"ruleflow/internal/config"
	"ruleflow/internal/effectors"
	"ruleflow/internal/middleware"
	"ruleflow/internal/models"
	"ruleflow/internal/services"
)

type testAPI struct {
	router *gin.Engine
	db     *gorm.DB
	secret string
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:handlers_"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.AllModels()...))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	log := logrus.New()
	log.SetOutput(io.Discard)

	reg, err := effectors.NewRegistry(db, nil, effectors.WebhookOptions{}, log)
	require.NoError(t, err)
	store := automation.NewGormStore(db)
	// 不启动调度器，执行保持 pending 便于断言
	sched := automation.NewMemoryScheduler(1, 64, log)
	t.Cleanup(func() { _ = sched.Close() })
	engine, err := automation.NewEngine(store, store, automation.NewGormDedupStore(db), sched, reg, automation.Options{MaxAttempts: 3}, log)
	require.NoError(t, err)
	svc := services.NewAutomationService(engine, log)

	cfg := config.GetDefaultConfig()
	cfg.JWT.Secret = "handler-secret"
	r := gin.New()
	r.GET("/health", NewHealthHandler(db, nil, sched, "test").Health)
	api := r.Group("/api/v1", middleware.AuthMiddleware(cfg))
	RegisterAutomationRoutes(api, NewAutomationHandler(svc))
	RegisterEventRoutes(api, NewEventHandler(svc, log))
	return &testAPI{router: r, db: db, secret: cfg.JWT.Secret}
}

func (a *testAPI) do(t *testing.T, tenant, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		tok, err := middleware.GenerateToken(a.secret, middleware.Claims{TenantID: tenant})
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func ruleBody(trigger string) gin.H {
	return gin.H{
		"name":         "tag buyers",
		"trigger_type": trigger,
		"conditions":   []gin.H{{"field": "total", "operator": "greater_than", "value": 50}},
		"actions":      []gin.H{{"type": "add_tag", "tag": gin.H{"name": "buyer"}}},
	}
}

func (a *testAPI) createActiveRule(t *testing.T, tenant, trigger string) models.AutomationRule {
	t.Helper()
	w := a.do(t, tenant, http.MethodPost, "/api/v1/automations", ruleBody(trigger))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var rule models.AutomationRule
	decode(t, w, &rule)
	w = a.do(t, tenant, http.MethodPost, fmt.Sprintf("/api/v1/automations/%d/activate", rule.ID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &rule)
	return rule
}

func TestAutomationRoutes_RequireAuth(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, "", http.MethodGet, "/api/v1/automations", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAutomationRoutes_CRUD(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, "acme", http.MethodPost, "/api/v1/automations", gin.H{"name": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	bad := ruleBody("not_a_trigger")
	w = api.do(t, "acme", http.MethodPost, "/api/v1/automations", bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var errBody ErrorResponse
	decode(t, w, &errBody)
	assert.Contains(t, errBody.Message, "unsupported trigger")

	rule := api.createActiveRule(t, "acme", models.TriggerOrderCreated)
	assert.Equal(t, models.RuleStatusActive, rule.Status)
	path := fmt.Sprintf("/api/v1/automations/%d", rule.ID)

	w = api.do(t, "acme", http.MethodGet, path, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	// 其他租户不可见
	w = api.do(t, "globex", http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = api.do(t, "acme", http.MethodPut, path, gin.H{"priority": 9, "actions": []gin.H{{"type": "add_tag", "tag": gin.H{"name": "vip"}}}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var updated models.AutomationRule
	decode(t, w, &updated)
	assert.Equal(t, 9, updated.Priority)
	assert.Equal(t, 2, updated.Version)

	w = api.do(t, "acme", http.MethodGet, "/api/v1/automations?status=active", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page PaginatedResponse
	decode(t, w, &page)
	assert.Equal(t, int64(1), page.Total)
	assert.Equal(t, 1, page.Pages)
	assert.Equal(t, 20, page.PageSize)

	w = api.do(t, "acme", http.MethodPost, path+"/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = api.do(t, "acme", http.MethodGet, "/api/v1/automations/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats automation.RuleStats
	decode(t, w, &stats)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.Paused)

	w = api.do(t, "acme", http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = api.do(t, "acme", http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = api.do(t, "acme", http.MethodGet, "/api/v1/automations/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEventRoutes_IngestAndExecutions(t *testing.T) {
	api := newTestAPI(t)
	rule := api.createActiveRule(t, "acme", models.TriggerOrderCreated)

	w := api.do(t, "acme", http.MethodPost, "/api/v1/events", gin.H{
		"trigger_type": models.TriggerOrderCreated,
		"subject_id":   12,
		"data":         gin.H{"total": 80},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var res automation.DispatchResult
	decode(t, w, &res)
	require.Len(t, res.Executions, 1)
	execID := res.Executions[0]

	// 条件不满足
	w = api.do(t, "acme", http.MethodPost, "/api/v1/events", gin.H{
		"trigger_type": models.TriggerOrderCreated,
		"data":         gin.H{"total": 10},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	decode(t, w, &res)
	assert.Equal(t, []uint{rule.ID}, res.Skipped)

	w = api.do(t, "acme", http.MethodGet, fmt.Sprintf("/api/v1/automations/%d/executions", rule.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page PaginatedResponse
	decode(t, w, &page)
	assert.Equal(t, int64(1), page.Total)

	execPath := fmt.Sprintf("/api/v1/executions/%d", execID)
	w = api.do(t, "acme", http.MethodGet, execPath, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rec models.ExecutionRecord
	decode(t, w, &rec)
	assert.Equal(t, uint(12), rec.SubjectID)
	assert.Equal(t, models.ExecutionPending, rec.Status)

	w = api.do(t, "globex", http.MethodGet, execPath, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = api.do(t, "acme", http.MethodPost, execPath+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &rec)
	assert.Equal(t, models.ExecutionCancelled, rec.Status)

	w = api.do(t, "acme", http.MethodPost, execPath+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = api.do(t, "acme", http.MethodPost, "/api/v1/events", gin.H{"data": gin.H{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAutomationRoutes_ManualRun(t *testing.T) {
	api := newTestAPI(t)
	rule := api.createActiveRule(t, "acme", models.TriggerOrderCreated)
	path := fmt.Sprintf("/api/v1/automations/%d/run", rule.ID)

	w := api.do(t, "acme", http.MethodPost, path, gin.H{"subject_id": 3, "force": true})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var res automation.DispatchResult
	decode(t, w, &res)
	assert.Len(t, res.Executions, 1)

	// 无请求体时仍按条件评估
	w = api.do(t, "acme", http.MethodPost, path, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	decode(t, w, &res)
	assert.Equal(t, []uint{rule.ID}, res.Skipped)
}

func TestEventRoutes_WebhookDeduplicates(t *testing.T) {
	api := newTestAPI(t)
	api.createActiveRule(t, "acme", models.TriggerOrderPaid)

	payload := gin.H{"id": 9001, "topic": models.TriggerOrderPaid, "contact_id": 5, "total": 120}
	w := api.do(t, "acme", http.MethodPost, "/api/v1/webhooks/shopify", payload)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp WebhookResponse
	decode(t, w, &resp)
	assert.Equal(t, automation.OutcomeProcessed, resp.Outcome)
	require.NotNil(t, resp.Result)
	assert.Len(t, resp.Result.Executions, 1)

	w = api.do(t, "acme", http.MethodPost, "/api/v1/webhooks/shopify", payload)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &resp)
	assert.Equal(t, automation.OutcomeDuplicate, resp.Outcome)

	// header 覆盖 payload 中的事件 id
	w = api.do(t, "acme", http.MethodPost, "/api/v1/webhooks/shopify", payload, "X-Event-ID", "other")
	require.Equal(t, http.StatusAccepted, w.Code)

	var count int64
	api.db.Model(&models.ExecutionRecord{}).Count(&count)
	assert.Equal(t, int64(2), count)

	w = api.do(t, "acme", http.MethodPost, "/api/v1/webhooks/shopify", gin.H{"total": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, "", http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	decode(t, w, &resp)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "healthy", resp.Services["database"].Status)
	assert.Equal(t, "healthy", resp.Services["scheduler"].Status)

	sqlDB, err := api.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
	w = api.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestWebhookEventID(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		topic   string
		payload map[string]interface{}
		want    string
	}{
		{"header wins", "hdr-1", "order_paid", map[string]interface{}{"event_id": "e-1", "id": float64(7)}, "hdr-1"},
		{"payload event id", "", "order_paid", map[string]interface{}{"event_id": "e-1", "id": float64(7)}, "e-1"},
		{"resource id qualified by topic", "", "order_paid", map[string]interface{}{"id": float64(7)}, "order_paid:7"},
		{"resource id without topic", "", "", map[string]interface{}{"id": "7"}, "7"},
		{"nothing", "", "order_paid", map[string]interface{}{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, webhookEventID(tt.header, tt.topic, tt.payload))
		})
	}
}

func TestEventRoutes_WebhookIDsScopedByTenantAndTopic(t *testing.T) {
	api := newTestAPI(t)
	api.createActiveRule(t, "acme", models.TriggerOrderCreated)
	api.createActiveRule(t, "acme", models.TriggerOrderPaid)
	api.createActiveRule(t, "globex", models.TriggerOrderPaid)

	send := func(tenant, topic string) WebhookResponse {
		t.Helper()
		w := api.do(t, tenant, http.MethodPost, "/api/v1/webhooks/woocommerce",
			gin.H{"id": 5, "topic": topic, "contact_id": 1, "total": 99})
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		var resp WebhookResponse
		decode(t, w, &resp)
		return resp
	}

	// 同一订单的不同事件
	assert.Equal(t, automation.OutcomeProcessed, send("acme", models.TriggerOrderCreated).Outcome)
	assert.Equal(t, automation.OutcomeProcessed, send("acme", models.TriggerOrderPaid).Outcome)
	// 另一租户的同号订单
	assert.Equal(t, automation.OutcomeProcessed, send("globex", models.TriggerOrderPaid).Outcome)

	var count int64
	api.db.Model(&models.ExecutionRecord{}).Count(&count)
	assert.Equal(t, int64(3), count)
}
