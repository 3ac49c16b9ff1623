package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ruleflow/internal/automation"
	"ruleflow/internal/middleware"
	"ruleflow/internal/models"
	"ruleflow/internal/services"
)

// AutomationHandler 管理自动化规则与执行日志，所有操作限定在令牌的租户内
type AutomationHandler struct {
	service *services.AutomationService
}

func NewAutomationHandler(service *services.AutomationService) *AutomationHandler {
	return &AutomationHandler{service: service}
}

// ListRules 获取规则列表
func (h *AutomationHandler) ListRules(c *gin.Context) {
	f := automation.RuleFilter{
		TenantID:    middleware.TenantID(c),
		Status:      models.RuleStatus(c.Query("status")),
		TriggerType: c.Query("trigger_type"),
		Page:        queryInt(c, "page"),
		PageSize:    queryInt(c, "page_size"),
	}
	rules, total, err := h.service.ListRules(c.Request.Context(), f)
	if err != nil {
		writeError(c, "Failed to list rules", err)
		return
	}
	c.JSON(http.StatusOK, paginated(rules, total, f.Page, f.PageSize))
}

// CreateRule 创建规则
func (h *AutomationHandler) CreateRule(c *gin.Context) {
	var req services.RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	rule, err := h.service.CreateRule(c.Request.Context(), middleware.TenantID(c), &req)
	if err != nil {
		writeError(c, "Failed to create rule", err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (h *AutomationHandler) GetRule(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	rule, err := h.service.GetRule(c.Request.Context(), middleware.TenantID(c), id)
	if err != nil {
		writeError(c, "Failed to get rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// UpdateRule 部分更新规则
func (h *AutomationHandler) UpdateRule(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req services.RuleUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	rule, err := h.service.UpdateRule(c.Request.Context(), middleware.TenantID(c), id, &req)
	if err != nil {
		writeError(c, "Failed to update rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// DeleteRule 删除规则
func (h *AutomationHandler) DeleteRule(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.service.DeleteRule(c.Request.Context(), middleware.TenantID(c), id); err != nil {
		writeError(c, "Failed to delete rule", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

func (h *AutomationHandler) Activate(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	rule, err := h.service.Activate(c.Request.Context(), middleware.TenantID(c), id)
	if err != nil {
		writeError(c, "Failed to activate rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *AutomationHandler) Pause(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	rule, err := h.service.Pause(c.Request.Context(), middleware.TenantID(c), id)
	if err != nil {
		writeError(c, "Failed to pause rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// Stats 规则统计（总数、各状态数量、成功率）
func (h *AutomationHandler) Stats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context(), middleware.TenantID(c))
	if err != nil {
		writeError(c, "Failed to load stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// RunRule 手动触发规则
func (h *AutomationHandler) RunRule(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req services.RunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
			return
		}
	}
	result, err := h.service.RunRule(c.Request.Context(), middleware.TenantID(c), id, &req)
	if err != nil {
		writeError(c, "Failed to run rule", err)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

// ListExecutions 规则执行日志（分页）
func (h *AutomationHandler) ListExecutions(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	f := automation.ExecutionFilter{
		TenantID: middleware.TenantID(c),
		RuleID:   id,
		Status:   models.ExecutionStatus(c.Query("status")),
		Page:     queryInt(c, "page"),
		PageSize: queryInt(c, "page_size"),
	}
	recs, total, err := h.service.ListExecutions(c.Request.Context(), f)
	if err != nil {
		writeError(c, "Failed to list executions", err)
		return
	}
	c.JSON(http.StatusOK, paginated(recs, total, f.Page, f.PageSize))
}

func (h *AutomationHandler) GetExecution(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	rec, err := h.service.GetExecution(c.Request.Context(), middleware.TenantID(c), id)
	if err != nil {
		writeError(c, "Failed to get execution", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// CancelExecution 取消执行
func (h *AutomationHandler) CancelExecution(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	rec, err := h.service.CancelExecution(c.Request.Context(), middleware.TenantID(c), id)
	if err != nil {
		writeError(c, "Failed to cancel execution", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// RegisterAutomationRoutes 注册路由
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	auto := r.Group("/automations")
	{
		auto.GET("", handler.ListRules)
		auto.POST("", handler.CreateRule)
		auto.GET("/stats", handler.Stats)
		auto.GET("/:id", handler.GetRule)
		auto.PUT("/:id", handler.UpdateRule)
		auto.DELETE("/:id", handler.DeleteRule)
		auto.POST("/:id/activate", handler.Activate)
		auto.POST("/:id/pause", handler.Pause)
		auto.POST("/:id/run", handler.RunRule)
		auto.GET("/:id/executions", handler.ListExecutions)
	}
	exec := r.Group("/executions")
	{
		exec.GET("/:id", handler.GetExecution)
		exec.POST("/:id/cancel", handler.CancelExecution)
	}
}
