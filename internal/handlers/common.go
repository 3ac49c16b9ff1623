package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"ruleflow/internal/automation"
	"ruleflow/internal/services"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// PaginatedResponse 分页响应结构
type PaginatedResponse struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Pages    int         `json:"pages"`
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func paginated(data interface{}, total int64, page, size int) PaginatedResponse {
	page, size = automation.NormalizePage(page, size)
	pages := int((total + int64(size) - 1) / int64(size))
	return PaginatedResponse{Data: data, Total: total, Page: page, PageSize: size, Pages: pages}
}

func queryInt(c *gin.Context, key string) int {
	n, _ := strconv.Atoi(c.Query(key))
	return n
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: "id must be a positive integer"})
		return 0, false
	}
	return uint(id), true
}

// statusFor maps engine and service sentinels onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, automation.ErrRuleNotFound), errors.Is(err, automation.ErrExecutionNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrInvalidRule), errors.Is(err, automation.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, automation.ErrExecutionNotActive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, title string, err error) {
	c.JSON(statusFor(err), ErrorResponse{Error: title, Message: err.Error()})
}
