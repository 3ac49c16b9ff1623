package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"ruleflow/internal/automation"
)

// HealthHandler 健康检查处理器
type HealthHandler struct {
	db        *gorm.DB
	redis     redis.UniversalClient
	scheduler automation.Scheduler
	version   string
}

// NewHealthHandler builds the handler; redis and scheduler may be nil.
func NewHealthHandler(db *gorm.DB, rdb redis.UniversalClient, scheduler automation.Scheduler, version string) *HealthHandler {
	return &HealthHandler{db: db, redis: rdb, scheduler: scheduler, version: version}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime    string `json:"uptime"`
	GoVersion string `json:"go_version"`
}

var startTime = time.Now()

// Health 健康检查端点；数据库不可用时返回 503
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Timestamp: time.Now().UTC(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:    time.Since(startTime).Round(time.Second).String(),
			GoVersion: runtime.Version(),
		},
	}

	dbInfo := h.checkDatabase(ctx)
	response.Services["database"] = dbInfo
	if h.redis != nil {
		info := h.checkRedis(ctx)
		response.Services["redis"] = info
		if info.Status != "healthy" {
			response.Status = "degraded"
		}
	}
	if info, ok := h.checkQueue(ctx); ok {
		response.Services["scheduler"] = info
	}

	statusCode := http.StatusOK
	if dbInfo.Status != "healthy" {
		response.Status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}

// Ready 就绪检查端点
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	ready := h.checkDatabase(ctx).Status == "healthy"
	if ready && h.redis != nil {
		ready = h.redis.Ping(ctx).Err() == nil
	}
	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{"ready": ready, "timestamp": time.Now().UTC()})
}

func (h *HealthHandler) checkDatabase(ctx context.Context) ServiceInfo {
	start := time.Now()
	if h.db == nil {
		return ServiceInfo{Status: "unhealthy", Error: "database connection not initialized"}
	}
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		return ServiceInfo{Status: "unhealthy", Error: err.Error(), Latency: time.Since(start).String()}
	}
	return ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
}

func (h *HealthHandler) checkRedis(ctx context.Context) ServiceInfo {
	start := time.Now()
	if err := h.redis.Ping(ctx).Err(); err != nil {
		return ServiceInfo{Status: "unhealthy", Error: err.Error(), Latency: time.Since(start).String()}
	}
	return ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
}

// checkQueue reports scheduler backlog for backends that can measure it.
func (h *HealthHandler) checkQueue(ctx context.Context) (ServiceInfo, bool) {
	switch s := h.scheduler.(type) {
	case *automation.RedisScheduler:
		due, inflight, err := s.Depth(ctx)
		if err != nil {
			return ServiceInfo{Status: "unhealthy", Error: err.Error()}, true
		}
		return ServiceInfo{Status: "healthy", Details: gin.H{"backend": "redis", "due": due, "inflight": inflight}}, true
	case *automation.MemoryScheduler:
		return ServiceInfo{Status: "healthy", Details: gin.H{"backend": "memory", "pending": s.Pending()}}, true
	default:
		return ServiceInfo{}, false
	}
}
