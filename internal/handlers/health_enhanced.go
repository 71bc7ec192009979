package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"crmflow/internal/config"
	"crmflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Version 由构建时注入
var Version = "dev"

// EnhancedHealthHandler 健康检查处理器
type EnhancedHealthHandler struct {
	config *config.Config
	db     *gorm.DB
	redis  redis.UniversalClient
	feed   *services.ExecutionFeed
	logger *logrus.Logger
}

// NewEnhancedHealthHandler 创建健康检查处理器；redis 与 feed 可为 nil
func NewEnhancedHealthHandler(cfg *config.Config, db *gorm.DB, rdb redis.UniversalClient, feed *services.ExecutionFeed) *EnhancedHealthHandler {
	return &EnhancedHealthHandler{
		config: cfg,
		db:     db,
		redis:  rdb,
		feed:   feed,
		logger: logrus.StandardLogger(),
	}
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
	Uptime     time.Duration `json:"uptime"`
	GoVersion  string        `json:"go_version"`
	Goroutines int           `json:"goroutines"`
}

var startTime = time.Now()

// Health 健康检查端点；数据库不可用时返回 503
func (h *EnhancedHealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:     time.Since(startTime),
			GoVersion:  runtime.Version(),
			Goroutines: runtime.NumGoroutine(),
		},
	}

	if !h.checkDatabase(ctx, &response) {
		response.Status = "unhealthy"
	}
	// Redis 只承载延迟队列，失败时降级
	if h.redis != nil && !h.checkRedis(ctx, &response) && response.Status == "healthy" {
		response.Status = "degraded"
	}
	if h.feed != nil {
		response.Services["execution_feed"] = ServiceInfo{
			Status:  "healthy",
			Details: map[string]interface{}{"clients": h.feed.ClientCount()},
		}
	}

	statusCode := http.StatusOK
	if response.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}

// Ready 就绪检查端点，只检查数据库
func (h *EnhancedHealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	ready := true
	services := make(map[string]string)
	if err := h.pingDatabase(ctx); err != nil {
		services["database"] = "not_ready"
		ready = false
	} else {
		services["database"] = "ready"
	}

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, map[string]interface{}{
		"ready":     ready,
		"timestamp": time.Now(),
		"services":  services,
	})
}

func (h *EnhancedHealthHandler) pingDatabase(ctx context.Context) error {
	if h.db == nil {
		return gorm.ErrInvalidDB
	}
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// checkDatabase 检查数据库状态
func (h *EnhancedHealthHandler) checkDatabase(ctx context.Context, response *HealthResponse) bool {
	start := time.Now()
	info := ServiceInfo{Status: "healthy"}
	if h.config != nil {
		info.Details = map[string]interface{}{
			"host": h.config.Database.Host,
			"port": h.config.Database.Port,
		}
	}
	err := h.pingDatabase(ctx)
	info.Latency = time.Since(start).String()
	if err != nil {
		info.Status = "unhealthy"
		info.Error = err.Error()
		h.logger.Warnf("health: database ping failed: %v", err)
	}
	response.Services["database"] = info
	return err == nil
}

// checkRedis 检查 Redis 状态
func (h *EnhancedHealthHandler) checkRedis(ctx context.Context, response *HealthResponse) bool {
	start := time.Now()
	err := h.redis.Ping(ctx).Err()
	info := ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
	if err != nil {
		info.Status = "unhealthy"
		info.Error = err.Error()
		h.logger.Warnf("health: redis ping failed: %v", err)
	}
	response.Services["redis"] = info
	return err == nil
}

// RegisterHealthRoutes 注册 /health 与 /ready
func RegisterHealthRoutes(r gin.IRoutes, handler *EnhancedHealthHandler) {
	r.GET("/health", handler.Health)
	r.GET("/ready", handler.Ready)
}
