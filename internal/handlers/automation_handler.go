package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"crmflow/internal/automation"
	"crmflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AutomationHandler 规则管理、执行与执行记录接口
type AutomationHandler struct {
	service *services.AutomationService
	feed    *services.ExecutionFeed
	logger  *logrus.Logger
}

func NewAutomationHandler(service *services.AutomationService, feed *services.ExecutionFeed, logger *logrus.Logger) *AutomationHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationHandler{service: service, feed: feed, logger: logger}
}

// ExecuteRequest 手动触发一次规则执行
type ExecuteRequest struct {
	Trigger string         `json:"trigger" binding:"required"`
	Payload map[string]any `json:"payload"`
	RuleID  uint           `json:"rule_id"`
}

// ToggleRequest 启用/停用规则
type ToggleRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// ListRules 获取规则列表
func (h *AutomationHandler) ListRules(c *gin.Context) {
	var req services.RuleListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: err.Error()})
		return
	}
	rules, err := h.service.ListRules(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "Failed to list rules", err)
		return
	}
	c.JSON(http.StatusOK, rules)
}

// GetRule 获取单条规则
func (h *AutomationHandler) GetRule(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	rule, err := h.service.GetRule(c.Request.Context(), id)
	if err != nil {
		respondError(c, "Failed to get rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// CreateRule 创建规则
func (h *AutomationHandler) CreateRule(c *gin.Context) {
	var req services.AutomationRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	rule, err := h.service.CreateRule(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "Failed to create rule", err)
		return
	}
	h.logger.WithFields(logrus.Fields{"rule_id": rule.ID, "user": c.GetString("user_email")}).Info("automation rule created")
	c.JSON(http.StatusCreated, rule)
}

// ValidateRule 只校验不保存
func (h *AutomationHandler) ValidateRule(c *gin.Context) {
	var req services.AutomationRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	if err := services.ValidateRule(&req); err != nil {
		respondError(c, "Invalid rule", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "valid"})
}

// UpdateRule 更新规则
func (h *AutomationHandler) UpdateRule(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req services.AutomationRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	rule, err := h.service.UpdateRule(c.Request.Context(), id, &req)
	if err != nil {
		respondError(c, "Failed to update rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// ToggleRule 启用或停用规则
func (h *AutomationHandler) ToggleRule(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req ToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	rule, err := h.service.SetRuleActive(c.Request.Context(), id, *req.Active)
	if err != nil {
		respondError(c, "Failed to toggle rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// DeleteRule 删除规则
func (h *AutomationHandler) DeleteRule(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.service.DeleteRule(c.Request.Context(), id); err != nil {
		respondError(c, "Failed to delete rule", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

// Execute 以给定负载触发规则
func (h *AutomationHandler) Execute(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	if _, ok := payload[automation.KeyUserEmail]; !ok {
		if email := c.GetString("user_email"); email != "" {
			payload[automation.KeyUserEmail] = email
		}
	}
	summary, err := h.service.ExecuteWorkflows(c.Request.Context(), strings.TrimSpace(req.Trigger), payload, services.RunOptions{RuleID: req.RuleID})
	if err != nil {
		respondError(c, "Failed to execute rules", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// DryRun 模拟执行，不产生任何写入或外发
func (h *AutomationHandler) DryRun(c *gin.Context) {
	var req services.DryRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	summary, err := h.service.DryRun(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "Failed to simulate rules", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Trigger 按实体触发命名触发器
func (h *AutomationHandler) Trigger(c *gin.Context) {
	var req services.TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	if req.UserEmail == "" {
		req.UserEmail = c.GetString("user_email")
	}
	summary, err := h.service.TriggerRule(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "Failed to trigger rules", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// EntityChange 实体保存钩子
func (h *AutomationHandler) EntityChange(c *gin.Context) {
	var evt services.EntityChangeEvent
	if err := c.ShouldBindJSON(&evt); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	if evt.UserEmail == "" {
		evt.UserEmail = c.GetString("user_email")
	}
	if evt.UserID == "" {
		evt.UserID = c.GetString("user_id")
	}
	result, err := h.service.HandleEntityChange(c.Request.Context(), &evt)
	if err != nil {
		respondError(c, "Failed to process entity change", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListLogs 分页查询执行记录
func (h *AutomationHandler) ListLogs(c *gin.Context) {
	var req services.AutomationLogListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: err.Error()})
		return
	}
	logs, total, err := h.service.ListLogs(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "Failed to list logs", err)
		return
	}
	page, size := pageParams(req.Page, req.PageSize)
	c.JSON(http.StatusOK, paginated(logs, total, page, size))
}

// GetLog 获取单条执行记录
func (h *AutomationHandler) GetLog(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	entry, err := h.service.GetLog(c.Request.Context(), id)
	if err != nil {
		respondError(c, "Failed to get log", err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// PurgeLogs 删除早于 ?older_than_days= 的执行记录
func (h *AutomationHandler) PurgeLogs(c *gin.Context) {
	days, err := strconv.Atoi(c.Query("older_than_days"))
	if err != nil || days <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: "older_than_days must be a positive integer"})
		return
	}
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	deleted, err := h.service.PurgeLogs(c.Request.Context(), cutoff)
	if err != nil {
		respondError(c, "Failed to purge logs", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "purged", Data: gin.H{"deleted": deleted}})
}

// RegisterAutomationRoutes 注册路由
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	auto := r.Group("/automations")
	{
		rules := auto.Group("/rules")
		rules.GET("", handler.ListRules)
		rules.POST("", handler.CreateRule)
		rules.POST("/validate", handler.ValidateRule)
		rules.GET("/:id", handler.GetRule)
		rules.PUT("/:id", handler.UpdateRule)
		rules.PATCH("/:id/active", handler.ToggleRule)
		rules.DELETE("/:id", handler.DeleteRule)

		auto.POST("/execute", handler.Execute)
		auto.POST("/dry-run", handler.DryRun)
		auto.POST("/trigger", handler.Trigger)
		auto.POST("/webhooks/entity-change", handler.EntityChange)

		auto.GET("/logs", handler.ListLogs)
		auto.GET("/logs/:id", handler.GetLog)
		auto.DELETE("/logs", handler.PurgeLogs)

		if handler.feed != nil {
			auto.GET("/feed", handler.feed.HandleWebSocket)
		}
	}
}

func pageParams(page, size int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	if size > 200 {
		size = 200
	}
	return page, size
}
