package handlers

import (
	"net/http"

	"crmflow/internal/services"

	"github.com/gin-gonic/gin"
)

// AuditHandler 审计日志查询
type AuditHandler struct {
	service *services.AuditService
}

func NewAuditHandler(service *services.AuditService) *AuditHandler {
	return &AuditHandler{service: service}
}

// List 分页查询审计日志，可按 entity_type / entity_id 过滤
func (h *AuditHandler) List(c *gin.Context) {
	var req services.AuditListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: err.Error()})
		return
	}
	list, total, err := h.service.List(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "Failed to list audit logs", err)
		return
	}
	page, size := pageParams(req.Page, req.PageSize)
	c.JSON(http.StatusOK, paginated(list, total, page, size))
}

// RegisterAuditRoutes 注册路由
func RegisterAuditRoutes(r *gin.RouterGroup, handler *AuditHandler) {
	r.GET("/audit-logs", handler.List)
}
