package handlers

import (
	"net/http"

	"crmflow/internal/services"

	"github.com/gin-gonic/gin"
)

// TemplateHandler 消息模板管理
type TemplateHandler struct {
	service *services.TemplateService
}

func NewTemplateHandler(service *services.TemplateService) *TemplateHandler {
	return &TemplateHandler{service: service}
}

func (h *TemplateHandler) List(c *gin.Context) {
	list, err := h.service.List(c.Request.Context(), c.Query("channel"))
	if err != nil {
		respondError(c, "Failed to list templates", err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *TemplateHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	tpl, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, "Failed to get template", err)
		return
	}
	c.JSON(http.StatusOK, tpl)
}

func (h *TemplateHandler) Create(c *gin.Context) {
	var req services.MessageTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	tpl, err := h.service.Create(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "Failed to create template", err)
		return
	}
	c.JSON(http.StatusCreated, tpl)
}

func (h *TemplateHandler) Update(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req services.MessageTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	tpl, err := h.service.Update(c.Request.Context(), id, &req)
	if err != nil {
		respondError(c, "Failed to update template", err)
		return
	}
	c.JSON(http.StatusOK, tpl)
}

func (h *TemplateHandler) Delete(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.service.Delete(c.Request.Context(), id); err != nil {
		respondError(c, "Failed to delete template", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

// RegisterTemplateRoutes 注册路由
func RegisterTemplateRoutes(r *gin.RouterGroup, handler *TemplateHandler) {
	tpl := r.Group("/templates")
	{
		tpl.GET("", handler.List)
		tpl.POST("", handler.Create)
		tpl.GET("/:id", handler.Get)
		tpl.PUT("/:id", handler.Update)
		tpl.DELETE("/:id", handler.Delete)
	}
}
