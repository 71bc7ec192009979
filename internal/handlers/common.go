package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"crmflow/internal/automation"
	"crmflow/internal/services"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
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

// statusFor 将服务层错误映射为 HTTP 状态码
func statusFor(err error) int {
	var (
		ve      *automation.ValidationError
		ves     automation.ValidationErrors
		lookup  *automation.LookupError
		unknown *automation.UnknownActionTypeError
		invalid *automation.InvalidEntityTypeError
	)
	switch {
	case errors.As(err, &ves), errors.As(err, &ve), errors.As(err, &unknown), errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrRuleNotFound),
		errors.Is(err, services.ErrTemplateNotFound),
		errors.Is(err, services.ErrEntityNotFound),
		errors.Is(err, gorm.ErrRecordNotFound),
		errors.As(err, &lookup):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, title string, err error) {
	c.JSON(statusFor(err), ErrorResponse{Error: title, Message: err.Error()})
}

func parseID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		msg := "id must be a positive integer"
		if err != nil {
			msg = err.Error()
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: msg})
		return 0, false
	}
	return uint(id), true
}

func paginated(data interface{}, total int64, page, pageSize int) PaginatedResponse {
	pages := 0
	if pageSize > 0 {
		pages = int((total + int64(pageSize) - 1) / int64(pageSize))
	}
	return PaginatedResponse{Data: data, Total: total, Page: page, PageSize: pageSize, Pages: pages}
}
