package middleware

import (
	"net/http"
	"strings"

	"crmflow/internal/config"

	"github.com/gin-gonic/gin"
)

// CORSMiddleware CORS 中间件，按配置放行来源
func CORSMiddleware(cfg config.CORSConfig) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	methods := strings.Join(append(append([]string{}, cfg.AllowedMethods...), http.MethodOptions), ", ")
	headers := "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization"
	if len(cfg.AllowedHeaders) > 0 && cfg.AllowedHeaders[0] != "*" {
		headers = strings.Join(cfg.AllowedHeaders, ", ")
	}
	anyOrigin := false
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			anyOrigin = true
		}
		allowed[o] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case anyOrigin:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "":
			if _, ok := allowed[origin]; ok {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
		}
		c.Header("Access-Control-Allow-Methods", methods)
		c.Header("Access-Control-Allow-Headers", headers)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
