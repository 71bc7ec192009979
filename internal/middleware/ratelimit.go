package middleware

import (
	"net/http"
	"strings"
	"sync"

	"crmflow/internal/config"
	"crmflow/internal/metrics"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// keyedLimiter keeps one token bucket per client key.
type keyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	prefix   string
}

func newKeyedLimiter(prefix string, rpm, burst int) *keyedLimiter {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm // default burst equals a minute worth
	}
	return &keyedLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(rpm) / 60.0),
		burst:    burst,
		prefix:   prefix,
	}
}

func (k *keyedLimiter) allow(key string) bool {
	k.mu.Lock()
	l, ok := k.limiters[key]
	if !ok {
		l = rate.NewLimiter(k.limit, k.burst)
		k.limiters[key] = l
	}
	k.mu.Unlock()
	return l.Allow()
}

// RateLimitMiddleware applies per-IP limits from cfg.Security.RateLimiting.
// The first Paths entry whose prefix matches wins; otherwise the global limit
// applies. Rejections are counted on m (which may be nil).
func RateLimitMiddleware(cfg *config.Config, m *metrics.Collector) gin.HandlerFunc {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	var paths []*keyedLimiter
	for _, p := range rl.Paths {
		if !p.Enabled || p.RequestsPerMinute <= 0 || p.Prefix == "" {
			continue
		}
		paths = append(paths, newKeyedLimiter(p.Prefix, p.RequestsPerMinute, p.Burst))
	}
	var global *keyedLimiter
	if rl.RequestsPerMinute > 0 {
		global = newKeyedLimiter("global", rl.RequestsPerMinute, rl.Burst)
	}
	whitelist := make(map[string]struct{}, len(rl.WhitelistIPs))
	for _, ip := range rl.WhitelistIPs {
		whitelist[strings.TrimSpace(ip)] = struct{}{}
	}

	return func(c *gin.Context) {
		key := c.ClientIP()
		if key == "" {
			key = "unknown"
		}
		if _, ok := whitelist[key]; ok {
			c.Next()
			return
		}

		limiter := global
		path := c.Request.URL.Path
		for _, pl := range paths {
			if strings.HasPrefix(path, pl.prefix) {
				limiter = pl
				break
			}
		}
		if limiter != nil && !limiter.allow(key) {
			m.IncRateLimitDrop(limiter.prefix)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
