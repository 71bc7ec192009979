package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"crmflow/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Claims carried by operator tokens.
type Claims struct {
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// defaultRolePermissions applies when RBAC roles are not configured.
var defaultRolePermissions = map[string][]string{
	"admin":    {"*"},
	"operator": {"automation.*", "templates.*", "audit.read"},
	"viewer":   {"automation.read", "templates.read", "audit.read"},
	// 实体服务回调 webhook / trigger 使用
	"service": {"automation.write"},
}

// GenerateToken 签发 HS256 令牌（CLI 与测试使用）
func GenerateToken(secret, subject, email string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Email: email,
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseToken(token, secret string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// AuthMiddleware enforces Authorization: Bearer <jwt> on protected routes.
// On success it injects "user_id", "user_email", "roles" and "permissions".
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	secret := ""
	var rbac config.RBACConfig
	if cfg != nil {
		secret = cfg.JWT.Secret
		rbac = cfg.Security.RBAC
	}
	return func(c *gin.Context) {
		ah := c.GetHeader("Authorization")
		if !strings.HasPrefix(strings.ToLower(ah), "bearer ") {
			abortUnauthorized(c, "missing bearer token")
			return
		}
		token := strings.TrimSpace(ah[len("Bearer "):])
		if token == "" || secret == "" {
			abortUnauthorized(c, "invalid token or server misconfig")
			return
		}
		claims, err := parseToken(token, secret)
		if err != nil {
			abortUnauthorized(c, err.Error())
			return
		}

		if claims.Subject != "" {
			c.Set("user_id", claims.Subject)
		}
		if claims.Email != "" {
			c.Set("user_email", claims.Email)
		}
		roles := dedupeStrings(claims.Roles)
		if len(roles) > 0 {
			c.Set("roles", roles)
		}

		perms := append([]string{}, claims.Permissions...)
		table := defaultRolePermissions
		if rbac.Enabled && len(rbac.Roles) > 0 {
			table = rbac.Roles
		}
		for _, role := range roles {
			perms = append(perms, table[role]...)
		}
		if perms = dedupeStrings(perms); len(perms) > 0 {
			c.Set("permissions", perms)
		}
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "Unauthorized",
		"message": msg,
	})
}

func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
