package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"ruleflow/internal/config"
)

// gin.Context keys set by AuthMiddleware.
const (
	ContextTenantID = "tenant_id"
	ContextUserID   = "user_id"
	ContextRoles    = "roles"
)

var errMissingTenant = errors.New("token has no tenant_id claim")

// Claims is the token payload; every API call is scoped to TenantID.
type Claims struct {
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// GenerateToken signs claims with HS256.
func GenerateToken(secret string, claims Claims) (string, error) {
	if claims.TenantID == "" {
		return "", errMissingTenant
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken verifies signature and time claims and requires a tenant.
func ParseToken(token, secret string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims.TenantID == "" {
		return nil, errMissingTenant
	}
	return claims, nil
}

// AuthMiddleware enforces Authorization: Bearer <jwt> on protected routes.
// On success it injects tenant_id, user_id and roles into gin.Context.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	secret := ""
	if cfg != nil {
		secret = cfg.JWT.Secret
	}
	return func(c *gin.Context) {
		ah := c.GetHeader("Authorization")
		if !strings.HasPrefix(strings.ToLower(ah), "bearer ") {
			unauthorized(c, "missing bearer token")
			return
		}
		token := strings.TrimSpace(ah[len("Bearer "):])
		if token == "" || secret == "" {
			unauthorized(c, "invalid token or server misconfig")
			return
		}
		claims, err := ParseToken(token, secret)
		if err != nil {
			unauthorized(c, err.Error())
			return
		}
		c.Set(ContextTenantID, claims.TenantID)
		if claims.Subject != "" {
			c.Set(ContextUserID, claims.Subject)
		}
		if len(claims.Roles) > 0 {
			c.Set(ContextRoles, claims.Roles)
		}
		c.Next()
	}
}

// TenantID returns the authenticated tenant, or "" outside AuthMiddleware.
func TenantID(c *gin.Context) string {
	return c.GetString(ContextTenantID)
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "Unauthorized",
		"message": message,
	})
}
