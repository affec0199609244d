// internal/middleware/auth_middleware.go
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"subsync-service/internal/pkg/jwt"
	"subsync-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
)

const (
	ctxSubject = "subject"
	ctxRoles   = "roles"
)

type TokenVerifier interface {
	Verify(token string) (*jwt.Claims, error)
}

type AuthMiddleware struct {
	verifier TokenVerifier
}

func NewAuthMiddleware(verifier TokenVerifier) *AuthMiddleware {
	return &AuthMiddleware{
		verifier: verifier,
	}
}

// Auth validates the bearer token and stores the subject and roles on the context.
func (m *AuthMiddleware) Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			response.Error(c, http.StatusUnauthorized, "missing authorization token", nil)
			return
		}

		claims, err := m.verifier.Verify(token)
		if err != nil {
			response.Error(c, http.StatusUnauthorized, "invalid or expired token", err)
			return
		}

		c.Set(ctxSubject, claims.Subject)
		c.Set(ctxRoles, claims.Roles)
		c.Next()
	}
}

// RequireRole requires at least one of the roles. MUST be used after Auth().
func (m *AuthMiddleware) RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userRoles := GetRoles(c)
		caller := jwt.Claims{Roles: userRoles}
		if caller.HasAnyRole(roles...) {
			c.Next()
			return
		}

		response.Error(c, http.StatusForbidden, "insufficient permissions",
			errors.New("caller does not have required role"),
			map[string]any{
				"required_roles": roles,
				"user_roles":     userRoles,
			})
	}
}

// OperatorOnly returns the middleware chain for the operations routes.
func (m *AuthMiddleware) OperatorOnly() []gin.HandlerFunc {
	return []gin.HandlerFunc{
		m.Auth(),
		m.RequireRole(jwt.RoleOperator, jwt.RoleAdmin),
	}
}

// extractToken extracts Bearer token from Authorization header
func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
