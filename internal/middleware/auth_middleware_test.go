package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"subsync-service/internal/pkg/jwt"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type stubVerifier map[string]*jwt.Claims

func (v stubVerifier) Verify(token string) (*jwt.Claims, error) {
	if c, ok := v[token]; ok {
		return c, nil
	}
	return nil, errors.New("bad token")
}

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)

	operator := &jwt.Claims{Roles: []string{jwt.RoleOperator}}
	operator.Subject = "ops@example.com"
	admin := &jwt.Claims{Roles: []string{"viewer", jwt.RoleAdmin}}
	admin.Subject = "admin@example.com"
	viewer := &jwt.Claims{Roles: []string{"viewer"}}
	viewer.Subject = "viewer@example.com"

	auth := NewAuthMiddleware(stubVerifier{"op-token": operator, "admin-token": admin, "viewer-token": viewer})

	r := gin.New()
	r.Use(RecoveryMiddleware(zap.NewNop()), LoggingMiddleware(zap.NewNop()))
	ops := r.Group("/ops")
	ops.Use(auth.OperatorOnly()...)
	ops.GET("/whoami", func(c *gin.Context) {
		c.String(http.StatusOK, GetSubject(c))
	})
	r.GET("/panic", func(c *gin.Context) { panic("boom") })
	return r
}

func TestOperatorOnly(t *testing.T) {
	r := newTestRouter()

	tests := []struct {
		name    string
		header  string
		want    int
		subject string
	}{
		{"missing token", "", http.StatusUnauthorized, ""},
		{"not bearer", "Basic op-token", http.StatusUnauthorized, ""},
		{"unknown token", "Bearer nope", http.StatusUnauthorized, ""},
		{"wrong role", "Bearer viewer-token", http.StatusForbidden, ""},
		{"operator", "Bearer op-token", http.StatusOK, "ops@example.com"},
		{"admin", "Bearer admin-token", http.StatusOK, "admin@example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ops/whoami", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, tt.subject, w.Body.String())
			}
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	r := newTestRouter()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal server error")
}
