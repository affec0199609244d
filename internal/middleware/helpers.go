// internal/middleware/helpers.go
package middleware

import "github.com/gin-gonic/gin"

// GetSubject returns the authenticated operator, or "" on public routes.
func GetSubject(c *gin.Context) string {
	return c.GetString(ctxSubject)
}

// GetRoles gets caller roles from context
func GetRoles(c *gin.Context) []string {
	roles, exists := c.Get(ctxRoles)
	if !exists {
		return []string{}
	}

	rolesList, ok := roles.([]string)
	if !ok {
		return []string{}
	}

	return rolesList
}
