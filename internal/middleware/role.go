package middleware

import (
	"slices"

	"github.com/gin-gonic/gin"

	"github.com/aura-webinar/conference/pkg/response"
)

// RequireRole allows only callers whose token carries one of roles. It must run after JWT.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := c.Get(ContextUserRole)
		if !ok {
			response.Unauthorized(c, "missing user context")
			c.Abort()
			return
		}
		if r, _ := role.(string); !slices.Contains(roles, r) {
			response.Forbidden(c, "insufficient permissions")
			c.Abort()
			return
		}
		c.Next()
	}
}
