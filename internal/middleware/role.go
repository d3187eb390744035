package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/aura-webinar/livesession/internal/auth"
	"github.com/aura-webinar/livesession/internal/models"
	"github.com/aura-webinar/livesession/pkg/response"
)

// RequireRole returns a middleware that allows only the given roles.
func RequireRole(roles ...models.Role) gin.HandlerFunc {
	allowed := make(map[models.Role]struct{})
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		val, ok := c.Get(ContextIdentity)
		if !ok {
			response.Unauthorized(c, "missing user context")
			c.Abort()
			return
		}
		id, _ := val.(auth.Identity)
		if _, ok := allowed[id.Role]; !ok {
			response.Forbidden(c, "insufficient permissions")
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireModerator allows Moderator and Admin.
func RequireModerator() gin.HandlerFunc {
	return RequireRole(models.RoleModerator, models.RoleAdmin)
}
