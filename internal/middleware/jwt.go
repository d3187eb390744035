package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aura-webinar/livesession/internal/auth"
	"github.com/aura-webinar/livesession/pkg/response"
)

// ContextIdentity is the key for the caller's auth.Identity in gin context.
const ContextIdentity = "identity"

// TokenValidator validates a bearer token into an identity.
type TokenValidator interface {
	ValidateIdentity(token string) (auth.Identity, error)
}

// JWT returns a middleware that validates the bearer token and sets the caller identity in context.
func JWT(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		id, err := validator.ValidateIdentity(parts[1])
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextIdentity, id)
		c.Next()
	}
}

// Identity returns the caller identity set by JWT.
func Identity(c *gin.Context) auth.Identity {
	return c.MustGet(ContextIdentity).(auth.Identity)
}
