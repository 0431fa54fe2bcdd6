package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyUserID holds the authenticated platform user id.
	ContextKeyUserID = "authUserID"
	// ContextKeySession holds the validated *Session.
	ContextKeySession = "authSession"
)

// Middleware validates the bearer token if one is present and stores the
// identity in the gin context. It never rejects; pair with RequireAuth.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token != "" {
			if s, err := m.Validate(c.Request.Context(), token); err == nil {
				c.Set(ContextKeySession, s)
				c.Set(ContextKeyUserID, s.UserID)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests that did not authenticate.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := c.Get(ContextKeySession); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Valid 'Authorization: Bearer st_...' header required.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests without the admin secret header. An empty
// configured secret disables the admin surface entirely. The comparison is
// constant-time so response timing reveals nothing about the secret.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := c.GetHeader("X-Admin-Secret")
		if secret == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin secret required.",
			})
			return
		}
		c.Next()
	}
}

// GetUserID returns the authenticated user id, or "" if unauthenticated.
func GetUserID(c *gin.Context) string {
	id, ok := c.Get(ContextKeyUserID)
	if !ok {
		return ""
	}
	return id.(string)
}
