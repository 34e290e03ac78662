package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyUserID is the key for the authenticated user id in gin context.
	ContextKeyUserID = "authUserID"
	// AdminSecretHeader carries the shared secret for internal routes.
	AdminSecretHeader = "X-Admin-Secret"
)

// Middleware extracts and validates the bearer token from the request.
// Sets authUserID in context if valid; anonymous requests pass through.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := c.GetHeader("Authorization"); token != "" {
			if userID, err := m.ValidateToken(token); err == nil {
				c.Set(ContextKeyUserID, userID)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a valid participant token.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyUserID); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin gates internal routes behind the shared admin secret.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(AdminSecretHeader)
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "admin secret required",
			})
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user id, or empty for anonymous callers.
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// IsAuthenticated checks if the request carries a valid token.
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyUserID)
	return exists
}
