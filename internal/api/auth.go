package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// userIDKey is the gin context key the identity middleware stores the parsed
// end-user id under.
const userIDKey = "recurrence.userID"

// AuthMiddleware validates the service bearer token. The engine sits behind
// a gateway; the token authenticates the gateway, not end users. An empty
// token disables the check (dev mode), loudly so in release mode.
func AuthMiddleware(token string, logger *zap.Logger) gin.HandlerFunc {
	if token == "" && gin.Mode() == gin.ReleaseMode {
		logger.Warn("API_AUTH_TOKEN is not set in release mode, protected endpoints are open")
	}

	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "missing Authorization header",
				"hint":  "use: Authorization: Bearer <token>",
			})
			c.Abort()
			return
		}

		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid Authorization header format"})
			c.Abort()
			return
		}

		// Constant-time comparison prevents timing-based token enumeration.
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// RequireUser extracts the end-user identity the gateway forwards in
// X-User-ID. Every data route is scoped to this id; there is no cross-user
// access path through the API.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("X-User-ID")
		if raw == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing X-User-ID header"})
			c.Abort()
			return
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "X-User-ID must be a UUID"})
			c.Abort()
			return
		}
		c.Set(userIDKey, id)
		c.Next()
	}
}

// currentUser reads the id RequireUser stored.
func currentUser(c *gin.Context) uuid.UUID {
	return c.MustGet(userIDKey).(uuid.UUID)
}
