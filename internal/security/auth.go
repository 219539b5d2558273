package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKeyClientID is the gin context key holding the authenticated
// client id.
const ContextKeyClientID = "clientID"

// APIKeyMiddleware enforces a static API key check when keys are
// configured. Keys map to client ids for access logging. An empty key map
// disables the check.
func APIKeyMiddleware(apiKeys map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(apiKeys) == 0 {
			c.Next()
			return
		}
		key := c.GetHeader("Authorization")
		key = strings.TrimPrefix(key, "Bearer ")
		if key == "" {
			key = c.GetHeader("X-API-Key")
		}
		clientID, ok := apiKeys[key]
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing API key"})
			return
		}
		c.Set(ContextKeyClientID, clientID)
		c.Next()
	}
}
