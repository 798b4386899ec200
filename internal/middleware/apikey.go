package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIKeyMiddleware authenticates service-to-service calls from the chat transport
func APIKeyMiddleware(header, key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(header)
		if key == "" || got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			c.Abort()
			return
		}
		c.Set("client", "transport")
		c.Next()
	}
}
