package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"chatroom-service/internal/identity"
)

// AuthMiddleware validates the bearer token with provider and stores the
// caller under "userID" and "identity".
func AuthMiddleware(provider identity.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			return
		}

		id, err := provider.Resolve(c.Request.Context(), strings.TrimSpace(parts[1]))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("userID", id.UserID)
		c.Set("identity", id)
		c.Next()
	}
}

// TrustedUserMiddleware reads the caller from X-User-ID. It is only used
// when the service sits behind a gateway that already authenticated the user.
func TrustedUserMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := parsePositive(c.GetHeader("X-User-ID"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing user"})
			return
		}
		c.Set("userID", userID)
		c.Next()
	}
}

func parsePositive(raw string) (int, bool) {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
