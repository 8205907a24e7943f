package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/uniedit/metering/internal/utils/requestctx"
)

const (
	// UserIDHeader carries the caller identity set by the gateway.
	UserIDHeader = "X-User-ID"
	// UserIDKey is the context key for user ID.
	UserIDKey = "user_id"
)

// RequireUser returns a middleware that reads the user ID set by the gateway.
// Requests without a valid UUID are rejected.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(UserIDHeader))
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    "UNAUTHORIZED",
					"message": UserIDHeader + " header required",
				},
			})
			return
		}

		userID, err := uuid.Parse(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    "INVALID_USER",
					"message": "invalid " + UserIDHeader + " header",
				},
			})
			return
		}

		c.Set(UserIDKey, userID)
		c.Request = c.Request.WithContext(requestctx.WithUserID(c.Request.Context(), userID))
		c.Next()
	}
}

// GetUserID returns the user ID set by RequireUser.
func GetUserID(c *gin.Context) (uuid.UUID, bool) {
	v, exists := c.Get(UserIDKey)
	if !exists {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}
