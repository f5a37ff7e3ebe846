package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	ContextUserIDKey = "user_id"
	ContextRolesKey  = "roles"
)

// Middleware rejects requests without a valid bearer token whose subject is a user UUID.
func Middleware(verifier *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "missing token"})
			return
		}

		claims, err := verifier.Verify(token)
		if errors.Is(err, ErrMissingRole) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "message": "role not permitted"})
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "invalid token"})
			return
		}
		userID, err := claims.UserID()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "invalid subject"})
			return
		}

		c.Set(ContextUserIDKey, userID)
		c.Set(ContextRolesKey, claims.Roles)
		c.Next()
	}
}

// UserID returns the authenticated user placed on the context by Middleware.
func UserID(c *gin.Context) (uuid.UUID, bool) {
	val, ok := c.Get(ContextUserIDKey)
	if !ok {
		return uuid.Nil, false
	}
	userID, ok := val.(uuid.UUID)
	if !ok || userID == uuid.Nil {
		return uuid.Nil, false
	}
	return userID, true
}
