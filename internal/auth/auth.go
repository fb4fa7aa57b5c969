package auth

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// contextUserKey is where the middleware stores the authenticated user id.
const contextUserKey = "auth_user_id"

// TokenVerifier validates a bearer token and returns the user it belongs to.
// The dashboard's identity provider implements this; tests use a stub.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (uuid.UUID, error)
}

// UserID returns the authenticated user id stored by the middleware.
func UserID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(contextUserKey)
	if !ok {
		return uuid.Nil, false
	}
	userID, ok := v.(uuid.UUID)
	return userID, ok
}

func setUserID(c *gin.Context, userID uuid.UUID) {
	c.Set(contextUserKey, userID)
}
