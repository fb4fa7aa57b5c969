package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/packetwarden/formflow-api/internal/logger"
	"github.com/packetwarden/formflow-api/internal/store"
)

// Workspace roles allowed to operate the billing surface.
const (
	RoleOwner = "owner"
	RoleAdmin = "admin"
)

// RoleStore resolves a user's role in a workspace.
type RoleStore interface {
	WorkspaceRole(ctx context.Context, workspaceID, userID uuid.UUID) (string, error)
}

type errorBody struct {
	Error string `json:"error"`
}

// Authenticate validates the bearer token and stores the user id on the
// request context.
func Authenticate(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if header == "" || token == header {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "Missing bearer token"})
			return
		}

		userID, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			logger.Warn("token verification failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "Invalid bearer token"})
			return
		}
		setUserID(c, userID)
		c.Next()
	}
}

// RequireWorkspaceRole gates a workspace-scoped route to the given roles. It
// reads the workspace id from the :workspaceId path param.
func RequireWorkspaceRole(roles RoleStore, allowed ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		workspaceID, err := uuid.Parse(c.Param("workspaceId"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: "Invalid workspace id"})
			return
		}
		userID, ok := UserID(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "Missing bearer token"})
			return
		}

		role, err := roles.WorkspaceRole(c.Request.Context(), workspaceID, userID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.AbortWithStatusJSON(http.StatusForbidden, errorBody{Error: "Not a member of this workspace"})
				return
			}
			logger.Error("workspace role lookup failed", zap.Error(err),
				zap.String("workspace_id", workspaceID.String()))
			c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{Error: "Internal server error"})
			return
		}
		for _, want := range allowed {
			if role == want {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, errorBody{Error: "Insufficient workspace role"})
	}
}
