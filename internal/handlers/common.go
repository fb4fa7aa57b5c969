package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/packetwarden/formflow-api/internal/billing"
	"github.com/packetwarden/formflow-api/internal/logger"
	"github.com/packetwarden/formflow-api/internal/store"
)

// ErrorResponse is the standard error envelope. Code is stable and
// machine-readable; CorrelationID appears on billing 5xx responses and in the
// matching log lines.
type ErrorResponse struct {
	Error         string   `json:"error"`
	Code          string   `json:"code,omitempty"`
	CorrelationID string   `json:"correlation_id,omitempty"`
	UnknownFields []string `json:"unknown_fields,omitempty"`
	Issues        any      `json:"issues,omitempty"`
	Feature       string   `json:"feature,omitempty"`
	Current       *int64   `json:"current,omitempty"`
	Allowed       *int64   `json:"allowed,omitempty"`
	UpgradeURL    string   `json:"upgrade_url,omitempty"`
	ContactURL    string   `json:"contact_url,omitempty"`
	RetryAfter    int      `json:"retry_after,omitempty"`
}

// sendError logs the failure and writes the error envelope.
func sendError(c *gin.Context, statusCode int, message string, err error) {
	logger.Error(message,
		zap.Error(err),
		zap.String("path", c.Request.URL.Path),
		zap.String("method", c.Request.Method),
	)
	c.JSON(statusCode, ErrorResponse{Error: message})
}

// sendErrorCode writes the envelope with a stable code, logging server-side
// failures only.
func sendErrorCode(c *gin.Context, statusCode int, code, message string, err error) {
	if statusCode >= http.StatusInternalServerError {
		logger.Error(message,
			zap.Error(err),
			zap.String("code", code),
			zap.String("path", c.Request.URL.Path),
		)
	}
	c.JSON(statusCode, ErrorResponse{Error: message, Code: code})
}

// handleBillingError maps billing failures onto the envelope. Anything that
// is not a typed billing error becomes the given fallback 500.
func handleBillingError(c *gin.Context, err error, fallbackCode, fallbackMessage, correlationID string) {
	if billingErr, ok := billing.AsBillingError(err); ok {
		if billingErr.Status >= http.StatusInternalServerError {
			logger.Error(billingErr.Message,
				zap.Error(billingErr),
				zap.String("code", billingErr.Code),
				zap.String("correlation_id", billingErr.CorrelationID),
				zap.String("path", c.Request.URL.Path),
			)
		}
		c.JSON(billingErr.Status, ErrorResponse{
			Error:         billingErr.Message,
			Code:          billingErr.Code,
			CorrelationID: billingErr.CorrelationID,
			ContactURL:    billingErr.URL,
		})
		return
	}
	logger.Error(fallbackMessage,
		zap.Error(err),
		zap.String("code", fallbackCode),
		zap.String("correlation_id", correlationID),
		zap.String("path", c.Request.URL.Path),
	)
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:         fallbackMessage,
		Code:          fallbackCode,
		CorrelationID: correlationID,
	})
}

// handleStoreError maps store failures onto 404/403/409/429, falling back to
// the given 500.
func handleStoreError(c *gin.Context, err error, notFoundMsg, fallbackCode, fallbackMsg string) {
	var rateErr *store.RateLimitError
	var conflictErr *store.ConflictError
	switch {
	case errors.Is(err, store.ErrNotFound):
		sendErrorCode(c, http.StatusNotFound, "", notFoundMsg, err)
	case errors.Is(err, store.ErrForbidden):
		sendErrorCode(c, http.StatusForbidden, "", "Forbidden", err)
	case errors.As(err, &rateErr):
		c.JSON(http.StatusTooManyRequests, ErrorResponse{
			Error:      rateErr.Message,
			Code:       "RATE_LIMITED",
			RetryAfter: rateErr.RetryAfter,
		})
	case errors.As(err, &conflictErr):
		sendErrorCode(c, http.StatusConflict, "FORM_STATE_CONFLICT", "Form state conflict", err)
	default:
		sendErrorCode(c, http.StatusInternalServerError, fallbackCode, fallbackMsg, err)
	}
}

// sendSuccess writes data as-is with the status code.
func sendSuccess(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, data)
}
