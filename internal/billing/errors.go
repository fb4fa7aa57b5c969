package billing

import (
	"errors"
	"net/http"
)

// Stable billing error codes surfaced in the HTTP envelope.
const (
	CodeInvalidPlanForCheckout = "INVALID_PLAN_FOR_CHECKOUT"
	CodeContactSalesRequired   = "CONTACT_SALES_REQUIRED"
	CodeIdempotencyKeyReused   = "IDEMPOTENCY_KEY_REUSED_WITH_DIFFERENT_PAYLOAD"
	CodeIdempotencyKeyExpired  = "IDEMPOTENCY_KEY_EXPIRED"
	CodeCatalogOutOfSync       = "CATALOG_OUT_OF_SYNC"
	CodeCheckoutInProgress     = "CHECKOUT_IN_PROGRESS"
	CodeCheckoutSessionFailed  = "STRIPE_CHECKOUT_SESSION_FAILED"
	CodePortalSessionFailed    = "STRIPE_PORTAL_SESSION_FAILED"
	CodeBillingConfigMissing   = "BILLING_CONFIG_MISSING"
	CodeCatalogSyncFailed      = "CATALOG_SYNC_FAILED"
)

// Error is a billing failure with a stable code and HTTP status. Server-side
// failures carry a correlation id that also appears in logs.
type Error struct {
	Code          string
	Status        int
	Message       string
	CorrelationID string
	// URL, when set, is where the caller can resolve the failure, such as the
	// sales contact page for plans not sold self-serve.
	URL string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsBillingError extracts a *Error from an error chain.
func AsBillingError(err error) (*Error, bool) {
	var billingErr *Error
	if errors.As(err, &billingErr) {
		return billingErr, true
	}
	return nil, false
}

func clientErr(status int, code, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

func serverErr(code, message, correlationID string, err error) *Error {
	return &Error{
		Code:          code,
		Status:        http.StatusInternalServerError,
		Message:       message,
		CorrelationID: correlationID,
		Err:           err,
	}
}
