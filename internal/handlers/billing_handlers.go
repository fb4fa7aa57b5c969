package handlers

import (
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/packetwarden/formflow-api/internal/auth"
	"github.com/packetwarden/formflow-api/internal/billing"
	"github.com/packetwarden/formflow-api/internal/config"
	"github.com/packetwarden/formflow-api/internal/logger"
	"github.com/packetwarden/formflow-api/internal/store"
)

// processTimeout bounds the off-request-path processing of one webhook event.
const processTimeout = 2 * time.Minute

// BillingReadStore serves the plan catalog and workspace entitlement reads.
type BillingReadStore interface {
	ListActivePlanVariants(ctx context.Context) ([]store.PlanVariant, error)
	GetWorkspaceEntitlements(ctx context.Context, workspaceID uuid.UUID) ([]store.Entitlement, error)
}

// BillingHandler serves checkout, portal, webhook and catalog routes.
type BillingHandler struct {
	checkout *billing.CheckoutService
	queue    *billing.QueueProcessor
	catalog  billing.CatalogRunner
	gateway  billing.Gateway
	store    BillingReadStore
	cfg      *config.Config
}

// NewBillingHandler creates a new BillingHandler.
func NewBillingHandler(checkout *billing.CheckoutService, queue *billing.QueueProcessor, catalog billing.CatalogRunner, gateway billing.Gateway, s BillingReadStore, cfg *config.Config) *BillingHandler {
	return &BillingHandler{checkout: checkout, queue: queue, catalog: catalog, gateway: gateway, store: s, cfg: cfg}
}

type checkoutSessionRequest struct {
	PlanSlug string `json:"plan_slug" binding:"required"`
	Interval string `json:"interval" binding:"required,oneof=monthly yearly"`
}

// CreateCheckoutSession handles POST /stripe/workspaces/:workspaceId/checkout-session.
func (h *BillingHandler) CreateCheckoutSession(c *gin.Context) {
	workspaceID, err := uuid.Parse(c.Param("workspaceId"))
	if err != nil {
		sendErrorCode(c, http.StatusBadRequest, "FIELD_VALIDATION_FAILED", "Invalid workspace id", err)
		return
	}
	clientKey, err := uuid.Parse(c.GetHeader("Idempotency-Key"))
	if err != nil {
		sendErrorCode(c, http.StatusBadRequest, "FIELD_VALIDATION_FAILED", "Missing or invalid Idempotency-Key header", err)
		return
	}
	var req checkoutSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendErrorCode(c, http.StatusBadRequest, "FIELD_VALIDATION_FAILED", "Invalid request body", err)
		return
	}

	correlationID := uuid.NewString()
	requestedBy := ""
	if userID, ok := auth.UserID(c); ok {
		requestedBy = userID.String()
	}

	result, err := h.checkout.CreateSession(c.Request.Context(), billing.CheckoutRequest{
		WorkspaceID:       workspaceID,
		ClientKey:         clientKey,
		PlanSlug:          req.PlanSlug,
		Interval:          req.Interval,
		RequestedByUserID: requestedBy,
		CorrelationID:     correlationID,
	})
	if err != nil {
		handleBillingError(c, err, billing.CodeCheckoutSessionFailed, "Failed to create checkout session", correlationID)
		return
	}
	sendSuccess(c, http.StatusOK, result)
}

// CreatePortalSession handles POST /stripe/workspaces/:workspaceId/portal-session.
func (h *BillingHandler) CreatePortalSession(c *gin.Context) {
	workspaceID, err := uuid.Parse(c.Param("workspaceId"))
	if err != nil {
		sendErrorCode(c, http.StatusBadRequest, "FIELD_VALIDATION_FAILED", "Invalid workspace id", err)
		return
	}

	correlationID := uuid.NewString()
	result, err := h.checkout.PortalSession(c.Request.Context(), workspaceID, correlationID)
	if err != nil {
		handleBillingError(c, err, billing.CodePortalSessionFailed, "Failed to create billing portal session", correlationID)
		return
	}
	sendSuccess(c, http.StatusOK, gin.H{"url": result.URL})
}

// HandleWebhook handles POST /stripe/webhook. It verifies the signature,
// persists the event and answers immediately; processing happens off the
// request path.
func (h *BillingHandler) HandleWebhook(c *gin.Context) {
	sigHeader := c.GetHeader("stripe-signature")
	if sigHeader == "" {
		sendErrorCode(c, http.StatusBadRequest, "", "Missing Stripe signature", nil)
		return
	}
	if c.Request.ContentLength > h.cfg.StripeWebhookMaxBodyBytes {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "Webhook payload too large"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, h.cfg.StripeWebhookMaxBodyBytes+1))
	if err != nil {
		sendError(c, http.StatusInternalServerError, "Failed to read webhook payload", err)
		return
	}
	if int64(len(body)) > h.cfg.StripeWebhookMaxBodyBytes {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "Webhook payload too large"})
		return
	}

	event, err := h.gateway.ConstructEvent(body, sigHeader)
	if err != nil {
		logger.Warn("webhook signature verification failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid Stripe signature"})
		return
	}

	inserted, err := h.queue.Ingest(c.Request.Context(), event.ID, string(event.Type), body)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "Failed to record webhook event", err)
		return
	}
	if !inserted {
		sendSuccess(c, http.StatusOK, gin.H{"received": true, "duplicate": true})
		return
	}

	// Processing must survive the request; the claim protocol covers crashes
	// in between.
	go func(eventID string) {
		ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
		defer cancel()
		if err := h.queue.ProcessEvent(ctx, eventID); err != nil {
			logger.Error("inline webhook processing failed",
				zap.String("event_id", eventID), zap.Error(err))
		}
	}(event.ID)

	sendSuccess(c, http.StatusOK, gin.H{"received": true})
}

// SyncCatalog handles POST /stripe/catalog/sync behind the internal admin
// token.
func (h *BillingHandler) SyncCatalog(c *gin.Context) {
	if !h.adminTokenValid(c) {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "Invalid internal admin token"})
		return
	}

	stats, err := h.catalog.Run(c.Request.Context())
	if err != nil {
		sendErrorCode(c, http.StatusInternalServerError, billing.CodeCatalogSyncFailed, "Catalog sync failed", err)
		return
	}
	sendSuccess(c, http.StatusOK, stats)
}

// planVariantResponse is the public projection of one purchasable variant.
type planVariantResponse struct {
	PlanSlug        string `json:"plan_slug"`
	Interval        string `json:"interval"`
	Currency        string `json:"currency"`
	AmountCents     int64  `json:"amount_cents"`
	TrialPeriodDays int32  `json:"trial_period_days,omitempty"`
	Purchasable     bool   `json:"purchasable"`
}

// ListPlans handles GET /stripe/plans: the self-serve pricing catalog the
// dashboard renders. Variants without an upstream price show as not
// purchasable instead of being hidden.
func (h *BillingHandler) ListPlans(c *gin.Context) {
	variants, err := h.store.ListActivePlanVariants(c.Request.Context())
	if err != nil {
		sendError(c, http.StatusInternalServerError, "Failed to load plan catalog", err)
		return
	}

	plans := make([]planVariantResponse, 0, len(variants))
	for _, v := range variants {
		plans = append(plans, planVariantResponse{
			PlanSlug:        v.PlanSlug,
			Interval:        v.Interval,
			Currency:        v.Currency,
			AmountCents:     v.AmountCents,
			TrialPeriodDays: v.TrialPeriodDays.Int32,
			Purchasable:     v.StripePriceID.Valid && v.StripePriceID.String != "",
		})
	}
	sendSuccess(c, http.StatusOK, gin.H{"plans": plans})
}

type entitlementResponse struct {
	FeatureKey string `json:"feature_key"`
	IsEnabled  bool   `json:"is_enabled"`
	LimitValue int64  `json:"limit_value"`
}

// GetEntitlements handles GET /stripe/workspaces/:workspaceId/entitlements.
func (h *BillingHandler) GetEntitlements(c *gin.Context) {
	workspaceID, err := uuid.Parse(c.Param("workspaceId"))
	if err != nil {
		sendErrorCode(c, http.StatusBadRequest, "FIELD_VALIDATION_FAILED", "Invalid workspace id", err)
		return
	}

	entitlements, err := h.store.GetWorkspaceEntitlements(c.Request.Context(), workspaceID)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "Failed to load workspace entitlements", err)
		return
	}

	features := make([]entitlementResponse, 0, len(entitlements))
	for _, e := range entitlements {
		features = append(features, entitlementResponse{
			FeatureKey: e.FeatureKey,
			IsEnabled:  e.IsEnabled,
			LimitValue: e.LimitValue,
		})
	}
	sendSuccess(c, http.StatusOK, gin.H{"entitlements": features})
}

func (h *BillingHandler) adminTokenValid(c *gin.Context) bool {
	expected := h.cfg.StripeInternalAdminToken
	if expected == "" {
		return false
	}
	presented := c.GetHeader("x-internal-admin-token")
	if presented == "" {
		presented = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}
