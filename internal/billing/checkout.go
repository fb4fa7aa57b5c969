package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"

	"github.com/packetwarden/formflow-api/internal/config"
	"github.com/packetwarden/formflow-api/internal/logger"
	"github.com/packetwarden/formflow-api/internal/store"
)

// checkoutWindow is how long a ledger row answers replays.
const checkoutWindow = 24 * time.Hour

// Plans with special checkout handling.
const (
	planFree       = "free"
	planEnterprise = "enterprise"
)

// Checkout destinations returned to the dashboard.
const (
	DestinationCheckout = "checkout"
	DestinationPortal   = "portal"
)

// CheckoutStore is the persistence surface of the checkout service.
type CheckoutStore interface {
	CreateCheckoutIdempotency(ctx context.Context, params store.CreateCheckoutIdempotencyParams) error
	GetCheckoutIdempotency(ctx context.Context, workspaceID, clientKey uuid.UUID) (*store.CheckoutIdempotency, error)
	CompleteCheckoutIdempotency(ctx context.Context, workspaceID, clientKey uuid.UUID, sessionID, sessionURL string) error
	FailCheckoutIdempotency(ctx context.Context, workspaceID, clientKey uuid.UUID, lastError string) error
	GetActivePlanVariant(ctx context.Context, planSlug, interval string) (*store.PlanVariant, error)
	GetLatestEntitledSubscription(ctx context.Context, workspaceID uuid.UUID) (*store.Subscription, error)
}

// CatalogRunner triggers a catalog sync pass on demand.
type CatalogRunner interface {
	Run(ctx context.Context) (CatalogStats, error)
}

// CheckoutService creates checkout and portal sessions behind a durable
// idempotency ledger.
type CheckoutService struct {
	store     CheckoutStore
	customers *CustomerResolver
	gateway   Gateway
	catalog   CatalogRunner
	cfg       *config.Config
	now       func() time.Time
}

// NewCheckoutService wires the checkout service.
func NewCheckoutService(s CheckoutStore, customers *CustomerResolver, gateway Gateway, catalog CatalogRunner, cfg *config.Config) *CheckoutService {
	return &CheckoutService{
		store:     s,
		customers: customers,
		gateway:   gateway,
		catalog:   catalog,
		cfg:       cfg,
		now:       time.Now,
	}
}

// CheckoutRequest is one validated checkout-session request.
type CheckoutRequest struct {
	WorkspaceID       uuid.UUID
	ClientKey         uuid.UUID
	PlanSlug          string
	Interval          string
	RequestedByUserID string
	CorrelationID     string
}

// CheckoutResult points the dashboard at a hosted page.
type CheckoutResult struct {
	Destination      string `json:"destination"`
	URL              string `json:"url"`
	SessionID        string `json:"session_id,omitempty"`
	Reason           string `json:"reason,omitempty"`
	IdempotentReplay bool   `json:"idempotent_replay,omitempty"`
}

// CreateSession runs the full checkout flow: plan gating, the entitlement
// short-circuit to the portal, catalog resolution, the idempotency ledger,
// and the upstream session call.
func (cs *CheckoutService) CreateSession(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if cs.cfg.CheckoutSuccessURL == "" || cs.cfg.CheckoutCancelURL == "" {
		return nil, serverErr(CodeBillingConfigMissing, "Checkout redirect URLs are not configured", req.CorrelationID, nil)
	}

	switch req.PlanSlug {
	case planFree:
		return nil, clientErr(http.StatusBadRequest, CodeInvalidPlanForCheckout, "The free plan cannot be purchased")
	case planEnterprise:
		salesErr := clientErr(http.StatusForbidden, CodeContactSalesRequired, "Enterprise plans are sold through sales")
		salesErr.URL = cs.cfg.ContactSalesURL
		return nil, salesErr
	}

	// A workspace already holding an entitled paid subscription manages it in
	// the portal instead of opening a second checkout.
	current, err := cs.store.GetLatestEntitledSubscription(ctx, req.WorkspaceID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, serverErr(CodeCheckoutSessionFailed, "Failed to create checkout session", req.CorrelationID, err)
	}
	if current != nil && current.StripeSubscriptionID.Valid {
		result, err := cs.PortalSession(ctx, req.WorkspaceID, req.CorrelationID)
		if err != nil {
			return nil, err
		}
		result.Reason = "already_subscribed"
		return result, nil
	}

	variant, err := cs.resolveVariant(ctx, req)
	if err != nil {
		return nil, err
	}

	fingerprint := checkoutFingerprint(req.WorkspaceID, variant.ID, req.RequestedByUserID)
	upstreamKey := upstreamIdempotencyKey(req.WorkspaceID, variant.ID, req.ClientKey)

	err = cs.store.CreateCheckoutIdempotency(ctx, store.CreateCheckoutIdempotencyParams{
		WorkspaceID:            req.WorkspaceID,
		ClientKey:              req.ClientKey,
		PlanVariantID:          variant.ID,
		RequestFingerprint:     fingerprint,
		UpstreamIdempotencyKey: upstreamKey,
		ExpiresAt:              cs.now().Add(checkoutWindow),
	})
	if err != nil {
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, serverErr(CodeCheckoutSessionFailed, "Failed to create checkout session", req.CorrelationID, err)
		}
		row, err := cs.store.GetCheckoutIdempotency(ctx, req.WorkspaceID, req.ClientKey)
		if err != nil {
			return nil, serverErr(CodeCheckoutSessionFailed, "Failed to create checkout session", req.CorrelationID, err)
		}
		replay, replayErr := cs.evaluateReplay(row, fingerprint)
		if replayErr != nil || replay != nil {
			return replay, replayErr
		}
		// Failed row with a matching payload: retry under the original
		// upstream key so the upstream side dedupes partial work.
		upstreamKey = row.UpstreamIdempotencyKey
	}

	return cs.openSession(ctx, req, variant, upstreamKey)
}

// evaluateReplay applies the ledger replay rules to an existing row. A nil,
// nil return means the caller may retry the upstream call.
func (cs *CheckoutService) evaluateReplay(row *store.CheckoutIdempotency, fingerprint string) (*CheckoutResult, error) {
	if row.Expired(cs.now()) {
		return nil, clientErr(http.StatusConflict, CodeIdempotencyKeyExpired, "Idempotency key has expired, retry with a fresh key")
	}
	if row.RequestFingerprint != fingerprint {
		return nil, clientErr(http.StatusConflict, CodeIdempotencyKeyReused, "Idempotency key was already used with a different payload")
	}
	switch row.Status {
	case store.CheckoutStatusCompleted:
		return &CheckoutResult{
			Destination:      DestinationCheckout,
			URL:              row.UpstreamSessionURL.String,
			SessionID:        row.UpstreamSessionID.String,
			IdempotentReplay: true,
		}, nil
	case store.CheckoutStatusInProgress:
		return nil, clientErr(http.StatusConflict, CodeCheckoutInProgress, "A checkout with this key is already in progress")
	default:
		return nil, nil
	}
}

func (cs *CheckoutService) openSession(ctx context.Context, req CheckoutRequest, variant *store.PlanVariant, upstreamKey string) (*CheckoutResult, error) {
	var session *stripe.CheckoutSession
	attempt := 0
	err := cs.customers.WithRecoveredCustomer(ctx, RecoveryParams{
		WorkspaceID:   req.WorkspaceID,
		Scope:         "checkout",
		CorrelationID: req.CorrelationID,
	}, func(customerID string) error {
		key := upstreamKey
		if attempt > 0 {
			// The replacement customer changes the request payload, so the
			// original upstream key would be rejected as reused.
			key = truncateKey(fmt.Sprintf("%s:retry:%s", upstreamKey, req.CorrelationID))
		}
		attempt++

		var callErr error
		session, callErr = cs.gateway.CreateCheckoutSession(ctx, CheckoutSessionParams{
			CustomerID:      customerID,
			PriceID:         variant.StripePriceID.String,
			TrialPeriodDays: int64(variant.TrialPeriodDays.Int32),
			SuccessURL:      cs.cfg.CheckoutSuccessURL,
			CancelURL:       cs.cfg.CheckoutCancelURL,
			WorkspaceID:     req.WorkspaceID.String(),
			PlanVariantID:   variant.ID.String(),
			IdempotencyKey:  key,
		})
		return callErr
	})
	if err != nil {
		if failErr := cs.store.FailCheckoutIdempotency(ctx, req.WorkspaceID, req.ClientKey, truncateError(err.Error())); failErr != nil {
			logger.Error("marking checkout ledger row failed", zap.Error(failErr))
		}
		if billingErr, ok := AsBillingError(err); ok {
			return nil, billingErr
		}
		return nil, serverErr(CodeCheckoutSessionFailed, "Failed to create checkout session", req.CorrelationID, err)
	}

	if err := cs.store.CompleteCheckoutIdempotency(ctx, req.WorkspaceID, req.ClientKey, session.ID, session.URL); err != nil {
		logger.Error("marking checkout ledger row completed", zap.Error(err),
			zap.String("workspace_id", req.WorkspaceID.String()),
			zap.String("session_id", session.ID))
	}

	return &CheckoutResult{
		Destination: DestinationCheckout,
		URL:         session.URL,
		SessionID:   session.ID,
	}, nil
}

// PortalSession opens a billing-portal session for the workspace. The
// customer id already bound to the workspace's subscription is preferred, so
// the portal opens on the account the subscription actually bills.
func (cs *CheckoutService) PortalSession(ctx context.Context, workspaceID uuid.UUID, correlationID string) (*CheckoutResult, error) {
	preferred := ""
	current, err := cs.store.GetLatestEntitledSubscription(ctx, workspaceID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, serverErr(CodePortalSessionFailed, "Failed to create billing portal session", correlationID, err)
	}
	if current != nil && current.StripeCustomerID.Valid {
		preferred = current.StripeCustomerID.String
	}

	var portal *stripe.BillingPortalSession
	err = cs.customers.WithRecoveredCustomer(ctx, RecoveryParams{
		WorkspaceID:         workspaceID,
		Scope:               "portal",
		CorrelationID:       correlationID,
		PreferredCustomerID: preferred,
	}, func(customerID string) error {
		var callErr error
		portal, callErr = cs.gateway.CreatePortalSession(ctx, customerID, cs.cfg.BillingPortalReturnURL)
		return callErr
	})
	if err != nil {
		return nil, serverErr(CodePortalSessionFailed, "Failed to create billing portal session", correlationID, err)
	}
	return &CheckoutResult{Destination: DestinationPortal, URL: portal.URL, SessionID: portal.ID}, nil
}

// resolveVariant finds the purchasable variant, forcing a catalog sync once
// when the local catalog has no upstream price bound.
func (cs *CheckoutService) resolveVariant(ctx context.Context, req CheckoutRequest) (*store.PlanVariant, error) {
	variant, err := cs.store.GetActivePlanVariant(ctx, req.PlanSlug, req.Interval)
	if err == nil && variant.StripePriceID.Valid && variant.StripePriceID.String != "" {
		return variant, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, serverErr(CodeCheckoutSessionFailed, "Failed to create checkout session", req.CorrelationID, err)
	}

	logger.Info("plan variant missing upstream price, forcing catalog sync",
		zap.String("plan_slug", req.PlanSlug),
		zap.String("interval", req.Interval))
	if _, syncErr := cs.catalog.Run(ctx); syncErr != nil {
		logger.Error("forced catalog sync failed", zap.Error(syncErr))
	}

	variant, err = cs.store.GetActivePlanVariant(ctx, req.PlanSlug, req.Interval)
	if err != nil || !variant.StripePriceID.Valid || variant.StripePriceID.String == "" {
		return nil, clientErr(http.StatusConflict, CodeCatalogOutOfSync, "The requested plan is not purchasable right now")
	}
	return variant, nil
}

// checkoutFingerprint hashes the semantic payload of a checkout request.
func checkoutFingerprint(workspaceID, planVariantID uuid.UUID, requestedBy string) string {
	if requestedBy == "" {
		requestedBy = "anonymous"
	}
	payload, _ := json.Marshal(struct {
		WorkspaceID       string `json:"workspace_id"`
		PlanVariantID     string `json:"plan_variant_id"`
		RequestedByUserID string `json:"requested_by_user_id"`
	}{workspaceID.String(), planVariantID.String(), requestedBy})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func upstreamIdempotencyKey(workspaceID, planVariantID, clientKey uuid.UUID) string {
	return truncateKey(fmt.Sprintf("checkout:v1:%s:%s:%s", workspaceID, planVariantID, clientKey))
}

// truncateKey keeps keys under the upstream 255-character limit by replacing
// oversized ones with their hash.
func truncateKey(key string) string {
	if len(key) <= 255 {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// truncateError caps stored error text.
func truncateError(message string) string {
	if len(message) > 1000 {
		return message[:1000]
	}
	return message
}
