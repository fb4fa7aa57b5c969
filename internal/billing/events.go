package billing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pkg/errors"
	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"

	"github.com/packetwarden/formflow-api/internal/logger"
	"github.com/packetwarden/formflow-api/internal/store"
)

// EventStore is the persistence surface of the event processor.
type EventStore interface {
	GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*store.Subscription, error)
	GetLatestEntitledSubscription(ctx context.Context, workspaceID uuid.UUID) (*store.Subscription, error)
	GetLatestSubscriptionByCustomerID(ctx context.Context, customerID string) (*store.Subscription, error)
	InsertSubscription(ctx context.Context, params store.SubscriptionSyncParams) (uuid.UUID, error)
	UpdateSubscriptionByID(ctx context.Context, id uuid.UUID, params store.SubscriptionSyncParams) error
	CancelWorkspaceStripeSubscriptions(ctx context.Context, workspaceID uuid.UUID, at time.Time) (int64, error)
	SetGracePeriodEnd(ctx context.Context, stripeSubscriptionID string, deadline time.Time) error
	ClearGracePeriod(ctx context.Context, stripeSubscriptionID string) error
	EnsureFreeSubscription(ctx context.Context, workspaceID uuid.UUID, source string) (uuid.UUID, bool, error)
	UpdateWorkspacePlan(ctx context.Context, workspaceID uuid.UUID, planSlug string) error
	GetWorkspaceByCustomerID(ctx context.Context, customerID string) (uuid.UUID, error)
	DeleteBillingCustomersByCustomerID(ctx context.Context, customerID string) ([]uuid.UUID, error)
	RecordBillingCustomerEvent(ctx context.Context, params store.BillingCustomerEventParams) error
	GetPlanVariantByPriceID(ctx context.Context, priceID string) (*store.PlanVariant, error)
}

// EventProcessor applies verified upstream events to local billing state.
// Every handler is idempotent: replays converge on the same rows.
type EventProcessor struct {
	store     EventStore
	gateway   Gateway
	catalog   CatalogRunner
	graceDays int
	now       func() time.Time
}

// NewEventProcessor wires the processor. graceDays bounds how long a past_due
// subscription keeps its entitlement after a failed payment.
func NewEventProcessor(s EventStore, g Gateway, catalog CatalogRunner, graceDays int) *EventProcessor {
	return &EventProcessor{store: s, gateway: g, catalog: catalog, graceDays: graceDays, now: time.Now}
}

// MapSubscriptionStatus folds upstream statuses onto the local status set.
// incomplete still holds a payment attempt open, so it lands on past_due
// rather than dropping entitlement mid-checkout.
func MapSubscriptionStatus(status stripe.SubscriptionStatus) string {
	switch status {
	case stripe.SubscriptionStatusActive:
		return store.SubStatusActive
	case stripe.SubscriptionStatusTrialing:
		return store.SubStatusTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusIncomplete:
		return store.SubStatusPastDue
	case stripe.SubscriptionStatusUnpaid:
		return store.SubStatusUnpaid
	case stripe.SubscriptionStatusPaused:
		return store.SubStatusPaused
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return store.SubStatusCanceled
	default:
		// Unknown upstream statuses keep the entitlement but flag the row.
		return store.SubStatusPastDue
	}
}

// Apply dispatches one claimed event to its handler. Unhandled event types
// complete without side effects.
func (p *EventProcessor) Apply(ctx context.Context, ev *store.WebhookEvent) error {
	var event stripe.Event
	if err := json.Unmarshal(ev.Payload, &event); err != nil {
		return errors.Wrap(err, "decoding stored event payload")
	}

	switch ev.EventType {
	case "checkout.session.completed":
		return p.handleCheckoutCompleted(ctx, &event)
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		return p.handleSubscriptionEvent(ctx, &event)
	case "customer.deleted":
		return p.handleCustomerDeleted(ctx, &event)
	case "invoice.payment_failed":
		return p.handleInvoicePaymentFailed(ctx, &event)
	case "invoice.paid", "invoice.payment_succeeded":
		return p.handleInvoicePaid(ctx, &event)
	default:
		logger.Debug("ignoring unhandled event type",
			zap.String("event_id", ev.EventID),
			zap.String("event_type", ev.EventType))
		return nil
	}
}

func (p *EventProcessor) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return errors.Wrap(err, "decoding checkout session")
	}
	if session.Mode != stripe.CheckoutSessionModeSubscription {
		return nil
	}
	if session.Subscription == nil || session.Subscription.ID == "" {
		logger.Warn("checkout session completed without subscription",
			zap.String("event_id", event.ID),
			zap.String("session_id", session.ID))
		return nil
	}

	// The session object only carries the subscription id, so pull the full
	// subscription before syncing.
	sub, err := p.gateway.RetrieveSubscription(ctx, session.Subscription.ID)
	if err != nil {
		return errors.Wrap(err, "retrieving subscription for completed checkout")
	}

	hint := uuid.Nil
	if raw := session.Metadata["workspace_id"]; raw != "" {
		if parsed, parseErr := uuid.Parse(raw); parseErr == nil {
			hint = parsed
		}
	}
	return p.syncSubscription(ctx, sub, hint, event.ID)
}

func (p *EventProcessor) handleSubscriptionEvent(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return errors.Wrap(err, "decoding subscription payload")
	}
	return p.syncSubscription(ctx, &sub, uuid.Nil, event.ID)
}

func (p *EventProcessor) handleCustomerDeleted(ctx context.Context, event *stripe.Event) error {
	var customer stripe.Customer
	if err := json.Unmarshal(event.Data.Raw, &customer); err != nil {
		return errors.Wrap(err, "decoding customer payload")
	}
	if customer.ID == "" {
		return nil
	}

	workspaces, err := p.store.DeleteBillingCustomersByCustomerID(ctx, customer.ID)
	if err != nil {
		return errors.Wrap(err, "dropping mappings for deleted customer")
	}
	now := p.now()
	for _, workspaceID := range workspaces {
		if auditErr := p.store.RecordBillingCustomerEvent(ctx, store.BillingCustomerEventParams{
			WorkspaceID:     workspaceID,
			EventType:       store.CustomerEventWebhookDeleted,
			OldCustomerID:   customer.ID,
			Reason:          "customer.deleted",
			UpstreamEventID: event.ID,
		}); auditErr != nil {
			logger.Error("recording customer deletion audit", zap.Error(auditErr))
		}
		canceled, err := p.store.CancelWorkspaceStripeSubscriptions(ctx, workspaceID, now)
		if err != nil {
			return errors.Wrap(err, "canceling subscriptions of deleted customer")
		}
		if _, _, err := p.store.EnsureFreeSubscription(ctx, workspaceID, "webhook:"+event.ID); err != nil {
			return errors.Wrap(err, "ensuring free subscription after customer delete")
		}
		if err := p.RefreshPlanCache(ctx, workspaceID); err != nil {
			return err
		}
		logger.Info("downgraded workspace after upstream customer delete",
			zap.String("workspace_id", workspaceID.String()),
			zap.String("customer_id", customer.ID),
			zap.Int64("canceled_subscriptions", canceled))
	}
	return nil
}

func (p *EventProcessor) handleInvoicePaymentFailed(ctx context.Context, event *stripe.Event) error {
	subscriptionID := invoiceSubscriptionID(event.Data.Raw)
	if subscriptionID == "" {
		return nil
	}
	deadline := p.now().Add(time.Duration(p.graceDays) * 24 * time.Hour)
	if err := p.store.SetGracePeriodEnd(ctx, subscriptionID, deadline); err != nil {
		return errors.Wrap(err, "setting grace deadline")
	}
	logger.Info("payment failed, grace period started",
		zap.String("stripe_subscription_id", subscriptionID),
		zap.Time("grace_period_end", deadline))
	return nil
}

func (p *EventProcessor) handleInvoicePaid(ctx context.Context, event *stripe.Event) error {
	subscriptionID := invoiceSubscriptionID(event.Data.Raw)
	if subscriptionID == "" {
		return nil
	}
	if err := p.store.ClearGracePeriod(ctx, subscriptionID); err != nil {
		return errors.Wrap(err, "clearing grace deadline")
	}
	return nil
}

// syncSubscription converges one local row onto the upstream subscription
// state and refreshes the workspace's plan cache.
func (p *EventProcessor) syncSubscription(ctx context.Context, sub *stripe.Subscription, hint uuid.UUID, eventID string) error {
	existing, err := p.store.GetSubscriptionByStripeID(ctx, sub.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return errors.Wrap(err, "looking up subscription row")
	}

	workspaceID, err := p.resolveWorkspace(ctx, sub, hint, existing)
	if err != nil {
		return err
	}

	params := p.syncParams(workspaceID, sub)
	variantID, err := p.resolveVariantID(ctx, sub, existing)
	if err != nil {
		return err
	}
	params.PlanVariantID = variantID

	switch {
	case existing != nil:
		if err := p.store.UpdateSubscriptionByID(ctx, existing.ID, params); err != nil {
			return errors.Wrap(err, "updating subscription row")
		}
	case store.IsEntitledStatus(params.Status):
		// The paid subscription takes over the workspace's current entitled
		// row, which is the free-to-paid transition.
		current, err := p.store.GetLatestEntitledSubscription(ctx, workspaceID)
		switch {
		case err == nil:
			if err := p.store.UpdateSubscriptionByID(ctx, current.ID, params); err != nil {
				return errors.Wrap(err, "adopting entitled subscription row")
			}
		case errors.Is(err, store.ErrNotFound):
			if _, err := p.store.InsertSubscription(ctx, params); err != nil {
				return errors.Wrap(err, "inserting subscription row")
			}
		default:
			return errors.Wrap(err, "loading entitled subscription")
		}
	default:
		if _, err := p.store.InsertSubscription(ctx, params); err != nil {
			return errors.Wrap(err, "inserting subscription row")
		}
	}

	if !store.IsEntitledStatus(params.Status) {
		if _, _, err := p.store.EnsureFreeSubscription(ctx, workspaceID, "webhook:"+eventID); err != nil {
			return errors.Wrap(err, "ensuring free subscription")
		}
	}
	return p.RefreshPlanCache(ctx, workspaceID)
}

// resolveWorkspace orders the resolution sources: the checkout session hint,
// subscription metadata, the existing row, the customer mapping, then prior
// rows carrying the same customer.
func (p *EventProcessor) resolveWorkspace(ctx context.Context, sub *stripe.Subscription, hint uuid.UUID, existing *store.Subscription) (uuid.UUID, error) {
	if hint != uuid.Nil {
		return hint, nil
	}
	if raw := sub.Metadata["workspace_id"]; raw != "" {
		if workspaceID, err := uuid.Parse(raw); err == nil {
			return workspaceID, nil
		}
	}
	if existing != nil {
		return existing.WorkspaceID, nil
	}
	customerID := ""
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}
	if customerID != "" {
		workspaceID, err := p.store.GetWorkspaceByCustomerID(ctx, customerID)
		if err == nil {
			return workspaceID, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return uuid.Nil, errors.Wrap(err, "resolving workspace by customer")
		}
		prior, err := p.store.GetLatestSubscriptionByCustomerID(ctx, customerID)
		if err == nil {
			return prior.WorkspaceID, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return uuid.Nil, errors.Wrap(err, "resolving workspace by prior subscription")
		}
	}
	return uuid.Nil, errors.Errorf("no workspace resolvable for subscription %s", sub.ID)
}

// resolveVariantID binds the subscription's price onto a local variant,
// forcing one catalog sync when the price is unknown. An existing row keeps
// its variant when the price still cannot be resolved; a brand-new
// subscription with an unresolvable price is a retryable failure.
func (p *EventProcessor) resolveVariantID(ctx context.Context, sub *stripe.Subscription, existing *store.Subscription) (pgtype.UUID, error) {
	priceID := subscriptionPriceID(sub)
	if priceID != "" {
		variant, err := p.store.GetPlanVariantByPriceID(ctx, priceID)
		if err == nil {
			return pgtype.UUID{Bytes: variant.ID, Valid: true}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return pgtype.UUID{}, errors.Wrap(err, "loading plan variant for price")
		}

		if _, syncErr := p.catalog.Run(ctx); syncErr != nil {
			logger.Error("forced catalog sync failed", zap.Error(syncErr))
		}
		variant, err = p.store.GetPlanVariantByPriceID(ctx, priceID)
		if err == nil {
			return pgtype.UUID{Bytes: variant.ID, Valid: true}, nil
		}
	}
	if existing != nil {
		return existing.PlanVariantID, nil
	}
	return pgtype.UUID{}, errors.Errorf("no plan variant for price %q on subscription %s", priceID, sub.ID)
}

func (p *EventProcessor) syncParams(workspaceID uuid.UUID, sub *stripe.Subscription) store.SubscriptionSyncParams {
	params := store.SubscriptionSyncParams{
		WorkspaceID:          workspaceID,
		Status:               MapSubscriptionStatus(sub.Status),
		StripeSubscriptionID: sub.ID,
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		TrialStart:           unixTimestamptz(sub.TrialStart),
		TrialEnd:             unixTimestamptz(sub.TrialEnd),
		CanceledAt:           unixTimestamptz(sub.CanceledAt),
		EndedAt:              unixTimestamptz(sub.EndedAt),
	}
	if sub.Customer != nil {
		params.StripeCustomerID = sub.Customer.ID
	}
	// Period bounds live on the subscription items.
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		params.CurrentPeriodStart = unixTimestamptz(sub.Items.Data[0].CurrentPeriodStart)
		params.CurrentPeriodEnd = unixTimestamptz(sub.Items.Data[0].CurrentPeriodEnd)
	}
	if len(sub.Metadata) > 0 {
		if raw, err := json.Marshal(sub.Metadata); err == nil {
			params.Metadata = raw
		}
	}
	return params
}

// RefreshPlanCache rewrites the denormalized plan slug on the workspace row
// from its newest entitled subscription.
func (p *EventProcessor) RefreshPlanCache(ctx context.Context, workspaceID uuid.UUID) error {
	planSlug := planFree
	current, err := p.store.GetLatestEntitledSubscription(ctx, workspaceID)
	if err == nil {
		planSlug = current.PlanSlug
	} else if !errors.Is(err, store.ErrNotFound) {
		return errors.Wrap(err, "loading entitled subscription for plan cache")
	}
	if err := p.store.UpdateWorkspacePlan(ctx, workspaceID, planSlug); err != nil {
		return errors.Wrap(err, "updating workspace plan cache")
	}
	return nil
}

func subscriptionPriceID(sub *stripe.Subscription) string {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return ""
	}
	item := sub.Items.Data[0]
	if item == nil || item.Price == nil {
		return ""
	}
	return item.Price.ID
}

// invoiceSubscriptionID digs the subscription id out of a raw invoice
// payload. Invoices reference their subscription through the parent object.
func invoiceSubscriptionID(raw json.RawMessage) string {
	var invoice struct {
		Parent *struct {
			SubscriptionDetails *struct {
				Subscription string `json:"subscription"`
			} `json:"subscription_details"`
		} `json:"parent"`
		Subscription string `json:"subscription"`
	}
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return ""
	}
	if invoice.Parent != nil && invoice.Parent.SubscriptionDetails != nil &&
		invoice.Parent.SubscriptionDetails.Subscription != "" {
		return invoice.Parent.SubscriptionDetails.Subscription
	}
	return invoice.Subscription
}

func unixTimestamptz(unix int64) pgtype.Timestamptz {
	if unix <= 0 {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: time.Unix(unix, 0).UTC(), Valid: true}
}
