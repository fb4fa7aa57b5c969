package billing

import (
	"context"
	"errors"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// CheckoutSessionParams carries everything needed to open a hosted checkout
// page for one plan variant.
type CheckoutSessionParams struct {
	CustomerID      string
	PriceID         string
	TrialPeriodDays int64
	SuccessURL      string
	CancelURL       string
	WorkspaceID     string
	PlanVariantID   string
	IdempotencyKey  string
}

// Gateway is the narrow slice of the Stripe API the billing layer uses.
// Production code wires the real client; tests substitute a fake.
type Gateway interface {
	RetrieveCustomer(ctx context.Context, customerID string) (*stripe.Customer, error)
	CreateCustomer(ctx context.Context, workspaceID, idempotencyKey string) (*stripe.Customer, error)
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
	CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*stripe.CheckoutSession, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (*stripe.BillingPortalSession, error)
	ListActiveRecurringPrices(ctx context.Context) ([]*stripe.Price, error)
	ConstructEvent(payload []byte, sigHeader string) (stripe.Event, error)
}

type stripeGateway struct {
	client        *stripe.Client
	webhookSecret string
}

// NewGateway wraps the official client behind the Gateway interface.
func NewGateway(apiKey, webhookSecret string) Gateway {
	return &stripeGateway{
		client:        stripe.NewClient(apiKey, nil),
		webhookSecret: webhookSecret,
	}
}

func (g *stripeGateway) RetrieveCustomer(ctx context.Context, customerID string) (*stripe.Customer, error) {
	return g.client.V1Customers.Retrieve(ctx, customerID, &stripe.CustomerRetrieveParams{})
}

func (g *stripeGateway) CreateCustomer(ctx context.Context, workspaceID, idempotencyKey string) (*stripe.Customer, error) {
	params := &stripe.CustomerCreateParams{
		Metadata: map[string]string{"workspace_id": workspaceID},
	}
	params.IdempotencyKey = stripe.String(idempotencyKey)
	return g.client.V1Customers.Create(ctx, params)
}

func (g *stripeGateway) RetrieveSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	return g.client.V1Subscriptions.Retrieve(ctx, subscriptionID, &stripe.SubscriptionRetrieveParams{})
}

func (g *stripeGateway) CreateCheckoutSession(ctx context.Context, p CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionCreateParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:   stripe.String(p.CustomerID),
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{Price: stripe.String(p.PriceID), Quantity: stripe.Int64(1)},
		},
		SubscriptionData: &stripe.CheckoutSessionCreateSubscriptionDataParams{
			Metadata: map[string]string{
				"workspace_id":    p.WorkspaceID,
				"plan_variant_id": p.PlanVariantID,
			},
		},
		Metadata: map[string]string{
			"workspace_id":    p.WorkspaceID,
			"plan_variant_id": p.PlanVariantID,
		},
	}
	if p.TrialPeriodDays > 0 {
		params.SubscriptionData.TrialPeriodDays = stripe.Int64(p.TrialPeriodDays)
	}
	if p.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(p.IdempotencyKey)
	}
	return g.client.V1CheckoutSessions.Create(ctx, params)
}

func (g *stripeGateway) CreatePortalSession(ctx context.Context, customerID, returnURL string) (*stripe.BillingPortalSession, error) {
	params := &stripe.BillingPortalSessionCreateParams{
		Customer: stripe.String(customerID),
	}
	if returnURL != "" {
		params.ReturnURL = stripe.String(returnURL)
	}
	return g.client.V1BillingPortalSessions.Create(ctx, params)
}

func (g *stripeGateway) ListActiveRecurringPrices(ctx context.Context) ([]*stripe.Price, error) {
	params := &stripe.PriceListParams{
		Active: stripe.Bool(true),
		Type:   stripe.String(string(stripe.PriceTypeRecurring)),
	}
	params.Limit = stripe.Int64(100)

	var prices []*stripe.Price
	for price, err := range g.client.V1Prices.List(ctx, params) {
		if err != nil {
			return nil, err
		}
		if price == nil {
			continue
		}
		prices = append(prices, price)
	}
	return prices, nil
}

func (g *stripeGateway) ConstructEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEvent(payload, sigHeader, g.webhookSecret)
}

// isMissingCustomerErr reports whether an upstream error means the customer id
// no longer exists, which happens after environment resets or manual dashboard
// deletes.
func isMissingCustomerErr(err error, customerID string) bool {
	if err == nil {
		return false
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Type == stripe.ErrorTypeInvalidRequest &&
			stripeErr.Code == stripe.ErrorCodeResourceMissing &&
			stripeErr.Param == "customer" {
			return true
		}
		if strings.Contains(stripeErr.Msg, "No such customer") &&
			(customerID == "" || strings.Contains(stripeErr.Msg, customerID)) {
			return true
		}
	}
	return false
}
