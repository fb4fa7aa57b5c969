package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stripe/stripe-go/v82"

	"github.com/packetwarden/formflow-api/internal/store"
)

// fakeEventStore is an in-memory EventStore recording every mutation.
type fakeEventStore struct {
	subsByStripeID      map[string]*store.Subscription
	entitled            map[uuid.UUID]*store.Subscription
	latestByCustomer    map[string]*store.Subscription
	workspaceByCustomer map[string]uuid.UUID
	variantsByPrice     map[string]*store.PlanVariant
	deletedMappings     map[string][]uuid.UUID

	inserted           []store.SubscriptionSyncParams
	updated            map[uuid.UUID]store.SubscriptionSyncParams
	canceledWorkspaces []uuid.UUID
	graceSet           map[string]time.Time
	graceCleared       []string
	freeEnsured        []string
	planUpdates        map[uuid.UUID]string
	audits             []store.BillingCustomerEventParams
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{
		subsByStripeID:      map[string]*store.Subscription{},
		entitled:            map[uuid.UUID]*store.Subscription{},
		latestByCustomer:    map[string]*store.Subscription{},
		workspaceByCustomer: map[string]uuid.UUID{},
		variantsByPrice:     map[string]*store.PlanVariant{},
		deletedMappings:     map[string][]uuid.UUID{},
		updated:             map[uuid.UUID]store.SubscriptionSyncParams{},
		graceSet:            map[string]time.Time{},
		planUpdates:         map[uuid.UUID]string{},
	}
}

func (s *fakeEventStore) GetSubscriptionByStripeID(ctx context.Context, id string) (*store.Subscription, error) {
	if sub, ok := s.subsByStripeID[id]; ok {
		return sub, nil
	}
	return nil, store.ErrNotFound
}

func (s *fakeEventStore) GetLatestEntitledSubscription(ctx context.Context, workspaceID uuid.UUID) (*store.Subscription, error) {
	if sub, ok := s.entitled[workspaceID]; ok {
		return sub, nil
	}
	return nil, store.ErrNotFound
}

func (s *fakeEventStore) GetLatestSubscriptionByCustomerID(ctx context.Context, customerID string) (*store.Subscription, error) {
	if sub, ok := s.latestByCustomer[customerID]; ok {
		return sub, nil
	}
	return nil, store.ErrNotFound
}

func (s *fakeEventStore) InsertSubscription(ctx context.Context, params store.SubscriptionSyncParams) (uuid.UUID, error) {
	s.inserted = append(s.inserted, params)
	return uuid.New(), nil
}

func (s *fakeEventStore) UpdateSubscriptionByID(ctx context.Context, id uuid.UUID, params store.SubscriptionSyncParams) error {
	s.updated[id] = params
	return nil
}

func (s *fakeEventStore) CancelWorkspaceStripeSubscriptions(ctx context.Context, workspaceID uuid.UUID, at time.Time) (int64, error) {
	s.canceledWorkspaces = append(s.canceledWorkspaces, workspaceID)
	return 1, nil
}

func (s *fakeEventStore) SetGracePeriodEnd(ctx context.Context, stripeSubscriptionID string, deadline time.Time) error {
	s.graceSet[stripeSubscriptionID] = deadline
	return nil
}

func (s *fakeEventStore) ClearGracePeriod(ctx context.Context, stripeSubscriptionID string) error {
	s.graceCleared = append(s.graceCleared, stripeSubscriptionID)
	return nil
}

func (s *fakeEventStore) EnsureFreeSubscription(ctx context.Context, workspaceID uuid.UUID, source string) (uuid.UUID, bool, error) {
	s.freeEnsured = append(s.freeEnsured, fmt.Sprintf("%s|%s", workspaceID, source))
	return uuid.New(), true, nil
}

func (s *fakeEventStore) UpdateWorkspacePlan(ctx context.Context, workspaceID uuid.UUID, planSlug string) error {
	s.planUpdates[workspaceID] = planSlug
	return nil
}

func (s *fakeEventStore) GetWorkspaceByCustomerID(ctx context.Context, customerID string) (uuid.UUID, error) {
	if ws, ok := s.workspaceByCustomer[customerID]; ok {
		return ws, nil
	}
	return uuid.Nil, store.ErrNotFound
}

func (s *fakeEventStore) DeleteBillingCustomersByCustomerID(ctx context.Context, customerID string) ([]uuid.UUID, error) {
	return s.deletedMappings[customerID], nil
}

func (s *fakeEventStore) RecordBillingCustomerEvent(ctx context.Context, params store.BillingCustomerEventParams) error {
	s.audits = append(s.audits, params)
	return nil
}

func (s *fakeEventStore) GetPlanVariantByPriceID(ctx context.Context, priceID string) (*store.PlanVariant, error) {
	if v, ok := s.variantsByPrice[priceID]; ok {
		return v, nil
	}
	return nil, store.ErrNotFound
}

type eventFixture struct {
	processor *EventProcessor
	store     *fakeEventStore
	gateway   *fakeGateway
	catalog   *fakeCatalog
	variant   *store.PlanVariant
}

func newEventFixture() *eventFixture {
	st := newFakeEventStore()
	gw := &fakeGateway{}
	catalog := &fakeCatalog{}
	variant := &store.PlanVariant{
		ID:       uuid.New(),
		PlanSlug: "pro",
		Interval: store.IntervalMonthly,
	}
	st.variantsByPrice["price_pro"] = variant

	p := NewEventProcessor(st, gw, catalog, 7)
	p.now = fixedNow
	return &eventFixture{processor: p, store: st, gateway: gw, catalog: catalog, variant: variant}
}

// webhookEvent builds a claimed queue row carrying the event object.
func webhookEvent(eventType string, object map[string]any) *store.WebhookEvent {
	payload, _ := json.Marshal(map[string]any{
		"id":   "evt_1",
		"type": eventType,
		"data": map[string]any{"object": object},
	})
	return &store.WebhookEvent{EventID: "evt_1", EventType: eventType, Payload: payload}
}

func subscriptionObject(stripeID, status, customerID, priceID string, metadata map[string]any) map[string]any {
	obj := map[string]any{
		"id":       stripeID,
		"status":   status,
		"customer": map[string]any{"id": customerID},
		"items": map[string]any{
			"data": []any{map[string]any{
				"price":                map[string]any{"id": priceID},
				"current_period_start": 1756000000,
				"current_period_end":   1758600000,
			}},
		},
	}
	if metadata != nil {
		obj["metadata"] = metadata
	}
	return obj
}

func TestMapSubscriptionStatus(t *testing.T) {
	tests := []struct {
		upstream stripe.SubscriptionStatus
		want     string
	}{
		{stripe.SubscriptionStatusActive, store.SubStatusActive},
		{stripe.SubscriptionStatusTrialing, store.SubStatusTrialing},
		{stripe.SubscriptionStatusPastDue, store.SubStatusPastDue},
		{stripe.SubscriptionStatusIncomplete, store.SubStatusPastDue},
		{stripe.SubscriptionStatusUnpaid, store.SubStatusUnpaid},
		{stripe.SubscriptionStatusPaused, store.SubStatusPaused},
		{stripe.SubscriptionStatusCanceled, store.SubStatusCanceled},
		{stripe.SubscriptionStatusIncompleteExpired, store.SubStatusCanceled},
		{stripe.SubscriptionStatus("something_new"), store.SubStatusPastDue},
	}
	for _, tc := range tests {
		t.Run(string(tc.upstream), func(t *testing.T) {
			assert.Equal(t, tc.want, MapSubscriptionStatus(tc.upstream))
		})
	}
}

func TestApplyUpdatesExistingSubscription(t *testing.T) {
	f := newEventFixture()
	ws := uuid.New()
	rowID := uuid.New()
	f.store.subsByStripeID["sub_1"] = &store.Subscription{ID: rowID, WorkspaceID: ws}
	f.store.entitled[ws] = &store.Subscription{ID: rowID, WorkspaceID: ws, PlanSlug: "pro"}

	ev := webhookEvent("customer.subscription.updated",
		subscriptionObject("sub_1", "past_due", "cus_1", "price_pro", nil))
	assert.NoError(t, f.processor.Apply(context.Background(), ev))

	params, ok := f.store.updated[rowID]
	if assert.True(t, ok) {
		assert.Equal(t, ws, params.WorkspaceID)
		assert.Equal(t, store.SubStatusPastDue, params.Status)
		assert.Equal(t, "sub_1", params.StripeSubscriptionID)
		assert.Equal(t, "cus_1", params.StripeCustomerID)
		assert.True(t, params.CurrentPeriodStart.Valid)
		assert.True(t, params.CurrentPeriodEnd.Valid)
		assert.Equal(t, f.variant.ID, uuid.UUID(params.PlanVariantID.Bytes))
	}
	// past_due is still entitled, no free fallback.
	assert.Empty(t, f.store.freeEnsured)
	assert.Equal(t, "pro", f.store.planUpdates[ws])
}

func TestApplyAdoptsEntitledRowForNewPaidSubscription(t *testing.T) {
	f := newEventFixture()
	ws := uuid.New()
	freeRowID := uuid.New()
	f.store.entitled[ws] = &store.Subscription{ID: freeRowID, WorkspaceID: ws, PlanSlug: "free"}

	ev := webhookEvent("customer.subscription.created",
		subscriptionObject("sub_new", "active", "cus_1", "price_pro",
			map[string]any{"workspace_id": ws.String()}))
	assert.NoError(t, f.processor.Apply(context.Background(), ev))

	assert.Empty(t, f.store.inserted)
	params, ok := f.store.updated[freeRowID]
	if assert.True(t, ok) {
		assert.Equal(t, store.SubStatusActive, params.Status)
		assert.Equal(t, "sub_new", params.StripeSubscriptionID)
	}
}

func TestApplyInsertsNewSubscriptionWithoutEntitledRow(t *testing.T) {
	f := newEventFixture()
	ws := uuid.New()

	ev := webhookEvent("customer.subscription.created",
		subscriptionObject("sub_new", "active", "cus_1", "price_pro",
			map[string]any{"workspace_id": ws.String()}))
	assert.NoError(t, f.processor.Apply(context.Background(), ev))

	if assert.Len(t, f.store.inserted, 1) {
		assert.Equal(t, ws, f.store.inserted[0].WorkspaceID)
		assert.Equal(t, store.SubStatusActive, f.store.inserted[0].Status)
	}
	assert.Empty(t, f.store.updated)
}

func TestApplyNonEntitledStatusEnsuresFreeSubscription(t *testing.T) {
	f := newEventFixture()
	ws := uuid.New()

	ev := webhookEvent("customer.subscription.deleted",
		subscriptionObject("sub_gone", "canceled", "cus_1", "price_pro",
			map[string]any{"workspace_id": ws.String()}))
	assert.NoError(t, f.processor.Apply(context.Background(), ev))

	assert.Len(t, f.store.inserted, 1)
	assert.Equal(t, []string{fmt.Sprintf("%s|webhook:evt_1", ws)}, f.store.freeEnsured)
	assert.Equal(t, "free", f.store.planUpdates[ws])
}

func TestApplyResolvesWorkspaceThroughCustomerMapping(t *testing.T) {
	f := newEventFixture()
	ws := uuid.New()
	f.store.workspaceByCustomer["cus_mapped"] = ws

	ev := webhookEvent("customer.subscription.updated",
		subscriptionObject("sub_x", "active", "cus_mapped", "price_pro", nil))
	assert.NoError(t, f.processor.Apply(context.Background(), ev))

	if assert.Len(t, f.store.inserted, 1) {
		assert.Equal(t, ws, f.store.inserted[0].WorkspaceID)
	}
}

func TestApplyResolvesWorkspaceThroughPriorSubscription(t *testing.T) {
	f := newEventFixture()
	ws := uuid.New()
	f.store.latestByCustomer["cus_prior"] = &store.Subscription{WorkspaceID: ws}

	ev := webhookEvent("customer.subscription.updated",
		subscriptionObject("sub_x", "active", "cus_prior", "price_pro", nil))
	assert.NoError(t, f.processor.Apply(context.Background(), ev))

	if assert.Len(t, f.store.inserted, 1) {
		assert.Equal(t, ws, f.store.inserted[0].WorkspaceID)
	}
}

func TestApplyFailsWhenWorkspaceUnresolvable(t *testing.T) {
	f := newEventFixture()

	ev := webhookEvent("customer.subscription.updated",
		subscriptionObject("sub_x", "active", "cus_unknown", "price_pro", nil))
	assert.Error(t, f.processor.Apply(context.Background(), ev))
	assert.Empty(t, f.store.inserted)
}

func TestApplyForcesCatalogSyncForUnknownPrice(t *testing.T) {
	f := newEventFixture()
	ws := uuid.New()
	lateVariant := &store.PlanVariant{ID: uuid.New(), PlanSlug: "business"}
	f.catalog.onRun = func() {
		f.store.variantsByPrice["price_unseen"] = lateVariant
	}

	ev := webhookEvent("customer.subscription.created",
		subscriptionObject("sub_x", "active", "cus_1", "price_unseen",
			map[string]any{"workspace_id": ws.String()}))
	assert.NoError(t, f.processor.Apply(context.Background(), ev))

	assert.Equal(t, 1, f.catalog.runs)
	if assert.Len(t, f.store.inserted, 1) {
		assert.Equal(t, lateVariant.ID, uuid.UUID(f.store.inserted[0].PlanVariantID.Bytes))
	}
}

func TestApplyNewSubscriptionWithUnresolvablePriceIsRetryable(t *testing.T) {
	f := newEventFixture()
	ws := uuid.New()

	ev := webhookEvent("customer.subscription.created",
		subscriptionObject("sub_x", "active", "cus_1", "price_ghost",
			map[string]any{"workspace_id": ws.String()}))
	assert.Error(t, f.processor.Apply(context.Background(), ev))
	assert.Equal(t, 1, f.catalog.runs)
	assert.Empty(t, f.store.inserted)
}

func TestApplyExistingRowKeepsVariantWhenPriceUnresolvable(t *testing.T) {
	f := newEventFixture()
	ws := uuid.New()
	rowID := uuid.New()
	keptVariant := pgtype.UUID{Bytes: uuid.New(), Valid: true}
	f.store.subsByStripeID["sub_1"] = &store.Subscription{
		ID: rowID, WorkspaceID: ws, PlanVariantID: keptVariant,
	}

	ev := webhookEvent("customer.subscription.updated",
		subscriptionObject("sub_1", "active", "cus_1", "price_ghost", nil))
	assert.NoError(t, f.processor.Apply(context.Background(), ev))

	params, ok := f.store.updated[rowID]
	if assert.True(t, ok) {
		assert.Equal(t, keptVariant, params.PlanVariantID)
	}
}

func TestApplyCheckoutCompleted(t *testing.T) {
	f := newEventFixture()
	ws := uuid.New()
	f.gateway.retrieveSubscription = func(ctx context.Context, id string) (*stripe.Subscription, error) {
		return &stripe.Subscription{
			ID:       id,
			Status:   stripe.SubscriptionStatusActive,
			Customer: &stripe.Customer{ID: "cus_1"},
			Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{
				{Price: &stripe.Price{ID: "price_pro"}},
			}},
		}, nil
	}

	ev := webhookEvent("checkout.session.completed", map[string]any{
		"id":           "cs_1",
		"mode":         "subscription",
		"subscription": map[string]any{"id": "sub_9"},
		"metadata":     map[string]any{"workspace_id": ws.String()},
	})
	assert.NoError(t, f.processor.Apply(context.Background(), ev))

	if assert.Len(t, f.store.inserted, 1) {
		assert.Equal(t, ws, f.store.inserted[0].WorkspaceID)
		assert.Equal(t, "sub_9", f.store.inserted[0].StripeSubscriptionID)
	}
}

func TestApplyCheckoutCompletedIgnoresNonSubscriptionMode(t *testing.T) {
	f := newEventFixture()

	ev := webhookEvent("checkout.session.completed", map[string]any{
		"id":   "cs_1",
		"mode": "payment",
	})
	assert.NoError(t, f.processor.Apply(context.Background(), ev))
	assert.Empty(t, f.store.inserted)
}

func TestApplyCustomerDeletedDowngradesWorkspaces(t *testing.T) {
	f := newEventFixture()
	ws := uuid.New()
	f.store.deletedMappings["cus_del"] = []uuid.UUID{ws}

	ev := webhookEvent("customer.deleted", map[string]any{"id": "cus_del"})
	assert.NoError(t, f.processor.Apply(context.Background(), ev))

	assert.Equal(t, []uuid.UUID{ws}, f.store.canceledWorkspaces)
	assert.Equal(t, []string{fmt.Sprintf("%s|webhook:evt_1", ws)}, f.store.freeEnsured)
	assert.Equal(t, "free", f.store.planUpdates[ws])
	if assert.Len(t, f.store.audits, 1) {
		assert.Equal(t, store.CustomerEventWebhookDeleted, f.store.audits[0].EventType)
		assert.Equal(t, "cus_del", f.store.audits[0].OldCustomerID)
	}
}

func TestApplyInvoicePaymentFailedStartsGrace(t *testing.T) {
	f := newEventFixture()

	ev := webhookEvent("invoice.payment_failed", map[string]any{
		"id": "in_1",
		"parent": map[string]any{
			"subscription_details": map[string]any{"subscription": "sub_5"},
		},
	})
	assert.NoError(t, f.processor.Apply(context.Background(), ev))
	assert.Equal(t, fixedNow().Add(7*24*time.Hour), f.store.graceSet["sub_5"])
}

func TestApplyInvoicePaidClearsGrace(t *testing.T) {
	f := newEventFixture()

	ev := webhookEvent("invoice.paid", map[string]any{
		"id": "in_1",
		"parent": map[string]any{
			"subscription_details": map[string]any{"subscription": "sub_5"},
		},
	})
	assert.NoError(t, f.processor.Apply(context.Background(), ev))
	assert.Equal(t, []string{"sub_5"}, f.store.graceCleared)
}

func TestApplyInvoiceWithoutSubscriptionIsNoop(t *testing.T) {
	f := newEventFixture()

	ev := webhookEvent("invoice.payment_failed", map[string]any{"id": "in_1"})
	assert.NoError(t, f.processor.Apply(context.Background(), ev))
	assert.Empty(t, f.store.graceSet)
}

func TestApplyIgnoresUnhandledEventTypes(t *testing.T) {
	f := newEventFixture()

	ev := webhookEvent("charge.refunded", map[string]any{"id": "ch_1"})
	assert.NoError(t, f.processor.Apply(context.Background(), ev))
	assert.Empty(t, f.store.inserted)
	assert.Empty(t, f.store.updated)
}

func TestRefreshPlanCache(t *testing.T) {
	f := newEventFixture()
	ws := uuid.New()

	assert.NoError(t, f.processor.RefreshPlanCache(context.Background(), ws))
	assert.Equal(t, "free", f.store.planUpdates[ws])

	f.store.entitled[ws] = &store.Subscription{PlanSlug: "business"}
	assert.NoError(t, f.processor.RefreshPlanCache(context.Background(), ws))
	assert.Equal(t, "business", f.store.planUpdates[ws])
}

func TestInvoiceSubscriptionID(t *testing.T) {
	assert.Equal(t, "sub_1", invoiceSubscriptionID(json.RawMessage(
		`{"parent":{"subscription_details":{"subscription":"sub_1"}}}`)))
	assert.Equal(t, "sub_2", invoiceSubscriptionID(json.RawMessage(
		`{"subscription":"sub_2"}`)))
	// The parent object wins over the legacy top-level field.
	assert.Equal(t, "sub_1", invoiceSubscriptionID(json.RawMessage(
		`{"parent":{"subscription_details":{"subscription":"sub_1"}},"subscription":"sub_2"}`)))
	assert.Equal(t, "", invoiceSubscriptionID(json.RawMessage(`{"id":"in_1"}`)))
	assert.Equal(t, "", invoiceSubscriptionID(json.RawMessage(`not json`)))
}

func TestUnixTimestamptz(t *testing.T) {
	assert.False(t, unixTimestamptz(0).Valid)
	assert.False(t, unixTimestamptz(-5).Valid)

	ts := unixTimestamptz(1756000000)
	assert.True(t, ts.Valid)
	assert.Equal(t, time.Unix(1756000000, 0).UTC(), ts.Time)
}
