package billing

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stripe/stripe-go/v82"

	"github.com/packetwarden/formflow-api/internal/store"
)

type catalogUpdate struct {
	id          uuid.UUID
	priceID     string
	amountCents int64
	currency    string
}

type fakeCatalogStore struct {
	variants map[string]*store.PlanVariant
	updates  []catalogUpdate
}

func (s *fakeCatalogStore) GetActivePlanVariant(ctx context.Context, planSlug, interval string) (*store.PlanVariant, error) {
	if v, ok := s.variants[planSlug+"/"+interval]; ok {
		return v, nil
	}
	return nil, store.ErrNotFound
}

func (s *fakeCatalogStore) UpdatePlanVariantPricing(ctx context.Context, id uuid.UUID, priceID string, amountCents int64, currency string) error {
	s.updates = append(s.updates, catalogUpdate{id: id, priceID: priceID, amountCents: amountCents, currency: currency})
	return nil
}

func recurringPrice(id, lookupKey string, created int64) *stripe.Price {
	return &stripe.Price{
		ID:         id,
		Active:     true,
		Currency:   stripe.CurrencyUSD,
		UnitAmount: 2900,
		LookupKey:  lookupKey,
		Created:    created,
		Recurring:  &stripe.PriceRecurring{Interval: stripe.PriceRecurringIntervalMonth},
	}
}

func newCatalogFixture(env string, prices ...*stripe.Price) (*CatalogSync, *fakeCatalogStore) {
	st := &fakeCatalogStore{variants: map[string]*store.PlanVariant{
		"pro/monthly":      {ID: uuid.New(), PlanSlug: "pro", Interval: store.IntervalMonthly},
		"business/monthly": {ID: uuid.New(), PlanSlug: "business", Interval: store.IntervalMonthly},
	}}
	gw := &fakeGateway{listPrices: func(ctx context.Context) ([]*stripe.Price, error) {
		return prices, nil
	}}
	return NewCatalogSync(st, gw, env), st
}

func TestCatalogSyncBindsLookupKeyPrice(t *testing.T) {
	sync, st := newCatalogFixture("prod",
		recurringPrice("price_1", "formsandbox:prod:pro:monthly:usd", 100))

	stats, err := sync.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, CatalogStats{Scanned: 1, Eligible: 1, Updated: 1}, stats)
	if assert.Len(t, st.updates, 1) {
		assert.Equal(t, st.variants["pro/monthly"].ID, st.updates[0].id)
		assert.Equal(t, "price_1", st.updates[0].priceID)
		assert.Equal(t, int64(2900), st.updates[0].amountCents)
		assert.Equal(t, "usd", st.updates[0].currency)
	}
}

func TestCatalogSyncNewestPriceWinsSlot(t *testing.T) {
	sync, st := newCatalogFixture("prod",
		recurringPrice("price_old", "formsandbox:prod:pro:monthly:usd", 100),
		recurringPrice("price_new", "formsandbox:prod:pro:monthly:usd", 200))

	stats, err := sync.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 2, stats.Eligible)
	assert.Equal(t, 1, stats.Updated)
	if assert.Len(t, st.updates, 1) {
		assert.Equal(t, "price_new", st.updates[0].priceID)
	}
}

func TestCatalogSyncSkipsAlreadyBoundVariant(t *testing.T) {
	sync, st := newCatalogFixture("prod",
		recurringPrice("price_1", "formsandbox:prod:pro:monthly:usd", 100))
	st.variants["pro/monthly"].StripePriceID = pgtype.Text{String: "price_1", Valid: true}
	st.variants["pro/monthly"].AmountCents = 2900
	st.variants["pro/monthly"].Currency = "usd"

	stats, err := sync.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 0, stats.Updated)
	assert.Empty(t, st.updates)
}

func TestCatalogSyncCountsMissingVariants(t *testing.T) {
	sync, st := newCatalogFixture("prod",
		recurringPrice("price_y", "formsandbox:prod:pro:yearly:usd", 100))
	// Yearly variant intentionally absent from the fixture.
	stats, err := sync.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, stats.MissingVariants)
	assert.Empty(t, st.updates)
}

func TestCatalogSyncMetadataFallback(t *testing.T) {
	price := recurringPrice("price_meta", "", 100)
	price.Metadata = map[string]string{"self_serve": "true", "plan_slug": "business"}
	sync, st := newCatalogFixture("prod", price)

	stats, err := sync.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, stats.Eligible)
	if assert.Len(t, st.updates, 1) {
		assert.Equal(t, st.variants["business/monthly"].ID, st.updates[0].id)
	}
}

func TestCatalogSyncClassifyRejections(t *testing.T) {
	inactive := recurringPrice("p_inactive", "formsandbox:prod:pro:monthly:usd", 100)
	inactive.Active = false

	oneTime := recurringPrice("p_onetime", "formsandbox:prod:pro:monthly:usd", 100)
	oneTime.Recurring = nil

	eur := recurringPrice("p_eur", "formsandbox:prod:pro:monthly:usd", 100)
	eur.Currency = stripe.CurrencyEUR

	vetoed := recurringPrice("p_veto", "formsandbox:prod:pro:monthly:usd", 100)
	vetoed.Metadata = map[string]string{"self_serve": "false"}

	wrongEnv := recurringPrice("p_env", "formsandbox:staging:pro:monthly:usd", 100)

	enterprise := recurringPrice("p_ent", "formsandbox:prod:enterprise:monthly:usd", 100)

	badInterval := recurringPrice("p_interval", "formsandbox:prod:pro:weekly:usd", 100)

	metadataOnly := recurringPrice("p_meta", "", 100)
	metadataOnly.Metadata = map[string]string{"plan_slug": "pro"}

	sync, st := newCatalogFixture("prod",
		inactive, oneTime, eur, vetoed, wrongEnv, enterprise, badInterval, metadataOnly)

	stats, err := sync.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 8, stats.Scanned)
	assert.Equal(t, 0, stats.Eligible)
	assert.Empty(t, st.updates)
}

func TestCatalogSyncEmptyEnvAcceptsAnyEnvironment(t *testing.T) {
	sync, st := newCatalogFixture("",
		recurringPrice("price_1", "formsandbox:staging:pro:monthly:usd", 100))

	stats, err := sync.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)
	assert.Len(t, st.updates, 1)
}

func TestCatalogSyncPropagatesListErrors(t *testing.T) {
	st := &fakeCatalogStore{variants: map[string]*store.PlanVariant{}}
	gw := &fakeGateway{listPrices: func(ctx context.Context) ([]*stripe.Price, error) {
		return nil, assert.AnError
	}}
	sync := NewCatalogSync(st, gw, "prod")

	_, err := sync.Run(context.Background())
	assert.Error(t, err)
}
