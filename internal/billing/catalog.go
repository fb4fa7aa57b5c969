package billing

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"

	"github.com/packetwarden/formflow-api/internal/logger"
	"github.com/packetwarden/formflow-api/internal/store"
)

// lookupKeyPrefix anchors the structured lookup keys the catalog understands.
const lookupKeyPrefix = "formsandbox"

// selfServePlans are the plan slugs purchasable without sales involvement.
var selfServePlans = map[string]bool{
	"pro":      true,
	"business": true,
}

// CatalogStore is the persistence surface of the catalog sync.
type CatalogStore interface {
	GetActivePlanVariant(ctx context.Context, planSlug, interval string) (*store.PlanVariant, error)
	UpdatePlanVariantPricing(ctx context.Context, id uuid.UUID, priceID string, amountCents int64, currency string) error
}

// CatalogStats summarizes one sync pass.
type CatalogStats struct {
	Scanned         int `json:"scanned"`
	Eligible        int `json:"eligible"`
	Updated         int `json:"updated"`
	MissingVariants int `json:"missing_variants"`
}

// CatalogSync pulls the upstream recurring price list and rebinds local plan
// variants to the newest matching price.
type CatalogSync struct {
	store   CatalogStore
	gateway Gateway
	env     string
}

// NewCatalogSync wires the catalog sync. env scopes lookup-key matching; an
// empty env accepts any environment segment.
func NewCatalogSync(s CatalogStore, g Gateway, env string) *CatalogSync {
	return &CatalogSync{store: s, gateway: g, env: env}
}

// candidate is one upstream price classified onto a local plan variant slot.
type candidate struct {
	price    *stripe.Price
	planSlug string
	interval string
}

// Run lists active recurring prices, classifies them, and applies the newest
// price per (plan, interval) slot to the local catalog.
func (c *CatalogSync) Run(ctx context.Context) (CatalogStats, error) {
	var stats CatalogStats

	prices, err := c.gateway.ListActiveRecurringPrices(ctx)
	if err != nil {
		return stats, errors.Wrap(err, "listing upstream prices")
	}
	stats.Scanned = len(prices)

	// Newest created price wins each (plan, interval) slot.
	best := make(map[string]candidate)
	for _, price := range prices {
		cand, ok := c.classify(price)
		if !ok {
			continue
		}
		stats.Eligible++
		slot := cand.planSlug + "/" + cand.interval
		if prev, exists := best[slot]; !exists || cand.price.Created > prev.price.Created {
			best[slot] = cand
		}
	}

	for _, cand := range best {
		variant, err := c.store.GetActivePlanVariant(ctx, cand.planSlug, cand.interval)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				stats.MissingVariants++
				logger.Warn("upstream price has no local plan variant",
					zap.String("price_id", cand.price.ID),
					zap.String("plan_slug", cand.planSlug),
					zap.String("interval", cand.interval))
				continue
			}
			return stats, errors.Wrap(err, "loading plan variant")
		}

		currency := strings.ToLower(string(cand.price.Currency))
		if variant.StripePriceID.String == cand.price.ID &&
			variant.AmountCents == cand.price.UnitAmount &&
			variant.Currency == currency {
			continue
		}
		if err := c.store.UpdatePlanVariantPricing(ctx, variant.ID, cand.price.ID, cand.price.UnitAmount, currency); err != nil {
			return stats, errors.Wrap(err, "updating plan variant pricing")
		}
		stats.Updated++
		logger.Info("rebound plan variant to upstream price",
			zap.String("plan_slug", cand.planSlug),
			zap.String("interval", cand.interval),
			zap.String("price_id", cand.price.ID),
			zap.Int64("amount_cents", cand.price.UnitAmount))
	}

	logger.Info("catalog sync finished",
		zap.Int("scanned", stats.Scanned),
		zap.Int("eligible", stats.Eligible),
		zap.Int("updated", stats.Updated),
		zap.Int("missing_variants", stats.MissingVariants))
	return stats, nil
}

// classify decides whether a price belongs to the local catalog and which
// (plan, interval) slot it fills. Lookup keys are authoritative; metadata is
// the fallback for prices created before structured keys existed.
func (c *CatalogSync) classify(price *stripe.Price) (candidate, bool) {
	if price == nil || !price.Active || price.Recurring == nil {
		return candidate{}, false
	}
	if !strings.EqualFold(string(price.Currency), "usd") {
		return candidate{}, false
	}
	if price.UnitAmount < 0 {
		return candidate{}, false
	}
	if price.Metadata["self_serve"] == "false" {
		return candidate{}, false
	}

	if planSlug, interval, ok := c.parseLookupKey(price.LookupKey); ok {
		return candidate{price: price, planSlug: planSlug, interval: interval}, true
	}
	if planSlug, interval, ok := classifyByMetadata(price); ok {
		return candidate{price: price, planSlug: planSlug, interval: interval}, true
	}
	return candidate{}, false
}

func (c *CatalogSync) parseLookupKey(key string) (planSlug, interval string, ok bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 5 || parts[0] != lookupKeyPrefix {
		return "", "", false
	}
	if c.env != "" && parts[1] != c.env {
		return "", "", false
	}
	planSlug, interval = parts[2], parts[3]
	if !selfServePlans[planSlug] {
		return "", "", false
	}
	if interval != store.IntervalMonthly && interval != store.IntervalYearly {
		return "", "", false
	}
	if parts[4] != "usd" {
		return "", "", false
	}
	return planSlug, interval, true
}

func classifyByMetadata(price *stripe.Price) (planSlug, interval string, ok bool) {
	if price.Metadata["self_serve"] != "true" {
		return "", "", false
	}
	planSlug = price.Metadata["plan_slug"]
	if !selfServePlans[planSlug] {
		return "", "", false
	}
	interval = price.Metadata["interval"]
	if interval == "" {
		interval = recurringInterval(price)
	}
	if interval != store.IntervalMonthly && interval != store.IntervalYearly {
		return "", "", false
	}
	return planSlug, interval, true
}

// recurringInterval maps the upstream interval onto local interval slugs.
func recurringInterval(price *stripe.Price) string {
	if price.Recurring == nil {
		return ""
	}
	switch price.Recurring.Interval {
	case stripe.PriceRecurringIntervalMonth:
		return store.IntervalMonthly
	case stripe.PriceRecurringIntervalYear:
		return store.IntervalYearly
	default:
		return ""
	}
}
