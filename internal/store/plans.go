package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// Billing intervals for plan variants.
const (
	IntervalMonthly = "monthly"
	IntervalYearly  = "yearly"
)

// PlanVariant maps a local plan to one upstream recurring price.
type PlanVariant struct {
	ID              uuid.UUID
	PlanSlug        string
	Interval        string
	Currency        string
	Active          bool
	StripePriceID   pgtype.Text
	AmountCents     int64
	TrialPeriodDays pgtype.Int4
}

const planVariantColumns = `
	id, plan_slug, interval, currency, active, stripe_price_id,
	amount_cents, trial_period_days`

// GetActivePlanVariant finds the active variant for (plan, interval).
func (s *Store) GetActivePlanVariant(ctx context.Context, planSlug, interval string) (*PlanVariant, error) {
	var v PlanVariant
	err := s.pool.QueryRow(ctx, `
		SELECT `+planVariantColumns+`
		FROM plan_variants
		WHERE plan_slug = $1 AND interval = $2 AND active`,
		planSlug, interval,
	).Scan(&v.ID, &v.PlanSlug, &v.Interval, &v.Currency, &v.Active,
		&v.StripePriceID, &v.AmountCents, &v.TrialPeriodDays)
	if err != nil {
		return nil, notFoundOr(err)
	}
	return &v, nil
}

// GetPlanVariantByPriceID resolves the variant bound to an upstream price id.
func (s *Store) GetPlanVariantByPriceID(ctx context.Context, priceID string) (*PlanVariant, error) {
	var v PlanVariant
	err := s.pool.QueryRow(ctx, `
		SELECT `+planVariantColumns+`
		FROM plan_variants
		WHERE stripe_price_id = $1`, priceID,
	).Scan(&v.ID, &v.PlanSlug, &v.Interval, &v.Currency, &v.Active,
		&v.StripePriceID, &v.AmountCents, &v.TrialPeriodDays)
	if err != nil {
		return nil, notFoundOr(err)
	}
	return &v, nil
}

// ListActivePlanVariants lists the active variants of the local catalog.
func (s *Store) ListActivePlanVariants(ctx context.Context) ([]PlanVariant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+planVariantColumns+`
		FROM plan_variants
		WHERE active
		ORDER BY plan_slug, interval`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var variants []PlanVariant
	for rows.Next() {
		var v PlanVariant
		if err := rows.Scan(&v.ID, &v.PlanSlug, &v.Interval, &v.Currency, &v.Active,
			&v.StripePriceID, &v.AmountCents, &v.TrialPeriodDays); err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}
	return variants, rows.Err()
}

// UpdatePlanVariantPricing rebinds a variant to an upstream price.
func (s *Store) UpdatePlanVariantPricing(ctx context.Context, id uuid.UUID, priceID string, amountCents int64, currency string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE plan_variants
		SET stripe_price_id = $2, amount_cents = $3, currency = $4, updated_at = now()
		WHERE id = $1`, id, priceID, amountCents, currency)
	return err
}
