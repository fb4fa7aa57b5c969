package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// Internal subscription statuses.
const (
	SubStatusTrialing = "trialing"
	SubStatusActive   = "active"
	SubStatusPastDue  = "past_due"
	SubStatusUnpaid   = "unpaid"
	SubStatusPaused   = "paused"
	SubStatusCanceled = "canceled"
)

// EntitledStatuses grant paid capability.
var EntitledStatuses = []string{SubStatusActive, SubStatusTrialing, SubStatusPastDue}

// IsEntitledStatus reports whether a status grants paid capability.
func IsEntitledStatus(status string) bool {
	for _, s := range EntitledStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Subscription is a workspace subscription row. PlanSlug is resolved through
// the plan-variant join on reads.
type Subscription struct {
	ID                   uuid.UUID
	WorkspaceID          uuid.UUID
	PlanSlug             string
	PlanVariantID        pgtype.UUID
	Status               string
	StripeSubscriptionID pgtype.Text
	StripeCustomerID     pgtype.Text
	CurrentPeriodStart   pgtype.Timestamptz
	CurrentPeriodEnd     pgtype.Timestamptz
	TrialStart           pgtype.Timestamptz
	TrialEnd             pgtype.Timestamptz
	CancelAtPeriodEnd    bool
	CanceledAt           pgtype.Timestamptz
	EndedAt              pgtype.Timestamptz
	GracePeriodEnd       pgtype.Timestamptz
	Metadata             json.RawMessage
}

const subscriptionColumns = `
	s.id, s.workspace_id, COALESCE(pv.plan_slug, 'free'), s.plan_variant_id,
	s.status, s.stripe_subscription_id, s.stripe_customer_id,
	s.current_period_start, s.current_period_end, s.trial_start, s.trial_end,
	s.cancel_at_period_end, s.canceled_at, s.ended_at, s.grace_period_end,
	s.metadata`

func scanSubscription(row interface{ Scan(...any) error }) (*Subscription, error) {
	var sub Subscription
	err := row.Scan(
		&sub.ID, &sub.WorkspaceID, &sub.PlanSlug, &sub.PlanVariantID,
		&sub.Status, &sub.StripeSubscriptionID, &sub.StripeCustomerID,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.TrialStart, &sub.TrialEnd,
		&sub.CancelAtPeriodEnd, &sub.CanceledAt, &sub.EndedAt,
		&sub.GracePeriodEnd, &sub.Metadata,
	)
	if err != nil {
		return nil, notFoundOr(err)
	}
	return &sub, nil
}

// GetSubscriptionByStripeID finds the row holding an upstream subscription id.
func (s *Store) GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*Subscription, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions s
		LEFT JOIN plan_variants pv ON pv.id = s.plan_variant_id
		WHERE s.stripe_subscription_id = $1`, stripeSubscriptionID)
	return scanSubscription(row)
}

// GetLatestEntitledSubscription returns the newest entitled row for a
// workspace, or ErrNotFound.
func (s *Store) GetLatestEntitledSubscription(ctx context.Context, workspaceID uuid.UUID) (*Subscription, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions s
		LEFT JOIN plan_variants pv ON pv.id = s.plan_variant_id
		WHERE s.workspace_id = $1 AND s.status = ANY($2)
		ORDER BY s.created_at DESC
		LIMIT 1`, workspaceID, EntitledStatuses)
	return scanSubscription(row)
}

// GetLatestSubscriptionByCustomerID returns the newest row carrying an
// upstream customer id, used as the last resolution fallback during sync.
func (s *Store) GetLatestSubscriptionByCustomerID(ctx context.Context, customerID string) (*Subscription, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions s
		LEFT JOIN plan_variants pv ON pv.id = s.plan_variant_id
		WHERE s.stripe_customer_id = $1
		ORDER BY s.created_at DESC
		LIMIT 1`, customerID)
	return scanSubscription(row)
}

// SubscriptionSyncParams carries the upstream state applied to a row.
type SubscriptionSyncParams struct {
	WorkspaceID          uuid.UUID
	PlanVariantID        pgtype.UUID
	Status               string
	StripeSubscriptionID string
	StripeCustomerID     string
	CurrentPeriodStart   pgtype.Timestamptz
	CurrentPeriodEnd     pgtype.Timestamptz
	TrialStart           pgtype.Timestamptz
	TrialEnd             pgtype.Timestamptz
	CancelAtPeriodEnd    bool
	CanceledAt           pgtype.Timestamptz
	EndedAt              pgtype.Timestamptz
	Metadata             json.RawMessage
}

// InsertSubscription creates a new subscription row from upstream state.
func (s *Store) InsertSubscription(ctx context.Context, params SubscriptionSyncParams) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO subscriptions
			(workspace_id, plan_variant_id, status, stripe_subscription_id,
			 stripe_customer_id, current_period_start, current_period_end,
			 trial_start, trial_end, cancel_at_period_end, canceled_at,
			 ended_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		params.WorkspaceID, params.PlanVariantID, params.Status,
		params.StripeSubscriptionID, params.StripeCustomerID,
		params.CurrentPeriodStart, params.CurrentPeriodEnd,
		params.TrialStart, params.TrialEnd, params.CancelAtPeriodEnd,
		params.CanceledAt, params.EndedAt, params.Metadata,
	).Scan(&id)
	return id, err
}

// UpdateSubscriptionByID applies upstream state to an existing row.
func (s *Store) UpdateSubscriptionByID(ctx context.Context, id uuid.UUID, params SubscriptionSyncParams) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET plan_variant_id = $2, status = $3, stripe_subscription_id = $4,
		    stripe_customer_id = $5, current_period_start = $6,
		    current_period_end = $7, trial_start = $8, trial_end = $9,
		    cancel_at_period_end = $10, canceled_at = $11, ended_at = $12,
		    metadata = $13, updated_at = now()
		WHERE id = $1`,
		id, params.PlanVariantID, params.Status, params.StripeSubscriptionID,
		params.StripeCustomerID, params.CurrentPeriodStart, params.CurrentPeriodEnd,
		params.TrialStart, params.TrialEnd, params.CancelAtPeriodEnd,
		params.CanceledAt, params.EndedAt, params.Metadata)
	return err
}

// CancelSubscriptionByID terminates a row at the given time.
func (s *Store) CancelSubscriptionByID(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET status = 'canceled', canceled_at = $2, ended_at = $2,
		    grace_period_end = NULL, updated_at = now()
		WHERE id = $1`, id, at)
	return err
}

// CancelWorkspaceStripeSubscriptions terminates every upstream-linked row of
// a workspace, used when the upstream customer is deleted.
func (s *Store) CancelWorkspaceStripeSubscriptions(ctx context.Context, workspaceID uuid.UUID, at time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET status = 'canceled', canceled_at = $2, ended_at = $2,
		    grace_period_end = NULL, updated_at = now()
		WHERE workspace_id = $1
		  AND stripe_subscription_id IS NOT NULL
		  AND status <> 'canceled'`, workspaceID, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// SetGracePeriodEnd stamps the grace deadline on an upstream subscription.
// Status is deliberately untouched: only the deadline's expiry downgrades.
func (s *Store) SetGracePeriodEnd(ctx context.Context, stripeSubscriptionID string, deadline time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET grace_period_end = $2, updated_at = now()
		WHERE stripe_subscription_id = $1`, stripeSubscriptionID, deadline)
	return err
}

// ClearGracePeriod removes the grace deadline after a successful payment.
func (s *Store) ClearGracePeriod(ctx context.Context, stripeSubscriptionID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET grace_period_end = NULL, updated_at = now()
		WHERE stripe_subscription_id = $1`, stripeSubscriptionID)
	return err
}

// ListExpiredGraceSubscriptions selects past_due rows whose grace deadline
// has elapsed, oldest deadline first, capped by limit.
func (s *Store) ListExpiredGraceSubscriptions(ctx context.Context, limit int) ([]Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions s
		LEFT JOIN plan_variants pv ON pv.id = s.plan_variant_id
		WHERE s.status = 'past_due'
		  AND s.grace_period_end IS NOT NULL
		  AND s.grace_period_end <= now()
		ORDER BY s.grace_period_end ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// EnsureFreeSubscription invokes the advisory-locked RPC that converges a
// workspace onto exactly one free entitled row. Idempotent.
func (s *Store) EnsureFreeSubscription(ctx context.Context, workspaceID uuid.UUID, source string) (uuid.UUID, bool, error) {
	var subscriptionID uuid.UUID
	var created bool
	err := s.pool.QueryRow(ctx, `
		SELECT subscription_id, created
		FROM ensure_free_subscription_for_workspace($1, $2)`,
		workspaceID, source,
	).Scan(&subscriptionID, &created)
	if err != nil {
		return uuid.Nil, false, err
	}
	return subscriptionID, created, nil
}
