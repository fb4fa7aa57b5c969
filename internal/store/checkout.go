package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// Checkout idempotency statuses.
const (
	CheckoutStatusInProgress = "in_progress"
	CheckoutStatusCompleted  = "completed"
	CheckoutStatusFailed     = "failed"
)

// CheckoutIdempotency is one durable ledger row for a checkout request.
type CheckoutIdempotency struct {
	WorkspaceID            uuid.UUID
	ClientKey              uuid.UUID
	PlanVariantID          uuid.UUID
	RequestFingerprint     string
	UpstreamIdempotencyKey string
	UpstreamSessionID      pgtype.Text
	UpstreamSessionURL     pgtype.Text
	Status                 string
	ExpiresAt              time.Time
	LastError              pgtype.Text
	CreatedAt              time.Time
}

// Expired reports whether the ledger row is past its replay window.
func (c *CheckoutIdempotency) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// CreateCheckoutIdempotencyParams starts a new ledger row in_progress.
type CreateCheckoutIdempotencyParams struct {
	WorkspaceID            uuid.UUID
	ClientKey              uuid.UUID
	PlanVariantID          uuid.UUID
	RequestFingerprint     string
	UpstreamIdempotencyKey string
	ExpiresAt              time.Time
}

// CreateCheckoutIdempotency inserts the in_progress row. ErrDuplicate means
// another request with the same (workspace, client_key) won the insert race;
// the caller reloads and re-evaluates replay rules.
func (s *Store) CreateCheckoutIdempotency(ctx context.Context, params CreateCheckoutIdempotencyParams) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO checkout_idempotency_keys
			(workspace_id, client_key, plan_variant_id, request_fingerprint,
			 upstream_idempotency_key, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, 'in_progress', $6)`,
		params.WorkspaceID, params.ClientKey, params.PlanVariantID,
		params.RequestFingerprint, params.UpstreamIdempotencyKey, params.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetCheckoutIdempotency loads the ledger row for (workspace, client_key).
func (s *Store) GetCheckoutIdempotency(ctx context.Context, workspaceID, clientKey uuid.UUID) (*CheckoutIdempotency, error) {
	var row CheckoutIdempotency
	err := s.pool.QueryRow(ctx, `
		SELECT workspace_id, client_key, plan_variant_id, request_fingerprint,
		       upstream_idempotency_key, upstream_session_id, upstream_session_url,
		       status, expires_at, last_error, created_at
		FROM checkout_idempotency_keys
		WHERE workspace_id = $1 AND client_key = $2`,
		workspaceID, clientKey,
	).Scan(
		&row.WorkspaceID, &row.ClientKey, &row.PlanVariantID,
		&row.RequestFingerprint, &row.UpstreamIdempotencyKey,
		&row.UpstreamSessionID, &row.UpstreamSessionURL,
		&row.Status, &row.ExpiresAt, &row.LastError, &row.CreatedAt,
	)
	if err != nil {
		return nil, notFoundOr(err)
	}
	return &row, nil
}

// CompleteCheckoutIdempotency records the created session on the ledger row.
func (s *Store) CompleteCheckoutIdempotency(ctx context.Context, workspaceID, clientKey uuid.UUID, sessionID, sessionURL string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE checkout_idempotency_keys
		SET status = 'completed',
		    upstream_session_id = $3,
		    upstream_session_url = $4,
		    last_error = NULL
		WHERE workspace_id = $1 AND client_key = $2`,
		workspaceID, clientKey, sessionID, sessionURL)
	return err
}

// FailCheckoutIdempotency marks the ledger row failed with the last error.
func (s *Store) FailCheckoutIdempotency(ctx context.Context, workspaceID, clientKey uuid.UUID, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE checkout_idempotency_keys
		SET status = 'failed', last_error = $3
		WHERE workspace_id = $1 AND client_key = $2`,
		workspaceID, clientKey, lastError)
	return err
}
