package store

import (
	"context"

	"github.com/google/uuid"
)

// Billing customer audit event types.
const (
	CustomerEventValidated      = "validated"
	CustomerEventInvalidated    = "invalidated"
	CustomerEventRecreated      = "recreated"
	CustomerEventWebhookDeleted = "webhook_deleted"
)

// GetBillingCustomerID returns the mapped upstream customer id for a
// workspace, or ErrNotFound when no mapping exists.
func (s *Store) GetBillingCustomerID(ctx context.Context, workspaceID uuid.UUID) (string, error) {
	var customerID string
	err := s.pool.QueryRow(ctx, `
		SELECT stripe_customer_id FROM workspace_billing_customers
		WHERE workspace_id = $1`, workspaceID,
	).Scan(&customerID)
	if err != nil {
		return "", notFoundOr(err)
	}
	return customerID, nil
}

// UpsertBillingCustomer maps a workspace to an upstream customer id. At most
// one mapping row exists per workspace.
func (s *Store) UpsertBillingCustomer(ctx context.Context, workspaceID uuid.UUID, customerID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workspace_billing_customers (workspace_id, stripe_customer_id)
		VALUES ($1, $2)
		ON CONFLICT (workspace_id) DO UPDATE SET stripe_customer_id = EXCLUDED.stripe_customer_id`,
		workspaceID, customerID)
	return err
}

// DeleteBillingCustomer removes a workspace's mapping row.
func (s *Store) DeleteBillingCustomer(ctx context.Context, workspaceID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM workspace_billing_customers WHERE workspace_id = $1`, workspaceID)
	return err
}

// DeleteBillingCustomersByCustomerID removes every mapping row holding the
// upstream customer id and returns the affected workspaces.
func (s *Store) DeleteBillingCustomersByCustomerID(ctx context.Context, customerID string) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM workspace_billing_customers
		WHERE stripe_customer_id = $1
		RETURNING workspace_id`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workspaces []uuid.UUID
	for rows.Next() {
		var workspaceID uuid.UUID
		if err := rows.Scan(&workspaceID); err != nil {
			return nil, err
		}
		workspaces = append(workspaces, workspaceID)
	}
	return workspaces, rows.Err()
}

// GetWorkspaceByCustomerID resolves the workspace mapped to an upstream
// customer id, or ErrNotFound.
func (s *Store) GetWorkspaceByCustomerID(ctx context.Context, customerID string) (uuid.UUID, error) {
	var workspaceID uuid.UUID
	err := s.pool.QueryRow(ctx, `
		SELECT workspace_id FROM workspace_billing_customers
		WHERE stripe_customer_id = $1`, customerID,
	).Scan(&workspaceID)
	if err != nil {
		return uuid.Nil, notFoundOr(err)
	}
	return workspaceID, nil
}

// BillingCustomerEventParams is one audit row for customer-mapping changes.
type BillingCustomerEventParams struct {
	WorkspaceID     uuid.UUID
	EventType       string
	OldCustomerID   string
	NewCustomerID   string
	Reason          string
	UpstreamEventID string
}

// RecordBillingCustomerEvent appends a customer-mapping audit row.
func (s *Store) RecordBillingCustomerEvent(ctx context.Context, params BillingCustomerEventParams) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO billing_customer_events
			(workspace_id, event_type, old_customer_id, new_customer_id, reason, upstream_event_id)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		params.WorkspaceID, params.EventType,
		nullText(params.OldCustomerID), nullText(params.NewCustomerID),
		nullText(params.Reason), nullText(params.UpstreamEventID))
	return err
}

// WorkspaceRole returns the caller's role in a workspace, or ErrNotFound for
// non-members. Role strings come from the membership collaborator.
func (s *Store) WorkspaceRole(ctx context.Context, workspaceID, userID uuid.UUID) (string, error) {
	var role string
	err := s.pool.QueryRow(ctx, `
		SELECT role FROM workspace_members
		WHERE workspace_id = $1 AND user_id = $2`, workspaceID, userID,
	).Scan(&role)
	if err != nil {
		return "", notFoundOr(err)
	}
	return role, nil
}

// UpdateWorkspacePlan writes the denormalized plan-slug cache on the
// workspace row.
func (s *Store) UpdateWorkspacePlan(ctx context.Context, workspaceID uuid.UUID, planSlug string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workspaces SET plan = $2, updated_at = now() WHERE id = $1`,
		workspaceID, planSlug)
	return err
}

// Entitlement is one feature row from get_workspace_entitlements.
type Entitlement struct {
	FeatureKey string
	IsEnabled  bool
	LimitValue int64
}

// GetWorkspaceEntitlements lists the feature entitlements of a workspace.
func (s *Store) GetWorkspaceEntitlements(ctx context.Context, workspaceID uuid.UUID) ([]Entitlement, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT feature_key, is_enabled, limit_value
		FROM get_workspace_entitlements($1)`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entitlements []Entitlement
	for rows.Next() {
		var e Entitlement
		if err := rows.Scan(&e.FeatureKey, &e.IsEnabled, &e.LimitValue); err != nil {
			return nil, err
		}
		entitlements = append(entitlements, e)
	}
	return entitlements, rows.Err()
}
