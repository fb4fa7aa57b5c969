package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/packetwarden/formflow-api/internal/logger"
	"github.com/packetwarden/formflow-api/internal/store"
)

// Customer resolution outcomes.
const (
	CustomerValidated = "validated"
	CustomerRecreated = "recreated"
)

// CustomerStore is the mapping and audit surface the resolver needs.
type CustomerStore interface {
	GetBillingCustomerID(ctx context.Context, workspaceID uuid.UUID) (string, error)
	UpsertBillingCustomer(ctx context.Context, workspaceID uuid.UUID, customerID string) error
	DeleteBillingCustomer(ctx context.Context, workspaceID uuid.UUID) error
	RecordBillingCustomerEvent(ctx context.Context, params store.BillingCustomerEventParams) error
}

// CustomerResolver owns the workspace to upstream-customer mapping. It
// validates mappings against the upstream before use and transparently
// replaces ones that point at customers deleted upstream.
type CustomerResolver struct {
	store   CustomerStore
	gateway Gateway
}

// NewCustomerResolver builds a resolver over the given store and gateway.
func NewCustomerResolver(s CustomerStore, g Gateway) *CustomerResolver {
	return &CustomerResolver{store: s, gateway: g}
}

// RecoveryParams identifies one customer-scoped upstream operation.
type RecoveryParams struct {
	WorkspaceID   uuid.UUID
	Scope         string
	CorrelationID string
	// PreferredCustomerID, when set, is validated and adopted before the
	// stored mapping is consulted. Callers pass the customer id already bound
	// to the workspace's subscription.
	PreferredCustomerID string
}

// ResolveOrCreate returns a customer id known to exist upstream, together
// with how it was obtained. A mapping that fails upstream validation is
// dropped and replaced.
func (r *CustomerResolver) ResolveOrCreate(ctx context.Context, p RecoveryParams) (string, string, error) {
	mapped, err := r.store.GetBillingCustomerID(ctx, p.WorkspaceID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", "", errors.Wrap(err, "loading billing customer mapping")
	}

	if mapped != "" {
		customer, retrieveErr := r.gateway.RetrieveCustomer(ctx, mapped)
		if retrieveErr == nil && customer != nil && !customer.Deleted {
			return mapped, CustomerValidated, nil
		}
		if retrieveErr != nil && !isMissingCustomerErr(retrieveErr, mapped) {
			return "", "", errors.Wrap(retrieveErr, "validating billing customer")
		}
		if invErr := r.invalidate(ctx, p, mapped, "missing_during_"+p.Scope); invErr != nil {
			return "", "", invErr
		}
	}

	customerID, err := r.createAndMap(ctx, p, customerKey(p.WorkspaceID, p.Scope), mapped)
	if err != nil {
		return "", "", err
	}
	return customerID, CustomerRecreated, nil
}

// WithRecoveredCustomer resolves the customer id and runs execute with it. If
// the call still fails because the customer vanished upstream mid-flight, the
// mapping is rebuilt under a retry-scoped key and execute runs once more.
func (r *CustomerResolver) WithRecoveredCustomer(ctx context.Context, p RecoveryParams, execute func(customerID string) error) error {
	customerID, _, err := r.resolve(ctx, p)
	if err != nil {
		return err
	}

	err = execute(customerID)
	if err == nil || !isMissingCustomerErr(err, customerID) {
		return err
	}

	logger.Warn("upstream customer vanished mid-operation, recreating",
		zap.String("workspace_id", p.WorkspaceID.String()),
		zap.String("stale_customer_id", customerID),
		zap.String("scope", p.Scope),
		zap.String("correlation_id", p.CorrelationID))

	if invErr := r.invalidate(ctx, p, customerID, "missing_during_"+p.Scope); invErr != nil {
		return invErr
	}
	retryKey := customerKey(p.WorkspaceID, fmt.Sprintf("%s:retry:%s", p.Scope, p.CorrelationID))
	newID, err := r.createAndMap(ctx, p, retryKey, customerID)
	if err != nil {
		return err
	}
	return execute(newID)
}

// resolve prefers a caller-supplied customer id over the stored mapping.
func (r *CustomerResolver) resolve(ctx context.Context, p RecoveryParams) (string, string, error) {
	if p.PreferredCustomerID != "" {
		return r.adoptPreferred(ctx, p)
	}
	return r.ResolveOrCreate(ctx, p)
}

// adoptPreferred validates the candidate id upstream and persists it as the
// workspace mapping. A candidate that vanished upstream is invalidated and
// resolution falls back to the stored mapping.
func (r *CustomerResolver) adoptPreferred(ctx context.Context, p RecoveryParams) (string, string, error) {
	customer, err := r.gateway.RetrieveCustomer(ctx, p.PreferredCustomerID)
	if err != nil && !isMissingCustomerErr(err, p.PreferredCustomerID) {
		return "", "", errors.Wrap(err, "validating preferred billing customer")
	}
	if err == nil && customer != nil && !customer.Deleted {
		if upErr := r.store.UpsertBillingCustomer(ctx, p.WorkspaceID, customer.ID); upErr != nil {
			return "", "", errors.Wrap(upErr, "saving billing customer mapping")
		}
		if auditErr := r.store.RecordBillingCustomerEvent(ctx, store.BillingCustomerEventParams{
			WorkspaceID:   p.WorkspaceID,
			EventType:     store.CustomerEventValidated,
			NewCustomerID: customer.ID,
			Reason:        p.Scope,
		}); auditErr != nil {
			logger.Error("recording customer validation audit", zap.Error(auditErr))
		}
		return customer.ID, CustomerValidated, nil
	}
	if invErr := r.invalidate(ctx, p, p.PreferredCustomerID, "missing_during_"+p.Scope); invErr != nil {
		return "", "", invErr
	}
	return r.ResolveOrCreate(ctx, p)
}

func (r *CustomerResolver) invalidate(ctx context.Context, p RecoveryParams, customerID, reason string) error {
	if auditErr := r.store.RecordBillingCustomerEvent(ctx, store.BillingCustomerEventParams{
		WorkspaceID:   p.WorkspaceID,
		EventType:     store.CustomerEventInvalidated,
		OldCustomerID: customerID,
		Reason:        reason,
	}); auditErr != nil {
		logger.Error("recording customer invalidation audit", zap.Error(auditErr))
	}
	if err := r.store.DeleteBillingCustomer(ctx, p.WorkspaceID); err != nil {
		return errors.Wrap(err, "dropping stale customer mapping")
	}
	return nil
}

func (r *CustomerResolver) createAndMap(ctx context.Context, p RecoveryParams, idempotencyKey, oldCustomerID string) (string, error) {
	customer, err := r.gateway.CreateCustomer(ctx, p.WorkspaceID.String(), idempotencyKey)
	if err != nil {
		return "", errors.Wrap(err, "creating upstream customer")
	}
	if err := r.store.UpsertBillingCustomer(ctx, p.WorkspaceID, customer.ID); err != nil {
		return "", errors.Wrap(err, "saving billing customer mapping")
	}
	if auditErr := r.store.RecordBillingCustomerEvent(ctx, store.BillingCustomerEventParams{
		WorkspaceID:   p.WorkspaceID,
		EventType:     store.CustomerEventRecreated,
		OldCustomerID: oldCustomerID,
		NewCustomerID: customer.ID,
		Reason:        p.Scope,
	}); auditErr != nil {
		logger.Error("recording customer mapping audit", zap.Error(auditErr))
	}
	return customer.ID, nil
}

func customerKey(workspaceID uuid.UUID, scope string) string {
	sum := sha256.Sum256([]byte(scope))
	return fmt.Sprintf("customer:v2:%s:%s", workspaceID, hex.EncodeToString(sum[:8]))
}
