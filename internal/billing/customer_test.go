package billing

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stripe/stripe-go/v82"

	"github.com/packetwarden/formflow-api/internal/store"
)

func TestResolveOrCreateValidatesExistingMapping(t *testing.T) {
	st := &fakeCustomerStore{customerID: "cus_mapped"}
	gw := &fakeGateway{}
	resolver := NewCustomerResolver(st, gw)

	customerID, outcome, err := resolver.ResolveOrCreate(context.Background(), RecoveryParams{
		WorkspaceID: uuid.New(), Scope: "checkout", CorrelationID: "corr-1",
	})
	assert.NoError(t, err)
	assert.Equal(t, "cus_mapped", customerID)
	assert.Equal(t, CustomerValidated, outcome)
	assert.Empty(t, gw.createdCustomerKeys)
	assert.Zero(t, st.deletes)
}

func TestResolveOrCreateCreatesWhenUnmapped(t *testing.T) {
	ws := uuid.New()
	st := &fakeCustomerStore{}
	gw := &fakeGateway{}
	resolver := NewCustomerResolver(st, gw)

	customerID, outcome, err := resolver.ResolveOrCreate(context.Background(), RecoveryParams{
		WorkspaceID: ws, Scope: "checkout", CorrelationID: "corr-1",
	})
	assert.NoError(t, err)
	assert.Equal(t, "cus_created", customerID)
	assert.Equal(t, CustomerRecreated, outcome)
	assert.Equal(t, []string{"cus_created"}, st.upserts)
	if assert.Len(t, gw.createdCustomerKeys, 1) {
		assert.Equal(t, customerKey(ws, "checkout"), gw.createdCustomerKeys[0])
	}
}

func TestResolveOrCreateReplacesDeletedCustomer(t *testing.T) {
	st := &fakeCustomerStore{customerID: "cus_stale"}
	gw := &fakeGateway{
		retrieveCustomer: func(ctx context.Context, customerID string) (*stripe.Customer, error) {
			return nil, missingCustomerError()
		},
	}
	resolver := NewCustomerResolver(st, gw)

	customerID, outcome, err := resolver.ResolveOrCreate(context.Background(), RecoveryParams{
		WorkspaceID: uuid.New(), Scope: "portal", CorrelationID: "corr-1",
	})
	assert.NoError(t, err)
	assert.Equal(t, "cus_created", customerID)
	assert.Equal(t, CustomerRecreated, outcome)
	assert.Equal(t, 1, st.deletes)

	if assert.Len(t, st.events, 2) {
		assert.Equal(t, store.CustomerEventInvalidated, st.events[0].EventType)
		assert.Equal(t, "cus_stale", st.events[0].OldCustomerID)
		assert.Equal(t, "missing_during_portal", st.events[0].Reason)
		assert.Equal(t, store.CustomerEventRecreated, st.events[1].EventType)
		assert.Equal(t, "cus_created", st.events[1].NewCustomerID)
	}
}

func TestResolveOrCreateTreatsSoftDeletedCustomerAsMissing(t *testing.T) {
	st := &fakeCustomerStore{customerID: "cus_soft"}
	gw := &fakeGateway{
		retrieveCustomer: func(ctx context.Context, customerID string) (*stripe.Customer, error) {
			return &stripe.Customer{ID: customerID, Deleted: true}, nil
		},
	}
	resolver := NewCustomerResolver(st, gw)

	_, outcome, err := resolver.ResolveOrCreate(context.Background(), RecoveryParams{
		WorkspaceID: uuid.New(), Scope: "checkout",
	})
	assert.NoError(t, err)
	assert.Equal(t, CustomerRecreated, outcome)
}

func TestResolveOrCreatePropagatesUnrelatedUpstreamErrors(t *testing.T) {
	st := &fakeCustomerStore{customerID: "cus_mapped"}
	gw := &fakeGateway{
		retrieveCustomer: func(ctx context.Context, customerID string) (*stripe.Customer, error) {
			return nil, errors.New("upstream timeout")
		},
	}
	resolver := NewCustomerResolver(st, gw)

	_, _, err := resolver.ResolveOrCreate(context.Background(), RecoveryParams{
		WorkspaceID: uuid.New(), Scope: "checkout",
	})
	assert.Error(t, err)
	assert.Zero(t, st.deletes)
	assert.Empty(t, gw.createdCustomerKeys)
}

func TestWithRecoveredCustomerAdoptsPreferredCustomer(t *testing.T) {
	st := &fakeCustomerStore{customerID: "cus_mapped"}
	gw := &fakeGateway{}
	resolver := NewCustomerResolver(st, gw)

	var seen []string
	err := resolver.WithRecoveredCustomer(context.Background(), RecoveryParams{
		WorkspaceID: uuid.New(), Scope: "portal", CorrelationID: "corr-3",
		PreferredCustomerID: "cus_pref",
	}, func(customerID string) error {
		seen = append(seen, customerID)
		return nil
	})
	assert.NoError(t, err)
	// The preferred id wins over the stored mapping and replaces it.
	assert.Equal(t, []string{"cus_pref"}, seen)
	assert.Equal(t, []string{"cus_pref"}, st.upserts)
	assert.Empty(t, gw.createdCustomerKeys)
	if assert.Len(t, st.events, 1) {
		assert.Equal(t, store.CustomerEventValidated, st.events[0].EventType)
		assert.Equal(t, "cus_pref", st.events[0].NewCustomerID)
		assert.Equal(t, "portal", st.events[0].Reason)
	}
}

func TestWithRecoveredCustomerFallsBackWhenPreferredMissing(t *testing.T) {
	st := &fakeCustomerStore{}
	gw := &fakeGateway{
		retrieveCustomer: func(ctx context.Context, customerID string) (*stripe.Customer, error) {
			if customerID == "cus_pref" {
				return nil, missingCustomerError()
			}
			return &stripe.Customer{ID: customerID}, nil
		},
	}
	resolver := NewCustomerResolver(st, gw)

	var seen []string
	err := resolver.WithRecoveredCustomer(context.Background(), RecoveryParams{
		WorkspaceID: uuid.New(), Scope: "portal", CorrelationID: "corr-4",
		PreferredCustomerID: "cus_pref",
	}, func(customerID string) error {
		seen = append(seen, customerID)
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, []string{"cus_created"}, seen)
	assert.Equal(t, 1, st.deletes)
	if assert.Len(t, st.events, 2) {
		assert.Equal(t, store.CustomerEventInvalidated, st.events[0].EventType)
		assert.Equal(t, "cus_pref", st.events[0].OldCustomerID)
		assert.Equal(t, "missing_during_portal", st.events[0].Reason)
		assert.Equal(t, store.CustomerEventRecreated, st.events[1].EventType)
	}
}

func TestWithRecoveredCustomerRetriesAfterMidFlightDelete(t *testing.T) {
	ws := uuid.New()
	st := &fakeCustomerStore{customerID: "cus_stale"}
	gw := &fakeGateway{}
	resolver := NewCustomerResolver(st, gw)

	var seen []string
	err := resolver.WithRecoveredCustomer(context.Background(), RecoveryParams{
		WorkspaceID: ws, Scope: "checkout", CorrelationID: "corr-9",
	}, func(customerID string) error {
		seen = append(seen, customerID)
		if customerID == "cus_stale" {
			return missingCustomerError()
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, []string{"cus_stale", "cus_created"}, seen)
	assert.Equal(t, 1, st.deletes)
	// The replacement customer is created under a retry-scoped key.
	if assert.Len(t, gw.createdCustomerKeys, 1) {
		assert.Equal(t, customerKey(ws, "checkout:retry:corr-9"), gw.createdCustomerKeys[0])
		assert.NotEqual(t, customerKey(ws, "checkout"), gw.createdCustomerKeys[0])
	}
}

func TestWithRecoveredCustomerPropagatesOtherErrors(t *testing.T) {
	st := &fakeCustomerStore{customerID: "cus_mapped"}
	resolver := NewCustomerResolver(st, &fakeGateway{})

	calls := 0
	err := resolver.WithRecoveredCustomer(context.Background(), RecoveryParams{
		WorkspaceID: uuid.New(), Scope: "checkout",
	}, func(customerID string) error {
		calls++
		return errors.New("card declined")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestCustomerKeyShape(t *testing.T) {
	ws := uuid.New()
	key := customerKey(ws, "checkout")

	assert.True(t, strings.HasPrefix(key, "customer:v2:"+ws.String()+":"))
	assert.Equal(t, key, customerKey(ws, "checkout"))
	assert.NotEqual(t, key, customerKey(ws, "portal"))
	// 8 hash bytes hex encoded.
	assert.Len(t, key, len("customer:v2:")+36+1+16)
}

func TestIsMissingCustomerErr(t *testing.T) {
	assert.True(t, isMissingCustomerErr(missingCustomerError(), "cus_1"))
	assert.True(t, isMissingCustomerErr(&stripe.Error{
		Type: stripe.ErrorTypeInvalidRequest,
		Msg:  "No such customer: 'cus_1'",
	}, "cus_1"))
	assert.False(t, isMissingCustomerErr(&stripe.Error{
		Type: stripe.ErrorTypeInvalidRequest,
		Msg:  "No such customer: 'cus_other'",
	}, "cus_1"))
	assert.False(t, isMissingCustomerErr(&stripe.Error{Type: stripe.ErrorTypeAPI}, "cus_1"))
	assert.False(t, isMissingCustomerErr(errors.New("plain error"), "cus_1"))
	assert.False(t, isMissingCustomerErr(nil, "cus_1"))
	// Wrapped upstream errors still match.
	assert.True(t, isMissingCustomerErr(errors.Wrap(missingCustomerError(), "creating session"), "cus_1"))
}
