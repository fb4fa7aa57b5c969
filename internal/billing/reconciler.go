package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/packetwarden/formflow-api/internal/config"
	"github.com/packetwarden/formflow-api/internal/logger"
	"github.com/packetwarden/formflow-api/internal/store"
)

// Schedules understood by the reconciler.
const (
	scheduleRetry   = "*/5 * * * *"
	scheduleGrace   = "0 * * * *"
	scheduleCleanup = "30 2 * * *"
)

// completedRetention is how long completed queue rows are kept for forensics.
const completedRetention = 30 * 24 * time.Hour

// ReconcilerStore is the persistence surface of the reconciler.
type ReconcilerStore interface {
	ListDueWebhookEventIDs(ctx context.Context, limit int) ([]string, error)
	ListExpiredGraceSubscriptions(ctx context.Context, limit int) ([]store.Subscription, error)
	CancelSubscriptionByID(ctx context.Context, id uuid.UUID, at time.Time) error
	EnsureFreeSubscription(ctx context.Context, workspaceID uuid.UUID, source string) (uuid.UUID, bool, error)
	PurgeProcessedWebhookEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

// Reconciler runs the periodic billing passes: webhook retries, grace-period
// expiry, catalog sync and queue retention.
type Reconciler struct {
	store   ReconcilerStore
	queue   *QueueProcessor
	events  *EventProcessor
	catalog CatalogRunner
	cfg     *config.Config
	now     func() time.Time
}

// NewReconciler wires the reconciler.
func NewReconciler(s ReconcilerStore, queue *QueueProcessor, events *EventProcessor, catalog CatalogRunner, cfg *config.Config) *Reconciler {
	return &Reconciler{store: s, queue: queue, events: events, catalog: catalog, cfg: cfg, now: time.Now}
}

// RunTick dispatches one scheduler tick. The schedule string selects the
// pass; anything unrecognized runs every pass, which keeps ad-hoc manual
// invocations simple.
func (r *Reconciler) RunTick(ctx context.Context, schedule string) error {
	switch schedule {
	case scheduleRetry:
		return r.RetryPass(ctx)
	case scheduleGrace:
		return r.GracePass(ctx)
	case r.cfg.StripeCatalogSyncCron:
		return r.CatalogPass(ctx)
	case scheduleCleanup:
		return r.CleanupPass(ctx)
	default:
		if err := r.RetryPass(ctx); err != nil {
			return err
		}
		if err := r.GracePass(ctx); err != nil {
			return err
		}
		if err := r.CatalogPass(ctx); err != nil {
			return err
		}
		return r.CleanupPass(ctx)
	}
}

// RetryPass re-drives queue rows whose retry or claim deadline has passed.
// Per-event failures reschedule that event and do not stop the batch.
func (r *Reconciler) RetryPass(ctx context.Context) error {
	eventIDs, err := r.store.ListDueWebhookEventIDs(ctx, r.cfg.StripeRetryBatchSize)
	if err != nil {
		return errors.Wrap(err, "listing due webhook events")
	}
	for _, eventID := range eventIDs {
		if err := r.queue.ProcessEvent(ctx, eventID); err != nil {
			logger.Error("retry pass event failed", zap.String("event_id", eventID), zap.Error(err))
		}
	}
	if len(eventIDs) > 0 {
		logger.Info("retry pass finished", zap.Int("events", len(eventIDs)))
	}
	return nil
}

// GracePass downgrades past_due subscriptions whose grace deadline elapsed.
func (r *Reconciler) GracePass(ctx context.Context) error {
	subs, err := r.store.ListExpiredGraceSubscriptions(ctx, r.cfg.StripeGraceBatchSize)
	if err != nil {
		return errors.Wrap(err, "listing expired grace subscriptions")
	}
	now := r.now()
	downgraded := 0
	for _, sub := range subs {
		if err := r.store.CancelSubscriptionByID(ctx, sub.ID, now); err != nil {
			logger.Error("canceling expired-grace subscription", zap.Error(err),
				zap.String("subscription_id", sub.ID.String()))
			continue
		}
		if _, _, err := r.store.EnsureFreeSubscription(ctx, sub.WorkspaceID, "grace_expired"); err != nil {
			logger.Error("ensuring free subscription after grace expiry", zap.Error(err),
				zap.String("workspace_id", sub.WorkspaceID.String()))
			continue
		}
		if err := r.events.RefreshPlanCache(ctx, sub.WorkspaceID); err != nil {
			logger.Error("refreshing plan cache after grace expiry", zap.Error(err),
				zap.String("workspace_id", sub.WorkspaceID.String()))
			continue
		}
		downgraded++
		logger.Info("grace period expired, workspace downgraded",
			zap.String("workspace_id", sub.WorkspaceID.String()),
			zap.String("subscription_id", sub.ID.String()))
	}
	if len(subs) > 0 {
		logger.Info("grace pass finished", zap.Int("expired", len(subs)), zap.Int("downgraded", downgraded))
	}
	return nil
}

// CatalogPass runs the scheduled catalog sync when it is enabled.
func (r *Reconciler) CatalogPass(ctx context.Context) error {
	if !r.cfg.StripeCatalogSyncEnabled {
		return nil
	}
	if _, err := r.catalog.Run(ctx); err != nil {
		return errors.Wrap(err, "scheduled catalog sync")
	}
	return nil
}

// CleanupPass trims completed queue rows past the retention window.
func (r *Reconciler) CleanupPass(ctx context.Context) error {
	purged, err := r.store.PurgeProcessedWebhookEvents(ctx, r.now().Add(-completedRetention))
	if err != nil {
		return errors.Wrap(err, "purging processed webhook events")
	}
	if purged > 0 {
		logger.Info("cleanup pass finished", zap.Int64("purged", purged))
	}
	return nil
}
