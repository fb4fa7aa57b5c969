package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/packetwarden/formflow-api/internal/logger"
	"github.com/packetwarden/formflow-api/internal/store"
)

// QueueStore is the claim-queue surface of the webhook processor.
type QueueStore interface {
	InsertWebhookEvent(ctx context.Context, eventID, eventType string, payload json.RawMessage) (bool, error)
	ClaimWebhookEvent(ctx context.Context, eventID, processorID string, ttlSeconds, maxAttempts int) (*store.WebhookEvent, error)
	MarkWebhookEventCompleted(ctx context.Context, eventID string) error
	MarkWebhookEventFailed(ctx context.Context, eventID, lastError string, nextAttemptAt time.Time) error
}

// QueueProcessor claims persisted webhook events and drives them through the
// event processor. Multiple instances can run concurrently; the claim lease
// keeps each event on exactly one of them.
type QueueProcessor struct {
	store       QueueStore
	events      *EventProcessor
	processorID string
	claimTTL    int
	maxAttempts int
	now         func() time.Time
}

// NewQueueProcessor wires the processor. claimTTL is the lease in seconds.
func NewQueueProcessor(s QueueStore, events *EventProcessor, claimTTL, maxAttempts int) *QueueProcessor {
	hostname, _ := os.Hostname()
	return &QueueProcessor{
		store:       s,
		events:      events,
		processorID: fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
		claimTTL:    claimTTL,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// Ingest records a verified event on the queue. The boolean is false when the
// event id was already recorded, which answers provider redeliveries.
func (q *QueueProcessor) Ingest(ctx context.Context, eventID, eventType string, payload json.RawMessage) (bool, error) {
	inserted, err := q.store.InsertWebhookEvent(ctx, eventID, eventType, payload)
	if err != nil {
		return false, errors.Wrap(err, "recording webhook event")
	}
	if !inserted {
		logger.Info("duplicate webhook delivery", zap.String("event_id", eventID))
	}
	return inserted, nil
}

// ProcessEvent claims one event and applies it, finalizing the row as
// completed or failed with a scheduled retry. A nil claim means another
// processor holds the event or it is no longer claimable.
func (q *QueueProcessor) ProcessEvent(ctx context.Context, eventID string) error {
	claimed, err := q.store.ClaimWebhookEvent(ctx, eventID, q.processorID, q.claimTTL, q.maxAttempts)
	if err != nil {
		return errors.Wrap(err, "claiming webhook event")
	}
	if claimed == nil {
		logger.Debug("webhook event not claimable", zap.String("event_id", eventID))
		return nil
	}

	applyErr := q.events.Apply(ctx, claimed)
	if applyErr == nil {
		if err := q.store.MarkWebhookEventCompleted(ctx, eventID); err != nil {
			return errors.Wrap(err, "completing webhook event")
		}
		logger.Info("webhook event processed",
			zap.String("event_id", eventID),
			zap.String("event_type", claimed.EventType),
			zap.Int32("attempts", claimed.Attempts))
		return nil
	}

	nextAttempt := q.now().Add(BackoffDelay(claimed.Attempts))
	if err := q.store.MarkWebhookEventFailed(ctx, eventID, truncateError(applyErr.Error()), nextAttempt); err != nil {
		return errors.Wrap(err, "failing webhook event")
	}
	logger.Error("webhook event failed",
		zap.String("event_id", eventID),
		zap.String("event_type", claimed.EventType),
		zap.Int32("attempts", claimed.Attempts),
		zap.Time("next_attempt_at", nextAttempt),
		zap.Error(applyErr))
	return nil
}

// BackoffDelay returns the retry delay after the given attempt count,
// doubling from 15s and capping at an hour.
func BackoffDelay(attempts int32) time.Duration {
	exp := attempts
	if exp > 10 {
		exp = 10
	}
	seconds := int64(15) << exp
	if seconds > 3600 {
		seconds = 3600
	}
	return time.Duration(seconds) * time.Second
}
