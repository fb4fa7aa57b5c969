package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// Webhook event statuses.
const (
	WebhookStatusPending    = "pending"
	WebhookStatusProcessing = "processing"
	WebhookStatusCompleted  = "completed"
	WebhookStatusFailed     = "failed"
)

// WebhookEvent is one durable row of the claim queue.
type WebhookEvent struct {
	ID                  uuid.UUID
	EventID             string
	EventType           string
	Payload             json.RawMessage
	Status              string
	Attempts            int32
	LastError           pgtype.Text
	ProcessorID         pgtype.Text
	ProcessingStartedAt pgtype.Timestamptz
	ClaimExpiresAt      pgtype.Timestamptz
	NextAttemptAt       pgtype.Timestamptz
	CreatedAt           time.Time
	ProcessedAt         pgtype.Timestamptz
}

// InsertWebhookEvent records a verified event for asynchronous processing.
// The boolean is false when the event id was already recorded.
func (s *Store) InsertWebhookEvent(ctx context.Context, eventID, eventType string, payload json.RawMessage) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO stripe_webhook_events (event_id, event_type, payload, status)
		VALUES ($1, $2, $3, 'pending')
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, payload,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimWebhookEvent atomically leases an event row for processing through the
// claim_stripe_webhook_event RPC. It returns nil when the row is not
// claimable (already leased, completed, or past the attempt ceiling).
func (s *Store) ClaimWebhookEvent(ctx context.Context, eventID, processorID string, ttlSeconds, maxAttempts int) (*WebhookEvent, error) {
	var event WebhookEvent
	err := s.pool.QueryRow(ctx, `
		SELECT id, event_id, event_type, payload, status, attempts, last_error,
		       processor_id, processing_started_at, claim_expires_at,
		       next_attempt_at, created_at, processed_at
		FROM claim_stripe_webhook_event($1, $2, $3, $4)`,
		eventID, processorID, ttlSeconds, maxAttempts,
	).Scan(
		&event.ID, &event.EventID, &event.EventType, &event.Payload,
		&event.Status, &event.Attempts, &event.LastError, &event.ProcessorID,
		&event.ProcessingStartedAt, &event.ClaimExpiresAt, &event.NextAttemptAt,
		&event.CreatedAt, &event.ProcessedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

// MarkWebhookEventCompleted finalizes a processed event and releases the claim.
func (s *Store) MarkWebhookEventCompleted(ctx context.Context, eventID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE stripe_webhook_events
		SET status = 'completed',
		    processed_at = now(),
		    processor_id = NULL,
		    processing_started_at = NULL,
		    claim_expires_at = NULL,
		    next_attempt_at = NULL,
		    last_error = NULL
		WHERE event_id = $1`, eventID)
	return err
}

// MarkWebhookEventFailed records a failure, releases the claim and schedules
// the next attempt.
func (s *Store) MarkWebhookEventFailed(ctx context.Context, eventID, lastError string, nextAttemptAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE stripe_webhook_events
		SET status = 'failed',
		    processor_id = NULL,
		    processing_started_at = NULL,
		    claim_expires_at = NULL,
		    next_attempt_at = $2,
		    last_error = $3
		WHERE event_id = $1`, eventID, nextAttemptAt, lastError)
	return err
}

// ListDueWebhookEventIDs selects the retry batch: pending or failed rows whose
// next attempt is due, plus processing rows whose claim lease has expired.
// Oldest rows first, capped by limit.
func (s *Store) ListDueWebhookEventIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id FROM stripe_webhook_events
		WHERE (status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= now()))
		   OR (status = 'failed' AND next_attempt_at IS NOT NULL AND next_attempt_at <= now())
		   OR (status = 'processing' AND claim_expires_at < now())
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var eventIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		eventIDs = append(eventIDs, id)
	}
	return eventIDs, rows.Err()
}

// PurgeProcessedWebhookEvents deletes completed rows processed before cutoff.
func (s *Store) PurgeProcessedWebhookEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM stripe_webhook_events
		WHERE status = 'completed' AND processed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
