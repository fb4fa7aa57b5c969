package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// RequestMeta carries forwarded caller metadata for the public runner RPCs.
type RequestMeta struct {
	IP        string
	UserAgent string
	Referer   string
}

// PublishedForm is the published-form row returned by get_published_form_by_id.
type PublishedForm struct {
	ID                uuid.UUID
	WorkspaceID       uuid.UUID
	Title             string
	Description       pgtype.Text
	PublishedSchema   json.RawMessage
	SuccessMessage    pgtype.Text
	RedirectURL       pgtype.Text
	MetaTitle         pgtype.Text
	MetaDescription   pgtype.Text
	MetaImageURL      pgtype.Text
	CaptchaEnabled    bool
	CaptchaProvider   pgtype.Text
	RequireAuth       bool
	PasswordProtected bool
}

// SubmissionQuota is the result of get_form_submission_quota.
type SubmissionQuota struct {
	FeatureKey   string
	IsEnabled    bool
	LimitValue   int64
	CurrentUsage int64
	WorkspaceID  uuid.UUID
}

// Exceeded reports whether the quota blocks another submission.
func (q SubmissionQuota) Exceeded() bool {
	return q.LimitValue >= 0 && q.CurrentUsage >= q.LimitValue
}

// headersJSON encodes the forwarded request headers the way the rate-limit
// function expects to read them from the request.headers GUC.
func headersJSON(meta RequestMeta) string {
	headers := map[string]string{}
	if meta.IP != "" {
		headers["x-forwarded-for"] = meta.IP
	}
	if meta.UserAgent != "" {
		headers["user-agent"] = meta.UserAgent
	}
	if meta.Referer != "" {
		headers["referer"] = meta.Referer
	}
	encoded, _ := json.Marshal(headers)
	return string(encoded)
}

// CheckRequest runs the strict rate-limit gate on a connection carrying the
// forwarded request headers. A nil return means the request may proceed.
// A *RateLimitError means the caller is throttled; any other error means the
// gate could not be evaluated and the caller must fail closed.
func (s *Store) CheckRequest(ctx context.Context, meta RequestMeta) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT set_config('request.headers', $1, true)`, headersJSON(meta)); err != nil {
			return fmt.Errorf("set request headers: %w", err)
		}
		if _, err := tx.Exec(ctx, `SELECT check_request()`); err != nil {
			if rateErr, ok := asRateLimitError(err); ok {
				return rateErr
			}
			return fmt.Errorf("check_request: %w", err)
		}
		return nil
	})
}

// GetPublishedFormByID loads a published form row, or ErrNotFound.
func (s *Store) GetPublishedFormByID(ctx context.Context, formID uuid.UUID) (*PublishedForm, error) {
	var form PublishedForm
	err := s.pool.QueryRow(ctx, `
		SELECT id, workspace_id, title, description, published_schema,
		       success_message, redirect_url, meta_title, meta_description,
		       meta_image_url, captcha_enabled, captcha_provider,
		       require_auth, password_protected
		FROM get_published_form_by_id($1)`, formID,
	).Scan(
		&form.ID, &form.WorkspaceID, &form.Title, &form.Description,
		&form.PublishedSchema, &form.SuccessMessage, &form.RedirectURL,
		&form.MetaTitle, &form.MetaDescription, &form.MetaImageURL,
		&form.CaptchaEnabled, &form.CaptchaProvider,
		&form.RequireAuth, &form.PasswordProtected,
	)
	if err != nil {
		return nil, notFoundOr(err)
	}
	return &form, nil
}

// GetFormSubmissionQuota evaluates the submissions feature for the form's
// workspace plan.
func (s *Store) GetFormSubmissionQuota(ctx context.Context, formID uuid.UUID) (*SubmissionQuota, error) {
	var quota SubmissionQuota
	err := s.pool.QueryRow(ctx, `
		SELECT feature_key, is_enabled, limit_value, current_usage, workspace_id
		FROM get_form_submission_quota($1)`, formID,
	).Scan(&quota.FeatureKey, &quota.IsEnabled, &quota.LimitValue, &quota.CurrentUsage, &quota.WorkspaceID)
	if err != nil {
		return nil, notFoundOr(err)
	}
	return &quota, nil
}

// SubmitFormParams is the transactional submission handoff.
type SubmitFormParams struct {
	FormID         uuid.UUID
	Data           json.RawMessage
	IdempotencyKey uuid.UUID
	Meta           RequestMeta
	StartedAt      pgtype.Timestamptz
}

// SubmitForm persists a sanitized submission through the submit_form RPC and
// returns the submission id. Replays with the same idempotency key return the
// original id.
func (s *Store) SubmitForm(ctx context.Context, params SubmitFormParams) (uuid.UUID, error) {
	var submissionID uuid.UUID
	err := s.pool.QueryRow(ctx, `
		SELECT submit_form($1, $2, $3, $4, $5, $6, $7)`,
		params.FormID,
		params.Data,
		params.IdempotencyKey,
		nullText(params.Meta.IP),
		nullText(params.Meta.UserAgent),
		nullText(params.Meta.Referer),
		params.StartedAt,
	).Scan(&submissionID)
	if err != nil {
		return uuid.Nil, mapSubmitError(err)
	}
	return submissionID, nil
}

// mapSubmitError translates submit_form SQL error codes into domain errors.
// P0002 is raised for a missing form, 42501 for privilege failures and
// P0003..P0008 for form state conflicts.
func mapSubmitError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "P0002":
		return ErrNotFound
	case "42501":
		return ErrForbidden
	case "P0003", "P0004", "P0005", "P0006", "P0007", "P0008":
		return &ConflictError{Code: pgErr.Code}
	}
	return err
}

// ErrForbidden is returned for privilege failures raised by the RPC layer.
var ErrForbidden = errors.New("store: forbidden")

func nullText(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}
