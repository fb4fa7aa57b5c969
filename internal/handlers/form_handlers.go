package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/packetwarden/formflow-api/internal/contract"
	"github.com/packetwarden/formflow-api/internal/logger"
	"github.com/packetwarden/formflow-api/internal/store"
)

// FormStore is the persistence surface of the public runner handlers.
type FormStore interface {
	CheckRequest(ctx context.Context, meta store.RequestMeta) error
	GetPublishedFormByID(ctx context.Context, formID uuid.UUID) (*store.PublishedForm, error)
	GetFormSubmissionQuota(ctx context.Context, formID uuid.UUID) (*store.SubmissionQuota, error)
	SubmitForm(ctx context.Context, params store.SubmitFormParams) (uuid.UUID, error)
}

// FormHandler serves the public form runner: schema reads and submissions.
type FormHandler struct {
	store      FormStore
	upgradeURL string
}

// NewFormHandler creates a new FormHandler.
func NewFormHandler(s FormStore, upgradeURL string) *FormHandler {
	return &FormHandler{store: s, upgradeURL: upgradeURL}
}

// formSchemaResponse is the public projection of a published form.
type formSchemaResponse struct {
	ID                uuid.UUID       `json:"id"`
	Title             string          `json:"title"`
	Description       *string         `json:"description"`
	PublishedSchema   json.RawMessage `json:"published_schema"`
	SuccessMessage    *string         `json:"success_message"`
	RedirectURL       *string         `json:"redirect_url"`
	MetaTitle         *string         `json:"meta_title"`
	MetaDescription   *string         `json:"meta_description"`
	MetaImageURL      *string         `json:"meta_image_url"`
	CaptchaEnabled    bool            `json:"captcha_enabled"`
	CaptchaProvider   *string         `json:"captcha_provider"`
	RequireAuth       bool            `json:"require_auth"`
	PasswordProtected bool            `json:"password_protected"`
}

// GetFormSchema handles GET /f/:formId/schema.
func (h *FormHandler) GetFormSchema(c *gin.Context) {
	formID, err := uuid.Parse(c.Param("formId"))
	if err != nil {
		sendErrorCode(c, http.StatusBadRequest, "FIELD_VALIDATION_FAILED", "Invalid form id", err)
		return
	}

	form, err := h.store.GetPublishedFormByID(c.Request.Context(), formID)
	if err != nil {
		handleStoreError(c, err, "Form not found", "INTERNAL_ERROR", "Failed to load form")
		return
	}

	sendSuccess(c, http.StatusOK, gin.H{"form": formSchemaResponse{
		ID:                form.ID,
		Title:             form.Title,
		Description:       textPtr(form.Description),
		PublishedSchema:   form.PublishedSchema,
		SuccessMessage:    textPtr(form.SuccessMessage),
		RedirectURL:       textPtr(form.RedirectURL),
		MetaTitle:         textPtr(form.MetaTitle),
		MetaDescription:   textPtr(form.MetaDescription),
		MetaImageURL:      textPtr(form.MetaImageURL),
		CaptchaEnabled:    form.CaptchaEnabled,
		CaptchaProvider:   textPtr(form.CaptchaProvider),
		RequireAuth:       form.RequireAuth,
		PasswordProtected: form.PasswordProtected,
	}})
}

// submitRequest is the strict submission body. Unknown top-level keys are
// rejected before any other work happens.
type submitRequest struct {
	Data      map[string]any `json:"data"`
	StartedAt *string        `json:"started_at"`
}

// SubmitForm handles POST /f/:formId/submit. The pipeline order is fixed:
// input validation, rate limit, form load, contract parse, sanitize,
// validate, quota, persist.
func (h *FormHandler) SubmitForm(c *gin.Context) {
	formID, err := uuid.Parse(c.Param("formId"))
	if err != nil {
		sendErrorCode(c, http.StatusBadRequest, "FIELD_VALIDATION_FAILED", "Invalid form id", err)
		return
	}
	idempotencyKey, err := uuid.Parse(c.GetHeader("Idempotency-Key"))
	if err != nil {
		sendErrorCode(c, http.StatusBadRequest, "FIELD_VALIDATION_FAILED", "Missing or invalid Idempotency-Key header", err)
		return
	}
	req, startedAt, ok := h.bindSubmitBody(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	meta := requestMeta(c)

	if err := h.store.CheckRequest(ctx, meta); err != nil {
		var rateErr *store.RateLimitError
		if errors.As(err, &rateErr) {
			c.JSON(http.StatusTooManyRequests, ErrorResponse{
				Error:      rateErr.Message,
				Code:       "RATE_LIMITED",
				RetryAfter: rateErr.RetryAfter,
			})
			return
		}
		sendErrorCode(c, http.StatusInternalServerError, "RATE_LIMIT_CHECK_FAILED", "Failed to verify request rate", err)
		return
	}

	form, err := h.store.GetPublishedFormByID(ctx, formID)
	if err != nil {
		handleStoreError(c, err, "Form not found", "INTERNAL_ERROR", "Failed to load form")
		return
	}

	parsed, err := contract.Parse(form.PublishedSchema)
	if err != nil {
		logger.Warn("unsupported published schema",
			zap.String("form_id", formID.String()),
			zap.Error(err))
		sendErrorCode(c, http.StatusUnprocessableEntity, "UNSUPPORTED_FORM_SCHEMA", "Form schema cannot be processed", err)
		return
	}

	visibility := contract.EvaluateVisibility(parsed, req.Data)
	clean, unknown := contract.Sanitize(parsed, req.Data, visibility)
	if len(unknown) > 0 {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error:         "Submitted fields do not match the form",
			Code:          "FIELD_VALIDATION_FAILED",
			UnknownFields: unknown,
		})
		return
	}

	if issues := contract.ValidateVisible(parsed, visibility, clean); len(issues) > 0 {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error:  "Field validation failed",
			Code:   "FIELD_VALIDATION_FAILED",
			Issues: issues,
		})
		return
	}

	quota, err := h.store.GetFormSubmissionQuota(ctx, formID)
	if err != nil {
		handleStoreError(c, err, "Form not found", "INTERNAL_ERROR", "Failed to evaluate submission quota")
		return
	}
	if !quota.IsEnabled {
		h.sendQuotaError(c, "PLAN_FEATURE_DISABLED", "Submissions are not available on this plan", quota)
		return
	}
	if quota.Exceeded() {
		h.sendQuotaError(c, "PLAN_LIMIT_EXCEEDED", "Submission limit reached for this plan", quota)
		return
	}

	cleanJSON, err := json.Marshal(clean)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "Failed to submit form", err)
		return
	}
	submissionID, err := h.store.SubmitForm(ctx, store.SubmitFormParams{
		FormID:         formID,
		Data:           cleanJSON,
		IdempotencyKey: idempotencyKey,
		Meta:           meta,
		StartedAt:      startedAt,
	})
	if err != nil {
		handleStoreError(c, err, "Form not found", "INTERNAL_ERROR", "Failed to submit form")
		return
	}

	sendSuccess(c, http.StatusCreated, gin.H{
		"submission_id":   submissionID,
		"success_message": textPtr(form.SuccessMessage),
		"redirect_url":    textPtr(form.RedirectURL),
	})
}

// bindSubmitBody decodes the strict submission body. data must be a JSON
// object and started_at, when present, an ISO timestamp with offset.
func (h *FormHandler) bindSubmitBody(c *gin.Context) (*submitRequest, pgtype.Timestamptz, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		sendErrorCode(c, http.StatusBadRequest, "FIELD_VALIDATION_FAILED", "Invalid request body", err)
		return nil, pgtype.Timestamptz{}, false
	}

	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	var req submitRequest
	if err := decoder.Decode(&req); err != nil {
		sendErrorCode(c, http.StatusBadRequest, "FIELD_VALIDATION_FAILED", "Invalid request body", err)
		return nil, pgtype.Timestamptz{}, false
	}
	if req.Data == nil {
		sendErrorCode(c, http.StatusBadRequest, "FIELD_VALIDATION_FAILED", "Request body must contain a data object", nil)
		return nil, pgtype.Timestamptz{}, false
	}

	var startedAt pgtype.Timestamptz
	if req.StartedAt != nil {
		parsed, err := time.Parse(time.RFC3339, *req.StartedAt)
		if err != nil {
			sendErrorCode(c, http.StatusBadRequest, "FIELD_VALIDATION_FAILED", "started_at must be an ISO-8601 timestamp", err)
			return nil, pgtype.Timestamptz{}, false
		}
		startedAt = pgtype.Timestamptz{Time: parsed, Valid: true}
	}
	return &req, startedAt, true
}

func (h *FormHandler) sendQuotaError(c *gin.Context, code, message string, quota *store.SubmissionQuota) {
	current := quota.CurrentUsage
	allowed := quota.LimitValue
	c.JSON(http.StatusForbidden, ErrorResponse{
		Error:      message,
		Code:       code,
		Feature:    quota.FeatureKey,
		Current:    &current,
		Allowed:    &allowed,
		UpgradeURL: h.upgradeURL,
	})
}

func textPtr(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}
