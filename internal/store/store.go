package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the data-access layer over the relational collaborator. All
// durable state lives behind it; the gateway holds no cross-request state.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store over an existing connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect parses the DSN and builds a configured pgx pool.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	poolConfig.MaxConns = 20
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = time.Minute * 30

	return pgxpool.NewWithConfig(ctx, poolConfig)
}

// ErrNotFound is returned when a single-row lookup matches nothing.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is returned when a unique index rejects an insert.
var ErrDuplicate = errors.New("store: duplicate row")

// RateLimitError is the machine-readable 429 raised by check_request.
type RateLimitError struct {
	Message    string
	RetryAfter int
}

func (e *RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "rate limited"
}

// ConflictError carries a form state conflict code (P0003..P0008).
type ConflictError struct {
	Code string
}

func (e *ConflictError) Error() string {
	return "form state conflict: " + e.Code
}

const uniqueViolationCode = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

func notFoundOr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// rateLimitPayload is the JSON body check_request raises for throttled callers.
type rateLimitPayload struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"`
}

// asRateLimitError inspects a raised exception for the machine-readable 429
// payload. Anything else is a rate-limit evaluation failure (fail closed).
func asRateLimitError(err error) (*RateLimitError, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return nil, false
	}
	var payload rateLimitPayload
	if jsonErr := json.Unmarshal([]byte(pgErr.Message), &payload); jsonErr != nil {
		return nil, false
	}
	if payload.Code != 429 {
		return nil, false
	}
	return &RateLimitError{Message: payload.Message, RetryAfter: payload.RetryAfter}, true
}
