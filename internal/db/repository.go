package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a row addressed by id does not exist or is
// not in a state the operation applies to.
var ErrNotFound = errors.New("not found")

// Repository handles database operations for the ledger, payment
// transactions and outbound deliveries.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const inboundEventColumns = `
	id, provider, provider_event_id, hook_id, type, raw_payload,
	status, processed, attempts, max_attempts, next_retry_at,
	is_retryable, processing_error, moved_dead_letter, dead_letter_reason,
	processed_at, created_at, updated_at`

func scanInboundEvent(row pgx.Row) (*InboundEvent, error) {
	var ev InboundEvent
	err := row.Scan(
		&ev.ID,
		&ev.Provider,
		&ev.ProviderEventID,
		&ev.HookID,
		&ev.Type,
		&ev.RawPayload,
		&ev.Status,
		&ev.Processed,
		&ev.Attempts,
		&ev.MaxAttempts,
		&ev.NextRetryAt,
		&ev.IsRetryable,
		&ev.ProcessingError,
		&ev.MovedDeadLetter,
		&ev.DeadLetterReason,
		&ev.ProcessedAt,
		&ev.CreatedAt,
		&ev.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func collectInboundEvents(rows pgx.Rows) ([]*InboundEvent, error) {
	defer rows.Close()

	var events []*InboundEvent
	for rows.Next() {
		ev, err := scanInboundEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan inbound event: %w", err)
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return events, nil
}

// InsertInboundEvent records a provider notification. Both unique keys
// (provider, provider_event_id) and (provider, hook_id) are covered by the
// conflict clause; a conflict returns inserted=false and leaves the
// existing row untouched.
func (r *Repository) InsertInboundEvent(ctx context.Context, ev *InboundEvent) (bool, error) {
	query := `
		INSERT INTO inbound_events (
			id, provider, provider_event_id, hook_id, type, raw_payload, max_attempts
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
		ON CONFLICT DO NOTHING
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		ev.ID,
		ev.Provider,
		ev.ProviderEventID,
		ev.HookID,
		ev.Type,
		ev.RawPayload,
		ev.MaxAttempts,
	).Scan(&ev.CreatedAt, &ev.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		r.logger.Debug("duplicate inbound event ignored",
			zap.String("provider", ev.Provider),
			zap.String("hook_id", ev.HookID),
			zap.String("provider_event_id", ev.ProviderEventID),
		)
		return false, nil
	}

	if err != nil {
		r.logger.Error("failed to insert inbound event",
			zap.Error(err),
			zap.String("provider", ev.Provider),
			zap.String("hook_id", ev.HookID),
		)
		return false, fmt.Errorf("insert inbound event: %w", err)
	}

	return true, nil
}

// ClaimInboundEvents atomically claims up to limit unprocessed events.
// Concurrent claimers skip each other's locked rows, so no event is handed
// to two dispatchers. A claim older than lease is treated as abandoned.
func (r *Repository) ClaimInboundEvents(ctx context.Context, limit int, lease time.Duration) ([]*InboundEvent, error) {
	query := `
		WITH claimable AS (
			SELECT id
			FROM inbound_events
			WHERE processed = FALSE
			  AND moved_dead_letter = FALSE
			  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
			  AND (status IS DISTINCT FROM 'processing' OR updated_at < NOW() - make_interval(secs => $2))
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE inbound_events e
		SET status = 'processing', attempts = e.attempts + 1, updated_at = NOW()
		FROM claimable c
		WHERE e.id = c.id
		RETURNING ` + prefixed("e", inboundEventColumns)

	rows, err := r.db.Pool().Query(ctx, query, limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim inbound events: %w", err)
	}

	return collectInboundEvents(rows)
}

// MarkInboundEventProcessed finalizes an event. Processed rows are immutable.
func (r *Repository) MarkInboundEventProcessed(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE inbound_events
		SET processed = TRUE, processed_at = NOW(), status = NULL,
		    processing_error = NULL, next_retry_at = NULL, updated_at = NOW()
		WHERE id = $1 AND processed = FALSE
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark inbound event processed: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("inbound event %s: %w", id, ErrNotFound)
	}

	return nil
}

// ScheduleInboundRetry releases the claim and sets the next retry time.
func (r *Repository) ScheduleInboundRetry(ctx context.Context, id uuid.UUID, errMsg string, nextRetryAt time.Time) error {
	query := `
		UPDATE inbound_events
		SET status = NULL, processing_error = $2, next_retry_at = $3, updated_at = NOW()
		WHERE id = $1 AND processed = FALSE
	`

	result, err := r.db.Pool().Exec(ctx, query, id, errMsg, nextRetryAt)
	if err != nil {
		return fmt.Errorf("schedule inbound retry: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("inbound event %s: %w", id, ErrNotFound)
	}

	return nil
}

// MoveInboundToDeadLetter flags an event as dead-lettered. The row stays in
// place for audit and operator replay.
func (r *Repository) MoveInboundToDeadLetter(ctx context.Context, id uuid.UUID, errMsg, reason string) error {
	query := `
		UPDATE inbound_events
		SET status = NULL, processing_error = $2, moved_dead_letter = TRUE,
		    dead_letter_reason = $3, is_retryable = FALSE, next_retry_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND processed = FALSE
	`

	result, err := r.db.Pool().Exec(ctx, query, id, errMsg, reason)
	if err != nil {
		return fmt.Errorf("move inbound event to dead letter: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("inbound event %s: %w", id, ErrNotFound)
	}

	r.logger.Info("inbound event moved to dead letter",
		zap.String("event_id", id.String()),
		zap.String("reason", reason),
	)

	return nil
}

// ListDeadLetters returns dead-lettered events, newest first.
func (r *Repository) ListDeadLetters(ctx context.Context, limit, offset int) ([]*InboundEvent, error) {
	query := `
		SELECT ` + inboundEventColumns + `
		FROM inbound_events
		WHERE moved_dead_letter = TRUE AND processed = FALSE
		ORDER BY updated_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.Pool().Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}

	return collectInboundEvents(rows)
}

// GetInboundEvent retrieves an inbound event by ID.
func (r *Repository) GetInboundEvent(ctx context.Context, id uuid.UUID) (*InboundEvent, error) {
	query := `SELECT ` + inboundEventColumns + ` FROM inbound_events WHERE id = $1`

	ev, err := scanInboundEvent(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("inbound event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query inbound event: %w", err)
	}

	return ev, nil
}

// ReplayDeadLetter re-arms a dead-lettered event with a fresh retry budget.
func (r *Repository) ReplayDeadLetter(ctx context.Context, id uuid.UUID) (*InboundEvent, error) {
	query := `
		UPDATE inbound_events
		SET moved_dead_letter = FALSE, dead_letter_reason = NULL, is_retryable = TRUE,
		    attempts = 0, next_retry_at = NULL, status = NULL, updated_at = NOW()
		WHERE id = $1 AND moved_dead_letter = TRUE AND processed = FALSE
		RETURNING ` + inboundEventColumns

	ev, err := scanInboundEvent(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("dead letter %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("replay dead letter: %w", err)
	}

	r.logger.Info("dead letter replayed", zap.String("event_id", id.String()))

	return ev, nil
}
