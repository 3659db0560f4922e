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

const endpointColumns = `
	id, clinic_id, url, secret, events, enabled, max_concurrent_deliveries,
	categories, statuses, product_ids, created_at, updated_at`

const outboundEventColumns = `
	id, type, clinic_id, resource, resource_id, data, fanned_out, created_at`

const deliveryColumns = `
	id, endpoint_id, event_id, status, attempts, last_code, last_error,
	failure_kind, next_attempt_at, delivered_at, created_at, updated_at`

func scanEndpoint(row pgx.Row) (*OutboundEndpoint, error) {
	var ep OutboundEndpoint
	err := row.Scan(
		&ep.ID,
		&ep.ClinicID,
		&ep.URL,
		&ep.Secret,
		&ep.Events,
		&ep.Enabled,
		&ep.MaxConcurrentDeliveries,
		&ep.Categories,
		&ep.Statuses,
		&ep.ProductIDs,
		&ep.CreatedAt,
		&ep.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ep, nil
}

func scanOutboundEvent(row pgx.Row) (*OutboundEvent, error) {
	var ev OutboundEvent
	err := row.Scan(
		&ev.ID,
		&ev.Type,
		&ev.ClinicID,
		&ev.Resource,
		&ev.ResourceID,
		&ev.Data,
		&ev.FannedOut,
		&ev.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func scanDelivery(row pgx.Row) (*OutboundDelivery, error) {
	var d OutboundDelivery
	err := row.Scan(
		&d.ID,
		&d.EndpointID,
		&d.EventID,
		&d.Status,
		&d.Attempts,
		&d.LastCode,
		&d.LastError,
		&d.FailureKind,
		&d.NextAttemptAt,
		&d.DeliveredAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// FanOutEvents claims up to limit business events that have not been
// fanned out, creates one delivery per endpoint accepted by match, and
// marks the events fanned out, all in one database transaction. The
// (endpoint_id, event_id) unique key keeps re-runs from duplicating work.
func (r *Repository) FanOutEvents(ctx context.Context, limit int, match func(*OutboundEndpoint, *OutboundEvent) bool) ([]*OutboundEvent, int, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT `+outboundEventColumns+`
		FROM outbound_events
		WHERE fanned_out = FALSE
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("claim outbound events: %w", err)
	}

	var events []*OutboundEvent
	for rows.Next() {
		ev, err := scanOutboundEvent(rows)
		if err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("scan outbound event: %w", err)
		}
		events = append(events, ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate rows: %w", err)
	}

	if len(events) == 0 {
		return nil, 0, nil
	}

	endpoints, err := listEnabledEndpoints(ctx, tx)
	if err != nil {
		return nil, 0, err
	}

	created := 0
	for _, ev := range events {
		for _, ep := range endpoints {
			if !match(ep, ev) {
				continue
			}

			tag, err := tx.Exec(ctx, `
				INSERT INTO outbound_deliveries (id, endpoint_id, event_id)
				VALUES ($1, $2, $3)
				ON CONFLICT (endpoint_id, event_id) DO NOTHING
			`, uuid.New(), ep.ID, ev.ID)
			if err != nil {
				return nil, 0, fmt.Errorf("insert delivery: %w", err)
			}
			created += int(tag.RowsAffected())
		}

		if _, err := tx.Exec(ctx, `UPDATE outbound_events SET fanned_out = TRUE WHERE id = $1`, ev.ID); err != nil {
			return nil, 0, fmt.Errorf("mark event fanned out: %w", err)
		}
		ev.FannedOut = true
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Debug("business events fanned out",
		zap.Int("events", len(events)),
		zap.Int("deliveries", created),
	)

	return events, created, nil
}

func listEnabledEndpoints(ctx context.Context, tx pgx.Tx) ([]*OutboundEndpoint, error) {
	rows, err := tx.Query(ctx, `SELECT `+endpointColumns+` FROM outbound_endpoints WHERE enabled = TRUE`)
	if err != nil {
		return nil, fmt.Errorf("query endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []*OutboundEndpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		endpoints = append(endpoints, ep)
	}

	return endpoints, rows.Err()
}

// ClaimDueDeliveries claims up to limit due deliveries while honoring
// each endpoint's in-flight cap. Claimers serialize per endpoint on the
// endpoint row lock, so the count of fresh 'delivering' rows cannot be
// raced past the cap by another instance. A claim older than lease is
// treated as abandoned and may be claimed again.
func (r *Repository) ClaimDueDeliveries(ctx context.Context, limit int, lease time.Duration, defaultCap, hardCap int) ([]*DeliveryJob, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	leaseSecs := lease.Seconds()

	// Saturated endpoints are filtered out before LIMIT so they cannot
	// use up the scan while endpoints further down have free capacity.
	// Endpoints whose oldest due delivery waited longest go first.
	rows, err := tx.Query(ctx, `
		SELECT c.id, c.cap
		FROM (
			SELECT e.id,
			       LEAST(GREATEST(CASE WHEN e.max_concurrent_deliveries > 0
			                           THEN e.max_concurrent_deliveries ELSE $3 END, 1), $4) AS cap,
			       (SELECT COUNT(*) FROM outbound_deliveries f
			        WHERE f.endpoint_id = e.id AND f.status = 'delivering'
			          AND f.updated_at >= NOW() - make_interval(secs => $2)) AS in_flight,
			       (SELECT MIN(d.next_attempt_at) FROM outbound_deliveries d
			        WHERE d.endpoint_id = e.id
			          AND ((d.status = 'pending' AND d.next_attempt_at <= NOW())
			            OR (d.status = 'delivering' AND d.updated_at < NOW() - make_interval(secs => $2)))) AS oldest_due
			FROM outbound_endpoints e
			WHERE e.enabled = TRUE
		) c
		JOIN outbound_endpoints e ON e.id = c.id
		WHERE c.oldest_due IS NOT NULL
		  AND c.in_flight < c.cap
		ORDER BY c.oldest_due ASC, c.id ASC
		LIMIT $1
		FOR UPDATE OF e SKIP LOCKED
	`, limit, leaseSecs, defaultCap, hardCap)
	if err != nil {
		return nil, fmt.Errorf("lock endpoints: %w", err)
	}

	type endpointSlot struct {
		id  uuid.UUID
		cap int
	}
	var slots []endpointSlot
	for rows.Next() {
		var s endpointSlot
		if err := rows.Scan(&s.id, &s.cap); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan endpoint slot: %w", err)
		}
		slots = append(slots, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	var claimed []uuid.UUID
	for _, s := range slots {
		remaining := limit - len(claimed)
		if remaining <= 0 {
			break
		}

		var inFlight int
		err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM outbound_deliveries
			WHERE endpoint_id = $1 AND status = 'delivering'
			  AND updated_at >= NOW() - make_interval(secs => $2)
		`, s.id, leaseSecs).Scan(&inFlight)
		if err != nil {
			return nil, fmt.Errorf("count in-flight deliveries: %w", err)
		}

		free := s.cap - inFlight
		if free <= 0 {
			continue
		}
		if free > remaining {
			free = remaining
		}

		ids, err := claimEndpointDeliveries(ctx, tx, s.id, free, leaseSecs)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, ids...)
	}

	if len(claimed) == 0 {
		return nil, tx.Commit(ctx)
	}

	jobs, err := loadDeliveryJobs(ctx, tx, claimed)
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return jobs, nil
}

func claimEndpointDeliveries(ctx context.Context, tx pgx.Tx, endpointID uuid.UUID, n int, leaseSecs float64) ([]uuid.UUID, error) {
	rows, err := tx.Query(ctx, `
		WITH due AS (
			SELECT id FROM outbound_deliveries
			WHERE endpoint_id = $1
			  AND ((status = 'pending' AND next_attempt_at <= NOW())
			    OR (status = 'delivering' AND updated_at < NOW() - make_interval(secs => $3)))
			ORDER BY next_attempt_at ASC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbound_deliveries d
		SET status = 'delivering', attempts = d.attempts + 1, updated_at = NOW()
		FROM due
		WHERE d.id = due.id
		RETURNING d.id
	`, endpointID, n, leaseSecs)
	if err != nil {
		return nil, fmt.Errorf("claim deliveries: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan delivery id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func loadDeliveryJobs(ctx context.Context, tx pgx.Tx, ids []uuid.UUID) ([]*DeliveryJob, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+prefixed("d", deliveryColumns)+`,
		       `+prefixed("ep", endpointColumns)+`,
		       `+prefixed("ev", outboundEventColumns)+`
		FROM outbound_deliveries d
		JOIN outbound_endpoints ep ON ep.id = d.endpoint_id
		JOIN outbound_events ev ON ev.id = d.event_id
		WHERE d.id = ANY($1)
		ORDER BY d.next_attempt_at ASC
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("load delivery jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*DeliveryJob
	for rows.Next() {
		var (
			job DeliveryJob
			d   = &job.Delivery
			ep  = &job.Endpoint
			ev  = &job.Event
		)
		err := rows.Scan(
			&d.ID, &d.EndpointID, &d.EventID, &d.Status, &d.Attempts, &d.LastCode, &d.LastError,
			&d.FailureKind, &d.NextAttemptAt, &d.DeliveredAt, &d.CreatedAt, &d.UpdatedAt,
			&ep.ID, &ep.ClinicID, &ep.URL, &ep.Secret, &ep.Events, &ep.Enabled, &ep.MaxConcurrentDeliveries,
			&ep.Categories, &ep.Statuses, &ep.ProductIDs, &ep.CreatedAt, &ep.UpdatedAt,
			&ev.ID, &ev.Type, &ev.ClinicID, &ev.Resource, &ev.ResourceID, &ev.Data, &ev.FannedOut, &ev.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan delivery job: %w", err)
		}
		jobs = append(jobs, &job)
	}

	return jobs, rows.Err()
}

// MarkDeliveryDelivered records a 2xx response. The status guard makes a
// late result from an abandoned claim a no-op.
func (r *Repository) MarkDeliveryDelivered(ctx context.Context, id uuid.UUID, code int) error {
	query := `
		UPDATE outbound_deliveries
		SET status = 'delivered', last_code = $2, last_error = NULL,
		    delivered_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'delivering'
	`

	result, err := r.db.Pool().Exec(ctx, query, id, code)
	if err != nil {
		return fmt.Errorf("mark delivery delivered: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}

	return nil
}

// ScheduleDeliveryRetry releases the claim until nextAttemptAt.
func (r *Repository) ScheduleDeliveryRetry(ctx context.Context, id uuid.UUID, code *int, errMsg string, nextAttemptAt time.Time) error {
	query := `
		UPDATE outbound_deliveries
		SET status = 'pending', last_code = $2, last_error = $3,
		    next_attempt_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'delivering'
	`

	result, err := r.db.Pool().Exec(ctx, query, id, code, errMsg, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("schedule delivery retry: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}

	return nil
}

// MarkDeliveryFailed records a terminal failure (rejected or exhausted).
func (r *Repository) MarkDeliveryFailed(ctx context.Context, id uuid.UUID, code *int, errMsg, kind string) error {
	query := `
		UPDATE outbound_deliveries
		SET status = 'failed', last_code = $2, last_error = $3,
		    failure_kind = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'delivering'
	`

	result, err := r.db.Pool().Exec(ctx, query, id, code, errMsg, kind)
	if err != nil {
		return fmt.Errorf("mark delivery failed: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}

	r.logger.Warn("delivery failed permanently",
		zap.String("delivery_id", id.String()),
		zap.String("failure_kind", kind),
		zap.String("last_error", errMsg),
	)

	return nil
}

// DeferDelivery releases a claim without spending an attempt.
func (r *Repository) DeferDelivery(ctx context.Context, id uuid.UUID, until time.Time) error {
	query := `
		UPDATE outbound_deliveries
		SET status = 'pending', attempts = GREATEST(attempts - 1, 0),
		    next_attempt_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'delivering'
	`

	if _, err := r.db.Pool().Exec(ctx, query, id, until); err != nil {
		return fmt.Errorf("defer delivery: %w", err)
	}

	return nil
}

// RetryDelivery re-arms a failed delivery with a fresh attempt budget.
func (r *Repository) RetryDelivery(ctx context.Context, id uuid.UUID) (*OutboundDelivery, error) {
	query := `
		UPDATE outbound_deliveries
		SET status = 'pending', attempts = 0, failure_kind = NULL,
		    next_attempt_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'failed'
		RETURNING ` + deliveryColumns

	d, err := scanDelivery(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed delivery %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("retry delivery: %w", err)
	}

	r.logger.Info("delivery re-armed", zap.String("delivery_id", id.String()))

	return d, nil
}

// ListDeliveries returns deliveries, newest first.
func (r *Repository) ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]*OutboundDelivery, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + deliveryColumns + `
		FROM outbound_deliveries
		WHERE ($1::uuid IS NULL OR endpoint_id = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.Pool().Query(ctx, query, filter.EndpointID, filter.Status, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*OutboundDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return deliveries, nil
}

// EndpointStats aggregates an endpoint's deliveries by status.
func (r *Repository) EndpointStats(ctx context.Context, endpointID uuid.UUID) (*DeliveryStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'delivering'),
			COUNT(*) FILTER (WHERE status = 'delivered'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'failed' AND failure_kind = 'exhausted'),
			COUNT(*) FILTER (WHERE status = 'failed' AND failure_kind = 'rejected'),
			(SELECT last_error FROM outbound_deliveries
			 WHERE endpoint_id = $1 AND status = 'failed'
			 ORDER BY updated_at DESC LIMIT 1),
			MAX(updated_at) FILTER (WHERE status = 'failed')
		FROM outbound_deliveries
		WHERE endpoint_id = $1
	`

	stats := &DeliveryStats{EndpointID: endpointID}
	err := r.db.Pool().QueryRow(ctx, query, endpointID).Scan(
		&stats.Pending,
		&stats.Delivering,
		&stats.Delivered,
		&stats.Failed,
		&stats.Exhausted,
		&stats.Rejected,
		&stats.LastError,
		&stats.LastFailAt,
	)
	if err != nil {
		return nil, fmt.Errorf("query endpoint stats: %w", err)
	}

	return stats, nil
}

// GetEndpoint retrieves an endpoint by ID.
func (r *Repository) GetEndpoint(ctx context.Context, id uuid.UUID) (*OutboundEndpoint, error) {
	ep, err := scanEndpoint(r.db.Pool().QueryRow(ctx, `SELECT `+endpointColumns+` FROM outbound_endpoints WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("endpoint %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query endpoint: %w", err)
	}

	return ep, nil
}
