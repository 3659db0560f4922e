package outbound

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/payrelay/internal/alert"
	"github.com/lalithlochan/payrelay/internal/circuitbreaker"
	"github.com/lalithlochan/payrelay/internal/db"
	"github.com/lalithlochan/payrelay/internal/metrics"
)

// Store is the persistence the delivery queue needs.
type Store interface {
	FanOutEvents(ctx context.Context, limit int, match func(*db.OutboundEndpoint, *db.OutboundEvent) bool) ([]*db.OutboundEvent, int, error)
	ClaimDueDeliveries(ctx context.Context, limit int, lease time.Duration, defaultCap, hardCap int) ([]*db.DeliveryJob, error)
	MarkDeliveryDelivered(ctx context.Context, id uuid.UUID, code int) error
	ScheduleDeliveryRetry(ctx context.Context, id uuid.UUID, code *int, errMsg string, nextAttemptAt time.Time) error
	MarkDeliveryFailed(ctx context.Context, id uuid.UUID, code *int, errMsg, kind string) error
	DeferDelivery(ctx context.Context, id uuid.UUID, until time.Time) error
}

// Deliverer performs one attempt. *Engine implements it.
type Deliverer interface {
	Deliver(ctx context.Context, ep *db.OutboundEndpoint, ev *db.OutboundEvent, attempt int) Result
}

// Attempt outcomes, also used as metric labels.
const (
	OutcomeDelivered = "delivered"
	OutcomeRetry     = "retry"
	OutcomeExhausted = "exhausted"
	OutcomeRejected  = "rejected"
	OutcomeDeferred  = "deferred"
)

// QueueConfig controls claiming and retries.
type QueueConfig struct {
	Backoff            Backoff
	ClaimLease         time.Duration
	DefaultConcurrency int // per endpoint, when the endpoint sets none
	MaxConcurrency     int // hard cap per endpoint
}

// Queue moves deliveries through pending -> delivering -> delivered/failed.
type Queue struct {
	store     Store
	deliverer Deliverer
	breakers  *circuitbreaker.Registry
	alerts    alert.Notifier
	config    QueueConfig
	logger    *zap.Logger
	now       func() time.Time
	rnd       func() float64
}

// NewQueue creates a delivery queue. breakers and alerts may be nil.
func NewQueue(store Store, deliverer Deliverer, breakers *circuitbreaker.Registry, alerts alert.Notifier, cfg QueueConfig, logger *zap.Logger) *Queue {
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 5 * time.Minute
	}
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = 5
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 15
	}

	return &Queue{
		store:     store,
		deliverer: deliverer,
		breakers:  breakers,
		alerts:    alerts,
		config:    cfg,
		logger:    logger,
		now:       time.Now,
		rnd:       rand.Float64,
	}
}

// FanOut creates deliveries for up to limit new business events and
// returns the events it processed.
func (q *Queue) FanOut(ctx context.Context, limit int) ([]*db.OutboundEvent, error) {
	events, created, err := q.store.FanOutEvents(ctx, limit, Matches)
	if err != nil {
		return nil, fmt.Errorf("fan out: %w", err)
	}
	if len(events) > 0 {
		q.logger.Info("business events fanned out",
			zap.Int("events", len(events)),
			zap.Int("deliveries", created),
		)
	}
	return events, nil
}

// Claim takes up to limit due deliveries, respecting per-endpoint caps.
func (q *Queue) Claim(ctx context.Context, limit int) ([]*db.DeliveryJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	jobs, err := q.store.ClaimDueDeliveries(ctx, limit, q.config.ClaimLease, q.config.DefaultConcurrency, q.config.MaxConcurrency)
	if err != nil {
		return nil, fmt.Errorf("claim deliveries: %w", err)
	}
	return jobs, nil
}

// Process runs one claimed delivery and records the outcome.
func (q *Queue) Process(ctx context.Context, job *db.DeliveryJob) (string, error) {
	d := &job.Delivery
	log := q.logger.With(
		zap.String("delivery_id", d.ID.String()),
		zap.String("endpoint_id", job.Endpoint.ID.String()),
		zap.String("event_id", job.Event.ID.String()),
		zap.Int("attempt", d.Attempts),
	)

	// Outcomes are recorded even when the dispatcher is shutting down.
	recordCtx := context.WithoutCancel(ctx)

	var breaker *circuitbreaker.CircuitBreaker
	if q.breakers != nil {
		breaker = q.breakers.For(job.Endpoint.ID.String())
		if !breaker.Allow() {
			until := breaker.RetryAt()
			if err := q.store.DeferDelivery(recordCtx, d.ID, until); err != nil {
				return "", fmt.Errorf("defer delivery: %w", err)
			}
			log.Debug("endpoint circuit open, delivery deferred", zap.Time("until", until))
			metrics.RecordDelivery(OutcomeDeferred, 0)
			return OutcomeDeferred, nil
		}
	}

	res := q.deliverer.Deliver(ctx, &job.Endpoint, &job.Event, d.Attempts)

	var code *int
	if res.StatusCode != 0 {
		code = &res.StatusCode
	}

	switch {
	case res.Delivered:
		if breaker != nil {
			breaker.RecordSuccess()
		}
		if err := q.store.MarkDeliveryDelivered(recordCtx, d.ID, res.StatusCode); err != nil {
			return "", fmt.Errorf("mark delivered: %w", err)
		}
		log.Info("delivery succeeded", zap.Int("status_code", res.StatusCode), zap.Duration("duration", res.Duration))
		metrics.RecordDelivery(OutcomeDelivered, res.Duration)
		return OutcomeDelivered, nil

	case res.Permanent:
		if breaker != nil {
			breaker.Release()
		}
		if err := q.store.MarkDeliveryFailed(recordCtx, d.ID, code, res.Err.Error(), db.FailureKindRejected); err != nil {
			return "", fmt.Errorf("mark rejected: %w", err)
		}
		log.Warn("delivery rejected", zap.Error(res.Err))
		metrics.RecordDelivery(OutcomeRejected, res.Duration)
		q.raise(recordCtx, alert.KindDeliveryRejected, "delivery rejected", job, res)
		return OutcomeRejected, nil

	case ctx.Err() != nil:
		// Interrupted by shutdown, not the endpoint's fault.
		if breaker != nil {
			breaker.Release()
		}
		if err := q.store.DeferDelivery(recordCtx, d.ID, q.now()); err != nil {
			return "", fmt.Errorf("defer delivery: %w", err)
		}
		return OutcomeDeferred, nil
	}

	if breaker != nil {
		breaker.RecordFailure()
	}

	if q.config.Backoff.Exhausted(d.Attempts) {
		if err := q.store.MarkDeliveryFailed(recordCtx, d.ID, code, res.Err.Error(), db.FailureKindExhausted); err != nil {
			return "", fmt.Errorf("mark exhausted: %w", err)
		}
		log.Warn("delivery exhausted retries", zap.Error(res.Err))
		metrics.RecordDelivery(OutcomeExhausted, res.Duration)
		q.raise(recordCtx, alert.KindDeliveryExhausted, "delivery failed after final attempt", job, res)
		return OutcomeExhausted, nil
	}

	next := q.now().Add(q.config.Backoff.Delay(d.Attempts, q.rnd))
	if err := q.store.ScheduleDeliveryRetry(recordCtx, d.ID, code, res.Err.Error(), next); err != nil {
		return "", fmt.Errorf("schedule retry: %w", err)
	}
	log.Info("delivery failed, retry scheduled", zap.Time("next_attempt_at", next), zap.Error(res.Err))
	metrics.RecordDelivery(OutcomeRetry, res.Duration)
	return OutcomeRetry, nil
}

func (q *Queue) raise(ctx context.Context, kind alert.Kind, subject string, job *db.DeliveryJob, res Result) {
	if q.alerts == nil {
		return
	}

	fields := map[string]string{
		"delivery_id": job.Delivery.ID.String(),
		"endpoint_id": job.Endpoint.ID.String(),
		"endpoint":    job.Endpoint.URL,
		"event_id":    job.Event.ID.String(),
		"event_type":  job.Event.Type,
		"attempts":    fmt.Sprint(job.Delivery.Attempts),
	}
	if res.StatusCode != 0 {
		fields["status_code"] = fmt.Sprint(res.StatusCode)
	}

	err := q.alerts.Notify(ctx, alert.Alert{
		Kind:    kind,
		Subject: subject,
		Detail:  res.Err.Error(),
		Fields:  fields,
		At:      q.now(),
	})
	if err != nil {
		q.logger.Error("failed to raise delivery alert", zap.Error(err))
	}
}
