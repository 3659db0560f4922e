// Package ledger is the durable, idempotent record of inbound provider
// notifications and their processing lifecycle.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/payrelay/internal/db"
)

// Store is the persistence the ledger needs.
type Store interface {
	InsertInboundEvent(ctx context.Context, ev *db.InboundEvent) (bool, error)
	ClaimInboundEvents(ctx context.Context, limit int, lease time.Duration) ([]*db.InboundEvent, error)
	MarkInboundEventProcessed(ctx context.Context, id uuid.UUID) error
	ScheduleInboundRetry(ctx context.Context, id uuid.UUID, errMsg string, nextRetryAt time.Time) error
	MoveInboundToDeadLetter(ctx context.Context, id uuid.UUID, errMsg, reason string) error
}

// Notification is an authenticated provider webhook ready to be recorded.
type Notification struct {
	Provider string
	HookID   string
	EventID  string
	Type     string
	Payload  json.RawMessage
}

// IngestResult tells the HTTP layer whether the notification was new.
type IngestResult struct {
	Accepted  bool      `json:"accepted"`
	Duplicate bool      `json:"duplicate"`
	EventID   uuid.UUID `json:"event_id,omitempty"`
}

// Config controls retry and dead-letter behavior.
type Config struct {
	MaxAttempts int
	RetryDelay  time.Duration
	ClaimLease  time.Duration
}

// Service records notifications and tracks their processing attempts.
type Service struct {
	store  Store
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// ErrInvalidNotification is returned when identifying fields are missing.
var ErrInvalidNotification = errors.New("notification missing provider, hook id, event id or type")

// New creates a ledger service.
func New(store Store, cfg Config, logger *zap.Logger) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 60 * time.Second
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 5 * time.Minute
	}

	return &Service{
		store:  store,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Ingest durably records a notification. A second call with the same
// (provider, hook id) or (provider, event id) returns Duplicate and
// changes nothing.
func (s *Service) Ingest(ctx context.Context, n Notification) (*IngestResult, error) {
	if n.Provider == "" || n.HookID == "" || n.EventID == "" || n.Type == "" {
		return nil, ErrInvalidNotification
	}

	ev := &db.InboundEvent{
		ID:              uuid.New(),
		Provider:        n.Provider,
		ProviderEventID: n.EventID,
		HookID:          n.HookID,
		Type:            n.Type,
		RawPayload:      n.Payload,
		MaxAttempts:     s.config.MaxAttempts,
	}

	inserted, err := s.store.InsertInboundEvent(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("ingest %s/%s: %w", n.Provider, n.HookID, err)
	}

	if !inserted {
		s.logger.Info("duplicate notification acknowledged",
			zap.String("provider", n.Provider),
			zap.String("hook_id", n.HookID),
			zap.String("type", n.Type),
		)
		return &IngestResult{Duplicate: true}, nil
	}

	s.logger.Info("notification recorded",
		zap.String("event_id", ev.ID.String()),
		zap.String("provider", n.Provider),
		zap.String("hook_id", n.HookID),
		zap.String("type", n.Type),
	)

	return &IngestResult{Accepted: true, EventID: ev.ID}, nil
}

// ClaimBatch hands up to n due events to the caller.
func (s *Service) ClaimBatch(ctx context.Context, n int) ([]*db.InboundEvent, error) {
	events, err := s.store.ClaimInboundEvents(ctx, n, s.config.ClaimLease)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	return events, nil
}

// Complete marks a claimed event processed.
func (s *Service) Complete(ctx context.Context, ev *db.InboundEvent) error {
	if err := s.store.MarkInboundEventProcessed(ctx, ev.ID); err != nil {
		return fmt.Errorf("complete event: %w", err)
	}
	return nil
}

// Fail records a handler failure. Permanent errors and events that used
// their attempt budget are dead-lettered; everything else is retried after
// the fixed delay. It reports whether the event was dead-lettered.
func (s *Service) Fail(ctx context.Context, ev *db.InboundEvent, cause error) (bool, error) {
	msg := cause.Error()

	maxAttempts := ev.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.config.MaxAttempts
	}

	var reason string
	switch {
	case IsPermanent(cause):
		reason = "permanent error"
	case ev.Attempts >= maxAttempts:
		reason = fmt.Sprintf("max attempts reached (%d)", maxAttempts)
	}

	if reason != "" {
		if err := s.store.MoveInboundToDeadLetter(ctx, ev.ID, msg, reason); err != nil {
			return false, fmt.Errorf("dead-letter event: %w", err)
		}
		s.logger.Warn("event dead-lettered",
			zap.String("event_id", ev.ID.String()),
			zap.String("provider", ev.Provider),
			zap.String("type", ev.Type),
			zap.Int("attempts", ev.Attempts),
			zap.String("reason", reason),
			zap.Error(cause),
		)
		return true, nil
	}

	next := s.now().Add(s.config.RetryDelay)
	if err := s.store.ScheduleInboundRetry(ctx, ev.ID, msg, next); err != nil {
		return false, fmt.Errorf("schedule retry: %w", err)
	}

	s.logger.Info("event scheduled for retry",
		zap.String("event_id", ev.ID.String()),
		zap.Int("attempt", ev.Attempts),
		zap.Time("next_retry_at", next),
		zap.Error(cause),
	)

	return false, nil
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Fail dead-letters the event immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
