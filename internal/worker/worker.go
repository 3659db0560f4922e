// Package worker runs the dispatcher: one scheduling loop that drains the
// inbound ledger into the state machine, fans business events out to
// subscribers, executes due deliveries and periodically reconciles.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/payrelay/internal/alert"
	"github.com/lalithlochan/payrelay/internal/db"
	"github.com/lalithlochan/payrelay/internal/ledger"
	"github.com/lalithlochan/payrelay/internal/metrics"
	"github.com/lalithlochan/payrelay/internal/payment"
	"github.com/lalithlochan/payrelay/internal/provider"
	"github.com/lalithlochan/payrelay/internal/reconcile"
)

// Ledger hands out inbound events and records their outcome.
type Ledger interface {
	ClaimBatch(ctx context.Context, n int) ([]*db.InboundEvent, error)
	Complete(ctx context.Context, ev *db.InboundEvent) error
	Fail(ctx context.Context, ev *db.InboundEvent, cause error) (bool, error)
}

// Router turns a provider payload into a transition request.
type Router interface {
	Handle(provider, eventType string, payload json.RawMessage) (*db.TransitionRequest, error)
}

// Machine applies transition requests to payment transactions.
type Machine interface {
	Apply(ctx context.Context, req db.TransitionRequest) (*db.TransitionOutcome, error)
}

// Deliveries fans out business events and delivers them to endpoints.
type Deliveries interface {
	FanOut(ctx context.Context, limit int) ([]*db.OutboundEvent, error)
	Claim(ctx context.Context, limit int) ([]*db.DeliveryJob, error)
	Process(ctx context.Context, job *db.DeliveryJob) (string, error)
}

// Reconciler removes placeholder and duplicate transactions.
type Reconciler interface {
	Sweep(ctx context.Context, opts reconcile.Options) (*reconcile.Report, error)
	SweepAround(ctx context.Context, t *db.PaymentTransaction, mode reconcile.Mode) (*reconcile.Report, error)
}

// EventPublisher mirrors fanned-out business events to a topic.
type EventPublisher interface {
	PublishEvents(ctx context.Context, events []*db.OutboundEvent) error
}

// Deps are the dispatcher's collaborators. Reconciler, Publisher and
// Alerts are optional.
type Deps struct {
	Ledger     Ledger
	Router     Router
	Machine    Machine
	Deliveries Deliveries
	Reconciler Reconciler
	Publisher  EventPublisher
	Alerts     alert.Notifier
}

// Config tunes polling, delivery concurrency and reconciliation.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Workers      int // concurrent deliveries

	ReconcileInterval time.Duration // zero disables the scheduled sweep
	ReconcileLookback time.Duration
	ReconcileMode     reconcile.Mode
	ReconcileOnWrite  bool
}

// Worker dispatches inbound events, outbound deliveries and sweeps.
type Worker struct {
	deps   Deps
	config Config
	logger *zap.Logger
	now    func() time.Time

	wake     chan struct{}
	slots    chan struct{}
	inFlight atomic.Int64
	wg       sync.WaitGroup

	lastSweep time.Time
}

// New creates a worker, filling zero Config fields with defaults.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 20
	}
	if cfg.ReconcileLookback <= 0 {
		cfg.ReconcileLookback = 24 * time.Hour
	}
	if cfg.ReconcileMode == "" {
		cfg.ReconcileMode = reconcile.ModeDryRun
	}

	return &Worker{
		deps:   deps,
		config: cfg,
		logger: logger,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
		slots:  make(chan struct{}, cfg.Workers),
	}
}

// Notify cuts the current idle sleep short. It never blocks.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Start runs the loop until ctx is cancelled, then waits for in-flight
// deliveries to record their outcome.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("dispatcher started",
		zap.Duration("poll_interval", w.config.PollInterval),
		zap.Int("batch_size", w.config.BatchSize),
		zap.Int("workers", w.config.Workers),
	)
	w.lastSweep = w.now()

	for ctx.Err() == nil {
		if w.RunOnce(ctx) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
		case <-w.wake:
		case <-time.After(w.config.PollInterval):
		}
	}

	w.logger.Info("dispatcher stopping, waiting for in-flight deliveries",
		zap.Int64("in_flight", w.inFlight.Load()),
	)
	w.wg.Wait()
	w.logger.Info("dispatcher stopped")
}

// Wait blocks until every delivery started by RunOnce has finished.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// RunOnce performs a single pass and returns how many units of work it
// started. Zero means the pass was idle.
func (w *Worker) RunOnce(ctx context.Context) int {
	work := w.drainLedger(ctx)
	work += w.fanOut(ctx)
	work += w.dispatchDeliveries(ctx)
	w.maybeSweep(ctx)
	return work
}

func (w *Worker) drainLedger(ctx context.Context) int {
	events, err := w.deps.Ledger.ClaimBatch(ctx, w.config.BatchSize)
	if err != nil {
		w.logger.Error("failed to claim inbound events", zap.Error(err))
		return 0
	}
	for _, ev := range events {
		w.processInbound(ctx, ev)
	}
	return len(events)
}

func (w *Worker) processInbound(ctx context.Context, ev *db.InboundEvent) {
	log := w.logger.With(
		zap.String("event_id", ev.ID.String()),
		zap.String("provider", ev.Provider),
		zap.String("type", ev.Type),
		zap.Int("attempt", ev.Attempts),
	)
	recordCtx := context.WithoutCancel(ctx)

	req, err := w.deps.Router.Handle(ev.Provider, ev.Type, ev.RawPayload)
	if errors.Is(err, provider.ErrNoHandler) {
		if err := w.deps.Ledger.Complete(recordCtx, ev); err != nil {
			log.Error("failed to mark ignored event processed", zap.Error(err))
			return
		}
		log.Debug("no handler for event, ignored")
		metrics.RecordLedgerOutcome(ev.Provider, "ignored")
		return
	}

	var outcome *db.TransitionOutcome
	if err == nil {
		outcome, err = w.deps.Machine.Apply(ctx, *req)
		if errors.Is(err, payment.ErrUnknownStatus) {
			err = ledger.Permanent(err)
		}
	}
	if err != nil {
		w.fail(recordCtx, log, ev, err)
		return
	}

	if err := w.deps.Ledger.Complete(recordCtx, ev); err != nil {
		log.Error("failed to mark event processed", zap.Error(err))
		return
	}
	metrics.RecordLedgerOutcome(ev.Provider, "processed")
	metrics.RecordTransition(outcome.AppliedStatus, outcome.Changed)

	if outcome.Changed {
		log.Info("payment transition applied",
			zap.String("transaction_id", outcome.Transaction.ID.String()),
			zap.String("from", outcome.PreviousStatus),
			zap.String("to", outcome.AppliedStatus),
			zap.Bool("created", outcome.Created),
		)
	}

	if outcome.Created && outcome.AppliedStatus == db.TxStatusPaid &&
		w.config.ReconcileOnWrite && w.deps.Reconciler != nil {
		if _, err := w.deps.Reconciler.SweepAround(recordCtx, outcome.Transaction, w.config.ReconcileMode); err != nil {
			log.Error("on-write reconcile failed", zap.Error(err))
		}
	}
}

func (w *Worker) fail(ctx context.Context, log *zap.Logger, ev *db.InboundEvent, cause error) {
	dead, err := w.deps.Ledger.Fail(ctx, ev, cause)
	if err != nil {
		log.Error("failed to record event failure", zap.Error(err), zap.NamedError("cause", cause))
		return
	}
	if !dead {
		log.Warn("event processing failed, retry scheduled", zap.Error(cause))
		metrics.RecordLedgerOutcome(ev.Provider, "retry")
		return
	}

	log.Error("event moved to dead letter", zap.Error(cause))
	metrics.RecordLedgerOutcome(ev.Provider, "dead_letter")

	if w.deps.Alerts == nil {
		return
	}
	err = w.deps.Alerts.Notify(ctx, alert.Alert{
		Kind:    alert.KindDeadLetter,
		Subject: fmt.Sprintf("%s %s dead-lettered", ev.Provider, ev.Type),
		Detail:  cause.Error(),
		Fields: map[string]string{
			"event_id":          ev.ID.String(),
			"provider":          ev.Provider,
			"provider_event_id": ev.ProviderEventID,
			"type":              ev.Type,
			"attempts":          fmt.Sprint(ev.Attempts),
		},
		At: w.now(),
	})
	if err != nil {
		log.Error("failed to raise dead letter alert", zap.Error(err))
	}
}

func (w *Worker) fanOut(ctx context.Context) int {
	events, err := w.deps.Deliveries.FanOut(ctx, w.config.BatchSize)
	if err != nil {
		w.logger.Error("fan out failed", zap.Error(err))
		return 0
	}
	if len(events) > 0 && w.deps.Publisher != nil {
		if err := w.deps.Publisher.PublishEvents(ctx, events); err != nil {
			w.logger.Warn("failed to mirror business events", zap.Int("events", len(events)), zap.Error(err))
		}
	}
	return len(events)
}

func (w *Worker) dispatchDeliveries(ctx context.Context) int {
	free := cap(w.slots) - len(w.slots)
	if free <= 0 || ctx.Err() != nil {
		return 0
	}

	jobs, err := w.deps.Deliveries.Claim(ctx, free)
	if err != nil {
		w.logger.Error("failed to claim deliveries", zap.Error(err))
		return 0
	}

	for _, job := range jobs {
		w.slots <- struct{}{}
		w.wg.Add(1)
		metrics.SetDeliveriesInFlight(int(w.inFlight.Add(1)))

		go func(job *db.DeliveryJob) {
			defer func() {
				metrics.SetDeliveriesInFlight(int(w.inFlight.Add(-1)))
				<-w.slots
				w.wg.Done()
				w.Notify()
			}()
			if _, err := w.deps.Deliveries.Process(ctx, job); err != nil {
				w.logger.Error("failed to record delivery outcome",
					zap.String("delivery_id", job.Delivery.ID.String()),
					zap.Error(err),
				)
			}
		}(job)
	}
	return len(jobs)
}

func (w *Worker) maybeSweep(ctx context.Context) {
	if w.deps.Reconciler == nil || w.config.ReconcileInterval <= 0 {
		return
	}
	now := w.now()
	if now.Sub(w.lastSweep) < w.config.ReconcileInterval {
		return
	}
	w.lastSweep = now

	report, err := w.deps.Reconciler.Sweep(ctx, reconcile.Options{
		Mode:   w.config.ReconcileMode,
		Filter: db.TransactionFilter{CreatedAfter: now.Add(-w.config.ReconcileLookback)},
	})
	if err != nil {
		w.logger.Error("scheduled reconcile failed", zap.Error(err))
		return
	}
	w.logger.Debug("scheduled reconcile finished",
		zap.String("mode", string(report.Mode)),
		zap.Int("scanned", report.Scanned),
		zap.Int("planned", len(report.Planned)),
		zap.Int("deleted", report.Deleted),
	)
}
