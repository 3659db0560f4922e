package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/payrelay/internal/db"
	"github.com/lalithlochan/payrelay/internal/metrics"
)

// Mode selects whether a sweep deletes rows.
type Mode string

const (
	ModeDryRun  Mode = "dry-run"
	ModeExecute Mode = "execute"
)

var ErrInvalidMode = errors.New("invalid reconcile mode")

// ParseMode accepts "dry-run" or "execute"; empty means dry-run.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeDryRun:
		return ModeDryRun, nil
	case ModeExecute:
		return ModeExecute, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// Store is the persistence reconciliation needs.
type Store interface {
	ListTransactions(ctx context.Context, filter db.TransactionFilter) ([]*db.PaymentTransaction, error)
	DeleteTransaction(ctx context.Context, snapshot *db.PaymentTransaction) (bool, error)
}

// Options scopes one sweep.
type Options struct {
	Mode   Mode
	Filter db.TransactionFilter
}

// Report is the result of a sweep.
type Report struct {
	Mode     Mode       `json:"mode"`
	Scanned  int        `json:"scanned"`
	Planned  []Deletion `json:"planned"`
	Deleted  int        `json:"deleted"`
	Duration string     `json:"duration"`
}

// Engine runs reconciliation sweeps.
type Engine struct {
	store  Store
	policy Policy
	logger *zap.Logger
}

// NewEngine creates an engine applying policy to rows from store.
func NewEngine(store Store, policy Policy, logger *zap.Logger) *Engine {
	return &Engine{store: store, policy: policy, logger: logger}
}

// Policy returns the rules the engine applies.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Sweep loads candidates, plans deletions and, in execute mode, applies
// them. A row that is gone or changed since it was listed counts as
// planned but not deleted.
func (e *Engine) Sweep(ctx context.Context, opts Options) (*Report, error) {
	return e.sweep(ctx, opts, e.policy)
}

func (e *Engine) sweep(ctx context.Context, opts Options, policy Policy) (*Report, error) {
	start := time.Now()
	if opts.Mode == "" {
		opts.Mode = ModeDryRun
	}

	rows, err := e.store.ListTransactions(ctx, opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("list reconcile candidates: %w", err)
	}

	report := &Report{
		Mode:    opts.Mode,
		Scanned: len(rows),
		Planned: Plan(rows, policy),
	}

	byID := make(map[uuid.UUID]*db.PaymentTransaction, len(rows))
	for _, t := range rows {
		byID[t.ID] = t
	}

	for _, d := range report.Planned {
		log := e.logger.With(
			zap.String("pass", d.Pass),
			zap.String("delete_id", d.DeleteID.String()),
			zap.String("survivor_id", d.SurvivorID.String()),
			zap.String("reason", d.Reason),
		)

		if opts.Mode != ModeExecute {
			log.Info("reconcile deletion planned (dry run)")
			continue
		}

		ok, err := e.store.DeleteTransaction(ctx, byID[d.DeleteID])
		if err != nil {
			return report, fmt.Errorf("delete transaction %s: %w", d.DeleteID, err)
		}
		if !ok {
			log.Info("reconcile target changed or already gone, skipped")
			continue
		}
		report.Deleted++
		metrics.RecordReconcileDeletion(d.Pass)
		log.Info("reconcile deleted transaction")
	}

	report.Duration = time.Since(start).String()
	if len(report.Planned) > 0 {
		e.logger.Info("reconcile sweep finished",
			zap.String("mode", string(opts.Mode)),
			zap.Int("scanned", report.Scanned),
			zap.Int("planned", len(report.Planned)),
			zap.Int("deleted", report.Deleted),
		)
	}
	return report, nil
}

// SweepAround collapses the processing placeholder of t's purchase into
// t, used right after a paid row is created by a webhook. Only the
// placeholder pass runs, and a row without a complete purchase (clinic,
// patient and product) is never swept around.
func (e *Engine) SweepAround(ctx context.Context, t *db.PaymentTransaction, mode Mode) (*Report, error) {
	if mode == "" {
		mode = ModeDryRun
	}
	k, ok := purchaseOf(t)
	if !ok {
		return &Report{Mode: mode, Duration: "0s"}, nil
	}

	rule := e.policy.Placeholder
	if rule.Window <= 0 {
		rule.Window = 45 * time.Minute
	}
	return e.sweep(ctx, Options{
		Mode: mode,
		Filter: db.TransactionFilter{
			CreatedAfter: t.CreatedAt.Add(-rule.Window),
			ClinicID:     k.clinic,
			PatientID:    k.patient,
			ProductID:    k.product,
		},
	}, Policy{Placeholder: rule})
}
