package payment

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/payrelay/internal/db"
)

var (
	// ErrMalformedKey means the request carries neither an order id nor a
	// charge id. The ledger retries it like any transient failure.
	ErrMalformedKey = errors.New("malformed correlation key: no order or charge id")

	// ErrUnknownStatus means the request names a status outside the table.
	ErrUnknownStatus = errors.New("unknown payment status")
)

// Store persists transitions atomically under a row lock.
type Store interface {
	ApplyTransition(ctx context.Context, req db.TransitionRequest, policy db.TransitionPolicy) (*db.TransitionOutcome, error)
}

// Machine applies provider-reported statuses to payment transactions.
type Machine struct {
	store  Store
	policy db.TransitionPolicy
	logger *zap.Logger
}

// NewMachine creates a state machine over store.
func NewMachine(store Store, logger *zap.Logger) *Machine {
	return &Machine{
		store:  store,
		policy: Policy(),
		logger: logger,
	}
}

// Apply moves the transaction addressed by req toward req.Status and
// returns the outcome. AppliedStatus is the status after the call, which
// equals the previous status when the request was stale or a duplicate.
func (m *Machine) Apply(ctx context.Context, req db.TransitionRequest) (*db.TransitionOutcome, error) {
	if req.Provider == "" || (req.OrderID == "" && req.ChargeID == "") {
		return nil, ErrMalformedKey
	}
	if !Valid(req.Status) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, req.Status)
	}

	outcome, err := m.store.ApplyTransition(ctx, req, m.policy)
	if err != nil {
		return nil, fmt.Errorf("apply %s transition: %w", req.Status, err)
	}

	if outcome.Transaction == nil {
		m.logger.Debug("no transaction to transition",
			zap.String("provider", req.Provider),
			zap.String("order_id", req.OrderID),
			zap.String("charge_id", req.ChargeID),
			zap.String("status", req.Status),
		)
	}

	return outcome, nil
}
