package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const transactionColumns = `
	id, provider, provider_order_id, provider_charge_id, status,
	amount_cents, currency, payment_method_type, clinic_id, patient_id,
	product_id, buyer_name, buyer_email, raw_payload,
	paid_at, captured_at, refunded_at, created_at, updated_at`

func scanTransaction(row pgx.Row) (*PaymentTransaction, error) {
	var (
		t                                   PaymentTransaction
		orderID, chargeID, currency, method *string
		clinicID, patientID, productID      *string
		buyerName, buyerEmail               *string
	)
	err := row.Scan(
		&t.ID,
		&t.Provider,
		&orderID,
		&chargeID,
		&t.Status,
		&t.AmountCents,
		&currency,
		&method,
		&clinicID,
		&patientID,
		&productID,
		&buyerName,
		&buyerEmail,
		&t.RawPayload,
		&t.PaidAt,
		&t.CapturedAt,
		&t.RefundedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.ProviderOrderID = deref(orderID)
	t.ProviderChargeID = deref(chargeID)
	t.Currency = deref(currency)
	t.PaymentMethodType = deref(method)
	t.ClinicID = deref(clinicID)
	t.PatientID = deref(patientID)
	t.ProductID = deref(productID)
	t.BuyerName = deref(buyerName)
	t.BuyerEmail = deref(buyerEmail)

	return &t, nil
}

// ApplyTransition moves the transaction identified by the request's
// correlation key toward req.Status under a row lock. The status is only
// replaced when policy.Ahead says the new one is strictly ahead; metadata
// fills empty columns; raw_payload is always refreshed. When the status
// changes, a business event is written to outbound_events in the same
// database transaction.
func (r *Repository) ApplyTransition(ctx context.Context, req TransitionRequest, policy TransitionPolicy) (*TransitionOutcome, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	outcome, err := r.applyTransition(ctx, tx, req, policy)
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	if outcome.Changed {
		r.logger.Info("payment transition applied",
			zap.String("transaction_id", outcome.Transaction.ID.String()),
			zap.String("provider", req.Provider),
			zap.String("from", outcome.PreviousStatus),
			zap.String("to", outcome.AppliedStatus),
			zap.Bool("created", outcome.Created),
		)
	}

	return outcome, nil
}

func (r *Repository) applyTransition(ctx context.Context, tx pgx.Tx, req TransitionRequest, policy TransitionPolicy) (*TransitionOutcome, error) {
	// Two rounds: a concurrent defensive insert can win the unique index
	// between our lookup and our insert, in which case we lock its row.
	for round := 0; round < 2; round++ {
		current, err := lockTransaction(ctx, tx, req)
		if err != nil {
			return nil, err
		}

		if current != nil {
			return r.updateTransaction(ctx, tx, current, req, policy)
		}

		if !policy.CreateOnMissing(req.Status) {
			return &TransitionOutcome{}, nil
		}

		created, err := insertTransaction(ctx, tx, req)
		if err != nil {
			return nil, err
		}
		if created == nil {
			continue
		}

		outcome := &TransitionOutcome{
			Transaction:   created,
			AppliedStatus: created.Status,
			Changed:       true,
			Created:       true,
		}
		if outcome.EventID, err = insertBusinessEvent(ctx, tx, created, policy.EventType(created.Status)); err != nil {
			return nil, err
		}
		return outcome, nil
	}

	return nil, fmt.Errorf("transaction for %s order=%q charge=%q: concurrent insert conflict", req.Provider, req.OrderID, req.ChargeID)
}

// lockTransaction finds the row by order id first, then by charge id,
// holding FOR UPDATE until the surrounding transaction ends.
func lockTransaction(ctx context.Context, tx pgx.Tx, req TransitionRequest) (*PaymentTransaction, error) {
	if req.OrderID != "" {
		query := `SELECT ` + transactionColumns + `
			FROM payment_transactions
			WHERE provider = $1 AND provider_order_id = $2
			FOR UPDATE`

		t, err := scanTransaction(tx.QueryRow(ctx, query, req.Provider, req.OrderID))
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("lock transaction by order: %w", err)
		}
	}

	if req.ChargeID != "" {
		query := `SELECT ` + transactionColumns + `
			FROM payment_transactions
			WHERE provider = $1 AND provider_charge_id = $2
			ORDER BY (provider_order_id IS NOT NULL) DESC, created_at DESC
			LIMIT 1
			FOR UPDATE`

		t, err := scanTransaction(tx.QueryRow(ctx, query, req.Provider, req.ChargeID))
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("lock transaction by charge: %w", err)
		}
	}

	return nil, nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, req TransitionRequest) (*PaymentTransaction, error) {
	paid, refunded := stampsFor(req.Status)
	f := req.Fields

	query := `
		INSERT INTO payment_transactions (
			id, provider, provider_order_id, provider_charge_id, status,
			amount_cents, currency, payment_method_type, clinic_id, patient_id,
			product_id, buyer_name, buyer_email, raw_payload,
			paid_at, captured_at, refunded_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			CASE WHEN $15::boolean THEN NOW() END,
			CASE WHEN $15::boolean THEN NOW() END,
			CASE WHEN $16::boolean THEN NOW() END
		)
		ON CONFLICT DO NOTHING
		RETURNING ` + transactionColumns

	t, err := scanTransaction(tx.QueryRow(ctx, query,
		uuid.New(),
		req.Provider,
		nullable(req.OrderID),
		nullable(req.ChargeID),
		req.Status,
		f.AmountCents,
		nullable(f.Currency),
		nullable(f.PaymentMethodType),
		nullable(f.ClinicID),
		nullable(f.PatientID),
		nullable(f.ProductID),
		nullable(f.BuyerName),
		nullable(f.BuyerEmail),
		req.RawPayload,
		paid,
		refunded,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	return t, nil
}

func (r *Repository) updateTransaction(ctx context.Context, tx pgx.Tx, current *PaymentTransaction, req TransitionRequest, policy TransitionPolicy) (*TransitionOutcome, error) {
	changed := policy.Ahead(current.Status, req.Status)
	next := current.Status
	if changed {
		next = req.Status
	}

	paid, refunded := false, false
	if changed {
		paid, refunded = stampsFor(next)
	}
	f := req.Fields

	query := `
		UPDATE payment_transactions SET
			status = $2,
			provider_order_id = COALESCE(provider_order_id, $3),
			provider_charge_id = COALESCE(provider_charge_id, $4),
			amount_cents = COALESCE(amount_cents, $5),
			currency = COALESCE(currency, $6),
			payment_method_type = COALESCE(payment_method_type, $7),
			clinic_id = COALESCE(clinic_id, $8),
			patient_id = COALESCE(patient_id, $9),
			product_id = COALESCE(product_id, $10),
			buyer_name = COALESCE(buyer_name, $11),
			buyer_email = COALESCE(buyer_email, $12),
			raw_payload = $13,
			paid_at = CASE WHEN $14::boolean THEN COALESCE(paid_at, NOW()) ELSE paid_at END,
			captured_at = CASE WHEN $14::boolean THEN COALESCE(captured_at, NOW()) ELSE captured_at END,
			refunded_at = CASE WHEN $15::boolean THEN COALESCE(refunded_at, NOW()) ELSE refunded_at END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + transactionColumns

	updated, err := scanTransaction(tx.QueryRow(ctx, query,
		current.ID,
		next,
		nullable(req.OrderID),
		nullable(req.ChargeID),
		f.AmountCents,
		nullable(f.Currency),
		nullable(f.PaymentMethodType),
		nullable(f.ClinicID),
		nullable(f.PatientID),
		nullable(f.ProductID),
		nullable(f.BuyerName),
		nullable(f.BuyerEmail),
		req.RawPayload,
		paid,
		refunded,
	))
	if err != nil {
		return nil, fmt.Errorf("update transaction: %w", err)
	}

	outcome := &TransitionOutcome{
		Transaction:    updated,
		PreviousStatus: current.Status,
		AppliedStatus:  updated.Status,
		Changed:        changed,
	}

	if changed {
		if outcome.EventID, err = insertBusinessEvent(ctx, tx, updated, policy.EventType(next)); err != nil {
			return nil, err
		}
	} else {
		r.logger.Debug("stale or duplicate transition ignored",
			zap.String("transaction_id", current.ID.String()),
			zap.String("current", current.Status),
			zap.String("requested", req.Status),
		)
	}

	return outcome, nil
}

// insertBusinessEvent writes the outbox row for an applied transition.
func insertBusinessEvent(ctx context.Context, tx pgx.Tx, t *PaymentTransaction, eventType string) (*uuid.UUID, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal transaction snapshot: %w", err)
	}

	id := uuid.New()
	query := `
		INSERT INTO outbound_events (id, type, clinic_id, resource, resource_id, data)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := tx.Exec(ctx, query, id, eventType, t.ClinicID, ResourcePaymentTransaction, t.ID.String(), data); err != nil {
		return nil, fmt.Errorf("insert outbound event: %w", err)
	}

	return &id, nil
}

// stampsFor reports which milestone timestamps a status sets on first arrival.
func stampsFor(status string) (paid, refunded bool) {
	switch status {
	case TxStatusPaid, TxStatusChargeback:
		return true, false
	case TxStatusPartiallyRefunded, TxStatusRefunded:
		return true, true
	}
	return false, false
}

// ListTransactions returns candidate rows for reconciliation, oldest first.
func (r *Repository) ListTransactions(ctx context.Context, filter TransactionFilter) ([]*PaymentTransaction, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 10000
	}

	query := `
		SELECT ` + transactionColumns + `
		FROM payment_transactions
		WHERE created_at >= $1
		  AND ($2 = '' OR clinic_id = $2)
		  AND ($3 = '' OR patient_id = $3)
		  AND ($4 = '' OR product_id = $4)
		ORDER BY created_at ASC, id ASC
		LIMIT $5
	`

	rows, err := r.db.Pool().Query(ctx, query,
		filter.CreatedAfter, filter.ClinicID, filter.PatientID, filter.ProductID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var txns []*PaymentTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txns = append(txns, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return txns, nil
}

// DeleteTransaction removes a duplicate row only while it still matches
// snapshot. It reports false when the row is gone or its status or
// updated_at moved since the snapshot was read.
func (r *Repository) DeleteTransaction(ctx context.Context, snapshot *PaymentTransaction) (bool, error) {
	result, err := r.db.Pool().Exec(ctx, `
		DELETE FROM payment_transactions
		WHERE id = $1 AND status = $2 AND updated_at = $3
	`, snapshot.ID, snapshot.Status, snapshot.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("delete transaction: %w", err)
	}

	return result.RowsAffected() > 0, nil
}
