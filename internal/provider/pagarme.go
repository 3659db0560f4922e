package provider

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/lalithlochan/payrelay/internal/db"
	"github.com/lalithlochan/payrelay/internal/ledger"
)

// Pagarme is the provider name used in routes and storage.
const Pagarme = "pagarme"

// pagarmeStatuses maps event types to transaction statuses.
var pagarmeStatuses = map[string]string{
	"order.created":           db.TxStatusPending,
	"order.paid":              db.TxStatusPaid,
	"order.payment_failed":    db.TxStatusFailed,
	"order.canceled":          db.TxStatusCanceled,
	"charge.pending":          db.TxStatusProcessing,
	"charge.processing":       db.TxStatusProcessing,
	"charge.paid":             db.TxStatusPaid,
	"charge.payment_failed":   db.TxStatusFailed,
	"charge.refunded":         db.TxStatusRefunded,
	"charge.partial_canceled": db.TxStatusPartiallyRefunded,
	"charge.chargedback":      db.TxStatusChargeback,
}

type pagarmeHook struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type pagarmeCustomer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type pagarmeCharge struct {
	ID            string            `json:"id"`
	Amount        *int64            `json:"amount"`
	Currency      string            `json:"currency"`
	PaymentMethod string            `json:"payment_method"`
	Customer      *pagarmeCustomer  `json:"customer"`
	Metadata      map[string]string `json:"metadata"`
	Order         *struct {
		ID       string            `json:"id"`
		Metadata map[string]string `json:"metadata"`
	} `json:"order"`
}

type pagarmeOrder struct {
	ID       string            `json:"id"`
	Amount   *int64            `json:"amount"`
	Currency string            `json:"currency"`
	Customer *pagarmeCustomer  `json:"customer"`
	Metadata map[string]string `json:"metadata"`
	Charges  []struct {
		ID            string `json:"id"`
		PaymentMethod string `json:"payment_method"`
	} `json:"charges"`
}

// PagarmeAdapter handles card and PIX notifications from Pagar.me.
type PagarmeAdapter struct {
	secret string
}

// NewPagarme creates the adapter. An empty secret disables verification.
func NewPagarme(secret string) *PagarmeAdapter {
	return &PagarmeAdapter{secret: secret}
}

func (a *PagarmeAdapter) Name() string { return Pagarme }

// Verify checks X-Hub-Signature: sha1=<hex HMAC-SHA1(secret, body)>.
func (a *PagarmeAdapter) Verify(header http.Header, body []byte) error {
	if a.secret == "" {
		return nil
	}

	sig, ok := strings.CutPrefix(header.Get("X-Hub-Signature"), "sha1=")
	if !ok {
		return fmt.Errorf("%w: missing sha1 signature", ErrInvalidSignature)
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	mac := hmac.New(sha1.New, []byte(a.secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// Identify uses the hook id for delivery dedup and type+resource id as
// the event id, so a redelivered hook and a re-sent event both collapse.
func (a *PagarmeAdapter) Identify(body []byte) (Identity, error) {
	var hook pagarmeHook
	if err := json.Unmarshal(body, &hook); err != nil {
		return Identity{}, fmt.Errorf("decode pagarme hook: %w", err)
	}

	var data struct {
		ID string `json:"id"`
	}
	if len(hook.Data) > 0 {
		if err := json.Unmarshal(hook.Data, &data); err != nil {
			return Identity{}, fmt.Errorf("decode pagarme data: %w", err)
		}
	}

	if hook.ID == "" || hook.Type == "" || data.ID == "" {
		return Identity{}, fmt.Errorf("pagarme hook missing id, type or data.id")
	}
	return Identity{HookID: hook.ID, EventID: hook.Type + ":" + data.ID, Type: hook.Type}, nil
}

func (a *PagarmeAdapter) Handlers() map[string]Handler {
	handlers := make(map[string]Handler, len(pagarmeStatuses))
	for eventType, status := range pagarmeStatuses {
		if strings.HasPrefix(eventType, "order.") {
			handlers[eventType] = pagarmeOrderHandler(status)
		} else {
			handlers[eventType] = pagarmeChargeHandler(status)
		}
	}
	return handlers
}

func pagarmeData(payload json.RawMessage, v any) error {
	var hook pagarmeHook
	if err := json.Unmarshal(payload, &hook); err != nil {
		return ledger.Permanent(fmt.Errorf("decode pagarme hook: %w", err))
	}
	if err := json.Unmarshal(hook.Data, v); err != nil {
		return ledger.Permanent(fmt.Errorf("decode pagarme data: %w", err))
	}
	return nil
}

func pagarmeOrderHandler(status string) HandlerFunc {
	return func(payload json.RawMessage) (*db.TransitionRequest, error) {
		var order pagarmeOrder
		if err := pagarmeData(payload, &order); err != nil {
			return nil, err
		}

		req := &db.TransitionRequest{
			OrderID:    order.ID,
			Status:     status,
			RawPayload: payload,
			Fields:     metadataFields(order.Metadata),
		}
		req.Fields.AmountCents = order.Amount
		req.Fields.Currency = order.Currency
		if len(order.Charges) > 0 {
			req.ChargeID = order.Charges[0].ID
			req.Fields.PaymentMethodType = order.Charges[0].PaymentMethod
		}
		if order.Customer != nil {
			req.Fields.BuyerName = order.Customer.Name
			req.Fields.BuyerEmail = order.Customer.Email
		}
		return req, nil
	}
}

func pagarmeChargeHandler(status string) HandlerFunc {
	return func(payload json.RawMessage) (*db.TransitionRequest, error) {
		var charge pagarmeCharge
		if err := pagarmeData(payload, &charge); err != nil {
			return nil, err
		}

		meta := charge.Metadata
		req := &db.TransitionRequest{
			ChargeID:   charge.ID,
			Status:     status,
			RawPayload: payload,
		}
		if charge.Order != nil {
			req.OrderID = charge.Order.ID
			if len(meta) == 0 {
				meta = charge.Order.Metadata
			}
		}
		req.Fields = metadataFields(meta)
		req.Fields.AmountCents = charge.Amount
		req.Fields.Currency = charge.Currency
		req.Fields.PaymentMethodType = charge.PaymentMethod
		if charge.Customer != nil {
			req.Fields.BuyerName = charge.Customer.Name
			req.Fields.BuyerEmail = charge.Customer.Email
		}
		return req, nil
	}
}

// metadataFields reads the clinic/patient/product ids that checkout
// attaches to every provider order.
func metadataFields(meta map[string]string) db.TransactionFields {
	return db.TransactionFields{
		ClinicID:  meta["clinic_id"],
		PatientID: meta["patient_id"],
		ProductID: meta["product_id"],
	}
}
