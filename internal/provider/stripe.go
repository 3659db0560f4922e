package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/lalithlochan/payrelay/internal/db"
	"github.com/lalithlochan/payrelay/internal/ledger"
	"github.com/lalithlochan/payrelay/internal/outbound"
)

// Stripe is the provider name used in routes and storage.
const Stripe = "stripe"

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripePaymentIntent struct {
	ID                 string            `json:"id"`
	Amount             *int64            `json:"amount"`
	Currency           string            `json:"currency"`
	LatestCharge       string            `json:"latest_charge"`
	PaymentMethodTypes []string          `json:"payment_method_types"`
	ReceiptEmail       string            `json:"receipt_email"`
	Metadata           map[string]string `json:"metadata"`
}

type stripeCharge struct {
	ID             string            `json:"id"`
	PaymentIntent  string            `json:"payment_intent"`
	Amount         *int64            `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Refunded       bool              `json:"refunded"`
	Currency       string            `json:"currency"`
	Metadata       map[string]string `json:"metadata"`
	BillingDetails struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"billing_details"`
	PaymentMethodDetails struct {
		Type string `json:"type"`
	} `json:"payment_method_details"`
}

type stripeDispute struct {
	ID            string            `json:"id"`
	Charge        string            `json:"charge"`
	PaymentIntent string            `json:"payment_intent"`
	Metadata      map[string]string `json:"metadata"`
}

// StripeAdapter handles card notifications from Stripe. The payment
// intent id is the order id.
type StripeAdapter struct {
	secret string
	signer outbound.Signer
}

// NewStripe creates the adapter. Signatures are checked with signer,
// the same scheme payrelay uses for its own outbound webhooks.
func NewStripe(secret string, signer outbound.Signer) *StripeAdapter {
	return &StripeAdapter{secret: secret, signer: signer}
}

func (a *StripeAdapter) Name() string { return Stripe }

func (a *StripeAdapter) Verify(header http.Header, body []byte) error {
	if a.secret == "" {
		return nil
	}
	if err := a.signer.Verify(a.secret, body, header.Get("Stripe-Signature")); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// Identify uses the Stripe event id for both dedup keys; Stripe retries
// a delivery with the same event id.
func (a *StripeAdapter) Identify(body []byte) (Identity, error) {
	var ev stripeEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return Identity{}, fmt.Errorf("decode stripe event: %w", err)
	}
	if ev.ID == "" || ev.Type == "" {
		return Identity{}, fmt.Errorf("stripe event missing id or type")
	}
	return Identity{HookID: ev.ID, EventID: ev.ID, Type: ev.Type}, nil
}

func (a *StripeAdapter) Handlers() map[string]Handler {
	return map[string]Handler{
		"payment_intent.processing":                stripeIntentHandler(db.TxStatusProcessing),
		"payment_intent.amount_capturable_updated": stripeIntentHandler(db.TxStatusAuthorized),
		"payment_intent.succeeded":                 stripeIntentHandler(db.TxStatusPaid),
		"payment_intent.payment_failed":            stripeIntentHandler(db.TxStatusFailed),
		"payment_intent.canceled":                  stripeIntentHandler(db.TxStatusCanceled),
		"charge.refunded":                          HandlerFunc(stripeRefund),
		"charge.dispute.created":                   HandlerFunc(stripeDisputeCreated),
	}
}

func stripeObject(payload json.RawMessage, v any) error {
	var ev stripeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ledger.Permanent(fmt.Errorf("decode stripe event: %w", err))
	}
	if err := json.Unmarshal(ev.Data.Object, v); err != nil {
		return ledger.Permanent(fmt.Errorf("decode stripe object: %w", err))
	}
	return nil
}

func stripeIntentHandler(status string) HandlerFunc {
	return func(payload json.RawMessage) (*db.TransitionRequest, error) {
		var pi stripePaymentIntent
		if err := stripeObject(payload, &pi); err != nil {
			return nil, err
		}

		req := &db.TransitionRequest{
			OrderID:    pi.ID,
			ChargeID:   pi.LatestCharge,
			Status:     status,
			RawPayload: payload,
			Fields:     metadataFields(pi.Metadata),
		}
		req.Fields.AmountCents = pi.Amount
		req.Fields.Currency = strings.ToUpper(pi.Currency)
		req.Fields.BuyerEmail = pi.ReceiptEmail
		if len(pi.PaymentMethodTypes) > 0 {
			req.Fields.PaymentMethodType = pi.PaymentMethodTypes[0]
		}
		return req, nil
	}
}

func stripeRefund(payload json.RawMessage) (*db.TransitionRequest, error) {
	var ch stripeCharge
	if err := stripeObject(payload, &ch); err != nil {
		return nil, err
	}

	status := db.TxStatusPartiallyRefunded
	if ch.Refunded || (ch.Amount != nil && ch.AmountRefunded >= *ch.Amount) {
		status = db.TxStatusRefunded
	}

	req := &db.TransitionRequest{
		OrderID:    ch.PaymentIntent,
		ChargeID:   ch.ID,
		Status:     status,
		RawPayload: payload,
		Fields:     metadataFields(ch.Metadata),
	}
	req.Fields.AmountCents = ch.Amount
	req.Fields.Currency = strings.ToUpper(ch.Currency)
	req.Fields.PaymentMethodType = ch.PaymentMethodDetails.Type
	req.Fields.BuyerName = ch.BillingDetails.Name
	req.Fields.BuyerEmail = ch.BillingDetails.Email
	return req, nil
}

func stripeDisputeCreated(payload json.RawMessage) (*db.TransitionRequest, error) {
	var dp stripeDispute
	if err := stripeObject(payload, &dp); err != nil {
		return nil, err
	}
	return &db.TransitionRequest{
		OrderID:    dp.PaymentIntent,
		ChargeID:   dp.Charge,
		Status:     db.TxStatusChargeback,
		RawPayload: payload,
		Fields:     metadataFields(dp.Metadata),
	}, nil
}
