package provider

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/lalithlochan/payrelay/internal/db"
	"github.com/lalithlochan/payrelay/internal/ledger"
	"github.com/lalithlochan/payrelay/internal/outbound"
)

const pagarmeOrderPaid = `{
	"id": "hook_abc",
	"type": "order.paid",
	"data": {
		"id": "or_123",
		"amount": 15000,
		"currency": "BRL",
		"customer": {"name": "Ana Souza", "email": "ana@example.com"},
		"metadata": {"clinic_id": "clinic-1", "patient_id": "pat-7", "product_id": "prod-9"},
		"charges": [{"id": "ch_456", "payment_method": "pix"}]
	}
}`

const pagarmeChargeRefunded = `{
	"id": "hook_def",
	"type": "charge.refunded",
	"data": {
		"id": "ch_456",
		"amount": 15000,
		"currency": "BRL",
		"payment_method": "credit_card",
		"order": {"id": "or_123", "metadata": {"clinic_id": "clinic-1"}}
	}
}`

func pagarmeSignature(secret string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}

func TestPagarme_Verify(t *testing.T) {
	body := []byte(pagarmeOrderPaid)
	a := NewPagarme("pg_secret")

	tests := []struct {
		name   string
		header string
		ok     bool
	}{
		{"valid", pagarmeSignature("pg_secret", body), true},
		{"wrong secret", pagarmeSignature("other", body), false},
		{"missing prefix", hex.EncodeToString([]byte("x")), false},
		{"not hex", "sha1=zz", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			h.Set("X-Hub-Signature", tt.header)
			err := a.Verify(h, body)
			if tt.ok && err != nil {
				t.Fatalf("expected valid signature, got %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidSignature) {
				t.Fatalf("expected ErrInvalidSignature, got %v", err)
			}
		})
	}

	if err := NewPagarme("").Verify(http.Header{}, body); err != nil {
		t.Errorf("empty secret should skip verification, got %v", err)
	}
}

func TestPagarme_Identify(t *testing.T) {
	id, err := NewPagarme("").Identify([]byte(pagarmeOrderPaid))
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	want := Identity{HookID: "hook_abc", EventID: "order.paid:or_123", Type: "order.paid"}
	if id != want {
		t.Errorf("Identify() = %+v, want %+v", id, want)
	}

	for _, body := range []string{`not json`, `{"id":"hook_1","type":"order.paid","data":{}}`, `{"type":"order.paid","data":{"id":"or_1"}}`} {
		if _, err := NewPagarme("").Identify([]byte(body)); err == nil {
			t.Errorf("expected error identifying %s", body)
		}
	}
}

func TestPagarme_OrderPaid(t *testing.T) {
	r := NewRegistry(NewPagarme(""))

	req, err := r.Handle(Pagarme, "order.paid", json.RawMessage(pagarmeOrderPaid))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	if req.Provider != Pagarme || req.OrderID != "or_123" || req.ChargeID != "ch_456" || req.Status != db.TxStatusPaid {
		t.Errorf("unexpected request %+v", req)
	}
	f := req.Fields
	if f.ClinicID != "clinic-1" || f.PatientID != "pat-7" || f.ProductID != "prod-9" {
		t.Errorf("metadata not mapped: %+v", f)
	}
	if f.AmountCents == nil || *f.AmountCents != 15000 || f.Currency != "BRL" || f.PaymentMethodType != "pix" {
		t.Errorf("amount fields not mapped: %+v", f)
	}
	if f.BuyerName != "Ana Souza" || f.BuyerEmail != "ana@example.com" {
		t.Errorf("buyer not mapped: %+v", f)
	}
	if string(req.RawPayload) != pagarmeOrderPaid {
		t.Error("raw payload should be carried through")
	}
}

func TestPagarme_ChargeFallsBackToOrderMetadata(t *testing.T) {
	r := NewRegistry(NewPagarme(""))

	req, err := r.Handle(Pagarme, "charge.refunded", json.RawMessage(pagarmeChargeRefunded))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if req.OrderID != "or_123" || req.ChargeID != "ch_456" || req.Status != db.TxStatusRefunded {
		t.Errorf("unexpected request %+v", req)
	}
	if req.Fields.ClinicID != "clinic-1" || req.Fields.PaymentMethodType != "credit_card" {
		t.Errorf("unexpected fields %+v", req.Fields)
	}
}

func TestPagarme_StatusMapping(t *testing.T) {
	r := NewRegistry(NewPagarme(""))
	tests := map[string]string{
		"order.created":           db.TxStatusPending,
		"order.payment_failed":    db.TxStatusFailed,
		"charge.pending":          db.TxStatusProcessing,
		"charge.paid":             db.TxStatusPaid,
		"charge.partial_canceled": db.TxStatusPartiallyRefunded,
		"charge.chargedback":      db.TxStatusChargeback,
	}
	for eventType, want := range tests {
		req, err := r.Handle(Pagarme, eventType, json.RawMessage(`{"id":"h","type":"`+eventType+`","data":{"id":"x_1"}}`))
		if err != nil {
			t.Fatalf("%s: %v", eventType, err)
		}
		if req.Status != want {
			t.Errorf("%s mapped to %q, want %q", eventType, req.Status, want)
		}
	}
}

func TestPagarme_UnparseablePayloadIsPermanent(t *testing.T) {
	r := NewRegistry(NewPagarme(""))
	_, err := r.Handle(Pagarme, "order.paid", json.RawMessage(`{"data":"nope"}`))
	if err == nil || !ledger.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func stripeBody(eventType, object string) []byte {
	return []byte(`{"id":"evt_1","type":"` + eventType + `","data":{"object":` + object + `}}`)
}

func TestStripe_VerifyWithSharedSigner(t *testing.T) {
	now := time.Unix(1767225600, 0)
	signer := &outbound.HMACSigner{Tolerance: 5 * time.Minute, Now: func() time.Time { return now }}
	a := NewStripe("whsec_stripe", signer)
	body := stripeBody("payment_intent.succeeded", `{"id":"pi_1"}`)

	h := http.Header{}
	h.Set("Stripe-Signature", signer.Sign("whsec_stripe", body, now))
	if err := a.Verify(h, body); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}

	h.Set("Stripe-Signature", signer.Sign("whsec_other", body, now))
	if err := a.Verify(h, body); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	h.Set("Stripe-Signature", signer.Sign("whsec_stripe", body, now.Add(-time.Hour)))
	if err := a.Verify(h, body); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected stale signature to fail, got %v", err)
	}
}

func TestStripe_Handlers(t *testing.T) {
	r := NewRegistry(NewStripe("", outbound.NewHMACSigner(0)))

	intent := `{"id":"pi_1","amount":9900,"currency":"brl","latest_charge":"ch_1","payment_method_types":["card"],"metadata":{"clinic_id":"c1"}}`

	tests := []struct {
		name       string
		eventType  string
		object     string
		wantStatus string
		wantOrder  string
		wantCharge string
	}{
		{"processing", "payment_intent.processing", intent, db.TxStatusProcessing, "pi_1", "ch_1"},
		{"authorized", "payment_intent.amount_capturable_updated", intent, db.TxStatusAuthorized, "pi_1", "ch_1"},
		{"succeeded", "payment_intent.succeeded", intent, db.TxStatusPaid, "pi_1", "ch_1"},
		{"failed", "payment_intent.payment_failed", intent, db.TxStatusFailed, "pi_1", "ch_1"},
		{"canceled", "payment_intent.canceled", intent, db.TxStatusCanceled, "pi_1", "ch_1"},
		{"full refund", "charge.refunded", `{"id":"ch_1","payment_intent":"pi_1","amount":9900,"amount_refunded":9900,"refunded":true}`, db.TxStatusRefunded, "pi_1", "ch_1"},
		{"partial refund", "charge.refunded", `{"id":"ch_1","payment_intent":"pi_1","amount":9900,"amount_refunded":100}`, db.TxStatusPartiallyRefunded, "pi_1", "ch_1"},
		{"dispute", "charge.dispute.created", `{"id":"dp_1","charge":"ch_1","payment_intent":"pi_1"}`, db.TxStatusChargeback, "pi_1", "ch_1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := r.Handle(Stripe, tt.eventType, stripeBody(tt.eventType, tt.object))
			if err != nil {
				t.Fatalf("handle: %v", err)
			}
			if req.Status != tt.wantStatus || req.OrderID != tt.wantOrder || req.ChargeID != tt.wantCharge {
				t.Errorf("got status=%s order=%s charge=%s", req.Status, req.OrderID, req.ChargeID)
			}
			if req.Provider != Stripe {
				t.Errorf("provider = %q", req.Provider)
			}
		})
	}

	req, _ := r.Handle(Stripe, "payment_intent.succeeded", stripeBody("payment_intent.succeeded", intent))
	if req.Fields.Currency != "BRL" || req.Fields.ClinicID != "c1" || req.Fields.PaymentMethodType != "card" {
		t.Errorf("unexpected fields %+v", req.Fields)
	}
}

func TestStripe_Identify(t *testing.T) {
	a := NewStripe("", outbound.NewHMACSigner(0))
	id, err := a.Identify(stripeBody("charge.refunded", `{}`))
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	if id.HookID != "evt_1" || id.EventID != "evt_1" || id.Type != "charge.refunded" {
		t.Errorf("unexpected identity %+v", id)
	}
}

func TestRegistry_Routing(t *testing.T) {
	r := NewRegistry(NewPagarme(""))

	if _, err := r.Adapter(Pagarme); err != nil {
		t.Fatalf("adapter lookup: %v", err)
	}
	if _, err := r.Adapter("paypal"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
	if _, err := r.Handle(Pagarme, "subscription.created", json.RawMessage(`{}`)); !errors.Is(err, ErrNoHandler) {
		t.Errorf("expected ErrNoHandler, got %v", err)
	}

	r.Register("manual", "settle", HandlerFunc(func(payload json.RawMessage) (*db.TransitionRequest, error) {
		return &db.TransitionRequest{OrderID: "m_1", Status: db.TxStatusPaid}, nil
	}))
	req, err := r.Handle("manual", "settle", json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if req.Provider != "manual" || string(req.RawPayload) != `{"x":1}` {
		t.Errorf("registry should stamp provider and payload, got %+v", req)
	}
}
