package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// InboundEvent is one provider notification as recorded by the ledger.
type InboundEvent struct {
	ID               uuid.UUID       `json:"id"`
	Provider         string          `json:"provider"`
	ProviderEventID  string          `json:"provider_event_id"`
	HookID           string          `json:"hook_id"`
	Type             string          `json:"type"`
	RawPayload       json.RawMessage `json:"raw_payload"`
	Status           *string         `json:"status,omitempty"`
	Processed        bool            `json:"processed"`
	Attempts         int             `json:"attempts"`
	MaxAttempts      int             `json:"max_attempts"`
	NextRetryAt      *time.Time      `json:"next_retry_at,omitempty"`
	IsRetryable      bool            `json:"is_retryable"`
	ProcessingError  *string         `json:"processing_error,omitempty"`
	MovedDeadLetter  bool            `json:"moved_dead_letter"`
	DeadLetterReason *string         `json:"dead_letter_reason,omitempty"`
	ProcessedAt      *time.Time      `json:"processed_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// EventStatusProcessing marks an inbound event claimed by a dispatcher.
const EventStatusProcessing = "processing"

// PaymentTransaction is the internal record of a checkout attempt.
// Optional text columns are stored as NULL and surface as "".
type PaymentTransaction struct {
	ID                uuid.UUID       `json:"id"`
	Provider          string          `json:"provider"`
	ProviderOrderID   string          `json:"provider_order_id,omitempty"`
	ProviderChargeID  string          `json:"provider_charge_id,omitempty"`
	Status            string          `json:"status"`
	AmountCents       *int64          `json:"amount_cents,omitempty"`
	Currency          string          `json:"currency,omitempty"`
	PaymentMethodType string          `json:"payment_method_type,omitempty"`
	ClinicID          string          `json:"clinic_id,omitempty"`
	PatientID         string          `json:"patient_id,omitempty"`
	ProductID         string          `json:"product_id,omitempty"`
	BuyerName         string          `json:"buyer_name,omitempty"`
	BuyerEmail        string          `json:"buyer_email,omitempty"`
	RawPayload        json.RawMessage `json:"-"`
	PaidAt            *time.Time      `json:"paid_at,omitempty"`
	CapturedAt        *time.Time      `json:"captured_at,omitempty"`
	RefundedAt        *time.Time      `json:"refunded_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Payment transaction status constants
const (
	TxStatusPending           = "pending"
	TxStatusProcessing        = "processing"
	TxStatusAuthorized        = "authorized"
	TxStatusPaid              = "paid"
	TxStatusPartiallyRefunded = "partially_refunded"
	TxStatusRefunded          = "refunded"
	TxStatusChargeback        = "chargeback"
	TxStatusCanceled          = "canceled"
	TxStatusFailed            = "failed"
)

// TransactionFields carries side-channel metadata from a provider payload.
// Each field only fills an empty column; it never overwrites.
type TransactionFields struct {
	AmountCents       *int64
	Currency          string
	PaymentMethodType string
	ClinicID          string
	PatientID         string
	ProductID         string
	BuyerName         string
	BuyerEmail        string
}

// TransitionRequest asks for a transaction to move to Status.
// The correlation key is Provider plus OrderID and/or ChargeID.
type TransitionRequest struct {
	Provider   string
	OrderID    string
	ChargeID   string
	Status     string
	Fields     TransactionFields
	RawPayload json.RawMessage
}

// TransitionPolicy supplies the status rules to the storage layer so the
// decision runs under the row lock.
type TransitionPolicy struct {
	// Ahead reports whether to is strictly ahead of from.
	Ahead func(from, to string) bool
	// CreateOnMissing reports whether status may create an absent row.
	CreateOnMissing func(status string) bool
	// EventType names the business event emitted for an applied status.
	EventType func(status string) string
}

// TransitionOutcome reports what ApplyTransition did.
type TransitionOutcome struct {
	Transaction    *PaymentTransaction
	PreviousStatus string
	AppliedStatus  string
	Changed        bool
	Created        bool
	EventID        *uuid.UUID
}

// TransactionFilter selects candidate rows for reconciliation.
type TransactionFilter struct {
	CreatedAfter time.Time
	ClinicID     string
	PatientID    string
	ProductID    string
	Limit        int
}

// OutboundEndpoint is a subscriber URL registered by a clinic.
type OutboundEndpoint struct {
	ID                      uuid.UUID `json:"id"`
	ClinicID                string    `json:"clinic_id"`
	URL                     string    `json:"url"`
	Secret                  string    `json:"-"`
	Events                  []string  `json:"events"`
	Enabled                 bool      `json:"enabled"`
	MaxConcurrentDeliveries int       `json:"max_concurrent_deliveries"`
	Categories              []string  `json:"categories,omitempty"`
	Statuses                []string  `json:"statuses,omitempty"`
	ProductIDs              []string  `json:"product_ids,omitempty"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// OutboundEvent is a normalized business event awaiting fan-out.
type OutboundEvent struct {
	ID         uuid.UUID       `json:"id"`
	Type       string          `json:"type"`
	ClinicID   string          `json:"clinic_id"`
	Resource   string          `json:"resource"`
	ResourceID string          `json:"resource_id"`
	Data       json.RawMessage `json:"data"`
	FannedOut  bool            `json:"fanned_out"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ResourcePaymentTransaction is the resource name of payment events.
const ResourcePaymentTransaction = "payment_transaction"

// OutboundDelivery tracks one (endpoint, event) delivery.
type OutboundDelivery struct {
	ID            uuid.UUID  `json:"id"`
	EndpointID    uuid.UUID  `json:"endpoint_id"`
	EventID       uuid.UUID  `json:"event_id"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	LastCode      *int       `json:"last_code,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
	FailureKind   *string    `json:"failure_kind,omitempty"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Delivery status constants
const (
	DeliveryStatusPending    = "pending"
	DeliveryStatusDelivering = "delivering"
	DeliveryStatusDelivered  = "delivered"
	DeliveryStatusFailed     = "failed"
)

// Delivery failure kinds
const (
	FailureKindRejected  = "rejected"  // permanent, never retried
	FailureKindExhausted = "exhausted" // retry budget used up
)

// DeliveryJob is a claimed delivery with everything needed to send it.
type DeliveryJob struct {
	Delivery OutboundDelivery
	Endpoint OutboundEndpoint
	Event    OutboundEvent
}

// DeliveryStats summarizes an endpoint's deliveries by status.
type DeliveryStats struct {
	EndpointID uuid.UUID  `json:"endpoint_id"`
	Pending    int        `json:"pending"`
	Delivering int        `json:"delivering"`
	Delivered  int        `json:"delivered"`
	Failed     int        `json:"failed"`
	Exhausted  int        `json:"exhausted"`
	Rejected   int        `json:"rejected"`
	LastError  *string    `json:"last_error,omitempty"`
	LastFailAt *time.Time `json:"last_failed_at,omitempty"`
}

// DeliveryFilter narrows ListDeliveries.
type DeliveryFilter struct {
	EndpointID *uuid.UUID
	Status     string
	Limit      int
	Offset     int
}
