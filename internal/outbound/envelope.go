package outbound

import (
	"encoding/json"
	"time"

	"github.com/lalithlochan/payrelay/internal/db"
)

// SpecVersion is the envelope format version sent in X-Webhook-Spec-Version.
const SpecVersion = "1.0"

// Envelope is the canonical JSON body of every outbound callback.
type Envelope struct {
	SpecVersion    string          `json:"specVersion"`
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	CreatedAt      time.Time       `json:"createdAt"`
	Attempt        int             `json:"attempt"`
	IdempotencyKey string          `json:"idempotencyKey"`
	ClinicID       string          `json:"clinicId,omitempty"`
	Resource       string          `json:"resource"`
	Data           json.RawMessage `json:"data"`
}

// NewEnvelope wraps a business event for delivery. The idempotency key is
// the event id, so receivers can drop redeliveries of the same event.
func NewEnvelope(ev *db.OutboundEvent, attempt int) Envelope {
	data := ev.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	return Envelope{
		SpecVersion:    SpecVersion,
		ID:             ev.ID.String(),
		Type:           ev.Type,
		CreatedAt:      ev.CreatedAt.UTC(),
		Attempt:        attempt,
		IdempotencyKey: ev.ID.String(),
		ClinicID:       ev.ClinicID,
		Resource:       ev.Resource,
		Data:           data,
	}
}

// BuildBody serializes the envelope for an attempt.
func BuildBody(ev *db.OutboundEvent, attempt int) ([]byte, error) {
	return json.Marshal(NewEnvelope(ev, attempt))
}
