package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/payrelay/internal/ledger"
	"github.com/lalithlochan/payrelay/internal/metrics"
	"github.com/lalithlochan/payrelay/internal/provider"
	"github.com/lalithlochan/payrelay/internal/redis"
)

// MaxWebhookBody caps inbound provider payloads.
const MaxWebhookBody = 1 << 20

// Adapters resolves a provider name from the URL.
type Adapters interface {
	Adapter(name string) (provider.Adapter, error)
}

// Ingester durably records a notification.
type Ingester interface {
	Ingest(ctx context.Context, n ledger.Notification) (*ledger.IngestResult, error)
}

// Waker is told when new work was recorded.
type Waker interface {
	Notify()
}

// WebhookResponse is the body of every accepted provider call.
type WebhookResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate"`
}

// WebhookHandler accepts provider notifications. It only records them;
// processing happens in the dispatcher, so a 200 says nothing about the
// downstream outcome.
type WebhookHandler struct {
	logger      *zap.Logger
	adapters    Adapters
	ledger      Ingester
	idempotency *redis.IdempotencyService // nil if Redis not configured
	waker       Waker                     // nil disables wake-ups
}

func NewWebhookHandler(logger *zap.Logger, adapters Adapters, ledger Ingester, idempotency *redis.IdempotencyService, waker Waker) *WebhookHandler {
	return &WebhookHandler{
		logger:      logger,
		adapters:    adapters,
		ledger:      ledger,
		idempotency: idempotency,
		waker:       waker,
	}
}

// Receive handles POST /webhooks/{provider}
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "provider")

	adapter, err := h.adapters.Adapter(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_provider", "Unknown provider", name)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable body", err.Error())
		return
	}

	if err := adapter.Verify(r.Header, body); err != nil {
		h.logger.Warn("webhook signature rejected",
			zap.String("provider", name),
			zap.Error(err),
		)
		writeError(w, http.StatusUnauthorized, "invalid_signature", "Invalid signature", "")
		return
	}

	id, err := adapter.Identify(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Unidentifiable notification", err.Error())
		return
	}

	log := h.logger.With(
		zap.String("provider", name),
		zap.String("hook_id", id.HookID),
		zap.String("type", id.Type),
	)

	// Fast path: a hook we already recorded never reaches the database.
	if h.idempotency != nil {
		cached, err := h.idempotency.Check(ctx, name, id.HookID)
		if err != nil {
			log.Warn("idempotency check failed, proceeding", zap.Error(err))
		} else if cached != nil {
			metrics.RecordIdempotencyHit()
			metrics.RecordInboundReceived(name, true)
			w.Header().Set("X-Idempotency-Replayed", "true")
			writeJSON(w, http.StatusOK, WebhookResponse{Received: true, Duplicate: true})
			return
		}
	}

	res, err := h.ledger.Ingest(ctx, ledger.Notification{
		Provider: name,
		HookID:   id.HookID,
		EventID:  id.EventID,
		Type:     id.Type,
		Payload:  body,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidNotification) {
			writeError(w, http.StatusBadRequest, "invalid_request", "Unidentifiable notification", err.Error())
			return
		}
		log.Error("failed to record notification", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to record notification", "")
		return
	}

	if h.idempotency != nil && res.Accepted {
		cached := &redis.IdempotencyResult{EventID: res.EventID.String(), RecordedAt: time.Now().Unix()}
		if err := h.idempotency.Store(ctx, name, id.HookID, cached, redis.InboundTTL); err != nil {
			log.Warn("failed to store idempotency result", zap.Error(err))
		}
	}

	if res.Accepted && h.waker != nil {
		h.waker.Notify()
	}

	metrics.RecordInboundReceived(name, res.Duplicate)
	writeJSON(w, http.StatusOK, WebhookResponse{Received: true, Duplicate: res.Duplicate})
}
