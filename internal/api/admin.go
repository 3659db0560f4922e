package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/payrelay/internal/circuitbreaker"
	"github.com/lalithlochan/payrelay/internal/db"
	"github.com/lalithlochan/payrelay/internal/reconcile"
)

// AdminRepository is the storage the operator API reads and repairs.
type AdminRepository interface {
	ListDeadLetters(ctx context.Context, limit, offset int) ([]*db.InboundEvent, error)
	ReplayDeadLetter(ctx context.Context, id uuid.UUID) (*db.InboundEvent, error)
	GetEndpoint(ctx context.Context, id uuid.UUID) (*db.OutboundEndpoint, error)
	EndpointStats(ctx context.Context, endpointID uuid.UUID) (*db.DeliveryStats, error)
	ListDeliveries(ctx context.Context, filter db.DeliveryFilter) ([]*db.OutboundDelivery, error)
	RetryDelivery(ctx context.Context, id uuid.UUID) (*db.OutboundDelivery, error)
}

// Sweeper runs a reconciliation sweep on demand.
type Sweeper interface {
	Sweep(ctx context.Context, opts reconcile.Options) (*reconcile.Report, error)
}

// AdminHandler serves the operator API under /v1.
type AdminHandler struct {
	logger    *zap.Logger
	repo      AdminRepository
	sweeper   Sweeper
	breakers  *circuitbreaker.Registry // nil if breakers are disabled
	waker     Waker
	lookback  time.Duration
	sweepMode reconcile.Mode
}

// AdminConfig carries the defaults used by on-demand reconciliation.
type AdminConfig struct {
	ReconcileLookback time.Duration
	ReconcileMode     reconcile.Mode
}

func NewAdminHandler(logger *zap.Logger, repo AdminRepository, sweeper Sweeper, breakers *circuitbreaker.Registry, waker Waker, cfg AdminConfig) *AdminHandler {
	if cfg.ReconcileLookback <= 0 {
		cfg.ReconcileLookback = 24 * time.Hour
	}
	if cfg.ReconcileMode == "" {
		cfg.ReconcileMode = reconcile.ModeDryRun
	}
	return &AdminHandler{
		logger:    logger,
		repo:      repo,
		sweeper:   sweeper,
		breakers:  breakers,
		waker:     waker,
		lookback:  cfg.ReconcileLookback,
		sweepMode: cfg.ReconcileMode,
	}
}

// Routes mounts the operator endpoints on r.
func (h *AdminHandler) Routes(r chi.Router) {
	r.Get("/dead-letters", h.ListDeadLetters)
	r.Post("/dead-letters/{id}/replay", h.ReplayDeadLetter)
	r.Get("/endpoints/{id}/stats", h.EndpointStats)
	r.Get("/deliveries", h.ListDeliveries)
	r.Post("/deliveries/{id}/retry", h.RetryDelivery)
	r.Post("/reconcile", h.Reconcile)
}

func parseID(w http.ResponseWriter, r *http.Request, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+what+" ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// ListDeadLetters handles GET /v1/dead-letters?limit=20&offset=0
func (h *AdminHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	events, err := h.repo.ListDeadLetters(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("failed to list dead letters", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to list dead letters", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":   events,
		"limit":  limit,
		"offset": offset,
		"count":  len(events),
	})
}

// ReplayDeadLetter handles POST /v1/dead-letters/{id}/replay. The event
// gets a fresh attempt budget and is picked up by the next dispatcher pass.
func (h *AdminHandler) ReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "event")
	if !ok {
		return
	}

	ev, err := h.repo.ReplayDeadLetter(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Dead letter not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to replay dead letter", zap.Error(err), zap.String("event_id", id.String()))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to replay dead letter", "")
		return
	}

	h.logger.Info("dead letter replayed", zap.String("event_id", id.String()))
	if h.waker != nil {
		h.waker.Notify()
	}
	writeJSON(w, http.StatusOK, ev)
}

// EndpointStats handles GET /v1/endpoints/{id}/stats
func (h *AdminHandler) EndpointStats(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "endpoint")
	if !ok {
		return
	}

	if _, err := h.repo.GetEndpoint(r.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "Endpoint not found", "")
			return
		}
		h.logger.Error("failed to load endpoint", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to load endpoint", "")
		return
	}

	stats, err := h.repo.EndpointStats(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to load endpoint stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to load endpoint stats", "")
		return
	}

	resp := map[string]any{"deliveries": stats}
	if h.breakers != nil {
		if cb, ok := h.breakers.Lookup(id.String()); ok {
			resp["circuit"] = cb.Stats()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListDeliveries handles GET /v1/deliveries?endpoint_id=&status=&limit=&offset=
func (h *AdminHandler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	filter := db.DeliveryFilter{
		Status: r.URL.Query().Get("status"),
		Limit:  limit,
		Offset: offset,
	}

	if raw := r.URL.Query().Get("endpoint_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "Invalid endpoint_id", "endpoint_id must be a valid UUID")
			return
		}
		filter.EndpointID = &id
	}

	switch filter.Status {
	case "", db.DeliveryStatusPending, db.DeliveryStatusDelivering, db.DeliveryStatusDelivered, db.DeliveryStatusFailed:
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: pending, delivering, delivered, failed")
		return
	}

	deliveries, err := h.repo.ListDeliveries(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list deliveries", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to list deliveries", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":   deliveries,
		"limit":  limit,
		"offset": offset,
		"count":  len(deliveries),
	})
}

// RetryDelivery handles POST /v1/deliveries/{id}/retry. Only failed
// deliveries can be retried; the endpoint's breaker is reset so the retry
// is not deferred straight away.
func (h *AdminHandler) RetryDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "delivery")
	if !ok {
		return
	}

	d, err := h.repo.RetryDelivery(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Failed delivery not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to retry delivery", zap.Error(err), zap.String("delivery_id", id.String()))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to retry delivery", "")
		return
	}

	if h.breakers != nil {
		if cb, ok := h.breakers.Lookup(d.EndpointID.String()); ok {
			cb.Reset()
		}
	}

	h.logger.Info("delivery requeued", zap.String("delivery_id", id.String()))
	if h.waker != nil {
		h.waker.Notify()
	}
	writeJSON(w, http.StatusOK, d)
}

// Reconcile handles POST /v1/reconcile?mode=dry-run|execute&lookback=24h
func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	mode := h.sweepMode
	if raw := r.URL.Query().Get("mode"); raw != "" {
		m, err := reconcile.ParseMode(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "Invalid mode", "mode must be dry-run or execute")
			return
		}
		mode = m
	}

	lookback := h.lookback
	if raw := r.URL.Query().Get("lookback"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "Invalid lookback", "lookback must be a positive duration")
			return
		}
		lookback = d
	}

	report, err := h.sweeper.Sweep(r.Context(), reconcile.Options{
		Mode:   mode,
		Filter: db.TransactionFilter{CreatedAfter: time.Now().Add(-lookback)},
	})
	if err != nil {
		h.logger.Error("reconcile sweep failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "reconcile_error", "Reconcile sweep failed", "")
		return
	}

	writeJSON(w, http.StatusOK, report)
}
