package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payrelay_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payrelay_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	inboundReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payrelay_inbound_received_total",
			Help: "Provider notifications accepted at the webhook endpoint",
		},
		[]string{"provider", "duplicate"},
	)

	ledgerOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payrelay_ledger_events_total",
			Help: "Inbound events by processing outcome (processed, ignored, retried, dead_lettered)",
		},
		[]string{"provider", "outcome"},
	)

	transitionsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payrelay_transitions_total",
			Help: "State machine results by requested status and whether it was applied",
		},
		[]string{"status", "applied"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payrelay_deliveries_total",
			Help: "Outbound delivery attempts by result",
		},
		[]string{"result"},
	)

	deliveryLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "payrelay_delivery_duration_seconds",
			Help:    "Outbound HTTP attempt duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
		},
	)

	deliveriesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "payrelay_deliveries_in_flight",
			Help: "Outbound deliveries currently executing in this process",
		},
	)

	reconcileDeletions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payrelay_reconcile_deletions_total",
			Help: "Transaction rows removed by reconciliation, by pass",
		},
		[]string{"pass"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "payrelay_idempotency_hits_total",
			Help: "Inbound notifications answered from the Redis duplicate cache",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "payrelay_rate_limit_rejections_total",
			Help: "Operator API requests rejected by the rate limiter",
		},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "payrelay_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "payrelay_redis_connections_active",
			Help: "Active Redis connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func RecordInboundReceived(provider string, duplicate bool) {
	inboundReceived.WithLabelValues(provider, strconv.FormatBool(duplicate)).Inc()
}

// RecordLedgerOutcome records how the dispatcher settled an inbound event.
func RecordLedgerOutcome(provider, outcome string) {
	ledgerOutcomes.WithLabelValues(provider, outcome).Inc()
}

func RecordTransition(status string, applied bool) {
	transitionsApplied.WithLabelValues(status, strconv.FormatBool(applied)).Inc()
}

// RecordDelivery records one attempt: delivered, retry, exhausted, rejected or deferred.
func RecordDelivery(result string, duration time.Duration) {
	deliveriesTotal.WithLabelValues(result).Inc()
	if duration > 0 {
		deliveryLatency.Observe(duration.Seconds())
	}
}

func SetDeliveriesInFlight(count int) {
	deliveriesInFlight.Set(float64(count))
}

func RecordReconcileDeletion(pass string) {
	reconcileDeletions.WithLabelValues(pass).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request metrics labelled by the chi route pattern, so
// ids in the path do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
