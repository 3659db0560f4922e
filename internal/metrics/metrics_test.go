package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordInboundReceived(t *testing.T) {
	before := testutil.ToFloat64(inboundReceived.WithLabelValues("pagarme", "true"))
	RecordInboundReceived("pagarme", true)
	RecordInboundReceived("pagarme", false)

	if got := testutil.ToFloat64(inboundReceived.WithLabelValues("pagarme", "true")); got != before+1 {
		t.Errorf("duplicate counter = %v, want %v", got, before+1)
	}
}

func TestRecordDelivery(t *testing.T) {
	before := testutil.ToFloat64(deliveriesTotal.WithLabelValues("delivered"))
	RecordDelivery("delivered", 120*time.Millisecond)
	RecordDelivery("deferred", 0)

	if got := testutil.ToFloat64(deliveriesTotal.WithLabelValues("delivered")); got != before+1 {
		t.Errorf("delivered counter = %v, want %v", got, before+1)
	}
}

func TestRecorders(t *testing.T) {
	RecordLedgerOutcome("stripe", "processed")
	RecordTransition("paid", true)
	RecordReconcileDeletion("processing_paid_collapse")
	RecordIdempotencyHit()
	RecordRateLimitRejection()
	SetDeliveriesInFlight(3)
	SetDBConnections(10)
	SetRedisConnections(5)

	if got := testutil.ToFloat64(deliveriesInFlight); got != 3 {
		t.Errorf("in-flight gauge = %v, want 3", got)
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Post("/v1/deliveries/{id}/retry", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "/v1/deliveries/{id}/retry", "202"))

	req := httptest.NewRequest(http.MethodPost, "/v1/deliveries/0b7e/retry", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "/v1/deliveries/{id}/retry", "202")); got != before+1 {
		t.Errorf("route counter = %v, want %v", got, before+1)
	}
}

func TestHandler(t *testing.T) {
	RecordIdempotencyHit()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "payrelay_idempotency_hits_total") {
		t.Error("expected payrelay metrics in exposition")
	}
}
