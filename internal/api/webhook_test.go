package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/payrelay/internal/db/dbtest"
	"github.com/lalithlochan/payrelay/internal/ledger"
	"github.com/lalithlochan/payrelay/internal/provider"
	"github.com/lalithlochan/payrelay/internal/redis"
)

const webhookSecret = "pg_test_secret"

const orderPaid = `{"id":"hook_1","type":"order.paid","data":{"id":"or_1","charges":[{"id":"ch_1"}]}}`

type countingWaker struct{ calls int }

func (c *countingWaker) Notify() { c.calls++ }

type failingIngester struct{}

func (failingIngester) Ingest(ctx context.Context, n ledger.Notification) (*ledger.IngestResult, error) {
	return nil, errors.New("connection refused")
}

func sign(body string) string {
	mac := hmac.New(sha1.New, []byte(webhookSecret))
	mac.Write([]byte(body))
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}

type webhookFixture struct {
	router http.Handler
	store  *dbtest.Store
	waker  *countingWaker
}

func newWebhookFixture(t *testing.T, ingester Ingester, withCache bool) *webhookFixture {
	t.Helper()
	store := dbtest.New()
	if ingester == nil {
		ingester = ledger.New(store, ledger.Config{}, zap.NewNop())
	}

	var cache *redis.IdempotencyService
	if withCache {
		mr := miniredis.RunT(t)
		rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		cache = redis.NewIdempotencyService(redis.Wrap(rdb, zap.NewNop()), zap.NewNop())
	}

	waker := &countingWaker{}
	h := NewWebhookHandler(zap.NewNop(), provider.NewRegistry(provider.NewPagarme(webhookSecret)), ingester, cache, waker)

	r := chi.NewRouter()
	r.Post("/webhooks/{provider}", h.Receive)
	return &webhookFixture{router: r, store: store, waker: waker}
}

func (f *webhookFixture) post(providerName, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+providerName, bytes.NewBufferString(body))
	if signature != "" {
		req.Header.Set("X-Hub-Signature", signature)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeWebhook(t *testing.T, rec *httptest.ResponseRecorder) WebhookResponse {
	t.Helper()
	var resp WebhookResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestWebhook_AcceptsAndDeduplicates(t *testing.T) {
	for _, withCache := range []bool{false, true} {
		name := "ledger only"
		if withCache {
			name = "with redis fast path"
		}
		t.Run(name, func(t *testing.T) {
			f := newWebhookFixture(t, nil, withCache)

			rec := f.post("pagarme", orderPaid, sign(orderPaid))
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
			}
			if resp := decodeWebhook(t, rec); !resp.Received || resp.Duplicate {
				t.Errorf("unexpected first response %+v", resp)
			}

			rec = f.post("pagarme", orderPaid, sign(orderPaid))
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200 on duplicate, got %d", rec.Code)
			}
			if resp := decodeWebhook(t, rec); !resp.Received || !resp.Duplicate {
				t.Errorf("unexpected duplicate response %+v", resp)
			}
			if replayed := rec.Header().Get("X-Idempotency-Replayed") == "true"; replayed != withCache {
				t.Errorf("X-Idempotency-Replayed = %v, want %v", replayed, withCache)
			}

			if n := len(f.store.InboundEvents()); n != 1 {
				t.Errorf("expected 1 ledger row, got %d", n)
			}
			if f.waker.calls != 1 {
				t.Errorf("dispatcher woken %d times, want 1", f.waker.calls)
			}
		})
	}
}

func TestWebhook_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		provider  string
		body      string
		signature string
		want      int
		errType   string
	}{
		{"unknown provider", "paypal", orderPaid, sign(orderPaid), http.StatusNotFound, "unknown_provider"},
		{"missing signature", "pagarme", orderPaid, "", http.StatusUnauthorized, "invalid_signature"},
		{"bad signature", "pagarme", orderPaid, "sha1=00ff", http.StatusUnauthorized, "invalid_signature"},
		{"not json", "pagarme", "nope", sign("nope"), http.StatusBadRequest, "invalid_request"},
		{"no event id", "pagarme", `{"id":"hook_2","type":"order.paid","data":{}}`, sign(`{"id":"hook_2","type":"order.paid","data":{}}`), http.StatusBadRequest, "invalid_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWebhookFixture(t, nil, false)
			rec := f.post(tt.provider, tt.body, tt.signature)

			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
			var resp ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode error: %v", err)
			}
			if resp.Type != tt.errType || resp.Status != tt.want {
				t.Errorf("unexpected error body %+v", resp)
			}
			if len(f.store.InboundEvents()) != 0 || f.waker.calls != 0 {
				t.Error("rejected call must not be recorded")
			}
		})
	}
}

func TestWebhook_IngestFailureIs500(t *testing.T) {
	f := newWebhookFixture(t, failingIngester{}, false)

	rec := f.post("pagarme", orderPaid, sign(orderPaid))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if f.waker.calls != 0 {
		t.Error("dispatcher woken for an unrecorded event")
	}
}
