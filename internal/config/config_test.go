package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.DeliveryTimeout != 15*time.Second {
		t.Errorf("expected 15s delivery timeout, got %s", cfg.DeliveryTimeout)
	}
	if cfg.DeliveryMaxAttempts != 10 {
		t.Errorf("expected 10 delivery attempts, got %d", cfg.DeliveryMaxAttempts)
	}
	if cfg.ReconcileCollapseWindow != 45*time.Minute {
		t.Errorf("expected 45m collapse window, got %s", cfg.ReconcileCollapseWindow)
	}
	if !cfg.ReconcileRequireNullOrderID {
		t.Error("expected order-id-null requirement on by default")
	}
	if cfg.ReconcileMode != "dry-run" {
		t.Errorf("expected dry-run mode, got %s", cfg.ReconcileMode)
	}
	if cfg.SQSRegion != cfg.AWSRegion {
		t.Errorf("expected SQS region to follow AWS_REGION, got %s", cfg.SQSRegion)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DISPATCH_POLL_INTERVAL", "500ms")
	t.Setenv("LEDGER_RETRY_DELAY", "30")
	t.Setenv("RECONCILE_COLLAPSE_WINDOW", "1h")
	t.Setenv("RECONCILE_REQUIRE_NULL_ORDER_ID", "false")
	t.Setenv("RECONCILE_MODE", "execute")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.DispatchPollInterval != 500*time.Millisecond {
		t.Errorf("expected 500ms poll interval, got %s", cfg.DispatchPollInterval)
	}
	if cfg.LedgerRetryDelay != 30*time.Second {
		t.Errorf("expected plain seconds to parse, got %s", cfg.LedgerRetryDelay)
	}
	if cfg.ReconcileCollapseWindow != time.Hour {
		t.Errorf("expected 1h collapse window, got %s", cfg.ReconcileCollapseWindow)
	}
	if cfg.ReconcileRequireNullOrderID {
		t.Error("expected order-id-null requirement to be disabled")
	}
	if cfg.ReconcileMode != "execute" {
		t.Errorf("expected execute mode, got %s", cfg.ReconcileMode)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"bad port", "PORT", "eighty"},
		{"bad duration", "DELIVERY_TIMEOUT", "soon"},
		{"bad bool", "RECONCILE_ON_WRITE", "maybe"},
		{"bad mode", "RECONCILE_MODE", "yolo"},
		{"bad batch size", "DISPATCH_BATCH_SIZE", "lots"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%s", tt.key, tt.val)
			}
		})
	}
}
