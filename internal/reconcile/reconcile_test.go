package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/payrelay/internal/db"
	"github.com/lalithlochan/payrelay/internal/db/dbtest"
)

var base = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

type row struct {
	status  string
	order   string
	charge  string
	minutes int
}

func tx(r row) *db.PaymentTransaction {
	at := base.Add(time.Duration(r.minutes) * time.Minute)
	return &db.PaymentTransaction{
		ID:               uuid.New(),
		Provider:         "pagarme",
		ProviderOrderID:  r.order,
		ProviderChargeID: r.charge,
		Status:           r.status,
		ClinicID:         "clinic-1",
		PatientID:        "pat-1",
		ProductID:        "prod-1",
		CreatedAt:        at,
		UpdatedAt:        at,
	}
}

func deletedIDs(plan []Deletion) map[uuid.UUID]Deletion {
	out := make(map[uuid.UUID]Deletion, len(plan))
	for _, d := range plan {
		out[d.DeleteID] = d
	}
	return out
}

func TestPlan_CollapsesPlaceholderIntoPaid(t *testing.T) {
	placeholder := tx(row{status: db.TxStatusProcessing, minutes: 0})
	paid := tx(row{status: db.TxStatusPaid, order: "or_1", minutes: 10})

	plan := Plan([]*db.PaymentTransaction{paid, placeholder}, DefaultPolicy(45*time.Minute, true))
	if len(plan) != 1 {
		t.Fatalf("expected 1 deletion, got %+v", plan)
	}
	d := plan[0]
	if d.DeleteID != placeholder.ID || d.SurvivorID != paid.ID || d.Pass != PassCollapse {
		t.Errorf("unexpected deletion %+v", d)
	}
}

func TestPlan_CollapseRules(t *testing.T) {
	tests := []struct {
		name        string
		placeholder row
		paid        row
		requireNull bool
		want        bool
	}{
		{"inside window", row{status: db.TxStatusProcessing}, row{status: db.TxStatusPaid, minutes: 44}, true, true},
		{"at window edge", row{status: db.TxStatusProcessing}, row{status: db.TxStatusPaid, minutes: 45}, true, true},
		{"outside window", row{status: db.TxStatusProcessing}, row{status: db.TxStatusPaid, minutes: 46}, true, false},
		{"placeholder after paid", row{status: db.TxStatusProcessing, minutes: 5}, row{status: db.TxStatusPaid}, true, false},
		{"same instant", row{status: db.TxStatusProcessing}, row{status: db.TxStatusPaid}, true, false},
		{"placeholder has order id", row{status: db.TxStatusProcessing, order: "or_9"}, row{status: db.TxStatusPaid, minutes: 5}, true, false},
		{"order id allowed by policy", row{status: db.TxStatusProcessing, order: "or_9"}, row{status: db.TxStatusPaid, minutes: 5}, false, true},
		{"not a processing row", row{status: db.TxStatusPending}, row{status: db.TxStatusPaid, minutes: 5}, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, paid := tx(tt.placeholder), tx(tt.paid)
			plan := Plan([]*db.PaymentTransaction{p, paid}, DefaultPolicy(45*time.Minute, tt.requireNull))
			_, got := deletedIDs(plan)[p.ID]
			if got != tt.want {
				t.Errorf("placeholder deleted = %v, want %v (plan %+v)", got, tt.want, plan)
			}
		})
	}
}

func TestPlan_CollapseRequiresSamePurchase(t *testing.T) {
	p := tx(row{status: db.TxStatusProcessing})
	paid := tx(row{status: db.TxStatusPaid, minutes: 5})
	paid.ProductID = "prod-2"

	if plan := Plan([]*db.PaymentTransaction{p, paid}, DefaultPolicy(45*time.Minute, true)); len(plan) != 0 {
		t.Fatalf("expected no deletions across purchases, got %+v", plan)
	}

	p.ClinicID, paid.ClinicID, paid.ProductID = "", "", "prod-1"
	if plan := Plan([]*db.PaymentTransaction{p, paid}, DefaultPolicy(45*time.Minute, true)); len(plan) != 0 {
		t.Fatalf("rows without a full purchase key must not collapse, got %+v", plan)
	}
}

func TestPlan_CollapsePicksClosestPlaceholder(t *testing.T) {
	older := tx(row{status: db.TxStatusProcessing, minutes: 0})
	closer := tx(row{status: db.TxStatusProcessing, minutes: 20})
	paid := tx(row{status: db.TxStatusPaid, minutes: 30})

	plan := Plan([]*db.PaymentTransaction{older, closer, paid}, DefaultPolicy(45*time.Minute, true))
	if len(plan) != 1 || plan[0].DeleteID != closer.ID {
		t.Fatalf("expected only the closest placeholder deleted, got %+v", plan)
	}
}

func TestPlan_DuplicateOrderIDKeepsMostRecent(t *testing.T) {
	a := tx(row{status: db.TxStatusPaid, order: "or_1", minutes: 0})
	b := tx(row{status: db.TxStatusPaid, order: "or_1", minutes: 3})
	c := tx(row{status: db.TxStatusPaid, order: "or_1", minutes: 1})

	plan := Plan([]*db.PaymentTransaction{a, b, c}, DefaultPolicy(45*time.Minute, true))
	got := deletedIDs(plan)
	if len(got) != 2 {
		t.Fatalf("expected 2 deletions, got %+v", plan)
	}
	for _, id := range []uuid.UUID{a.ID, c.ID} {
		d, ok := got[id]
		if !ok || d.SurvivorID != b.ID || d.Pass != PassOrderID {
			t.Errorf("expected %s deleted in favour of %s, got %+v", id, b.ID, d)
		}
	}
}

func TestPlan_DuplicateChargePrefersOrderID(t *testing.T) {
	withOrder := tx(row{status: db.TxStatusPaid, order: "or_1", charge: "ch_1", minutes: 0})
	newerNoOrder := tx(row{status: db.TxStatusPaid, charge: "ch_1", minutes: 10})
	newerNoOrder.ClinicID = ""

	plan := Plan([]*db.PaymentTransaction{withOrder, newerNoOrder}, DefaultPolicy(45*time.Minute, true))
	if len(plan) != 1 {
		t.Fatalf("expected 1 deletion, got %+v", plan)
	}
	if plan[0].DeleteID != newerNoOrder.ID || plan[0].SurvivorID != withOrder.ID || plan[0].Pass != PassChargeID {
		t.Errorf("unexpected deletion %+v", plan[0])
	}
}

func TestPlan_ProvidersAreSeparate(t *testing.T) {
	a := tx(row{status: db.TxStatusPaid, order: "shared_1"})
	b := tx(row{status: db.TxStatusPaid, order: "shared_1", minutes: 1})
	b.Provider = "stripe"

	if plan := Plan([]*db.PaymentTransaction{a, b}, DefaultPolicy(45*time.Minute, true)); len(plan) != 0 {
		t.Fatalf("same order id from different providers is not a duplicate, got %+v", plan)
	}
}

func TestPlan_EachRowDeletedOnce(t *testing.T) {
	placeholder := tx(row{status: db.TxStatusProcessing, charge: "ch_1", minutes: 0})
	paid := tx(row{status: db.TxStatusPaid, order: "or_1", charge: "ch_1", minutes: 5})
	dup := tx(row{status: db.TxStatusPaid, order: "or_1", charge: "ch_1", minutes: 2})

	plan := Plan([]*db.PaymentTransaction{placeholder, paid, dup}, DefaultPolicy(45*time.Minute, true))

	seen := make(map[uuid.UUID]int)
	for _, d := range plan {
		seen[d.DeleteID]++
		if d.DeleteID == paid.ID {
			t.Errorf("survivor %s planned for deletion", paid.ID)
		}
	}
	for id, n := range seen {
		if n > 1 {
			t.Errorf("row %s planned %d times", id, n)
		}
	}
	if len(plan) != 2 {
		t.Errorf("expected placeholder and duplicate deleted, got %+v", plan)
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeDryRun, "dry-run": ModeDryRun, "execute": ModeExecute} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("yolo"); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("expected ErrInvalidMode, got %v", err)
	}
}

func seed(store *dbtest.Store, rows ...*db.PaymentTransaction) {
	for _, r := range rows {
		store.AddTransaction(r)
	}
}

func TestEngine_DryRunDoesNotDelete(t *testing.T) {
	store := dbtest.New()
	seed(store,
		tx(row{status: db.TxStatusProcessing, minutes: 0}),
		tx(row{status: db.TxStatusPaid, order: "or_1", minutes: 5}),
	)

	e := NewEngine(store, DefaultPolicy(45*time.Minute, true), zap.NewNop())
	report, err := e.Sweep(context.Background(), Options{Mode: ModeDryRun})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Scanned != 2 || len(report.Planned) != 1 || report.Deleted != 0 {
		t.Errorf("unexpected report %+v", report)
	}
	if n := len(store.Transactions()); n != 2 {
		t.Errorf("dry run deleted rows: %d left", n)
	}
}

func TestEngine_ExecuteDeletes(t *testing.T) {
	store := dbtest.New()
	placeholder := tx(row{status: db.TxStatusProcessing, minutes: 0})
	paid := tx(row{status: db.TxStatusPaid, order: "or_1", minutes: 5})
	seed(store, placeholder, paid)

	e := NewEngine(store, DefaultPolicy(45*time.Minute, true), zap.NewNop())
	report, err := e.Sweep(context.Background(), Options{Mode: ModeExecute})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Deleted != 1 {
		t.Fatalf("expected 1 deletion, got %+v", report)
	}
	if store.Transaction(placeholder.ID) != nil || store.Transaction(paid.ID) == nil {
		t.Error("expected placeholder deleted and paid row kept")
	}

	again, _ := e.Sweep(context.Background(), Options{Mode: ModeExecute})
	if len(again.Planned) != 0 {
		t.Errorf("second sweep should be a no-op, got %+v", again)
	}
}

func TestEngine_SweepAroundScopesToPurchase(t *testing.T) {
	store := dbtest.New()
	placeholder := tx(row{status: db.TxStatusProcessing, minutes: 0})
	paid := tx(row{status: db.TxStatusPaid, order: "or_1", minutes: 5})

	otherA := tx(row{status: db.TxStatusPaid, order: "or_7", minutes: 1})
	otherB := tx(row{status: db.TxStatusPaid, order: "or_7", minutes: 2})
	otherA.PatientID, otherB.PatientID = "pat-2", "pat-2"
	seed(store, placeholder, paid, otherA, otherB)

	e := NewEngine(store, DefaultPolicy(45*time.Minute, true), zap.NewNop())
	report, err := e.SweepAround(context.Background(), paid, ModeExecute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Deleted != 1 || store.Transaction(placeholder.ID) != nil {
		t.Errorf("expected the purchase placeholder deleted, got %+v", report)
	}
	if store.Transaction(otherA.ID) == nil {
		t.Error("targeted sweep touched another patient's rows")
	}
}

type failingStore struct{ *dbtest.Store }

func (f failingStore) DeleteTransaction(ctx context.Context, snapshot *db.PaymentTransaction) (bool, error) {
	return false, errors.New("connection reset")
}

func TestEngine_DeleteErrorStopsSweep(t *testing.T) {
	store := dbtest.New()
	seed(store,
		tx(row{status: db.TxStatusProcessing, minutes: 0}),
		tx(row{status: db.TxStatusPaid, order: "or_1", minutes: 5}),
	)

	e := NewEngine(failingStore{store}, DefaultPolicy(45*time.Minute, true), zap.NewNop())
	if _, err := e.Sweep(context.Background(), Options{Mode: ModeExecute}); err == nil {
		t.Fatal("expected delete error to surface")
	}
}

func TestEngine_SweepAroundSkipsIncompletePurchase(t *testing.T) {
	store := dbtest.New()
	dupA := tx(row{status: db.TxStatusPaid, order: "or_7", minutes: 1})
	dupB := tx(row{status: db.TxStatusPaid, order: "or_7", minutes: 2})
	dupA.ClinicID, dupB.ClinicID = "clinic-9", "clinic-9"

	paid := tx(row{status: db.TxStatusPaid, order: "pi_1", minutes: 5})
	paid.ClinicID, paid.PatientID, paid.ProductID = "", "", ""
	seed(store, dupA, dupB, paid)

	e := NewEngine(store, DefaultPolicy(45*time.Minute, true), zap.NewNop())
	report, err := e.SweepAround(context.Background(), paid, ModeExecute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Scanned != 0 || report.Deleted != 0 {
		t.Errorf("expected nothing scanned, got %+v", report)
	}
	if n := len(store.Transactions()); n != 3 {
		t.Errorf("expected all rows kept, got %d", n)
	}
}

func TestEngine_SweepAroundOnlyCollapses(t *testing.T) {
	store := dbtest.New()
	placeholder := tx(row{status: db.TxStatusProcessing, minutes: 0})
	dup := tx(row{status: db.TxStatusPaid, order: "or_1", minutes: 3})
	paid := tx(row{status: db.TxStatusPaid, order: "or_1", minutes: 5})
	seed(store, placeholder, dup, paid)

	e := NewEngine(store, DefaultPolicy(45*time.Minute, true), zap.NewNop())
	report, err := e.SweepAround(context.Background(), paid, ModeExecute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	for _, d := range report.Planned {
		if d.Pass != PassCollapse {
			t.Errorf("unexpected %s deletion %+v", d.Pass, d)
		}
	}
	if store.Transaction(dup.ID) == nil || store.Transaction(paid.ID) == nil {
		t.Error("order-id duplicates are left to the scheduled sweep")
	}
	if store.Transaction(placeholder.ID) != nil {
		t.Error("placeholder should be collapsed")
	}
}

func TestEngine_SweepAroundHonorsDryRun(t *testing.T) {
	store := dbtest.New()
	placeholder := tx(row{status: db.TxStatusProcessing, minutes: 0})
	paid := tx(row{status: db.TxStatusPaid, order: "or_1", minutes: 5})
	seed(store, placeholder, paid)

	e := NewEngine(store, DefaultPolicy(45*time.Minute, true), zap.NewNop())
	report, err := e.SweepAround(context.Background(), paid, ModeDryRun)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Mode != ModeDryRun || len(report.Planned) != 1 || report.Deleted != 0 {
		t.Errorf("unexpected report %+v", report)
	}
	if store.Transaction(placeholder.ID) == nil {
		t.Error("dry run deleted the placeholder")
	}
}

// racingStore moves a row to paid after it was listed, as a concurrent
// webhook would.
type racingStore struct {
	*dbtest.Store
	target *db.PaymentTransaction
}

func (r racingStore) ListTransactions(ctx context.Context, filter db.TransactionFilter) ([]*db.PaymentTransaction, error) {
	rows, err := r.Store.ListTransactions(ctx, filter)
	if err != nil {
		return nil, err
	}
	_, err = r.Store.ApplyTransition(ctx, db.TransitionRequest{
		Provider: r.target.Provider,
		ChargeID: r.target.ProviderChargeID,
		Status:   db.TxStatusPaid,
	}, db.TransitionPolicy{
		Ahead:           func(from, to string) bool { return from != to },
		CreateOnMissing: func(string) bool { return false },
		EventType:       func(status string) string { return "payment." + status },
	})
	return rows, err
}

func TestEngine_SkipsRowChangedAfterListing(t *testing.T) {
	store := dbtest.New()
	store.Now = func() time.Time { return base.Add(time.Hour) }
	placeholder := tx(row{status: db.TxStatusProcessing, charge: "ch_1", minutes: 0})
	paid := tx(row{status: db.TxStatusPaid, order: "or_1", minutes: 5})
	seed(store, placeholder, paid)

	e := NewEngine(racingStore{Store: store, target: placeholder}, DefaultPolicy(45*time.Minute, true), zap.NewNop())
	report, err := e.Sweep(context.Background(), Options{Mode: ModeExecute})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(report.Planned) != 1 || report.Deleted != 0 {
		t.Errorf("expected the stale deletion skipped, got %+v", report)
	}
	got := store.Transaction(placeholder.ID)
	if got == nil || got.Status != db.TxStatusPaid {
		t.Fatalf("changed row must survive, got %+v", got)
	}
}
