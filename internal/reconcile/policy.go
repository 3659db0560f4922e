// Package reconcile removes placeholder and duplicate payment
// transactions left behind by concurrent checkout and webhook writes.
//
// What counts as a duplicate is declared in a Policy. Plan turns a set of
// candidate rows into a deletion plan without touching storage, and the
// Engine executes (or only reports) that plan.
package reconcile

import (
	"time"

	"github.com/lalithlochan/payrelay/internal/db"
)

// Pass names, also used as metric labels.
const (
	PassCollapse = "collapse"
	PassOrderID  = "order_id"
	PassChargeID = "charge_id"
)

// PlaceholderRule collapses a processing row created by checkout into the
// paid row that the provider webhook created for the same purchase.
type PlaceholderRule struct {
	// Window is how long before the paid row the placeholder may have
	// been created.
	Window time.Duration
	// RequireNoOrderID restricts placeholders to rows with no provider
	// order id.
	RequireNoOrderID bool
}

// DuplicateRule groups rows by Key and keeps one survivor per group.
type DuplicateRule struct {
	Name string
	// Key returns the grouping key; rows with an empty key are skipped.
	Key func(t *db.PaymentTransaction) string
	// Prefer reports whether a should survive over b.
	Prefer func(a, b *db.PaymentTransaction) bool
}

// Policy is the full set of reconciliation rules, applied in order:
// placeholder collapse first, then each duplicate rule.
type Policy struct {
	Placeholder PlaceholderRule
	Duplicates  []DuplicateRule
}

// DefaultPolicy returns the production rules.
func DefaultPolicy(window time.Duration, requireNoOrderID bool) Policy {
	return Policy{
		Placeholder: PlaceholderRule{Window: window, RequireNoOrderID: requireNoOrderID},
		Duplicates: []DuplicateRule{
			{
				Name: PassOrderID,
				Key: func(t *db.PaymentTransaction) string {
					return scoped(t.Provider, t.ProviderOrderID)
				},
				Prefer: newer,
			},
			{
				Name: PassChargeID,
				Key: func(t *db.PaymentTransaction) string {
					return scoped(t.Provider, t.ProviderChargeID)
				},
				Prefer: func(a, b *db.PaymentTransaction) bool {
					if (a.ProviderOrderID != "") != (b.ProviderOrderID != "") {
						return a.ProviderOrderID != ""
					}
					return newer(a, b)
				},
			},
		},
	}
}

func scoped(provider, id string) string {
	if id == "" {
		return ""
	}
	return provider + "\x00" + id
}

// newer orders by creation time, then last update, then id so the plan is
// deterministic.
func newer(a, b *db.PaymentTransaction) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID.String() > b.ID.String()
}
