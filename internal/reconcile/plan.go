package reconcile

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/payrelay/internal/db"
)

// Deletion is one planned row removal.
type Deletion struct {
	DeleteID   uuid.UUID `json:"delete_id"`
	SurvivorID uuid.UUID `json:"survivor_id"`
	Pass       string    `json:"pass"`
	Reason     string    `json:"reason"`
}

// Plan computes the deletions policy implies for rows. It does not
// modify rows, and every row appears at most once as DeleteID.
func Plan(rows []*db.PaymentTransaction, policy Policy) []Deletion {
	sorted := make([]*db.PaymentTransaction, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	deleted := make(map[uuid.UUID]bool)
	var plan []Deletion

	if policy.Placeholder.Window > 0 {
		plan = append(plan, collapse(sorted, policy.Placeholder, deleted)...)
	}
	for _, rule := range policy.Duplicates {
		plan = append(plan, dedupe(sorted, rule, deleted)...)
	}
	return plan
}

type purchaseKey struct {
	clinic, patient, product string
}

func purchaseOf(t *db.PaymentTransaction) (purchaseKey, bool) {
	k := purchaseKey{t.ClinicID, t.PatientID, t.ProductID}
	return k, k.clinic != "" && k.patient != "" && k.product != ""
}

// collapse pairs each paid row with the closest earlier processing row
// of the same purchase inside the window.
func collapse(rows []*db.PaymentTransaction, rule PlaceholderRule, deleted map[uuid.UUID]bool) []Deletion {
	placeholders := make(map[purchaseKey][]*db.PaymentTransaction)
	for _, t := range rows {
		if t.Status != db.TxStatusProcessing {
			continue
		}
		if rule.RequireNoOrderID && t.ProviderOrderID != "" {
			continue
		}
		if k, ok := purchaseOf(t); ok {
			placeholders[k] = append(placeholders[k], t)
		}
	}

	var plan []Deletion
	for _, paid := range rows {
		if paid.Status != db.TxStatusPaid || deleted[paid.ID] {
			continue
		}
		k, ok := purchaseOf(paid)
		if !ok {
			continue
		}

		var best *db.PaymentTransaction
		for _, p := range placeholders[k] {
			if deleted[p.ID] || !p.CreatedAt.Before(paid.CreatedAt) {
				continue
			}
			if paid.CreatedAt.Sub(p.CreatedAt) > rule.Window {
				continue
			}
			if best == nil || p.CreatedAt.After(best.CreatedAt) {
				best = p
			}
		}
		if best == nil {
			continue
		}

		deleted[best.ID] = true
		plan = append(plan, Deletion{
			DeleteID:   best.ID,
			SurvivorID: paid.ID,
			Pass:       PassCollapse,
			Reason:     fmt.Sprintf("processing placeholder created %s before paid row", paid.CreatedAt.Sub(best.CreatedAt).Round(time.Second)),
		})
	}
	return plan
}

func dedupe(rows []*db.PaymentTransaction, rule DuplicateRule, deleted map[uuid.UUID]bool) []Deletion {
	groups := make(map[string][]*db.PaymentTransaction)
	var order []string
	for _, t := range rows {
		if deleted[t.ID] {
			continue
		}
		key := rule.Key(t)
		if key == "" {
			continue
		}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], t)
	}

	var plan []Deletion
	for _, key := range order {
		group := groups[key]
		if len(group) < 2 {
			continue
		}

		survivor := group[0]
		for _, t := range group[1:] {
			if rule.Prefer(t, survivor) {
				survivor = t
			}
		}

		for _, t := range group {
			if t.ID == survivor.ID {
				continue
			}
			deleted[t.ID] = true
			plan = append(plan, Deletion{
				DeleteID:   t.ID,
				SurvivorID: survivor.ID,
				Pass:       rule.Name,
				Reason:     fmt.Sprintf("duplicate by %s", rule.Name),
			})
		}
	}
	return plan
}
