// Package payment enforces monotonic status transitions on payment
// transactions.
package payment

import "github.com/lalithlochan/payrelay/internal/db"

// successors lists, for each status, every status strictly ahead of it.
// The order is partial: refunded and chargeback are both ahead of paid
// but not of each other, and canceled/failed only follow non-terminal
// states.
var successors = map[string][]string{
	db.TxStatusPending: {
		db.TxStatusProcessing, db.TxStatusAuthorized, db.TxStatusPaid,
		db.TxStatusPartiallyRefunded, db.TxStatusRefunded, db.TxStatusChargeback,
		db.TxStatusCanceled, db.TxStatusFailed,
	},
	db.TxStatusProcessing: {
		db.TxStatusAuthorized, db.TxStatusPaid,
		db.TxStatusPartiallyRefunded, db.TxStatusRefunded, db.TxStatusChargeback,
		db.TxStatusCanceled, db.TxStatusFailed,
	},
	db.TxStatusAuthorized: {
		db.TxStatusPaid,
		db.TxStatusPartiallyRefunded, db.TxStatusRefunded, db.TxStatusChargeback,
		db.TxStatusCanceled, db.TxStatusFailed,
	},
	db.TxStatusPaid: {
		db.TxStatusPartiallyRefunded, db.TxStatusRefunded, db.TxStatusChargeback,
	},
	db.TxStatusPartiallyRefunded: {
		db.TxStatusRefunded, db.TxStatusChargeback,
	},
	db.TxStatusRefunded:   nil,
	db.TxStatusChargeback: nil,
	db.TxStatusCanceled:   nil,
	db.TxStatusFailed:     nil,
}

// Valid reports whether s is a known transaction status.
func Valid(s string) bool {
	_, ok := successors[s]
	return ok
}

// Ahead reports whether to is strictly ahead of from on the precedence
// table. Equal, backward and incomparable pairs return false.
func Ahead(from, to string) bool {
	for _, s := range successors[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no cancel/fail may follow s. Paid is terminal
// for the purchase even though refund sub-states can still follow it.
func Terminal(s string) bool {
	switch s {
	case db.TxStatusPaid, db.TxStatusPartiallyRefunded, db.TxStatusRefunded,
		db.TxStatusChargeback, db.TxStatusCanceled, db.TxStatusFailed:
		return true
	}
	return false
}

// CreatesOnMissing reports whether a notification carrying s may create a
// transaction row when none exists. Early states belong to the checkout
// path.
func CreatesOnMissing(s string) bool {
	return Valid(s) && s != db.TxStatusPending && s != db.TxStatusProcessing
}

// EventType names the business event for a status.
func EventType(s string) string {
	return "payment." + s
}

// Policy bundles the rules above for the storage layer.
func Policy() db.TransitionPolicy {
	return db.TransitionPolicy{
		Ahead:           Ahead,
		CreateOnMissing: CreatesOnMissing,
		EventType:       EventType,
	}
}
