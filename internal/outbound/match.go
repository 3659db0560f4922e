package outbound

import (
	"encoding/json"
	"strings"

	"github.com/lalithlochan/payrelay/internal/db"
)

// Matches reports whether ep subscribes to ev. An endpoint with no clinic
// receives every clinic's events. Event patterns are an exact type, a
// "category.*" wildcard, or "*". The optional category, status and product
// filters only narrow the match.
func Matches(ep *db.OutboundEndpoint, ev *db.OutboundEvent) bool {
	if !ep.Enabled {
		return false
	}
	if ep.ClinicID != "" && ep.ClinicID != ev.ClinicID {
		return false
	}
	if !matchesType(ep.Events, ev.Type) {
		return false
	}

	if len(ep.Categories) > 0 && !contains(ep.Categories, Category(ev.Type)) {
		return false
	}

	if len(ep.Statuses) == 0 && len(ep.ProductIDs) == 0 {
		return true
	}

	var snapshot struct {
		Status    string `json:"status"`
		ProductID string `json:"product_id"`
	}
	if err := json.Unmarshal(ev.Data, &snapshot); err != nil {
		return false
	}
	if len(ep.Statuses) > 0 && !contains(ep.Statuses, snapshot.Status) {
		return false
	}
	if len(ep.ProductIDs) > 0 && !contains(ep.ProductIDs, snapshot.ProductID) {
		return false
	}
	return true
}

// Category is the part of an event type before the first dot.
func Category(eventType string) string {
	category, _, _ := strings.Cut(eventType, ".")
	return category
}

func matchesType(patterns []string, eventType string) bool {
	for _, p := range patterns {
		switch {
		case p == "*":
			return true
		case strings.HasSuffix(p, ".*"):
			if Category(eventType) == strings.TrimSuffix(p, ".*") {
				return true
			}
		case p == eventType:
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
