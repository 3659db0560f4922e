// Package dbtest provides an in-memory stand-in for db.Repository that
// follows the same row-level rules as the SQL (conflict handling, claim
// guards, status-guarded updates). It backs unit tests of the ledger,
// state machine, reconciliation and dispatcher.
package dbtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/payrelay/internal/db"
)

// Store is a concurrency-safe in-memory repository.
type Store struct {
	mu sync.Mutex

	// Now is the store's clock; tests move it to make retries due.
	Now func() time.Time

	events       map[uuid.UUID]*db.InboundEvent
	eventKeys    map[string]uuid.UUID
	transactions map[uuid.UUID]*db.PaymentTransaction
	endpoints    map[uuid.UUID]*db.OutboundEndpoint
	outbound     map[uuid.UUID]*db.OutboundEvent
	deliveries   map[uuid.UUID]*db.OutboundDelivery
	seq          map[uuid.UUID]int
	counter      int

	// FailApply makes ApplyTransition return this error when set.
	FailApply error
}

// New creates an empty store with a real clock.
func New() *Store {
	return &Store{
		Now:          time.Now,
		events:       make(map[uuid.UUID]*db.InboundEvent),
		eventKeys:    make(map[string]uuid.UUID),
		transactions: make(map[uuid.UUID]*db.PaymentTransaction),
		endpoints:    make(map[uuid.UUID]*db.OutboundEndpoint),
		outbound:     make(map[uuid.UUID]*db.OutboundEvent),
		deliveries:   make(map[uuid.UUID]*db.OutboundDelivery),
		seq:          make(map[uuid.UUID]int),
	}
}

func (s *Store) next(id uuid.UUID) {
	s.counter++
	s.seq[id] = s.counter
}

// --- inbound events ---

func (s *Store) InsertInboundEvent(ctx context.Context, ev *db.InboundEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	eventKey := "event:" + ev.Provider + ":" + ev.ProviderEventID
	hookKey := "hook:" + ev.Provider + ":" + ev.HookID
	if _, ok := s.eventKeys[eventKey]; ok {
		return false, nil
	}
	if _, ok := s.eventKeys[hookKey]; ok {
		return false, nil
	}

	now := s.Now()
	stored := *ev
	stored.IsRetryable = true
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.events[ev.ID] = &stored
	s.eventKeys[eventKey] = ev.ID
	s.eventKeys[hookKey] = ev.ID
	s.next(ev.ID)

	ev.CreatedAt, ev.UpdatedAt = now, now
	return true, nil
}

func (s *Store) ClaimInboundEvents(ctx context.Context, limit int, lease time.Duration) ([]*db.InboundEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	var candidates []*db.InboundEvent
	for _, ev := range s.events {
		if ev.Processed || ev.MovedDeadLetter {
			continue
		}
		if ev.NextRetryAt != nil && ev.NextRetryAt.After(now) {
			continue
		}
		if ev.Status != nil && *ev.Status == db.EventStatusProcessing && !ev.UpdatedAt.Before(now.Add(-lease)) {
			continue
		}
		candidates = append(candidates, ev)
	}
	sort.Slice(candidates, func(i, j int) bool { return s.seq[candidates[i].ID] < s.seq[candidates[j].ID] })

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	claimed := make([]*db.InboundEvent, 0, len(candidates))
	for _, ev := range candidates {
		status := db.EventStatusProcessing
		ev.Status = &status
		ev.Attempts++
		ev.UpdatedAt = now
		c := *ev
		claimed = append(claimed, &c)
	}
	return claimed, nil
}

func (s *Store) MarkInboundEventProcessed(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok || ev.Processed {
		return fmt.Errorf("inbound event %s: %w", id, db.ErrNotFound)
	}
	now := s.Now()
	ev.Processed = true
	ev.ProcessedAt = &now
	ev.Status = nil
	ev.ProcessingError = nil
	ev.NextRetryAt = nil
	ev.UpdatedAt = now
	return nil
}

func (s *Store) ScheduleInboundRetry(ctx context.Context, id uuid.UUID, errMsg string, nextRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok || ev.Processed {
		return fmt.Errorf("inbound event %s: %w", id, db.ErrNotFound)
	}
	ev.Status = nil
	ev.ProcessingError = &errMsg
	ev.NextRetryAt = &nextRetryAt
	ev.UpdatedAt = s.Now()
	return nil
}

func (s *Store) MoveInboundToDeadLetter(ctx context.Context, id uuid.UUID, errMsg, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok || ev.Processed {
		return fmt.Errorf("inbound event %s: %w", id, db.ErrNotFound)
	}
	ev.Status = nil
	ev.ProcessingError = &errMsg
	ev.MovedDeadLetter = true
	ev.DeadLetterReason = &reason
	ev.IsRetryable = false
	ev.NextRetryAt = nil
	ev.UpdatedAt = s.Now()
	return nil
}

func (s *Store) ListDeadLetters(ctx context.Context, limit, offset int) ([]*db.InboundEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.InboundEvent
	for _, ev := range s.events {
		if ev.MovedDeadLetter && !ev.Processed {
			c := *ev
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] > s.seq[out[j].ID] })
	return page(out, limit, offset), nil
}

func (s *Store) ReplayDeadLetter(ctx context.Context, id uuid.UUID) (*db.InboundEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok || !ev.MovedDeadLetter || ev.Processed {
		return nil, fmt.Errorf("dead letter %s: %w", id, db.ErrNotFound)
	}
	ev.MovedDeadLetter = false
	ev.DeadLetterReason = nil
	ev.IsRetryable = true
	ev.Attempts = 0
	ev.NextRetryAt = nil
	ev.Status = nil
	ev.UpdatedAt = s.Now()
	c := *ev
	return &c, nil
}

// InboundEvents returns copies of every recorded event.
func (s *Store) InboundEvents() []*db.InboundEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*db.InboundEvent, 0, len(s.events))
	for _, ev := range s.events {
		c := *ev
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	return out
}

// --- payment transactions ---

func (s *Store) ApplyTransition(ctx context.Context, req db.TransitionRequest, policy db.TransitionPolicy) (*db.TransitionOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailApply != nil {
		return nil, s.FailApply
	}

	now := s.Now()
	current := s.lookup(req)

	if current == nil {
		if !policy.CreateOnMissing(req.Status) {
			return &db.TransitionOutcome{}, nil
		}
		t := &db.PaymentTransaction{
			ID:               uuid.New(),
			Provider:         req.Provider,
			ProviderOrderID:  req.OrderID,
			ProviderChargeID: req.ChargeID,
			Status:           req.Status,
			RawPayload:       req.RawPayload,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		fill(t, req.Fields)
		stamp(t, req.Status, now)
		s.transactions[t.ID] = t
		s.next(t.ID)

		c := *t
		return &db.TransitionOutcome{
			Transaction:   &c,
			AppliedStatus: t.Status,
			Changed:       true,
			Created:       true,
			EventID:       s.emit(t, policy.EventType(t.Status)),
		}, nil
	}

	prev := current.Status
	changed := policy.Ahead(prev, req.Status)
	if changed {
		current.Status = req.Status
		stamp(current, req.Status, now)
	}
	if current.ProviderOrderID == "" {
		current.ProviderOrderID = req.OrderID
	}
	if current.ProviderChargeID == "" {
		current.ProviderChargeID = req.ChargeID
	}
	fill(current, req.Fields)
	current.RawPayload = req.RawPayload
	current.UpdatedAt = now

	outcome := &db.TransitionOutcome{
		PreviousStatus: prev,
		AppliedStatus:  current.Status,
		Changed:        changed,
	}
	if changed {
		outcome.EventID = s.emit(current, policy.EventType(current.Status))
	}
	c := *current
	outcome.Transaction = &c
	return outcome, nil
}

func (s *Store) lookup(req db.TransitionRequest) *db.PaymentTransaction {
	if req.OrderID != "" {
		for _, t := range s.transactions {
			if t.Provider == req.Provider && t.ProviderOrderID == req.OrderID {
				return t
			}
		}
	}
	if req.ChargeID != "" {
		var best *db.PaymentTransaction
		for _, t := range s.transactions {
			if t.Provider != req.Provider || t.ProviderChargeID != req.ChargeID {
				continue
			}
			if best == nil ||
				(t.ProviderOrderID != "" && best.ProviderOrderID == "") ||
				((t.ProviderOrderID != "") == (best.ProviderOrderID != "") && s.seq[t.ID] > s.seq[best.ID]) {
				best = t
			}
		}
		return best
	}
	return nil
}

func fill(t *db.PaymentTransaction, f db.TransactionFields) {
	if t.AmountCents == nil && f.AmountCents != nil {
		v := *f.AmountCents
		t.AmountCents = &v
	}
	set := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	set(&t.Currency, f.Currency)
	set(&t.PaymentMethodType, f.PaymentMethodType)
	set(&t.ClinicID, f.ClinicID)
	set(&t.PatientID, f.PatientID)
	set(&t.ProductID, f.ProductID)
	set(&t.BuyerName, f.BuyerName)
	set(&t.BuyerEmail, f.BuyerEmail)
}

func stamp(t *db.PaymentTransaction, status string, now time.Time) {
	paid := status == db.TxStatusPaid || status == db.TxStatusChargeback ||
		status == db.TxStatusRefunded || status == db.TxStatusPartiallyRefunded
	refunded := status == db.TxStatusRefunded || status == db.TxStatusPartiallyRefunded
	if paid && t.PaidAt == nil {
		t.PaidAt = &now
		t.CapturedAt = &now
	}
	if refunded && t.RefundedAt == nil {
		t.RefundedAt = &now
	}
}

func (s *Store) emit(t *db.PaymentTransaction, eventType string) *uuid.UUID {
	data, _ := json.Marshal(t)
	ev := &db.OutboundEvent{
		ID:         uuid.New(),
		Type:       eventType,
		ClinicID:   t.ClinicID,
		Resource:   db.ResourcePaymentTransaction,
		ResourceID: t.ID.String(),
		Data:       data,
		CreatedAt:  s.Now(),
	}
	s.outbound[ev.ID] = ev
	s.next(ev.ID)
	return &ev.ID
}

// AddTransaction seeds a row, as the checkout path would.
func (s *Store) AddTransaction(t *db.PaymentTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.Now()
	}
	c := *t
	s.transactions[t.ID] = &c
	s.next(t.ID)
}

// Transaction returns a copy of the row, or nil.
func (s *Store) Transaction(id uuid.UUID) *db.PaymentTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transactions[id]
	if !ok {
		return nil
	}
	c := *t
	return &c
}

// Transactions returns copies of every row ordered by creation.
func (s *Store) Transactions() []*db.PaymentTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*db.PaymentTransaction, 0, len(s.transactions))
	for _, t := range s.transactions {
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	return out
}

func (s *Store) ListTransactions(ctx context.Context, filter db.TransactionFilter) ([]*db.PaymentTransaction, error) {
	var out []*db.PaymentTransaction
	for _, t := range s.Transactions() {
		if t.CreatedAt.Before(filter.CreatedAfter) {
			continue
		}
		if filter.ClinicID != "" && t.ClinicID != filter.ClinicID {
			continue
		}
		if filter.PatientID != "" && t.PatientID != filter.PatientID {
			continue
		}
		if filter.ProductID != "" && t.ProductID != filter.ProductID {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteTransaction deletes only when status and UpdatedAt still match
// snapshot.
func (s *Store) DeleteTransaction(ctx context.Context, snapshot *db.PaymentTransaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transactions[snapshot.ID]
	if !ok || t.Status != snapshot.Status || !t.UpdatedAt.Equal(snapshot.UpdatedAt) {
		return false, nil
	}
	delete(s.transactions, snapshot.ID)
	return true, nil
}

// --- outbound ---

// AddEndpoint registers a subscriber endpoint.
func (s *Store) AddEndpoint(ep *db.OutboundEndpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ep.ID == uuid.Nil {
		ep.ID = uuid.New()
	}
	c := *ep
	s.endpoints[ep.ID] = &c
	s.next(ep.ID)
}

func (s *Store) GetEndpoint(ctx context.Context, id uuid.UUID) (*db.OutboundEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ep, ok := s.endpoints[id]
	if !ok {
		return nil, fmt.Errorf("endpoint %s: %w", id, db.ErrNotFound)
	}
	c := *ep
	return &c, nil
}

// OutboundEvents returns copies of every business event.
func (s *Store) OutboundEvents() []*db.OutboundEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*db.OutboundEvent, 0, len(s.outbound))
	for _, ev := range s.outbound {
		c := *ev
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	return out
}

// Deliveries returns copies of every delivery row.
func (s *Store) Deliveries() []*db.OutboundDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*db.OutboundDelivery, 0, len(s.deliveries))
	for _, d := range s.deliveries {
		c := *d
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	return out
}

func (s *Store) FanOutEvents(ctx context.Context, limit int, match func(*db.OutboundEndpoint, *db.OutboundEvent) bool) ([]*db.OutboundEvent, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*db.OutboundEvent
	for _, ev := range s.outbound {
		if !ev.FannedOut {
			pending = append(pending, ev)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return s.seq[pending[i].ID] < s.seq[pending[j].ID] })
	if len(pending) > limit {
		pending = pending[:limit]
	}

	endpoints := make([]*db.OutboundEndpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		if ep.Enabled {
			endpoints = append(endpoints, ep)
		}
	}
	sort.Slice(endpoints, func(i, j int) bool { return s.seq[endpoints[i].ID] < s.seq[endpoints[j].ID] })

	now := s.Now()
	created := 0
	var out []*db.OutboundEvent
	for _, ev := range pending {
		for _, ep := range endpoints {
			if !match(ep, ev) || s.hasDelivery(ep.ID, ev.ID) {
				continue
			}
			d := &db.OutboundDelivery{
				ID:            uuid.New(),
				EndpointID:    ep.ID,
				EventID:       ev.ID,
				Status:        db.DeliveryStatusPending,
				NextAttemptAt: now,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			s.deliveries[d.ID] = d
			s.next(d.ID)
			created++
		}
		ev.FannedOut = true
		c := *ev
		out = append(out, &c)
	}
	return out, created, nil
}

func (s *Store) hasDelivery(endpointID, eventID uuid.UUID) bool {
	for _, d := range s.deliveries {
		if d.EndpointID == endpointID && d.EventID == eventID {
			return true
		}
	}
	return false
}

// ClaimDueDeliveries mirrors the SQL: pick up to limit unsaturated
// endpoints with due work, oldest due first, then claim from each until
// its cap or limit is reached.
func (s *Store) ClaimDueDeliveries(ctx context.Context, limit int, lease time.Duration, defaultCap, hardCap int) ([]*db.DeliveryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	stale := func(d *db.OutboundDelivery) bool {
		return d.Status == db.DeliveryStatusDelivering && d.UpdatedAt.Before(now.Add(-lease))
	}

	inFlight := make(map[uuid.UUID]int)
	due := make(map[uuid.UUID][]*db.OutboundDelivery)
	for _, d := range s.deliveries {
		switch {
		case d.Status == db.DeliveryStatusDelivering && !stale(d):
			inFlight[d.EndpointID]++
		case d.Status == db.DeliveryStatusPending && !d.NextAttemptAt.After(now), stale(d):
			due[d.EndpointID] = append(due[d.EndpointID], d)
		}
	}
	for _, list := range due {
		sort.Slice(list, func(i, j int) bool {
			if !list[i].NextAttemptAt.Equal(list[j].NextAttemptAt) {
				return list[i].NextAttemptAt.Before(list[j].NextAttemptAt)
			}
			return s.seq[list[i].ID] < s.seq[list[j].ID]
		})
	}

	type slot struct {
		ep   *db.OutboundEndpoint
		free int
	}
	var slots []slot
	for id, list := range due {
		ep, ok := s.endpoints[id]
		if !ok || !ep.Enabled {
			continue
		}
		if free := capacity(ep, defaultCap, hardCap) - inFlight[id]; free > 0 && len(list) > 0 {
			slots = append(slots, slot{ep: ep, free: free})
		}
	}
	sort.Slice(slots, func(i, j int) bool {
		a, b := due[slots[i].ep.ID][0], due[slots[j].ep.ID][0]
		if !a.NextAttemptAt.Equal(b.NextAttemptAt) {
			return a.NextAttemptAt.Before(b.NextAttemptAt)
		}
		return s.seq[slots[i].ep.ID] < s.seq[slots[j].ep.ID]
	})
	if len(slots) > limit {
		slots = slots[:limit]
	}

	var jobs []*db.DeliveryJob
	for _, sl := range slots {
		for _, d := range due[sl.ep.ID] {
			if sl.free <= 0 || len(jobs) >= limit {
				break
			}
			sl.free--

			d.Status = db.DeliveryStatusDelivering
			d.Attempts++
			d.UpdatedAt = now

			jobs = append(jobs, &db.DeliveryJob{
				Delivery: *d,
				Endpoint: *sl.ep,
				Event:    *s.outbound[d.EventID],
			})
		}
	}
	return jobs, nil
}

func capacity(ep *db.OutboundEndpoint, defaultCap, hardCap int) int {
	c := ep.MaxConcurrentDeliveries
	if c <= 0 {
		c = defaultCap
	}
	if c > hardCap {
		c = hardCap
	}
	if c < 1 {
		c = 1
	}
	return c
}

func (s *Store) delivering(id uuid.UUID) (*db.OutboundDelivery, error) {
	d, ok := s.deliveries[id]
	if !ok || d.Status != db.DeliveryStatusDelivering {
		return nil, fmt.Errorf("delivery %s: %w", id, db.ErrNotFound)
	}
	return d, nil
}

func (s *Store) MarkDeliveryDelivered(ctx context.Context, id uuid.UUID, code int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.delivering(id)
	if err != nil {
		return err
	}
	now := s.Now()
	d.Status = db.DeliveryStatusDelivered
	d.LastCode = &code
	d.LastError = nil
	d.DeliveredAt = &now
	d.UpdatedAt = now
	return nil
}

func (s *Store) ScheduleDeliveryRetry(ctx context.Context, id uuid.UUID, code *int, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.delivering(id)
	if err != nil {
		return err
	}
	d.Status = db.DeliveryStatusPending
	d.LastCode = code
	d.LastError = &errMsg
	d.NextAttemptAt = nextAttemptAt
	d.UpdatedAt = s.Now()
	return nil
}

func (s *Store) MarkDeliveryFailed(ctx context.Context, id uuid.UUID, code *int, errMsg, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.delivering(id)
	if err != nil {
		return err
	}
	d.Status = db.DeliveryStatusFailed
	d.LastCode = code
	d.LastError = &errMsg
	d.FailureKind = &kind
	d.UpdatedAt = s.Now()
	return nil
}

func (s *Store) DeferDelivery(ctx context.Context, id uuid.UUID, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.delivering(id)
	if err != nil {
		return nil
	}
	d.Status = db.DeliveryStatusPending
	if d.Attempts > 0 {
		d.Attempts--
	}
	d.NextAttemptAt = until
	d.UpdatedAt = s.Now()
	return nil
}

func (s *Store) RetryDelivery(ctx context.Context, id uuid.UUID) (*db.OutboundDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[id]
	if !ok || d.Status != db.DeliveryStatusFailed {
		return nil, fmt.Errorf("failed delivery %s: %w", id, db.ErrNotFound)
	}
	d.Status = db.DeliveryStatusPending
	d.Attempts = 0
	d.FailureKind = nil
	d.NextAttemptAt = s.Now()
	d.UpdatedAt = s.Now()
	c := *d
	return &c, nil
}

func (s *Store) ListDeliveries(ctx context.Context, filter db.DeliveryFilter) ([]*db.OutboundDelivery, error) {
	var out []*db.OutboundDelivery
	for _, d := range s.Deliveries() {
		if filter.EndpointID != nil && d.EndpointID != *filter.EndpointID {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		out = append(out, d)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	return page(out, limit, filter.Offset), nil
}

func (s *Store) EndpointStats(ctx context.Context, endpointID uuid.UUID) (*db.DeliveryStats, error) {
	stats := &db.DeliveryStats{EndpointID: endpointID}
	for _, d := range s.Deliveries() {
		if d.EndpointID != endpointID {
			continue
		}
		switch d.Status {
		case db.DeliveryStatusPending:
			stats.Pending++
		case db.DeliveryStatusDelivering:
			stats.Delivering++
		case db.DeliveryStatusDelivered:
			stats.Delivered++
		case db.DeliveryStatusFailed:
			stats.Failed++
			if d.FailureKind != nil && *d.FailureKind == db.FailureKindExhausted {
				stats.Exhausted++
			}
			if d.FailureKind != nil && *d.FailureKind == db.FailureKindRejected {
				stats.Rejected++
			}
			stats.LastError = d.LastError
			at := d.UpdatedAt
			stats.LastFailAt = &at
		}
	}
	return stats, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
