// Package alert raises operator alerts when the pipeline gives up on
// something: an inbound event was dead-lettered or an outbound delivery
// failed for good.
package alert

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Kind classifies an alert.
type Kind string

const (
	KindDeadLetter        Kind = "inbound.dead_letter"
	KindDeliveryExhausted Kind = "delivery.exhausted"
	KindDeliveryRejected  Kind = "delivery.rejected"
)

// Alert is one operator-facing message.
type Alert struct {
	Kind    Kind              `json:"kind"`
	Subject string            `json:"subject"`
	Detail  string            `json:"detail"`
	Fields  map[string]string `json:"fields,omitempty"`
	At      time.Time         `json:"at"`
}

// Text renders the alert as a plain-text body.
func (a Alert) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\nkind: %s\nat: %s\n", a.Detail, a.Kind, a.At.UTC().Format(time.RFC3339))

	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, a.Fields[k])
	}
	return b.String()
}

// Notifier delivers alerts to one sink.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Multi fans an alert out to every sink in parallel.
type Multi struct {
	sinks  []Notifier
	logger *zap.Logger
}

// NewMulti creates a notifier over sinks. Nil sinks are skipped so callers
// can pass optional ones unconditionally.
func NewMulti(logger *zap.Logger, sinks ...Notifier) *Multi {
	m := &Multi{logger: logger}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Notify sends a to every sink and returns the first failure. One failing
// sink does not stop the others.
func (m *Multi) Notify(ctx context.Context, a Alert) error {
	if a.At.IsZero() {
		a.At = time.Now()
	}

	var g errgroup.Group
	for _, sink := range m.sinks {
		g.Go(func() error {
			if err := sink.Notify(ctx, a); err != nil {
				m.logger.Error("alert sink failed",
					zap.String("kind", string(a.Kind)),
					zap.String("sink", fmt.Sprintf("%T", sink)),
					zap.Error(err),
				)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// LogNotifier writes alerts to the log. It is always wired so alerts are
// visible even without AWS sinks configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, a Alert) error {
	fields := []zap.Field{
		zap.String("kind", string(a.Kind)),
		zap.String("subject", a.Subject),
		zap.String("detail", a.Detail),
	}
	for k, v := range a.Fields {
		fields = append(fields, zap.String(k, v))
	}
	l.logger.Warn("operator alert", fields...)
	return nil
}
