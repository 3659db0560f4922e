package alert

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"go.uber.org/zap"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (r *recordingSink) Notify(ctx context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return r.err
}

func TestMulti_NotifiesEverySink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	m := NewMulti(zap.NewNop(), a, nil, b)

	err := m.Notify(context.Background(), Alert{Kind: KindDeadLetter, Subject: "dead letter"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a.alerts) != 1 || len(b.alerts) != 1 {
		t.Fatalf("expected both sinks notified, got %d and %d", len(a.alerts), len(b.alerts))
	}
	if a.alerts[0].At.IsZero() {
		t.Error("expected timestamp to be filled in")
	}
}

func TestMulti_FailingSinkDoesNotStopOthers(t *testing.T) {
	boom := errors.New("sink down")
	failing, healthy := &recordingSink{err: boom}, &recordingSink{}
	m := NewMulti(zap.NewNop(), failing, healthy)

	err := m.Notify(context.Background(), Alert{Kind: KindDeliveryExhausted})
	if !errors.Is(err, boom) {
		t.Fatalf("expected sink error, got %v", err)
	}
	if len(healthy.alerts) != 1 {
		t.Error("healthy sink should still receive the alert")
	}
}

func TestAlert_Text(t *testing.T) {
	a := Alert{
		Kind:   KindDeliveryRejected,
		Detail: "endpoint url is not https",
		Fields: map[string]string{"endpoint_id": "ep_1", "delivery_id": "d_1"},
		At:     time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}

	text := a.Text()
	for _, want := range []string{
		"endpoint url is not https",
		"kind: delivery.rejected",
		"at: 2026-05-01T10:00:00Z",
		"delivery_id: d_1\nendpoint_id: ep_1",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("text missing %q:\n%s", want, text)
		}
	}
}

type mockSES struct {
	input *ses.SendEmailInput
	err   error
}

func (m *mockSES) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	m.input = params
	if m.err != nil {
		return nil, m.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
}

func TestSESNotifier_Notify(t *testing.T) {
	client := &mockSES{}
	n := &SESNotifier{client: client, from: "alerts@payrelay.dev", to: []string{"oncall@payrelay.dev"}, logger: zap.NewNop()}

	err := n.Notify(context.Background(), Alert{Kind: KindDeadLetter, Subject: "event dead-lettered", Detail: "bad payload"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := aws.ToString(client.input.Source); got != "alerts@payrelay.dev" {
		t.Errorf("source = %q", got)
	}
	if got := aws.ToString(client.input.Message.Subject.Data); got != "[payrelay] event dead-lettered" {
		t.Errorf("subject = %q", got)
	}
	if !strings.Contains(aws.ToString(client.input.Message.Body.Text.Data), "bad payload") {
		t.Error("body should carry the alert detail")
	}
}

func TestSESNotifier_Error(t *testing.T) {
	n := &SESNotifier{client: &mockSES{err: errors.New("throttled")}, from: "a@b.c", to: []string{"d@e.f"}, logger: zap.NewNop()}

	if err := n.Notify(context.Background(), Alert{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewSESNotifier_RequiresAddresses(t *testing.T) {
	if _, err := NewSESNotifier(context.Background(), SESConfig{Region: "us-east-1"}, zap.NewNop()); err == nil {
		t.Fatal("expected error without from/to")
	}
}
