// Package sns mirrors payment business events to an SNS topic for internal
// consumers (analytics, CRM sync) that do not register webhook endpoints.
package sns

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/payrelay/internal/db"
)

// maxBatch is the SNS PublishBatch entry limit.
const maxBatch = 10

// API is the part of the SNS client the publisher uses.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	PublishBatch(ctx context.Context, params *sns.PublishBatchInput, optFns ...func(*sns.Options)) (*sns.PublishBatchOutput, error)
}

// Publisher publishes business events to one topic.
type Publisher struct {
	client   API
	topicARN string
}

// Message is the SNS body for one business event.
type Message struct {
	EventID    string          `json:"event_id"`
	Type       string          `json:"type"`
	ClinicID   string          `json:"clinic_id,omitempty"`
	Resource   string          `json:"resource"`
	ResourceID string          `json:"resource_id"`
	Data       json.RawMessage `json:"data"`
}

// NewMessage converts a business event.
func NewMessage(ev *db.OutboundEvent) Message {
	return Message{
		EventID:    ev.ID.String(),
		Type:       ev.Type,
		ClinicID:   ev.ClinicID,
		Resource:   ev.Resource,
		ResourceID: ev.ResourceID,
		Data:       ev.Data,
	}
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(ctx context.Context, topicARN string, optFns ...func(*config.LoadOptions) error) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Publisher{
		client:   sns.NewFromConfig(cfg),
		topicARN: topicARN,
	}, nil
}

func attributes(msg Message) map[string]types.MessageAttributeValue {
	attrs := map[string]types.MessageAttributeValue{
		"event_type": {
			DataType:    aws.String("String"),
			StringValue: aws.String(msg.Type),
		},
	}
	// SNS rejects empty string attributes.
	if msg.ClinicID != "" {
		attrs["clinic_id"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(msg.ClinicID),
		}
	}
	return attrs
}

// Publish sends a single message, filterable by event_type and clinic_id.
func (p *Publisher) Publish(ctx context.Context, msg Message) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(p.topicARN),
		Message:           aws.String(string(payload)),
		MessageAttributes: attributes(msg),
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// PublishBatch sends up to 10 messages in one call.
func (p *Publisher) PublishBatch(ctx context.Context, messages []Message) ([]string, error) {
	if len(messages) == 0 {
		return nil, nil
	}

	if len(messages) > maxBatch {
		return nil, fmt.Errorf("batch size exceeds SNS limit of %d", maxBatch)
	}

	entries := make([]types.PublishBatchRequestEntry, len(messages))
	for i, msg := range messages {
		payload, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message %d: %w", i, err)
		}

		entries[i] = types.PublishBatchRequestEntry{
			Id:                aws.String(msg.EventID),
			Message:           aws.String(string(payload)),
			MessageAttributes: attributes(msg),
		}
	}

	result, err := p.client.PublishBatch(ctx, &sns.PublishBatchInput{
		TopicArn:                   aws.String(p.topicARN),
		PublishBatchRequestEntries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to publish batch to SNS: %w", err)
	}

	if len(result.Failed) > 0 {
		return nil, fmt.Errorf("partial batch failure: %d messages failed", len(result.Failed))
	}

	messageIDs := make([]string, len(result.Successful))
	for i, entry := range result.Successful {
		messageIDs[i] = aws.ToString(entry.MessageId)
	}

	return messageIDs, nil
}

// PublishEvents mirrors business events, splitting them into batches sent
// concurrently.
func (p *Publisher) PublishEvents(ctx context.Context, events []*db.OutboundEvent) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for start := 0; start < len(events); start += maxBatch {
		end := start + maxBatch
		if end > len(events) {
			end = len(events)
		}

		batch := make([]Message, 0, end-start)
		for _, ev := range events[start:end] {
			batch = append(batch, NewMessage(ev))
		}

		g.Go(func() error {
			_, err := p.PublishBatch(ctx, batch)
			return err
		})
	}

	return g.Wait()
}
