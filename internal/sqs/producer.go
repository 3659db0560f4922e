// Package sqs exports operator alerts (dead letters, failed deliveries) to
// an SQS queue so external tooling can pick them up.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/payrelay/internal/alert"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// API is the part of the SQS client the producer uses.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Message is the body sent to the export queue.
type Message struct {
	Kind       string            `json:"kind"`
	Subject    string            `json:"subject"`
	Detail     string            `json:"detail"`
	Fields     map[string]string `json:"fields,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Producer publishes alerts to the export queue.
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Producer{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Notify sends the alert to the queue. It satisfies alert.Notifier.
func (p *Producer) Notify(ctx context.Context, a alert.Alert) error {
	msg := Message{
		Kind:       string(a.Kind),
		Subject:    a.Subject,
		Detail:     a.Detail,
		Fields:     a.Fields,
		OccurredAt: a.At,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.Kind),
			},
		},
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("kind", msg.Kind),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Debug("alert exported to sqs",
		zap.String("kind", msg.Kind),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
