package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// InboundTTL is how long a recorded provider hook stays in the cache.
// Providers stop redelivering well within a day.
const InboundTTL = 24 * time.Hour

// IdempotencyResult is what the cache remembers about a recorded hook.
type IdempotencyResult struct {
	EventID    string `json:"event_id"`
	RecordedAt int64  `json:"recorded_at"`
}

// IdempotencyService answers "have we already recorded this provider hook?"
// before the database is touched. It is a cache only: a miss, an eviction
// or a Redis outage falls through to the ledger's unique keys.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotencyService creates a new idempotency service.
func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(provider, hookID string) string {
	return fmt.Sprintf("inbound:%s:%s", provider, hookID)
}

// Check returns the cached result for a hook, or (nil, nil) on a miss.
func (s *IdempotencyService) Check(ctx context.Context, provider, hookID string) (*IdempotencyResult, error) {
	val, err := s.client.rdb.Get(ctx, s.buildKey(provider, hookID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("provider", provider),
		zap.String("hook_id", hookID),
		zap.String("event_id", result.EventID),
	)

	return &result, nil
}

// Store remembers that a hook was durably recorded.
func (s *IdempotencyService) Store(ctx context.Context, provider, hookID string, result *IdempotencyResult, ttl time.Duration) error {
	if result.RecordedAt == 0 {
		result.RecordedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, s.buildKey(provider, hookID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}
