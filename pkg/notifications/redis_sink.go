package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukex/contractflow/pkg/models"
	"github.com/redis/go-redis/v9"
)

const (
	// RedisChannel is the pub/sub channel every notification is published on.
	RedisChannel = "contractflow:notifications"

	defaultInboxLimit = 100
	defaultInboxTTL   = 30 * 24 * time.Hour
)

// RedisSink publishes notifications on a Redis channel and keeps a bounded inbox
// list per recipient.
type RedisSink struct {
	client *redis.Client
	limit  int
	ttl    time.Duration
}

func NewRedisSink(client *redis.Client, limit int, ttl time.Duration) *RedisSink {
	if limit <= 0 {
		limit = defaultInboxLimit
	}

	if ttl <= 0 {
		ttl = defaultInboxTTL
	}

	return &RedisSink{client: client, limit: limit, ttl: ttl}
}

// NewRedisSinkFromURL parses a redis:// URL.
func NewRedisSinkFromURL(rawURL string) (*RedisSink, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	return NewRedisSink(redis.NewClient(opts), 0, 0), nil
}

func (s *RedisSink) Notify(ctx context.Context, notification *models.WorkflowNotification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Publish(ctx, RedisChannel, payload)

	for _, recipient := range notification.Recipients {
		key := inboxKey(recipient)
		pipe.LPush(ctx, key, payload)
		pipe.LTrim(ctx, key, 0, int64(s.limit-1))
		pipe.Expire(ctx, key, s.ttl)
	}

	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to deliver notification %s: %w", notification.ID, err)
	}

	return nil
}

// Inbox returns up to limit notifications for userID, newest first.
func (s *RedisSink) Inbox(ctx context.Context, userID string, limit int) ([]*models.WorkflowNotification, error) {
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}

	values, err := s.client.LRange(ctx, inboxKey(userID), 0, int64(limit-1)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read inbox for %s: %w", userID, err)
	}

	inbox := make([]*models.WorkflowNotification, 0, len(values))

	for _, value := range values {
		var notification models.WorkflowNotification
		if err := json.Unmarshal([]byte(value), &notification); err != nil {
			continue
		}

		inbox = append(inbox, &notification)
	}

	return inbox, nil
}

func (s *RedisSink) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

func inboxKey(userID string) string {
	return "contractflow:inbox:" + userID
}
