package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes events on a per-participant pub/sub channel. Client
// tooling subscribes to coedit:events:<participantID>.
type RedisSink struct {
	client *redis.Client
	prefix string
}

func NewRedisSink(redisURL string) (*RedisSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisSink{client: client, prefix: "coedit:events:"}, nil
}

// NewRedisSinkWithClient creates a sink from an existing Redis client.
func NewRedisSinkWithClient(client *redis.Client) *RedisSink {
	return &RedisSink{client: client, prefix: "coedit:events:"}
}

func (s *RedisSink) channel(participantID string) string {
	return s.prefix + participantID
}

func (s *RedisSink) Send(ctx context.Context, participantID string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel(participantID), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
