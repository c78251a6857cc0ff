package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces the status hash and event channel
const DefaultRedisPrefix = "realtyshard"

type redisClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisSink keeps "{prefix}:status" as a pool -> status hash and publishes
// every event on "{prefix}:events" so other processes see the same view.
type RedisSink struct {
	client redisClient
	prefix string
}

// NewRedisSink connects a RedisSink to addr
func NewRedisSink(addr, password string, db int, prefix string) *RedisSink {
	return newRedisSink(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), prefix)
}

func newRedisSink(client redisClient, prefix string) *RedisSink {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisSink{client: client, prefix: prefix}
}

// StatusKey is the hash holding the latest status per pool
func (s *RedisSink) StatusKey() string { return s.prefix + ":status" }

// Channel is the pub/sub channel carrying events
func (s *RedisSink) Channel() string { return s.prefix + ":events" }

func (s *RedisSink) Publish(ctx context.Context, ev StatusEvent) error {
	if err := s.client.HSet(ctx, s.StatusKey(), ev.PoolKey, ev.To).Err(); err != nil {
		return fmt.Errorf("redis status update failed: %w", err)
	}

	payload, err := ev.marshal()
	if err != nil {
		return fmt.Errorf("failed to encode status event: %w", err)
	}
	if err := s.client.Publish(ctx, s.Channel(), payload).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
