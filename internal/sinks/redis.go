package sinks

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/banshee-data/watchtower/internal/bus"
)

// redisClient is the subset of *redis.Client the sink uses.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	Close() error
}

// RedisSink publishes each payload to a pub/sub channel and keeps the most
// recent ones in a capped list per kind, so late dashboards can backfill.
type RedisSink struct {
	client redisClient
	prefix string
	keep   int64
}

// NewRedisSink wraps a client. keep bounds each recent list.
func NewRedisSink(client redisClient, prefix string, keep int) *RedisSink {
	if prefix == "" {
		prefix = "watchtower"
	}
	if keep <= 0 {
		keep = 100
	}
	return &RedisSink{client: client, prefix: prefix, keep: int64(keep)}
}

// DialRedis connects to addr and verifies the connection with PING.
func DialRedis(ctx context.Context, addr, password string, db int, prefix string, keep int) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	logf("Redis connected to %s", addr)
	return NewRedisSink(client, prefix, keep), nil
}

// Name implements Sink.
func (s *RedisSink) Name() string { return "redis" }

// Send implements Sink.
func (s *RedisSink) Send(ctx context.Context, env bus.Envelope) error {
	topic, data, err := Encode(env)
	if err != nil {
		return err
	}
	channel := s.prefix + ":" + topic
	if err := s.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	list := s.prefix + ":recent:" + topic
	if err := s.client.LPush(ctx, list, data).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", list, err)
	}
	if err := s.client.LTrim(ctx, list, 0, s.keep-1).Err(); err != nil {
		return fmt.Errorf("ltrim %s: %w", list, err)
	}
	return nil
}

// Close closes the client.
func (s *RedisSink) Close() error { return s.client.Close() }
