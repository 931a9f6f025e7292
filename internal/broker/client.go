package broker

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// NewClient creates a Redis client from a URL (e.g., "redis://localhost:6379")
// with metrics and circuit breaker hooks, and verifies the connection.
func NewClient(ctx context.Context, redisURL string) (*goredis.Client, error) {
	rdb, err := newClient(redisURL)
	if err != nil {
		return nil, err
	}

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rdb, nil
}

// NewLazyClient is NewClient without the initial ping; the caller verifies the
// connection, typically with a retry policy.
func NewLazyClient(redisURL string) (*goredis.Client, error) {
	return newClient(redisURL)
}

func newClient(redisURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := goredis.NewClient(opts)
	rdb.AddHook(&MetricsHook{})
	rdb.AddHook(NewCircuitBreakerHook())
	return rdb, nil
}
