// Package cache holds the redis fast path for webhook deduplication.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AnuragDani/ride-billing-engine/internal/logger"
)

const processedKeyPrefix = "webhook:processed:"

// DefaultProcessedTTL is how long a processed event id stays cached
const DefaultProcessedTTL = 72 * time.Hour

// Client wraps a redis connection. The database stays the authority on
// deduplication; the cache only saves a round trip to it for known redeliveries.
type Client struct {
	client *redis.Client
	logger *logger.Logger
}

// NewRedisClient connects and pings redis
func NewRedisClient(redisURL string, log *logger.Logger) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	log.Info("Redis connection established", "addr", opt.Addr)
	return &Client{client: client, logger: log}, nil
}

// NewFromClient wraps an existing redis client
func NewFromClient(client *redis.Client, log *logger.Logger) *Client {
	return &Client{client: client, logger: log}
}

// ProcessedKey is the redis key that marks an event as processed
func ProcessedKey(eventID string) string {
	return processedKeyPrefix + eventID
}

// IsProcessed reports whether the event id is cached as processed
func (c *Client) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	count, err := c.client.Exists(ctx, ProcessedKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed key: %w", err)
	}
	return count > 0, nil
}

// MarkProcessed caches the event id as processed for ttl
func (c *Client) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultProcessedTTL
	}
	return c.client.Set(ctx, ProcessedKey(eventID), time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

// Forget drops a cached event id
func (c *Client) Forget(ctx context.Context, eventID string) error {
	return c.client.Del(ctx, ProcessedKey(eventID)).Err()
}

// ProcessedAt returns when a cached event was marked processed
func (c *Client) ProcessedAt(ctx context.Context, eventID string) (time.Time, error) {
	raw, err := c.client.Get(ctx, ProcessedKey(eventID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, fmt.Errorf("key not found: %s", ProcessedKey(eventID))
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get key %s: %w", ProcessedKey(eventID), err)
	}
	return time.Parse(time.RFC3339, raw)
}

// Close closes the connection
func (c *Client) Close() error {
	c.logger.Info("Closing Redis connection")
	return c.client.Close()
}

// HealthCheck pings redis
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return c.client.Ping(ctx).Err()
}
