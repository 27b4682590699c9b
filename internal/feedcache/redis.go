// Package feedcache keeps the ranked issue list in Redis between votes.
package feedcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"healmycity/api/internal/store"
)

// ErrMiss is returned when no cached feed is present.
var ErrMiss = errors.New("feed cache miss")

const feedKey = "feed:ranked"

type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func New(redisURL string, ttl time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client, ttl), nil
}

func NewWithClient(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Get returns the cached ranked feed, or ErrMiss.
func (c *Cache) Get(ctx context.Context) ([]store.Issue, error) {
	raw, err := c.client.Get(ctx, feedKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get feed: %w", err)
	}
	var issues []store.Issue
	if err := json.Unmarshal(raw, &issues); err != nil {
		return nil, fmt.Errorf("decode cached feed: %w", err)
	}
	return issues, nil
}

// Set stores the ranked feed with the configured TTL.
func (c *Cache) Set(ctx context.Context, issues []store.Issue) error {
	raw, err := json.Marshal(issues)
	if err != nil {
		return fmt.Errorf("encode feed: %w", err)
	}
	if err := c.client.Set(ctx, feedKey, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("set feed: %w", err)
	}
	return nil
}

// Invalidate drops the cached feed. Called whenever a vote, a new issue, or
// a status change moves the ranking.
func (c *Cache) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, feedKey).Err(); err != nil {
		return fmt.Errorf("invalidate feed: %w", err)
	}
	return nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}
