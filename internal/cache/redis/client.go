// Package redis caches read-side reports between syncs.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sqp-sync/backend/internal/metrics"
	"github.com/sqp-sync/backend/pkg/config"
	"github.com/sqp-sync/backend/pkg/logger"
)

const reportPrefix = "report:"

type Client struct {
	client *redis.Client
	ttl    time.Duration
}

func NewClient(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", addr), zap.Duration("report_ttl", cfg.TTL()))

	return &Client{client: client, ttl: cfg.TTL()}, nil
}

// NewFromClient wraps an existing connection.
func NewFromClient(client *redis.Client, ttl time.Duration) *Client {
	return &Client{client: client, ttl: ttl}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func reportKey(hash string) string {
	return reportPrefix + hash
}

func (c *Client) SetReport(ctx context.Context, key string, report interface{}) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if err := c.client.Set(ctx, reportKey(key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set report cache: %w", err)
	}

	logger.Debug("Report cached", zap.String("key", key), zap.Duration("ttl", c.ttl))
	return nil
}

// GetReport decodes a cached report into dest and reports whether it was found.
func (c *Client) GetReport(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.client.Get(ctx, reportKey(key)).Bytes()
	if err == redis.Nil {
		metrics.CacheMisses.WithLabelValues("report").Inc()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get report cache: %w", err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal report: %w", err)
	}

	metrics.CacheHits.WithLabelValues("report").Inc()
	logger.Debug("Report cache hit", zap.String("key", key))
	return true, nil
}

// InvalidateReports drops every cached report. Runs call it after new data
// lands.
func (c *Client) InvalidateReports(ctx context.Context) error {
	deleted := 0
	iter := c.client.Scan(ctx, 0, reportPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete cache key", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		deleted++
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Report cache invalidated", zap.Int("keys", deleted))
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
