// Package cache memoizes analysis results in Redis so dashboard refreshes
// do not recompute identical windows.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"diagnet/internal/config"
	"diagnet/internal/model"
)

// ResultCache stores analysis results under a machine/window key with a
// TTL. A nil *ResultCache is a valid no-op cache.
type ResultCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New returns nil when caching is disabled.
func New(cfg config.CacheConfig, logger *slog.Logger) *ResultCache {
	if !cfg.Enabled {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &ResultCache{client: client, ttl: cfg.TTL, logger: logger}
}

func (c *ResultCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

func key(machineID string, hours int) string {
	return fmt.Sprintf("analysis:%s:%d", machineID, hours)
}

// Get returns the cached result for the machine/window pair, or nil on
// miss. Cache errors degrade to a miss.
func (c *ResultCache) Get(ctx context.Context, machineID string, hours int) *model.AnalysisResult {
	if c == nil {
		return nil
	}
	raw, err := c.client.Get(ctx, key(machineID, hours)).Bytes()
	if err != nil {
		if err != redis.Nil && c.logger != nil {
			c.logger.Warn("analysis cache read failed", "machine_id", machineID, "err", err)
		}
		return nil
	}
	var res model.AnalysisResult
	if err := json.Unmarshal(raw, &res); err != nil {
		if c.logger != nil {
			c.logger.Warn("dropping undecodable cache entry", "machine_id", machineID, "err", err)
		}
		return nil
	}
	return &res
}

// Set stores the result; failures are logged and swallowed since the
// cache is an optimization, not a source of truth.
func (c *ResultCache) Set(ctx context.Context, machineID string, hours int, res *model.AnalysisResult) {
	if c == nil || res == nil {
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key(machineID, hours), raw, c.ttl).Err(); err != nil && c.logger != nil {
		c.logger.Warn("analysis cache write failed", "machine_id", machineID, "err", err)
	}
}
