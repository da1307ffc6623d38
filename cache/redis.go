package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"batchflow/config"
	"batchflow/logger"
	"batchflow/types"

	"github.com/redis/go-redis/v9"
)

const (
	statsSuffix    = ":stats"
	statBatches    = "batches"
	statMessages   = "messages"
	statEmpty      = "empty_batches"
	defaultListKey = "batchflow:batches"
)

// RedisCache appends every batch, JSON encoded, to a Redis list and keeps
// running totals in a hash next to it.
type RedisCache struct {
	client  *redis.Client
	listKey string
	log     *logger.Logger
}

// NewRedisCache connects using cfg and pings the server once.
func NewRedisCache(ctx context.Context, cfg *config.RedisConfig, log *logger.Logger) (*RedisCache, error) {
	timeout := cfg.GetConnectTimeout()
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		MinIdleConns: cfg.MinConnections,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Addr, err)
	}

	log.Info("Redis cache initialized", map[string]interface{}{
		"addr":      cfg.Addr,
		"db":        cfg.DB,
		"list_key":  cfg.ListKey,
		"max_conns": cfg.MaxConnections,
		"min_conns": cfg.MinConnections,
	})

	return NewRedisCacheWithClient(client, cfg.ListKey, log), nil
}

// NewRedisCacheWithClient wraps an existing client without pinging it.
func NewRedisCacheWithClient(client *redis.Client, listKey string, log *logger.Logger) *RedisCache {
	if listKey == "" {
		listKey = defaultListKey
	}
	return &RedisCache{client: client, listKey: listKey, log: log}
}

// StatsKey is the hash holding the batch and message totals.
func (rc *RedisCache) StatsKey() string {
	return rc.listKey + statsSuffix
}

// Persist pushes the batch and bumps the counters in a single MULTI/EXEC.
func (rc *RedisCache) Persist(ctx context.Context, batch *types.Batch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to encode batch %s: %w", batch.ID, err)
	}

	pipe := rc.client.TxPipeline()
	pipe.RPush(ctx, rc.listKey, data)
	pipe.HIncrBy(ctx, rc.StatsKey(), statBatches, 1)
	pipe.HIncrBy(ctx, rc.StatsKey(), statMessages, int64(batch.Len()))
	if batch.Len() == 0 {
		pipe.HIncrBy(ctx, rc.StatsKey(), statEmpty, 1)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push batch %s to redis: %w", batch.ID, err)
	}

	rc.log.Debug("Pushed batch to redis", map[string]interface{}{
		"batch_id": batch.ID,
		"size":     batch.Len(),
		"key":      rc.listKey,
	})
	return nil
}

// Recent returns up to n of the most recently pushed batches, oldest first.
func (rc *RedisCache) Recent(ctx context.Context, n int64) ([]*types.Batch, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := rc.client.LRange(ctx, rc.listKey, -n, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rc.listKey, err)
	}

	batches := make([]*types.Batch, 0, len(raw))
	for _, item := range raw {
		var b types.Batch
		if err := json.Unmarshal([]byte(item), &b); err != nil {
			return nil, err
		}
		batches = append(batches, &b)
	}
	return batches, nil
}

// Close releases the client's connections.
func (rc *RedisCache) Close() error {
	return rc.client.Close()
}
