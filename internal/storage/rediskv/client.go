// Package rediskv provides the Redis client construction and keyspace schema
// for the coordination store. The multi-step state transitions (Lua scripts
// and the watched master commit) are owned by the queue service; this package
// only supplies the plumbing.
package rediskv

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/bobmcallan/ciqueue/internal/common"
)

// NewClient builds a go-redis client from a redis:// URL and verifies
// connectivity.
func NewClient(ctx context.Context, cfg common.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.DialTimeout = cfg.GetDialTimeout()
	opts.ReadTimeout = cfg.GetReadTimeout()
	opts.WriteTimeout = cfg.GetWriteTimeout()

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// NewClientFromURL builds a client for an alternate store (the timing oracle)
// without the build store's timeout overrides.
func NewClientFromURL(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}
