package cachestore

import (
	"context"
	"time"
)

// Backend is the durable key-value store the cache runs on. It only needs
// plain get/set/delete plus sorted-set primitives for the LRU order, so any
// redis-compatible store (or the in-process memory backend) can serve.
//
// Get returns models.ErrNotFound for missing keys. ZRange returns members in
// ascending score order.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) error

	ZAdd(ctx context.Context, set string, score float64, member string) error
	ZRange(ctx context.Context, set string, start int64, stop int64) ([]string, error)
	ZRem(ctx context.Context, set string, members ...string) error
	ZCard(ctx context.Context, set string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
