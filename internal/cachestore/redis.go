package cachestore

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fleetinsight/fleetinsight/internal/models"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisOptions holds the connection parameters for the sentinel-backed redis
// deployment the cache runs against in production.
type RedisOptions struct {
	URIs     []string
	Password string
	DB       int
}

type redisBackend struct {
	rdb *redis.Client
}

// NewRedisBackend connects to redis through sentinel failover and verifies
// the connection with an exponential-backoff ping before returning.
func NewRedisBackend(options RedisOptions) (Backend, error) {
	failOverOptions := redis.FailoverOptions{
		MasterName:       "mymaster",
		SentinelAddrs:    options.URIs,
		SentinelPassword: options.Password,
		Password:         options.Password,
		DB:               options.DB,
	}
	zap.S().Debugf("Initializing redis cache backend with options: %#v", failOverOptions)

	rdb := redis.NewFailoverClient(&failOverOptions)

	pingOnce := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return rdb.Ping(ctx).Err()
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 1 * time.Minute
	err := backoff.Retry(pingOnce, expBackoff)
	if err != nil {
		return nil, err
	}

	zap.S().Infof("Redis cache backend is available")
	return &redisBackend{rdb: rdb}, nil
}

func (r *redisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (r *redisBackend) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	return r.rdb.Set(ctx, key, value, expiration).Err()
}

func (r *redisBackend) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.rdb.Del(ctx, keys...).Err()
}

func (r *redisBackend) ZAdd(ctx context.Context, set string, score float64, member string) error {
	return r.rdb.ZAdd(ctx, set, &redis.Z{Score: score, Member: member}).Err()
}

func (r *redisBackend) ZRange(ctx context.Context, set string, start int64, stop int64) ([]string, error) {
	return r.rdb.ZRange(ctx, set, start, stop).Result()
}

func (r *redisBackend) ZRem(ctx context.Context, set string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.rdb.ZRem(ctx, set, args...).Err()
}

func (r *redisBackend) ZCard(ctx context.Context, set string) (int64, error) {
	return r.rdb.ZCard(ctx, set).Result()
}

func (r *redisBackend) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *redisBackend) Close() error {
	return r.rdb.Close()
}
