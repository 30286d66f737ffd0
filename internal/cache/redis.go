package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// opTimeout bounds every cache round trip. The cache is auxiliary;
// a slow cache must not hold a request hostage.
const opTimeout = 2 * time.Second

// Redis implements Cache on go-redis. redis.Nil is translated to the
// clean-miss outcome so callers never see it.
type Redis struct {
	rdb *redis.Client
}

// NewRedis dials a single-node redis. Short dial/read/write timeouts
// match the recoverable-outcome contract: better to miss than to hang.
func NewRedis(addr, password string, db int) *Redis {
	return &Redis{rdb: redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
	})}
}

func (r *Redis) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	val, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.rdb.Del(ctx, keys...).Err()
}

func (r *Redis) Has(ctx context.Context, key string) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	n, err := r.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.rdb.Expire(ctx, key, ttl).Err()
}

func (r *Redis) PushRight(ctx context.Context, key string, value []byte) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.rdb.RPush(ctx, key, value).Err()
}

func (r *Redis) PopLeft(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	val, err := r.rdb.LPop(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *Redis) ListLen(ctx context.Context, key string) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.rdb.LLen(ctx, key).Result()
}

func (r *Redis) ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	vals, err := r.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (r *Redis) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.rdb.SAdd(ctx, key, args...).Err()
}

func (r *Redis) SetRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.rdb.SRem(ctx, key, args...).Err()
}

func (r *Redis) SetMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.rdb.SMembers(ctx, key).Result()
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error { return r.rdb.Close() }
