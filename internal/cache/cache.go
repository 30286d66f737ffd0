// Package cache is the string-keyed, TTL-bearing auxiliary store. The
// durable store is always the source of truth: every operation here can
// fail without failing the caller, and a miss is an ordinary outcome.
//
// Lookups follow the (value, ok, err) convention:
//
//	value, ok, err := c.Get(ctx, key)
//	err != nil  -> cache unavailable, fall through to the database
//	!ok         -> clean miss, fall through to the database
//	ok          -> hit
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Cache is the capability set required by the services: plain KV with
// TTL, FIFO lists for the ingestion queue, and sets.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Del(ctx context.Context, keys ...string) error
	Has(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	PushRight(ctx context.Context, key string, value []byte) error
	PopLeft(ctx context.Context, key string) (value []byte, ok bool, err error)
	ListLen(ctx context.Context, key string) (int64, error)
	ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)

	SetAdd(ctx context.Context, key string, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	Ping(ctx context.Context) error
}

// SetJSON marshals v and stores it under key.
func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, data, ttl)
}

// GetJSON loads key and unmarshals into v. A miss or an unavailable
// cache returns ok=false; a corrupt entry is treated as a miss too,
// since the durable store can always rebuild it.
func GetJSON(ctx context.Context, c Cache, key string, v any) (ok bool, err error) {
	data, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, nil
	}
	return true, nil
}
