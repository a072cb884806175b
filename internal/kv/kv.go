// Package kv defines the narrow durable key-value interface the cache,
// quota and coordinator layers depend on, together with a Redis-backed
// implementation and an in-memory one for tests and single-node runs.
package kv

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("kv: key not found")

type Store interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores value under key. A ttl of zero means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key, reporting whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// List returns all key/value pairs whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	// SetIfAbsent stores value under key only if the key does not exist,
	// reporting whether the write happened. Used for advisory locks.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}
