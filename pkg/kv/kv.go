// Package kv defines the key-value persistence contract consumed by the
// approval store and pause manager, with Redis semantics: expirations in
// seconds, unordered sets, ordered lists, cursor-based scans. Two
// implementations ship: Redis-backed for production and in-memory for tests
// and standalone runs.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for a missing or expired key.
var ErrNotFound = errors.New("key not found")

// Store is the persistence surface. All operations honor ctx deadlines.
type Store interface {
	// Get returns the string value at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// SetEx stores value at key with a TTL. ttl <= 0 stores without expiry.
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error

	// SAdd adds members to the set at key.
	SAdd(ctx context.Context, key string, members ...string) error

	// SMembers returns all members of the set at key. Order is unspecified.
	SMembers(ctx context.Context, key string) ([]string, error)

	// SRem removes members from the set at key.
	SRem(ctx context.Context, key string, members ...string) error

	// RPush appends values to the list at key.
	RPush(ctx context.Context, key string, values ...string) error

	// LRange returns list elements in [start, stop]; negative indices count
	// from the end (-1 is the last element).
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Del removes keys.
	Del(ctx context.Context, keys ...string) error

	// Scan iterates keys matching pattern starting at cursor, returning the
	// next cursor (0 = done) and a batch of keys.
	Scan(ctx context.Context, cursor uint64, pattern string, count int64) (uint64, []string, error)
}

// Expirer sets (or refreshes) the expiry of an existing key. Optional:
// implemented by both shipped stores.
type Expirer interface {
	Expire(ctx context.Context, key string, ttl time.Duration) error
}
