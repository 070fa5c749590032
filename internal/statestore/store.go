// Package statestore provides the durable key-value store backing campaign
// checkpoints, the worker rendezvous protocol and usage counters.
package statestore

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by Store implementations.
var (
	ErrKeyNotFound = errors.New("key not found")
	ErrPopTimeout  = errors.New("blocking pop timed out")
)

// Store is a narrow key-value contract over the shared durable store. All
// keys are partitioned by campaign ID prefixes, so concurrent campaigns never
// contend. Implementations must be safe for concurrent use.
type Store interface {
	// Plain keys
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Counters
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Lists
	RPush(ctx context.Context, key string, values ...string) error
	LPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)

	// BLPop blocks until a value is pushed to the key or the timeout
	// elapses, consuming the value destructively. This is the rendezvous
	// primitive: workers RPush exactly one result, the engine pops it.
	// Returns ErrPopTimeout on timeout.
	BLPop(ctx context.Context, timeout time.Duration, key string) (string, error)

	// Health
	Ping(ctx context.Context) error
	AdapterInfo(ctx context.Context) (map[string]interface{}, error)

	Close() error
}
