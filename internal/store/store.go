// Package store defines the substrate-agnostic Client the rest of the
// orchestrator depends on, plus the Redis Streams-backed implementation
// (§4.1 Store Client).
package store

import (
	"context"
	"time"
)

// StreamMessage is one entry read from a stream, keyed by its Redis-assigned
// message id.
type StreamMessage struct {
	ID     string
	Values map[string]string
}

// PendingEntry describes one entry returned by a pending-range query.
type PendingEntry struct {
	ID         string
	Consumer   string
	IdleTime   time.Duration
	RetryCount int64
}

// Client is the minimal substrate contract every higher-level component
// (registry, work queue, intake, dead-letter writer) depends on instead of
// a concrete Redis type, so tests can swap in miniredis or a fake.
type Client interface {
	// Hash operations back the processor registry.
	HSet(ctx context.Context, key string, values map[string]string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HExists(ctx context.Context, key, field string) (bool, error)

	// Set operations back the capability index.
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// Stream operations back intake, work queue dispatch, and dead-lettering.
	XAdd(ctx context.Context, stream string, maxLen int64, values map[string]string) (string, error)
	XReadGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]StreamMessage, error)
	XAck(ctx context.Context, stream, group string, ids ...string) error
	XPendingRange(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]PendingEntry, error)
	XClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]StreamMessage, error)
	XLen(ctx context.Context, stream string) (int64, error)
	XGroupCreate(ctx context.Context, stream, group string) error

	// Pipeline batches a set of writes into a single round trip.
	Pipeline(ctx context.Context, fn func(Pipeliner) error) error

	Close() error
}

// Pipeliner accumulates writes to be flushed together.
type Pipeliner interface {
	HSet(key string, values map[string]string)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	XAdd(stream string, maxLen int64, values map[string]string)
}
