// Package kv defines the key-value coordination port used for idempotency
// records, distributed locks, and counters, plus the adapters that back it.
package kv

import (
	"context"
	"errors"
	"time"
)

// CASOutcome is the result of a CompareAndSwap attempt.
type CASOutcome string

const (
	// CASApplied means the stored value matched the expectation and was replaced.
	CASApplied CASOutcome = "applied"
	// CASConflict means the stored value did not match the expectation.
	CASConflict CASOutcome = "conflict"
	// CASMissing means no live value exists under the key.
	CASMissing CASOutcome = "missing"
)

var (
	// ErrClosed is returned when the store has been closed.
	ErrClosed = errors.New("kv: store closed")
	// ErrNotInteger is returned by Incr when the stored value is not an integer.
	ErrNotInteger = errors.New("kv: value is not an integer")
)

// Store is the coordination backend: Redis in production, an in-process map
// in tests and single-node dev runs. Operations are atomic with respect to
// each other. A ttl of zero or less means no expiry.
type Store interface {
	// Get returns the value under key. found is false when the key does not
	// exist or has expired.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Set stores value under key, replacing any existing value.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetIfAbsent stores value only when no live value exists under key.
	// It reports whether the value was stored.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Incr atomically increments the integer under key, creating it at zero
	// first when missing, and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)

	// CompareAndSwap replaces the value under key with next only when the
	// current value equals expected. The swap and the comparison are a single
	// atomic step; no intermediate state is observable.
	CompareAndSwap(ctx context.Context, key string, expected, next []byte, ttl time.Duration) (CASOutcome, error)

	// Health reports round-trip latency to the backend.
	Health(ctx context.Context) (time.Duration, error)

	// Close releases the backend connection.
	Close() error
}

// SeenKey is the idempotency record for an applied result event.
func SeenKey(eventID string) string { return "seen:" + eventID }

// WorkflowLockKey serializes transition application for a single workflow.
func WorkflowLockKey(workflowID string) string { return "lock:workflow:" + workflowID }

// IdempotencyKey is the claim record for a caller-supplied Idempotency-Key.
func IdempotencyKey(key string) string { return "idem:" + key }
