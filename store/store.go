package store

import (
	"context"
	"time"
)

// ScheduleEntry is one (identity, deadline) pair from the ordered refresh
// index.
type ScheduleEntry struct {
	Member string
	At     time.Time
}

// Store is the shared state store underneath the session keeper: a key-value
// store with per-key expiry, an atomic set-if-absent primitive, an ordered
// schedule index, and a bounded outcome window.
//
// All mutations are atomic at the store level. Callers never read-modify-write
// across two operations without re-validation; multiple workflow instances and
// the orchestrator run concurrently against the same store.
type Store interface {
	// Get returns the value for key or errors.ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes key with a TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetIfAbsent atomically writes key only if it does not exist and reports
	// whether the write happened.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Incr atomically increments the counter at key, creating it with the
	// given TTL on first increment, and returns the new value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// ScheduleUpsert inserts or moves member in the ordered index at set.
	ScheduleUpsert(ctx context.Context, set, member string, at time.Time) error

	// ScheduleDefer atomically pushes member's deadline back by delta,
	// relative to its current value. Deferring a member that is not in the
	// index is a no-op.
	ScheduleDefer(ctx context.Context, set, member string, delta time.Duration) error

	// ScheduleDue returns up to limit entries with deadline <= now, earliest
	// first. limit <= 0 means no limit.
	ScheduleDue(ctx context.Context, set string, now time.Time, limit int64) ([]ScheduleEntry, error)

	// ScheduleEarliest returns the single earliest entry, or nil if the
	// index is empty.
	ScheduleEarliest(ctx context.Context, set string) (*ScheduleEntry, error)

	// ScheduleRemove drops member from the index.
	ScheduleRemove(ctx context.Context, set, member string) error

	// WindowPush appends an outcome to the fixed-length window at key,
	// trimming to maxLen most recent entries.
	WindowPush(ctx context.Context, key string, success bool, maxLen int64) error

	// WindowSnapshot returns the window contents, most recent first.
	WindowSnapshot(ctx context.Context, key string) ([]bool, error)
}
