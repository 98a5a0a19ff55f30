package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	kerrors "github.com/jrsteele09/go-session-keeper/internal/errors"
	"github.com/jrsteele09/go-session-keeper/internal/metrics"
)

// Resilient wraps a primary Store with an in-process fallback. When the
// primary is unreachable the operation is retried against the fallback and
// logged as a warning, so a store outage degrades the keeper to best-effort
// instead of failing renewal workflows or crashing the orchestrator loop.
//
// State written to the fallback during an outage is not resynced to the
// primary; the safety-net TTLs on locks and flags bound the inconsistency.
type Resilient struct {
	primary  Store
	fallback Store
	log      zerolog.Logger
}

var _ Store = (*Resilient)(nil)

// NewResilient wires a primary store to its fallback.
func NewResilient(primary, fallback Store, log zerolog.Logger) (*Resilient, error) {
	if primary == nil {
		return nil, errors.New("[NewResilient] primary store is required")
	}
	if fallback == nil {
		return nil, errors.New("[NewResilient] fallback store is required")
	}
	return &Resilient{primary: primary, fallback: fallback, log: log}, nil
}

func (r *Resilient) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.primary.Get(ctx, key)
	if r.degraded(err, "Get", key) {
		return r.fallback.Get(ctx, key)
	}
	return val, err
}

func (r *Resilient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := r.primary.Set(ctx, key, value, ttl)
	if r.degraded(err, "Set", key) {
		return r.fallback.Set(ctx, key, value, ttl)
	}
	return err
}

func (r *Resilient) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.primary.SetIfAbsent(ctx, key, value, ttl)
	if r.degraded(err, "SetIfAbsent", key) {
		return r.fallback.SetIfAbsent(ctx, key, value, ttl)
	}
	return ok, err
}

func (r *Resilient) Delete(ctx context.Context, key string) error {
	err := r.primary.Delete(ctx, key)
	if r.degraded(err, "Delete", key) {
		return r.fallback.Delete(ctx, key)
	}
	return err
}

func (r *Resilient) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := r.primary.Exists(ctx, key)
	if r.degraded(err, "Exists", key) {
		return r.fallback.Exists(ctx, key)
	}
	return ok, err
}

func (r *Resilient) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := r.primary.Incr(ctx, key, ttl)
	if r.degraded(err, "Incr", key) {
		return r.fallback.Incr(ctx, key, ttl)
	}
	return n, err
}

func (r *Resilient) ScheduleUpsert(ctx context.Context, set, member string, at time.Time) error {
	err := r.primary.ScheduleUpsert(ctx, set, member, at)
	if r.degraded(err, "ScheduleUpsert", set) {
		return r.fallback.ScheduleUpsert(ctx, set, member, at)
	}
	return err
}

func (r *Resilient) ScheduleDefer(ctx context.Context, set, member string, delta time.Duration) error {
	err := r.primary.ScheduleDefer(ctx, set, member, delta)
	if r.degraded(err, "ScheduleDefer", set) {
		return r.fallback.ScheduleDefer(ctx, set, member, delta)
	}
	return err
}

func (r *Resilient) ScheduleDue(ctx context.Context, set string, now time.Time, limit int64) ([]ScheduleEntry, error) {
	entries, err := r.primary.ScheduleDue(ctx, set, now, limit)
	if r.degraded(err, "ScheduleDue", set) {
		return r.fallback.ScheduleDue(ctx, set, now, limit)
	}
	return entries, err
}

func (r *Resilient) ScheduleEarliest(ctx context.Context, set string) (*ScheduleEntry, error) {
	entry, err := r.primary.ScheduleEarliest(ctx, set)
	if r.degraded(err, "ScheduleEarliest", set) {
		return r.fallback.ScheduleEarliest(ctx, set)
	}
	return entry, err
}

func (r *Resilient) ScheduleRemove(ctx context.Context, set, member string) error {
	err := r.primary.ScheduleRemove(ctx, set, member)
	if r.degraded(err, "ScheduleRemove", set) {
		return r.fallback.ScheduleRemove(ctx, set, member)
	}
	return err
}

func (r *Resilient) WindowPush(ctx context.Context, key string, success bool, maxLen int64) error {
	err := r.primary.WindowPush(ctx, key, success, maxLen)
	if r.degraded(err, "WindowPush", key) {
		return r.fallback.WindowPush(ctx, key, success, maxLen)
	}
	return err
}

func (r *Resilient) WindowSnapshot(ctx context.Context, key string) ([]bool, error) {
	window, err := r.primary.WindowSnapshot(ctx, key)
	if r.degraded(err, "WindowSnapshot", key) {
		return r.fallback.WindowSnapshot(ctx, key)
	}
	return window, err
}

// degraded reports whether err is a store-level failure that should divert
// the operation to the fallback. ErrNotFound is a valid answer, not a
// failure.
func (r *Resilient) degraded(err error, op, key string) bool {
	if err == nil || kerrors.Is(err, kerrors.ErrNotFound) {
		return false
	}
	metrics.StoreFallbacks.Inc()
	r.log.Warn().Err(err).Str("op", op).Str("key", key).Msg("state store unavailable, using in-memory fallback")
	return true
}
