package health

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-session-keeper/internal/config"
	kerrors "github.com/jrsteele09/go-session-keeper/internal/errors"
	"github.com/jrsteele09/go-session-keeper/internal/metrics"
	"github.com/jrsteele09/go-session-keeper/session"
	"github.com/jrsteele09/go-session-keeper/store"
)

const (
	failureKeyPrefix = "health:fail:"
	globalWindowKey  = "health:window"
	admissionRateKey = "health:admission_rate"
)

// Tracker is the per-identity circuit breaker plus the global sliding-window
// throttle. Per identity, the third failure inside a rolling window pushes
// the identity's renewal deadline back by a fixed penalty. Globally, the
// recent success/failure ratio drives the admission rate the orchestrator
// dispatches at.
//
// All counters live in the shared state store and are mutated atomically, so
// multiple orchestrator instances could coexist safely.
type Tracker struct {
	store    store.Store
	sessions *session.Store
	cfg      config.HealthConfig
	log      zerolog.Logger
}

// NewTracker initialises a health tracker. The rolling failure windows need
// no clock of their own: they ride on the store's key TTLs.
func NewTracker(kv store.Store, sessions *session.Store, cfg config.HealthConfig, log zerolog.Logger) (*Tracker, error) {
	if kv == nil {
		return nil, errors.New("[health.NewTracker] state store is required")
	}
	if sessions == nil {
		return nil, errors.New("[health.NewTracker] session store is required")
	}
	if cfg == nil {
		return nil, errors.New("[health.NewTracker] config is required")
	}
	return &Tracker{
		store:    kv,
		sessions: sessions,
		cfg:      cfg,
		log:      log,
	}, nil
}

// RecordFailure increments the identity's failure counter inside its rolling
// window. On reaching the threshold the identity's renewal deadline is pushed
// back by the penalty and the counter restarts, so a persistently broken
// identity is not retried every cycle.
func (t *Tracker) RecordFailure(ctx context.Context, identity string) error {
	n, err := t.store.Incr(ctx, failureKeyPrefix+identity, t.cfg.GetFailureWindow())
	if err != nil {
		return errors.Wrap(err, "[Tracker.RecordFailure]")
	}
	if n < t.cfg.GetFailureThreshold() {
		return nil
	}

	penalty := t.cfg.GetFailurePenalty()
	if err := t.sessions.DeferRefresh(ctx, identity, penalty); err != nil {
		return errors.Wrap(err, "[Tracker.RecordFailure] defer refresh")
	}
	if err := t.store.Delete(ctx, failureKeyPrefix+identity); err != nil {
		return errors.Wrap(err, "[Tracker.RecordFailure] reset counter")
	}
	t.log.Warn().
		Str("identity", identity).
		Int64("failures", n).
		Dur("penalty", penalty).
		Msg("circuit breaker tripped, renewal deferred")
	return nil
}

// RecordSuccess resets the identity's failure counter.
func (t *Tracker) RecordSuccess(ctx context.Context, identity string) error {
	if err := t.store.Delete(ctx, failureKeyPrefix+identity); err != nil {
		return errors.Wrap(err, "[Tracker.RecordSuccess]")
	}
	return nil
}

// FailureCount returns the identity's current failure count inside the
// rolling window.
func (t *Tracker) FailureCount(ctx context.Context, identity string) (int64, error) {
	payload, err := t.store.Get(ctx, failureKeyPrefix+identity)
	if kerrors.Is(err, kerrors.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "[Tracker.FailureCount]")
	}
	n, err := strconv.ParseInt(string(payload), 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "[Tracker.FailureCount] parse")
	}
	return n, nil
}

// RecordOutcome appends one workflow outcome to the global fixed-length
// window.
func (t *Tracker) RecordOutcome(ctx context.Context, success bool) error {
	err := t.store.WindowPush(ctx, globalWindowKey, success, t.cfg.GetGlobalWindowSize())
	if err != nil {
		return errors.Wrap(err, "[Tracker.RecordOutcome]")
	}
	return nil
}

// AdmissionRate returns the current health-adjusted admission rate
// (identities per minute), defaulting to the configured base rate.
func (t *Tracker) AdmissionRate(ctx context.Context) (int64, error) {
	payload, err := t.store.Get(ctx, admissionRateKey)
	if kerrors.Is(err, kerrors.ErrNotFound) {
		return t.cfg.GetBaseAdmissionRate(), nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "[Tracker.AdmissionRate]")
	}
	rate, err := strconv.ParseInt(string(payload), 10, 64)
	if err != nil || rate <= 0 {
		return t.cfg.GetBaseAdmissionRate(), nil
	}
	return rate, nil
}

// RecomputeAdmissionRate recalculates the admission rate from the global
// window: above the high failure-rate mark the rate shrinks, below the low
// mark it grows back towards the base. The window must hold enough samples
// before the throttle acts.
func (t *Tracker) RecomputeAdmissionRate(ctx context.Context) (int64, error) {
	current, err := t.AdmissionRate(ctx)
	if err != nil {
		return 0, err
	}

	window, err := t.store.WindowSnapshot(ctx, globalWindowKey)
	if err != nil {
		return current, errors.Wrap(err, "[Tracker.RecomputeAdmissionRate]")
	}
	if int64(len(window)) < t.cfg.GetGlobalMinSamples() {
		return current, nil
	}

	failures := 0
	for _, ok := range window {
		if !ok {
			failures++
		}
	}
	failureRate := float64(failures) / float64(len(window))

	next := current
	switch {
	case failureRate > t.cfg.GetHighFailureRate():
		next = int64(float64(current) * t.cfg.GetRateShrinkFactor())
		if next < t.cfg.GetMinAdmissionRate() {
			next = t.cfg.GetMinAdmissionRate()
		}
	case failureRate < t.cfg.GetLowFailureRate():
		next = int64(float64(current) * t.cfg.GetRateGrowFactor())
		if next > t.cfg.GetBaseAdmissionRate() {
			next = t.cfg.GetBaseAdmissionRate()
		}
	}

	if next != current {
		err := t.store.Set(ctx, admissionRateKey, []byte(strconv.FormatInt(next, 10)), 0)
		if err != nil {
			return current, errors.Wrap(err, "[Tracker.RecomputeAdmissionRate] persist")
		}
		t.log.Info().
			Float64("failure_rate", failureRate).
			Int64("previous_rate", current).
			Int64("admission_rate", next).
			Msg("admission rate adjusted")
	}
	metrics.AdmissionRate.Set(float64(next))
	return next, nil
}
