package keeper

import (
	"context"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-session-keeper/internal/config"
	kerrors "github.com/jrsteele09/go-session-keeper/internal/errors"
	"github.com/jrsteele09/go-session-keeper/renewal"
	"github.com/jrsteele09/go-session-keeper/scheduler"
	"github.com/jrsteele09/go-session-keeper/session"
	"github.com/jrsteele09/go-session-keeper/sink"
)

// Request-time callers that find a renewal already in flight poll for its
// result with a fixed backoff up to a ceiling rather than blocking
// indefinitely.
const (
	lockWaitStep    = 500 * time.Millisecond
	lockWaitCeiling = 10 * time.Second
)

// Keeper is the surface exposed to request-time callers: instant session and
// snapshot reads, an on-demand renewal path, and scheduler lifecycle.
type Keeper struct {
	sessions     *session.Store
	workflow     *renewal.Workflow
	orchestrator *scheduler.Orchestrator
	notifier     sink.Notifier // may be nil
	cfg          config.SnapshotConfig
	clock        clockwork.Clock
	log          zerolog.Logger

	// trigger schedules one out-of-band renewal pass. Injectable for tests.
	trigger func(identity string)
}

// Option modifies a Keeper at construction time.
type Option func(*Keeper)

// WithClock sets the clock (primarily for testing).
func WithClock(clock clockwork.Clock) Option {
	return func(k *Keeper) {
		k.clock = clock
	}
}

// WithNotifier wires the persistence sink notified after snapshot saves.
func WithNotifier(notifier sink.Notifier) Option {
	return func(k *Keeper) {
		k.notifier = notifier
	}
}

// WithTrigger overrides the background renewal trigger (primarily for
// testing).
func WithTrigger(trigger func(identity string)) Option {
	return func(k *Keeper) {
		k.trigger = trigger
	}
}

// New wires the keeper facade.
func New(
	sessions *session.Store,
	workflow *renewal.Workflow,
	orchestrator *scheduler.Orchestrator,
	cfg config.SnapshotConfig,
	log zerolog.Logger,
	options ...Option,
) (*Keeper, error) {
	if sessions == nil {
		return nil, errors.New("[keeper.New] session store is required")
	}
	if workflow == nil {
		return nil, errors.New("[keeper.New] workflow is required")
	}
	if cfg == nil {
		return nil, errors.New("[keeper.New] config is required")
	}

	k := &Keeper{
		sessions:     sessions,
		workflow:     workflow,
		orchestrator: orchestrator,
		cfg:          cfg,
		clock:        clockwork.NewRealClock(),
		log:          log,
	}
	for _, opt := range options {
		opt(k)
	}
	if k.trigger == nil {
		k.trigger = k.asyncRefresh
	}
	return k, nil
}

// StartScheduler launches the background renewal loop.
func (k *Keeper) StartScheduler(ctx context.Context) {
	if k.orchestrator != nil {
		k.orchestrator.Start(ctx)
	}
}

// StopScheduler stops the background renewal loop and waits for it.
func (k *Keeper) StopScheduler() {
	if k.orchestrator != nil {
		k.orchestrator.Stop()
	}
}

// EnsureValidSession returns usable cookies for identity, renewing
// synchronously when the stored session is missing or expired. When another
// renewal is already in flight it waits briefly for that renewal's result.
func (k *Keeper) EnsureValidSession(ctx context.Context, identity string) ([]*http.Cookie, error) {
	if sess := k.validSession(ctx, identity); sess != nil {
		return sess.Cookies, nil
	}

	result, err := k.workflow.Run(ctx, identity)
	if err != nil {
		return nil, errors.Wrap(err, "[Keeper.EnsureValidSession]")
	}

	switch result.Outcome {
	case renewal.OutcomeRenewed:
		if sess := k.validSession(ctx, identity); sess != nil {
			return sess.Cookies, nil
		}
		return nil, kerrors.ErrSessionNotFound

	case renewal.OutcomeSkipped, renewal.OutcomeScheduled:
		// Another renewal is in flight, or ours was deferred; poll for a
		// valid session with bounded backoff.
		return k.awaitSession(ctx, identity)

	default:
		return nil, kerrors.Wrapf(kerrors.ErrLoginFailure, "renewal %s: %s", result.Outcome, result.Reason)
	}
}

// GetCachedSnapshot serves the cache-aside read path. A fresh snapshot (and,
// with allowStale, a tolerably stale one) is returned immediately with one
// background renewal trigger; beyond the stale ceiling the session is renewed
// synchronously and ErrSnapshotStale tells the caller to fetch fresh data.
func (k *Keeper) GetCachedSnapshot(ctx context.Context, identity string, allowStale bool) (*session.Snapshot, error) {
	snap, err := k.sessions.CachedSnapshot(ctx, identity)
	if err != nil {
		return nil, err
	}

	age := snap.Age(k.clock.Now())
	fresh := age <= k.cfg.GetSnapshotFreshFor()
	tolerated := allowStale && age <= k.cfg.GetSnapshotStaleCeiling()
	if fresh || tolerated {
		k.trigger(identity)
		return snap, nil
	}

	if _, err := k.workflow.Run(ctx, identity); err != nil {
		return nil, errors.Wrap(err, "[Keeper.GetCachedSnapshot] synchronous renewal")
	}
	return nil, kerrors.ErrSnapshotStale
}

// SaveSnapshot persists a freshly extracted payload (field-merged over the
// previous snapshot) and notifies the persistence sink fire-and-forget: sink
// failure never blocks or fails the caller.
func (k *Keeper) SaveSnapshot(ctx context.Context, identity string, data map[string]interface{}) (*session.Snapshot, error) {
	snap, err := k.sessions.SaveSnapshot(ctx, identity, data)
	if err != nil {
		return nil, errors.Wrap(err, "[Keeper.SaveSnapshot]")
	}
	if k.notifier != nil {
		go func() {
			notifyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := k.notifier.Notify(notifyCtx, identity, snap.Data); err != nil {
				k.log.Warn().Err(err).Str("identity", identity).Msg("persistence sink notify failed")
			}
		}()
	}
	return snap, nil
}

// TriggerRefresh schedules one out-of-band renewal pass for identity.
func (k *Keeper) TriggerRefresh(identity string) {
	k.trigger(identity)
}

func (k *Keeper) asyncRefresh(identity string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if _, err := k.workflow.Run(ctx, identity); err != nil {
			k.log.Warn().Err(err).Str("identity", identity).Msg("background renewal failed")
		}
	}()
}

// validSession returns the stored session when it is present and not
// expired.
func (k *Keeper) validSession(ctx context.Context, identity string) *session.Session {
	sess, err := k.sessions.Get(ctx, identity)
	if err != nil {
		return nil
	}
	now := k.clock.Now()
	if sess.Expired(now) || sess.CookiesExpired(now) {
		return nil
	}
	return sess
}

// awaitSession polls for a valid session while another renewal completes.
func (k *Keeper) awaitSession(ctx context.Context, identity string) ([]*http.Cookie, error) {
	deadline := k.clock.Now().Add(lockWaitCeiling)
	for {
		if sess := k.validSession(ctx, identity); sess != nil {
			return sess.Cookies, nil
		}
		if !k.clock.Now().Before(deadline) {
			return nil, kerrors.Wrapf(kerrors.ErrSessionNotFound, "renewal in flight for %s did not complete in time", identity)
		}
		select {
		case <-k.clock.After(lockWaitStep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
