package renewal

import (
	"context"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/jrsteele09/go-session-keeper/health"
	"github.com/jrsteele09/go-session-keeper/internal/config"
	kerrors "github.com/jrsteele09/go-session-keeper/internal/errors"
	"github.com/jrsteele09/go-session-keeper/internal/metrics"
	"github.com/jrsteele09/go-session-keeper/session"
)

// Outcome is the terminal state of one workflow pass.
type Outcome string

const (
	// OutcomeRenewed means the session is valid again, via probe or login.
	OutcomeRenewed Outcome = "renewed"
	// OutcomeScheduled means the pass deferred renewal to a near deadline
	// instead of completing it. Not a failure.
	OutcomeScheduled Outcome = "scheduled"
	// OutcomeSkipped means another renewal was in flight or the session was
	// not due. Not a failure.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed means the renewal was attempted and did not succeed.
	OutcomeFailed Outcome = "failed"
)

// Result describes how one workflow pass ended.
type Result struct {
	Identity string
	Outcome  Outcome
	Reason   string
}

// Skip reasons surfaced to callers and tests.
const (
	ReasonLockExists      = "lock-exists"
	ReasonBusy            = "no-concurrency-slot"
	ReasonLoginInProgress = "login-in-progress"
	ReasonNotDue          = "not-due"
	ReasonTransient       = "transient-network"
	ReasonLoginSlotBusy   = "login-slot-busy"
)

// Workflow is the per-identity renewal state machine:
//
//	Idle -> LockAcquired -> {KeepAliveAttempt | DirectLogin} -> {Renewed | LoginInFallback} -> Released
//
// At most one pass runs per identity at a time, enforced by the refresh lock.
// Locks and concurrency slots are released on every exit path; the lock TTL
// is the safety net if this process dies mid-pass.
type Workflow struct {
	sessions *session.Store
	prober   Prober
	login    LoginProvider
	health   *health.Tracker
	cfg      config.RefreshConfig
	clock    clockwork.Clock
	log      zerolog.Logger

	globalSlots *semaphore.Weighted
	loginSlots  *semaphore.Weighted
}

// WorkflowOption modifies a Workflow at construction time.
type WorkflowOption func(*Workflow)

// WithClock sets the clock (primarily for testing).
func WithClock(clock clockwork.Clock) WorkflowOption {
	return func(w *Workflow) {
		w.clock = clock
	}
}

// NewWorkflow initialises the renewal workflow with explicit references to
// its collaborators.
func NewWorkflow(
	sessions *session.Store,
	prober Prober,
	login LoginProvider,
	healthTracker *health.Tracker,
	cfg config.RefreshConfig,
	log zerolog.Logger,
	options ...WorkflowOption,
) (*Workflow, error) {
	if sessions == nil {
		return nil, errors.New("[NewWorkflow] session store is required")
	}
	if prober == nil {
		return nil, errors.New("[NewWorkflow] prober is required")
	}
	if login == nil {
		return nil, errors.New("[NewWorkflow] login provider is required")
	}
	if healthTracker == nil {
		return nil, errors.New("[NewWorkflow] health tracker is required")
	}
	if cfg == nil {
		return nil, errors.New("[NewWorkflow] config is required")
	}

	w := &Workflow{
		sessions:    sessions,
		prober:      prober,
		login:       login,
		health:      healthTracker,
		cfg:         cfg,
		clock:       clockwork.NewRealClock(),
		log:         log,
		globalSlots: semaphore.NewWeighted(cfg.GetGlobalConcurrency()),
		loginSlots:  semaphore.NewWeighted(cfg.GetLoginConcurrency()),
	}
	for _, opt := range options {
		opt(w)
	}
	return w, nil
}

// Run executes one renewal pass for identity. Skips and deferrals come back
// as non-failure outcomes with a nil error; only attempted-and-failed
// renewals return an error.
func (w *Workflow) Run(ctx context.Context, identity string) (Result, error) {
	result, err := w.run(ctx, identity)
	metrics.RenewalOutcomes.WithLabelValues(string(result.Outcome)).Inc()
	return result, err
}

func (w *Workflow) run(ctx context.Context, identity string) (Result, error) {
	// Another renewal (manual or scheduled) in flight is not a failure.
	acquired, err := w.sessions.AcquireLock(ctx, identity)
	if err != nil {
		return w.failed(ctx, identity, err, "acquire lock")
	}
	if !acquired {
		return Result{Identity: identity, Outcome: OutcomeSkipped, Reason: ReasonLockExists}, nil
	}
	defer func() {
		if err := w.sessions.ReleaseLock(context.WithoutCancel(ctx), identity); err != nil {
			w.log.Warn().Err(err).Str("identity", identity).Msg("failed to release refresh lock, TTL will reap it")
		}
	}()

	if !w.globalSlots.TryAcquire(1) {
		return Result{Identity: identity, Outcome: OutcomeSkipped, Reason: ReasonBusy}, nil
	}
	defer w.globalSlots.Release(1)

	// Idempotency guard against a double login.
	loginInProgress, err := w.sessions.IsLoginInProgress(ctx, identity)
	if err != nil {
		return w.failed(ctx, identity, err, "login flag check")
	}
	if loginInProgress {
		return Result{Identity: identity, Outcome: OutcomeSkipped, Reason: ReasonLoginInProgress}, nil
	}

	sess, err := w.sessions.Get(ctx, identity)
	if err != nil && !kerrors.Is(err, kerrors.ErrSessionNotFound) {
		return w.failed(ctx, identity, err, "load session")
	}

	now := w.clock.Now()
	if sess == nil || sess.Expired(now) || sess.CookiesExpired(now) {
		// A known-expired session cannot be kept alive.
		return w.directLogin(ctx, identity)
	}

	if !sess.Due(now) {
		return Result{Identity: identity, Outcome: OutcomeSkipped, Reason: ReasonNotDue}, nil
	}

	return w.keepAlive(ctx, identity, sess)
}

// keepAlive attempts the cheap renewal path: one probe request under a short
// timeout.
func (w *Workflow) keepAlive(ctx context.Context, identity string, sess *session.Session) (Result, error) {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.GetProbeTimeout())
	defer cancel()

	probeResult, err := w.prober.Probe(probeCtx, identity, sess.Cookies)
	if err != nil {
		// A timeout or connection error does not imply expiry. While the
		// stored expiry is still ahead, retry shortly instead of forcing an
		// expensive login for a network blip.
		if sess.ExpiryUTC.After(w.clock.Now()) {
			w.log.Debug().Err(err).Str("identity", identity).Msg("probe failed transiently, rescheduling")
			if err := w.sessions.Reschedule(ctx, identity, w.cfg.GetTransientReschedule()); err != nil {
				return w.failed(ctx, identity, err, "transient reschedule")
			}
			return Result{Identity: identity, Outcome: OutcomeScheduled, Reason: ReasonTransient}, nil
		}
		return w.directLogin(ctx, identity)
	}

	if probeResult.Status == ProbeStatusExpired {
		return w.directLogin(ctx, identity)
	}

	cookies := sess.Cookies
	if len(probeResult.NewCookies) > 0 {
		cookies = session.MergeCookies(cookies, probeResult.NewCookies)
	}
	if _, err := w.sessions.Save(ctx, identity, cookies); err != nil {
		return w.failed(ctx, identity, err, "save after keep-alive")
	}
	if err := w.health.RecordSuccess(ctx, identity); err != nil {
		w.log.Warn().Err(err).Str("identity", identity).Msg("failed to reset failure counter")
	}
	w.log.Info().Str("identity", identity).Msg("session kept alive")
	return Result{Identity: identity, Outcome: OutcomeRenewed}, nil
}

// directLogin performs the full re-authentication path. Login capacity is
// bounded separately from the global slots; waiting for a slot is itself
// bounded, and slot starvation defers rather than fails.
func (w *Workflow) directLogin(ctx context.Context, identity string) (Result, error) {
	slotCtx, cancel := context.WithTimeout(ctx, w.cfg.GetLoginSlotWait())
	defer cancel()
	if err := w.loginSlots.Acquire(slotCtx, 1); err != nil {
		if err := w.sessions.Reschedule(ctx, identity, w.cfg.GetLoginSlotReschedule()); err != nil {
			return w.failed(ctx, identity, err, "login slot reschedule")
		}
		return Result{Identity: identity, Outcome: OutcomeScheduled, Reason: ReasonLoginSlotBusy}, nil
	}
	defer w.loginSlots.Release(1)

	if err := w.sessions.SetLoginInProgress(ctx, identity); err != nil {
		w.log.Warn().Err(err).Str("identity", identity).Msg("failed to set login flag")
	}
	defer func() {
		if err := w.sessions.ClearLoginInProgress(context.WithoutCancel(ctx), identity); err != nil {
			w.log.Warn().Err(err).Str("identity", identity).Msg("failed to clear login flag, TTL will reap it")
		}
	}()

	cookies, err := w.login.Login(ctx, identity)
	if err != nil {
		metrics.LoginAttempts.WithLabelValues("failure").Inc()
		return w.failed(ctx, identity, kerrors.Wrapf(kerrors.ErrLoginFailure, "%s: %v", identity, err), "login")
	}
	metrics.LoginAttempts.WithLabelValues("success").Inc()

	if _, err := w.sessions.Save(ctx, identity, cookies); err != nil {
		return w.failed(ctx, identity, err, "save after login")
	}
	if err := w.health.RecordSuccess(ctx, identity); err != nil {
		w.log.Warn().Err(err).Str("identity", identity).Msg("failed to reset failure counter")
	}
	w.log.Info().Str("identity", identity).Msg("session renewed via login")
	return Result{Identity: identity, Outcome: OutcomeRenewed}, nil
}

// failed records the failure against the identity's circuit breaker and
// propagates the error. The caller's deferred cleanup still releases the
// lock and slots.
func (w *Workflow) failed(ctx context.Context, identity string, err error, stage string) (Result, error) {
	if healthErr := w.health.RecordFailure(context.WithoutCancel(ctx), identity); healthErr != nil {
		w.log.Warn().Err(healthErr).Str("identity", identity).Msg("failed to record renewal failure")
	}
	w.log.Error().Err(err).Str("identity", identity).Str("stage", stage).Msg("renewal failed")
	return Result{Identity: identity, Outcome: OutcomeFailed, Reason: stage}, errors.Wrapf(err, "[Workflow.Run] %s", stage)
}
