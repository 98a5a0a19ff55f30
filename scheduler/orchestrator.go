package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-session-keeper/health"
	"github.com/jrsteele09/go-session-keeper/internal/config"
	kerrors "github.com/jrsteele09/go-session-keeper/internal/errors"
	"github.com/jrsteele09/go-session-keeper/internal/metrics"
	"github.com/jrsteele09/go-session-keeper/renewal"
	"github.com/jrsteele09/go-session-keeper/session"
)

// Orchestrator is the single coordinating loop: it wakes at the earliest
// pending renewal deadline, dispatches due identities through the renewal
// workflow under the health-adjusted admission rate, and re-arms itself from
// the batch results. There is no fixed polling interval.
//
// Failures inside one identity's workflow never abort the batch or the loop.
type Orchestrator struct {
	sessions *session.Store
	workflow *renewal.Workflow
	health   *health.Tracker
	cfg      config.SchedulerConfig
	clock    clockwork.Clock
	log      zerolog.Logger

	mu                  sync.Mutex
	consecutiveFailures int
	running             bool
	cancel              context.CancelFunc
	done                chan struct{}
}

// Option modifies an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithClock sets the clock (primarily for testing).
func WithClock(clock clockwork.Clock) Option {
	return func(o *Orchestrator) {
		o.clock = clock
	}
}

// New initialises the orchestrator with explicit references to its
// collaborators.
func New(
	sessions *session.Store,
	workflow *renewal.Workflow,
	healthTracker *health.Tracker,
	cfg config.SchedulerConfig,
	log zerolog.Logger,
	options ...Option,
) (*Orchestrator, error) {
	if sessions == nil {
		return nil, errors.New("[scheduler.New] session store is required")
	}
	if workflow == nil {
		return nil, errors.New("[scheduler.New] workflow is required")
	}
	if healthTracker == nil {
		return nil, errors.New("[scheduler.New] health tracker is required")
	}
	if cfg == nil {
		return nil, errors.New("[scheduler.New] config is required")
	}

	o := &Orchestrator{
		sessions: sessions,
		workflow: workflow,
		health:   healthTracker,
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
		log:      log,
	}
	for _, opt := range options {
		opt(o)
	}
	return o, nil
}

// Start launches the scheduling loop. Starting a running orchestrator is a
// no-op.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	o.running = true
	o.cancel = cancel
	o.done = make(chan struct{})
	go o.loop(loopCtx)
	o.log.Info().Msg("scheduler started")
}

// Stop terminates the loop and waits for it to exit.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	cancel, done := o.cancel, o.done
	o.running = false
	o.mu.Unlock()

	cancel()
	<-done
	o.log.Info().Msg("scheduler stopped")
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer close(o.done)
	for {
		o.RunCycle(ctx)
		sleep := o.computeNextSleep(ctx)
		o.log.Debug().Dur("sleep", sleep).Msg("scheduler re-armed")
		select {
		case <-o.clock.After(sleep):
		case <-ctx.Done():
			return
		}
	}
}

// candidate is one due identity with its verified expiry state.
type candidate struct {
	identity string
	at       time.Time
	expired  bool
}

// RunCycle executes one scheduling cycle: select due identities, verify
// their expiry state, dispatch up to the admission rate concurrently, and
// fold the batch results into the health state.
func (o *Orchestrator) RunCycle(ctx context.Context) {
	metrics.SchedulerCycles.Inc()
	now := o.clock.Now()

	entries, err := o.sessions.DueIdentities(ctx, now, 0)
	if err != nil {
		o.log.Warn().Err(err).Msg("could not query refresh schedule")
		return
	}
	if len(entries) == 0 {
		return
	}

	candidates := make([]candidate, 0, len(entries))
	for _, entry := range entries {
		sess, err := o.sessions.Get(ctx, entry.Member)
		if kerrors.Is(err, kerrors.ErrSessionNotFound) {
			// The session's TTL elapsed; drop the stale schedule entry.
			if err := o.sessions.RemoveFromSchedule(ctx, entry.Member); err != nil {
				o.log.Warn().Err(err).Str("identity", entry.Member).Msg("could not prune schedule entry")
			}
			continue
		}
		if err != nil {
			o.log.Warn().Err(err).Str("identity", entry.Member).Msg("could not verify session state")
			continue
		}
		candidates = append(candidates, candidate{
			identity: entry.Member,
			at:       entry.At,
			expired:  sess.Expired(now) || sess.CookiesExpired(now),
		})
	}
	if len(candidates) == 0 {
		return
	}

	// Already-expired sessions first, then earliest deadline.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].expired != candidates[j].expired {
			return candidates[i].expired
		}
		return candidates[i].at.Before(candidates[j].at)
	})

	rate, err := o.health.AdmissionRate(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("could not read admission rate, using batch as-is")
		rate = int64(len(candidates))
	}
	if int64(len(candidates)) > rate {
		candidates = candidates[:rate]
	}

	results := o.dispatch(ctx, candidates)

	successes, failures := 0, 0
	for _, r := range results {
		switch r.Outcome {
		case renewal.OutcomeRenewed:
			successes++
			o.recordOutcome(ctx, true)
		case renewal.OutcomeFailed:
			failures++
			o.recordOutcome(ctx, false)
		}
	}

	o.mu.Lock()
	switch {
	case successes > 0:
		o.consecutiveFailures = 0
	case failures > 0:
		o.consecutiveFailures++
	}
	o.mu.Unlock()

	if _, err := o.health.RecomputeAdmissionRate(ctx); err != nil {
		o.log.Warn().Err(err).Msg("could not recompute admission rate")
	}
	o.log.Debug().
		Int("dispatched", len(results)).
		Int("renewed", successes).
		Int("failed", failures).
		Msg("scheduler cycle complete")
}

// dispatch runs the batch concurrently and waits for completion. The
// workflow's own semaphore bounds effective parallelism below the admission
// rate.
func (o *Orchestrator) dispatch(ctx context.Context, candidates []candidate) []renewal.Result {
	var wg sync.WaitGroup
	results := make([]renewal.Result, len(candidates))
	for i, c := range candidates {
		wg.Add(1)
		go func(i int, identity string) {
			defer wg.Done()
			result, err := o.workflow.Run(ctx, identity)
			if err != nil {
				o.log.Warn().Err(err).Str("identity", identity).Msg("renewal workflow error")
			}
			results[i] = result
		}(i, c.identity)
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) recordOutcome(ctx context.Context, success bool) {
	if err := o.health.RecordOutcome(ctx, success); err != nil {
		o.log.Warn().Err(err).Msg("could not record outcome in health window")
	}
}

// computeNextSleep picks the next wake-up. Consecutive failing cycles apply
// exponential backoff, but an imminent renewal deadline always wins over
// backoff; an empty schedule sleeps a long idle default.
func (o *Orchestrator) computeNextSleep(ctx context.Context) time.Duration {
	now := o.clock.Now()

	var untilNext time.Duration
	hasDeadline := false
	earliest, err := o.sessions.EarliestRefresh(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("could not read earliest refresh deadline")
	} else if earliest != nil {
		hasDeadline = true
		untilNext = earliest.At.Sub(now)
		if untilNext < o.cfg.GetMinSleep() {
			untilNext = o.cfg.GetMinSleep()
		}
	}

	o.mu.Lock()
	failures := o.consecutiveFailures
	o.mu.Unlock()

	if failures > 0 {
		backoff := o.cfg.GetBackoffBase()
		for i := 1; i < failures && backoff < o.cfg.GetBackoffMax(); i++ {
			backoff *= 2
		}
		if backoff > o.cfg.GetBackoffMax() {
			backoff = o.cfg.GetBackoffMax()
		}
		// Renewal deadlines take priority over health backoff.
		if hasDeadline && untilNext < backoff {
			return untilNext
		}
		return backoff
	}

	if hasDeadline {
		return untilNext
	}
	return o.cfg.GetIdleSleep()
}

// ConsecutiveFailures exposes the cross-cycle failure counter for inspection.
func (o *Orchestrator) ConsecutiveFailures() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.consecutiveFailures
}
