package scheduler

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-session-keeper/health"
	"github.com/jrsteele09/go-session-keeper/internal/config"
	kerrors "github.com/jrsteele09/go-session-keeper/internal/errors"
	"github.com/jrsteele09/go-session-keeper/renewal"
	"github.com/jrsteele09/go-session-keeper/renewal/renewalfakes"
	"github.com/jrsteele09/go-session-keeper/session"
	"github.com/jrsteele09/go-session-keeper/store/inmemory"
)

type orchestratorFixture struct {
	clock        clockwork.FakeClock
	kv           *inmemory.Store
	sessions     *session.Store
	tracker      *health.Tracker
	prober       *renewalfakes.FakeProber
	login        *renewalfakes.FakeLoginProvider
	orchestrator *Orchestrator
}

func setupOrchestrator(t *testing.T) *orchestratorFixture {
	t.Helper()

	cfg := config.New()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	kv := inmemory.New(clock)
	sessions, err := session.NewStore(kv, cfg, zerolog.Nop(), session.WithClock(clock))
	require.NoError(t, err)
	tracker, err := health.NewTracker(kv, sessions, cfg, zerolog.Nop())
	require.NoError(t, err)

	prober := renewalfakes.NewFakeProber()
	login := renewalfakes.NewFakeLoginProvider()
	workflow, err := renewal.NewWorkflow(sessions, prober, login, tracker, cfg, zerolog.Nop(), renewal.WithClock(clock))
	require.NoError(t, err)

	orchestrator, err := New(sessions, workflow, tracker, cfg, zerolog.Nop(), WithClock(clock))
	require.NoError(t, err)

	return &orchestratorFixture{
		clock:        clock,
		kv:           kv,
		sessions:     sessions,
		tracker:      tracker,
		prober:       prober,
		login:        login,
		orchestrator: orchestrator,
	}
}

func (f *orchestratorFixture) saveSession(t *testing.T, identity string, lifetime time.Duration) *session.Session {
	t.Helper()

	sess, err := f.sessions.Save(context.Background(), identity, []*http.Cookie{
		{Name: "auth_token", Value: "v-" + identity, Expires: f.clock.Now().Add(lifetime)},
	})
	require.NoError(t, err)
	return sess
}

func (f *orchestratorFixture) rotatedCookie() *http.Cookie {
	return &http.Cookie{Name: "auth_token", Value: "rotated", Expires: f.clock.Now().Add(48 * time.Hour)}
}

func TestRunCycleRenewsDueSessions(t *testing.T) {
	f := setupOrchestrator(t)
	ctx := context.Background()

	sess := f.saveSession(t, "admin-1", time.Hour)
	f.clock.Advance(sess.NextRefreshAt.Sub(f.clock.Now()))
	f.prober.Returns(&renewal.ProbeResult{Status: renewal.ProbeStatusOK, NewCookies: []*http.Cookie{f.rotatedCookie()}}, nil)

	f.orchestrator.RunCycle(ctx)

	require.Equal(t, 1, f.prober.CallCount())
	require.Equal(t, 0, f.orchestrator.ConsecutiveFailures())

	renewed, err := f.sessions.Get(ctx, "admin-1")
	require.NoError(t, err)
	require.True(t, renewed.NextRefreshAt.After(sess.NextRefreshAt))
}

func TestRunCycleIgnoresNotYetDueSessions(t *testing.T) {
	f := setupOrchestrator(t)

	f.saveSession(t, "admin-1", time.Hour)
	f.orchestrator.RunCycle(context.Background())

	require.Equal(t, 0, f.prober.CallCount())
	require.Equal(t, 0, f.login.CallCount())
}

func TestRunCyclePrunesScheduleEntriesWithoutSessions(t *testing.T) {
	f := setupOrchestrator(t)
	ctx := context.Background()

	// A schedule entry whose session record has already expired away.
	require.NoError(t, f.kv.ScheduleUpsert(ctx, session.RefreshScheduleSet, "ghost", f.clock.Now().Add(-time.Minute)))

	f.orchestrator.RunCycle(ctx)

	require.Equal(t, 0, f.prober.CallCount())
	earliest, err := f.sessions.EarliestRefresh(ctx)
	require.NoError(t, err)
	require.Nil(t, earliest)
}

func TestRunCycleCapsBatchAtAdmissionRate(t *testing.T) {
	f := setupOrchestrator(t)
	ctx := context.Background()

	// Drive the admission rate down to its floor of 3 per cycle.
	for i := 0; i < 20; i++ {
		require.NoError(t, f.tracker.RecordOutcome(ctx, false))
	}
	for {
		rate, err := f.tracker.RecomputeAdmissionRate(ctx)
		require.NoError(t, err)
		if rate == 3 {
			break
		}
	}

	identities := []string{"admin-1", "admin-2", "admin-3", "admin-4", "admin-5"}
	var latest time.Time
	for _, identity := range identities {
		sess := f.saveSession(t, identity, time.Hour)
		latest = sess.NextRefreshAt
	}
	f.clock.Advance(latest.Sub(f.clock.Now()))
	f.prober.Returns(&renewal.ProbeResult{Status: renewal.ProbeStatusOK, NewCookies: []*http.Cookie{f.rotatedCookie()}}, nil)

	f.orchestrator.RunCycle(ctx)

	require.Equal(t, 3, f.prober.CallCount())
}

func TestConsecutiveFailuresTrackAcrossCycles(t *testing.T) {
	f := setupOrchestrator(t)
	ctx := context.Background()

	sess := f.saveSession(t, "admin-1", time.Hour)
	f.clock.Advance(sess.NextRefreshAt.Sub(f.clock.Now()))
	f.prober.Returns(&renewal.ProbeResult{Status: renewal.ProbeStatusExpired}, nil)
	f.login.Returns(nil, kerrors.ErrLoginFailure)

	f.orchestrator.RunCycle(ctx)
	require.Equal(t, 1, f.orchestrator.ConsecutiveFailures())

	// The deadline was not advanced by the failure, so the next cycle retries.
	f.orchestrator.RunCycle(ctx)
	require.Equal(t, 2, f.orchestrator.ConsecutiveFailures())

	// One success resets the streak.
	f.login.Returns([]*http.Cookie{f.rotatedCookie()}, nil)
	f.orchestrator.RunCycle(ctx)
	require.Equal(t, 0, f.orchestrator.ConsecutiveFailures())
}

func TestComputeNextSleepIdleWhenScheduleEmpty(t *testing.T) {
	f := setupOrchestrator(t)

	require.Equal(t, 60*time.Minute, f.orchestrator.computeNextSleep(context.Background()))
}

func TestComputeNextSleepWakesAtEarliestDeadline(t *testing.T) {
	f := setupOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, f.kv.ScheduleUpsert(ctx, session.RefreshScheduleSet, "admin-1", f.clock.Now().Add(5*time.Minute)))

	require.Equal(t, 5*time.Minute, f.orchestrator.computeNextSleep(ctx))
}

func TestComputeNextSleepHasFloorForOverdueDeadlines(t *testing.T) {
	f := setupOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, f.kv.ScheduleUpsert(ctx, session.RefreshScheduleSet, "admin-1", f.clock.Now().Add(-time.Minute)))

	require.Equal(t, time.Second, f.orchestrator.computeNextSleep(ctx))
}

func TestComputeNextSleepBacksOffAfterFailures(t *testing.T) {
	f := setupOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, f.kv.ScheduleUpsert(ctx, session.RefreshScheduleSet, "admin-1", f.clock.Now().Add(30*time.Minute)))

	f.orchestrator.mu.Lock()
	f.orchestrator.consecutiveFailures = 1
	f.orchestrator.mu.Unlock()
	require.Equal(t, time.Minute, f.orchestrator.computeNextSleep(ctx))

	f.orchestrator.mu.Lock()
	f.orchestrator.consecutiveFailures = 3
	f.orchestrator.mu.Unlock()
	require.Equal(t, 4*time.Minute, f.orchestrator.computeNextSleep(ctx))

	// Backoff never exceeds its ceiling.
	f.orchestrator.mu.Lock()
	f.orchestrator.consecutiveFailures = 10
	f.orchestrator.mu.Unlock()
	require.Equal(t, 15*time.Minute, f.orchestrator.computeNextSleep(ctx))
}

func TestComputeNextSleepDeadlineBeatsBackoff(t *testing.T) {
	f := setupOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, f.kv.ScheduleUpsert(ctx, session.RefreshScheduleSet, "admin-1", f.clock.Now().Add(20*time.Second)))

	f.orchestrator.mu.Lock()
	f.orchestrator.consecutiveFailures = 5
	f.orchestrator.mu.Unlock()

	// An imminent renewal must not wait out the failure backoff.
	require.Equal(t, 20*time.Second, f.orchestrator.computeNextSleep(ctx))
}

func TestStartAndStopAreIdempotent(t *testing.T) {
	f := setupOrchestrator(t)
	ctx := context.Background()

	f.orchestrator.Start(ctx)
	f.orchestrator.Start(ctx)
	f.orchestrator.Stop()
	f.orchestrator.Stop()
}
