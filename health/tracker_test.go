package health_test

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
	"github.com/jrsteele09/go-session-keeper/session"
	"github.com/jrsteele09/go-session-keeper/store/inmemory"
)

const testIdentity = "admin-1"

type fixture struct {
	clock    clockwork.FakeClock
	kv       *inmemory.Store
	sessions *session.Store
	tracker  *health.Tracker
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	kv := inmemory.New(clock)
	sessions, err := session.NewStore(kv, config.New(), zerolog.Nop(), session.WithClock(clock))
	require.NoError(t, err)
	tracker, err := health.NewTracker(kv, sessions, config.New(), zerolog.Nop())
	require.NoError(t, err)

	return &fixture{clock: clock, kv: kv, sessions: sessions, tracker: tracker}
}

func (f *fixture) saveSession(t *testing.T) time.Time {
	t.Helper()

	sess, err := f.sessions.Save(context.Background(), testIdentity, []*http.Cookie{
		{Name: "auth_token", Value: "v", Expires: f.clock.Now().Add(time.Hour)},
	})
	require.NoError(t, err)
	return sess.NextRefreshAt
}

func (f *fixture) scheduleAt(t *testing.T) time.Time {
	t.Helper()

	earliest, err := f.sessions.EarliestRefresh(context.Background())
	require.NoError(t, err)
	require.NotNil(t, earliest)
	return earliest.At
}

func TestThirdFailureDefersRenewalByPenalty(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	scheduled := f.saveSession(t)

	require.NoError(t, f.tracker.RecordFailure(ctx, testIdentity))
	require.NoError(t, f.tracker.RecordFailure(ctx, testIdentity))
	require.Equal(t, scheduled, f.scheduleAt(t))

	count, err := f.tracker.FailureCount(ctx, testIdentity)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	require.NoError(t, f.tracker.RecordFailure(ctx, testIdentity))
	require.Equal(t, scheduled.Add(2*time.Minute), f.scheduleAt(t))

	// The counter restarts after the penalty.
	count, err = f.tracker.FailureCount(ctx, testIdentity)
	require.NoError(t, err)
	require.Equal(t, int64(0), count)
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	scheduled := f.saveSession(t)

	require.NoError(t, f.tracker.RecordFailure(ctx, testIdentity))
	require.NoError(t, f.tracker.RecordFailure(ctx, testIdentity))
	require.NoError(t, f.tracker.RecordSuccess(ctx, testIdentity))

	require.NoError(t, f.tracker.RecordFailure(ctx, testIdentity))
	require.Equal(t, scheduled, f.scheduleAt(t))

	count, err := f.tracker.FailureCount(ctx, testIdentity)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestFailureWindowRollsOver(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	scheduled := f.saveSession(t)

	require.NoError(t, f.tracker.RecordFailure(ctx, testIdentity))
	require.NoError(t, f.tracker.RecordFailure(ctx, testIdentity))

	// Outside the 10-minute window the old failures no longer count.
	f.clock.Advance(11 * time.Minute)
	require.NoError(t, f.tracker.RecordFailure(ctx, testIdentity))
	require.Equal(t, scheduled, f.scheduleAt(t))

	count, err := f.tracker.FailureCount(ctx, testIdentity)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestPenaltyForUnscheduledIdentityCreatesNoEntry(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	// The identity's schedule entry may already have been pruned by the time
	// the breaker trips; the penalty must not resurrect it at an absurd
	// deadline.
	for i := 0; i < 3; i++ {
		require.NoError(t, f.tracker.RecordFailure(ctx, testIdentity))
	}

	earliest, err := f.sessions.EarliestRefresh(ctx)
	require.NoError(t, err)
	require.Nil(t, earliest)

	// The counter still restarts after the trip.
	count, err := f.tracker.FailureCount(ctx, testIdentity)
	require.NoError(t, err)
	require.Equal(t, int64(0), count)
}

func (f *fixture) pushOutcomes(t *testing.T, failures, successes int) {
	t.Helper()

	ctx := context.Background()
	for i := 0; i < failures; i++ {
		require.NoError(t, f.tracker.RecordOutcome(ctx, false))
	}
	for i := 0; i < successes; i++ {
		require.NoError(t, f.tracker.RecordOutcome(ctx, true))
	}
}

func TestAdmissionRateDefaultsToBase(t *testing.T) {
	f := setupFixture(t)

	rate, err := f.tracker.AdmissionRate(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(30), rate)
}

func TestAdmissionRateShrinksOnHighFailureRate(t *testing.T) {
	f := setupFixture(t)
	f.pushOutcomes(t, 12, 8) // 60% failures

	rate, err := f.tracker.RecomputeAdmissionRate(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(21), rate) // floor(30 * 0.7)
}

func TestAdmissionRateGrowsBackTowardsBase(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	f.pushOutcomes(t, 12, 8)
	rate, err := f.tracker.RecomputeAdmissionRate(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(21), rate)

	f.pushOutcomes(t, 2, 18) // window now at 10% failures
	rate, err = f.tracker.RecomputeAdmissionRate(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(25), rate) // floor(21 * 1.2), below base

	f.pushOutcomes(t, 0, 20)
	rate, err = f.tracker.RecomputeAdmissionRate(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(30), rate) // capped at base
}

func TestAdmissionRateFlooredAtMinimum(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	f.pushOutcomes(t, 20, 0)
	for i := 0; i < 10; i++ {
		_, err := f.tracker.RecomputeAdmissionRate(ctx)
		require.NoError(t, err)
	}

	rate, err := f.tracker.AdmissionRate(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), rate)
}

func TestAdmissionRateNeedsEnoughSamples(t *testing.T) {
	f := setupFixture(t)
	f.pushOutcomes(t, 5, 0) // 100% failures, but too few samples

	rate, err := f.tracker.RecomputeAdmissionRate(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(30), rate)
}
