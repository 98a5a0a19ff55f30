package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	kerrors "github.com/jrsteele09/go-session-keeper/internal/errors"
)

func TestSnapshotRoundTrip(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	_, err := f.store.CachedSnapshot(ctx, testIdentity)
	require.ErrorIs(t, err, kerrors.ErrSnapshotNotFound)

	saved, err := f.store.SaveSnapshot(ctx, testIdentity, map[string]interface{}{
		"display_name": "Example Shop",
		"subscribers":  float64(120),
	})
	require.NoError(t, err)
	require.Equal(t, f.clock.Now().UTC(), saved.SavedAt)

	loaded, err := f.store.CachedSnapshot(ctx, testIdentity)
	require.NoError(t, err)
	require.Equal(t, "Example Shop", loaded.Data["display_name"])
	require.Equal(t, float64(120), loaded.Data["subscribers"])
}

func TestSnapshotMergePreservesKnownGoodFields(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	_, err := f.store.SaveSnapshot(ctx, testIdentity, map[string]interface{}{
		"display_name": "Example Shop",
		"subscribers":  float64(120),
		"rating":       4.8,
	})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)

	// A partially failed fetch must never regress known-good fields.
	_, err = f.store.SaveSnapshot(ctx, testIdentity, map[string]interface{}{
		"display_name": "",
		"subscribers":  nil,
		"rating":       4.9,
	})
	require.NoError(t, err)

	loaded, err := f.store.CachedSnapshot(ctx, testIdentity)
	require.NoError(t, err)
	require.Equal(t, "Example Shop", loaded.Data["display_name"])
	require.Equal(t, float64(120), loaded.Data["subscribers"])
	require.Equal(t, 4.9, loaded.Data["rating"])
}

func TestSnapshotKeepsZeroValues(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	_, err := f.store.SaveSnapshot(ctx, testIdentity, map[string]interface{}{
		"subscribers": float64(50),
	})
	require.NoError(t, err)

	// Zero is data, not absence.
	_, err = f.store.SaveSnapshot(ctx, testIdentity, map[string]interface{}{
		"subscribers": float64(0),
	})
	require.NoError(t, err)

	loaded, err := f.store.CachedSnapshot(ctx, testIdentity)
	require.NoError(t, err)
	require.Equal(t, float64(0), loaded.Data["subscribers"])
}

func TestSnapshotAge(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	saved, err := f.store.SaveSnapshot(ctx, testIdentity, map[string]interface{}{"k": "v"})
	require.NoError(t, err)

	f.clock.Advance(90 * time.Second)
	require.Equal(t, 90*time.Second, saved.Age(f.clock.Now()))
}
