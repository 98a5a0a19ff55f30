package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	kerrors "github.com/jrsteele09/go-session-keeper/internal/errors"
)

// Snapshot is the last successfully extracted domain payload for an identity,
// served cache-aside to request-time readers.
type Snapshot struct {
	Identity string                 `json:"identity"`
	Data     map[string]interface{} `json:"data"`
	SavedAt  time.Time              `json:"saved_at"`
}

// Age returns how old the snapshot is.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.SavedAt)
}

// CachedSnapshot returns the stored snapshot or ErrSnapshotNotFound.
// Freshness policy is applied by the caller; the store only reports age.
func (s *Store) CachedSnapshot(ctx context.Context, identity string) (*Snapshot, error) {
	payload, err := s.store.Get(ctx, snapshotKeyPrefix+identity)
	if err != nil {
		if kerrors.Is(err, kerrors.ErrNotFound) {
			return nil, kerrors.ErrSnapshotNotFound
		}
		return nil, errors.Wrap(err, "[session.Store.CachedSnapshot]")
	}
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, errors.Wrap(err, "[session.Store.CachedSnapshot] unmarshal")
	}
	return &snap, nil
}

// SaveSnapshot overwrites the cached snapshot with data, field-merged over
// the previous snapshot: a fetch that only partially succeeded never
// regresses a known-good field to empty.
func (s *Store) SaveSnapshot(ctx context.Context, identity string, data map[string]interface{}) (*Snapshot, error) {
	merged := data
	if prev, err := s.CachedSnapshot(ctx, identity); err == nil {
		merged = mergeSnapshotData(prev.Data, data)
	}

	snap := &Snapshot{
		Identity: identity,
		Data:     merged,
		SavedAt:  s.clock.Now().UTC(),
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, errors.Wrap(err, "[session.Store.SaveSnapshot] marshal")
	}
	if err := s.store.Set(ctx, snapshotKeyPrefix+identity, payload, s.cfg.GetSnapshotTTL()); err != nil {
		return nil, errors.Wrap(err, "[session.Store.SaveSnapshot] persist")
	}
	return snap, nil
}

// mergeSnapshotData overlays incoming onto previous, keeping the previous
// value wherever the incoming one is missing or empty.
func mergeSnapshotData(previous, incoming map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(previous)+len(incoming))
	for k, v := range previous {
		merged[k] = v
	}
	for k, v := range incoming {
		if emptyValue(v) {
			continue
		}
		merged[k] = v
	}
	return merged
}

// emptyValue treats nil, empty strings, and empty collections as "unknown".
// Zero numbers and false are valid data and are kept.
func emptyValue(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []interface{}:
		return len(val) == 0
	case map[string]interface{}:
		return len(val) == 0
	}
	return false
}
