package config

import "time"

// SnapshotConfig holds the cache-aside freshness tiers for cached domain
// payloads.
type SnapshotConfig interface {
	// GetSnapshotFreshFor is the age below which a snapshot is served without
	// a synchronous refresh.
	GetSnapshotFreshFor() time.Duration

	// GetSnapshotStaleCeiling is the maximum age a caller may opt into with
	// allowStale.
	GetSnapshotStaleCeiling() time.Duration

	// GetSnapshotTTL bounds how long a snapshot record lives in the store.
	GetSnapshotTTL() time.Duration
}

type Snapshot struct{}

var _ SnapshotConfig = Snapshot{}

func (Snapshot) GetSnapshotFreshFor() time.Duration {
	return 60 * time.Second
}

func (Snapshot) GetSnapshotStaleCeiling() time.Duration {
	return 2 * time.Hour
}

func (Snapshot) GetSnapshotTTL() time.Duration {
	return 4 * time.Hour
}
