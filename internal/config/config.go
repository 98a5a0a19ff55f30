package config

type Config interface {
	EnvConfig
	RefreshConfig
	HealthConfig
	SchedulerConfig
	SnapshotConfig
}

type mainConfig struct {
	EnvVars
	Refresh
	Health
	Scheduler
	Snapshot
}

func New() Config {
	return mainConfig{}
}
