package config

import "time"

// SchedulerConfig holds the adaptive orchestrator loop timings.
type SchedulerConfig interface {
	GetBackoffBase() time.Duration
	GetBackoffMax() time.Duration
	GetMinSleep() time.Duration
	GetIdleSleep() time.Duration
}

type Scheduler struct{}

var _ SchedulerConfig = Scheduler{}

func (Scheduler) GetBackoffBase() time.Duration {
	return 1 * time.Minute
}

func (Scheduler) GetBackoffMax() time.Duration {
	return 15 * time.Minute
}

func (Scheduler) GetMinSleep() time.Duration {
	return 1 * time.Second
}

func (Scheduler) GetIdleSleep() time.Duration {
	return 60 * time.Minute
}
