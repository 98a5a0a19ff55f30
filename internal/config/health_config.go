package config

import "time"

// HealthConfig holds the per-identity circuit breaker and global
// admission-rate knobs.
type HealthConfig interface {
	GetFailureWindow() time.Duration
	GetFailureThreshold() int64
	GetFailurePenalty() time.Duration

	GetGlobalWindowSize() int64
	GetGlobalMinSamples() int64
	GetHighFailureRate() float64
	GetLowFailureRate() float64
	GetRateShrinkFactor() float64
	GetRateGrowFactor() float64
	GetBaseAdmissionRate() int64
	GetMinAdmissionRate() int64
}

type Health struct{}

var _ HealthConfig = Health{}

func (Health) GetFailureWindow() time.Duration {
	return 10 * time.Minute
}

func (Health) GetFailureThreshold() int64 {
	return 3
}

func (Health) GetFailurePenalty() time.Duration {
	return 2 * time.Minute
}

func (Health) GetGlobalWindowSize() int64 {
	return 20
}

func (Health) GetGlobalMinSamples() int64 {
	return 10
}

func (Health) GetHighFailureRate() float64 {
	return 0.5
}

func (Health) GetLowFailureRate() float64 {
	return 0.2
}

func (Health) GetRateShrinkFactor() float64 {
	return 0.7
}

func (Health) GetRateGrowFactor() float64 {
	return 1.2
}

func (Health) GetBaseAdmissionRate() int64 {
	return int64(GetEnvInt("BASE_ADMISSION_RATE", 30))
}

func (Health) GetMinAdmissionRate() int64 {
	return int64(GetEnvInt("MIN_ADMISSION_RATE", 3))
}
