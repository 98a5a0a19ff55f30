package config

import "os"

type EnvConfig interface {
	GetAppName() string
	GetEnv() string
	GetRedisAddr() string
	GetRedisPassword() string
	GetRedisDB() int
	GetMongoURI() string
	GetMongoDatabase() string
	GetProbeURL() string
	GetMetricsAddr() string
}

type EnvVars struct{}

var _ EnvConfig = EnvVars{}

func (EnvVars) GetAppName() string {
	return GetEnv("APP_NAME", "Session Keeper")
}

func (EnvVars) GetEnv() string {
	env := os.Getenv("ENV")
	if env == "" {
		return "DEV"
	}
	return env
}

func (EnvVars) GetRedisAddr() string {
	return GetEnv("REDIS_ADDR", "localhost:6379")
}

func (EnvVars) GetRedisPassword() string {
	return GetEnv("REDIS_PASSWORD", "")
}

func (EnvVars) GetRedisDB() int {
	return GetEnvInt("REDIS_DB", 0)
}

func (EnvVars) GetMongoURI() string {
	return GetEnv("MONGO_URI", "mongodb://localhost:27017")
}

func (EnvVars) GetMongoDatabase() string {
	return GetEnv("MONGO_DATABASE", "dashboard")
}

// GetProbeURL is the low-cost authenticated endpoint used by the keep-alive probe.
func (EnvVars) GetProbeURL() string {
	return GetEnv("PROBE_URL", "")
}

func (EnvVars) GetMetricsAddr() string {
	return GetEnv("METRICS_ADDR", ":9090")
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}
