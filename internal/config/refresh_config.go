package config

import "time"

// RefreshConfig holds the session expiry/renewal-time policy knobs and the
// concurrency bounds of the per-identity renewal workflow.
type RefreshConfig interface {
	// GetRenewalBufferFraction is the share of remaining session lifetime
	// reserved as renewal lead time.
	GetRenewalBufferFraction() float64
	GetRenewalBufferMin() time.Duration
	GetRenewalBufferMax() time.Duration

	// GetMinScheduleLead is the minimum distance into the future for any
	// (re)computed expiry or renewal deadline.
	GetMinScheduleLead() time.Duration

	// GetDefaultExpiryCeiling is used when retained cookies carry no expiry.
	GetDefaultExpiryCeiling() time.Duration

	// GetSessionTTLCap bounds how long a session record may live in the store.
	GetSessionTTLCap() time.Duration

	// GetMinCookieLifetime is the threshold below which a cookie does not
	// count as a long-lived auth token.
	GetMinCookieLifetime() time.Duration

	GetLockTTL() time.Duration
	GetLoginFlagTTL() time.Duration

	GetProbeTimeout() time.Duration
	GetTransientReschedule() time.Duration
	GetLoginSlotWait() time.Duration
	GetLoginSlotReschedule() time.Duration

	GetGlobalConcurrency() int64
	GetLoginConcurrency() int64
}

type Refresh struct{}

var _ RefreshConfig = Refresh{}

func (Refresh) GetRenewalBufferFraction() float64 {
	return 0.2
}

func (Refresh) GetRenewalBufferMin() time.Duration {
	return 10 * time.Second
}

func (Refresh) GetRenewalBufferMax() time.Duration {
	return 30 * time.Second
}

func (Refresh) GetMinScheduleLead() time.Duration {
	return 10 * time.Second
}

func (Refresh) GetDefaultExpiryCeiling() time.Duration {
	return 24 * time.Hour
}

func (Refresh) GetSessionTTLCap() time.Duration {
	return 7 * 24 * time.Hour
}

func (Refresh) GetMinCookieLifetime() time.Duration {
	return 5 * time.Minute
}

func (Refresh) GetLockTTL() time.Duration {
	return time.Duration(GetEnvInt("REFRESH_LOCK_TTL_SECONDS", 60)) * time.Second
}

func (Refresh) GetLoginFlagTTL() time.Duration {
	return 2 * time.Minute
}

func (Refresh) GetProbeTimeout() time.Duration {
	return 5 * time.Second
}

func (Refresh) GetTransientReschedule() time.Duration {
	return 30 * time.Second
}

func (Refresh) GetLoginSlotWait() time.Duration {
	return 10 * time.Second
}

func (Refresh) GetLoginSlotReschedule() time.Duration {
	return 5 * time.Second
}

func (Refresh) GetGlobalConcurrency() int64 {
	return int64(GetEnvInt("RENEWAL_CONCURRENCY", 5))
}

func (Refresh) GetLoginConcurrency() int64 {
	return int64(GetEnvInt("LOGIN_CONCURRENCY", 5))
}
