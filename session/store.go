package session

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-session-keeper/internal/config"
	kerrors "github.com/jrsteele09/go-session-keeper/internal/errors"
	"github.com/jrsteele09/go-session-keeper/store"
)

// Config is the slice of the application config the session store needs.
type Config interface {
	config.RefreshConfig
	config.SnapshotConfig
}

// Key layout in the shared state store.
const (
	sessionKeyPrefix  = "session:"
	snapshotKeyPrefix = "snapshot:"
	lockKeyPrefix     = "lock:refresh:"
	loginFlagPrefix   = "flag:login:"

	// RefreshScheduleSet is the ordered index identity -> nextRefreshAt.
	RefreshScheduleSet = "schedule:refresh"
)

// FallbackSource looks up a compatible session representation maintained by
// an external collaborator (the browser-automation login flow). Consulted
// when the primary session record is missing; hits are migrated into the
// primary store.
type FallbackSource interface {
	Lookup(ctx context.Context, identity string) ([]*http.Cookie, error)
}

// Store computes and persists the session expiry/renewal-time policy on top
// of the shared state store, and owns the refresh locks, login-in-progress
// flags and cached snapshots.
type Store struct {
	store    store.Store
	fallback FallbackSource // may be nil
	cfg      Config
	clock    clockwork.Clock
	log      zerolog.Logger
}

// StoreOption modifies a Store at construction time.
type StoreOption func(*Store)

// WithFallbackSource wires the browser-automation session lookup.
func WithFallbackSource(src FallbackSource) StoreOption {
	return func(s *Store) {
		s.fallback = src
	}
}

// WithClock sets the clock (primarily for testing).
func WithClock(clock clockwork.Clock) StoreOption {
	return func(s *Store) {
		s.clock = clock
	}
}

// NewStore initialises a session store over the shared state store.
func NewStore(kv store.Store, cfg Config, log zerolog.Logger, options ...StoreOption) (*Store, error) {
	if kv == nil {
		return nil, errors.New("[session.NewStore] state store is required")
	}
	if cfg == nil {
		return nil, errors.New("[session.NewStore] config is required")
	}
	s := &Store{
		store: kv,
		cfg:   cfg,
		clock: clockwork.NewRealClock(),
		log:   log,
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Save filters rawCookies down to long-lived auth tokens, computes the expiry
// and renewal deadline, persists the session and upserts its schedule entry.
// Any prior session for the identity is overwritten. Fails with
// ErrInvalidSession when no auth cookies remain after filtering.
func (s *Store) Save(ctx context.Context, identity string, rawCookies []*http.Cookie) (*Session, error) {
	now := s.clock.Now()
	retained := filterAuthCookies(rawCookies, now, s.cfg.GetMinCookieLifetime())
	if len(retained) == 0 {
		return nil, kerrors.ErrInvalidSession
	}

	expiryUTC, nextRefreshAt := computeTimes(now, retained, s.cfg)
	sess := &Session{
		Identity:      identity,
		Cookies:       retained,
		SavedAt:       now.UTC(),
		ExpiryUTC:     expiryUTC,
		NextRefreshAt: nextRefreshAt,
	}

	payload, err := json.Marshal(sess)
	if err != nil {
		return nil, errors.Wrap(err, "[session.Store.Save] marshal")
	}

	ttl := expiryUTC.Sub(now)
	if ttlCap := s.cfg.GetSessionTTLCap(); ttl > ttlCap {
		ttl = ttlCap
	}
	if err := s.store.Set(ctx, sessionKeyPrefix+identity, payload, ttl); err != nil {
		return nil, errors.Wrap(err, "[session.Store.Save] persist")
	}
	if err := s.store.ScheduleUpsert(ctx, RefreshScheduleSet, identity, nextRefreshAt); err != nil {
		return nil, errors.Wrap(err, "[session.Store.Save] schedule upsert")
	}

	s.log.Debug().
		Str("identity", identity).
		Time("expiry_utc", expiryUTC).
		Time("next_refresh_at", nextRefreshAt).
		Int("cookies", len(retained)).
		Msg("session saved")
	return sess, nil
}

// Get returns the stored session or ErrSessionNotFound. When the primary
// record is missing and a fallback source is configured, the fallback
// representation is migrated into the primary store on hit.
func (s *Store) Get(ctx context.Context, identity string) (*Session, error) {
	payload, err := s.store.Get(ctx, sessionKeyPrefix+identity)
	if err == nil {
		var sess Session
		if err := json.Unmarshal(payload, &sess); err != nil {
			return nil, errors.Wrap(err, "[session.Store.Get] unmarshal")
		}
		return &sess, nil
	}
	if !kerrors.Is(err, kerrors.ErrNotFound) {
		return nil, errors.Wrap(err, "[session.Store.Get]")
	}
	if s.fallback == nil {
		return nil, kerrors.ErrSessionNotFound
	}

	cookies, err := s.fallback.Lookup(ctx, identity)
	if err != nil || len(cookies) == 0 {
		return nil, kerrors.ErrSessionNotFound
	}
	sess, err := s.Save(ctx, identity, cookies)
	if err != nil {
		return nil, kerrors.ErrSessionNotFound
	}
	s.log.Info().Str("identity", identity).Msg("migrated session from automation store")
	return sess, nil
}

// Reschedule moves the identity's renewal deadline to now+delay, both in the
// stored session and the schedule index. Used for transient-failure retries
// and login-slot contention, where renewal is deferred rather than failed.
func (s *Store) Reschedule(ctx context.Context, identity string, delay time.Duration) error {
	at := s.clock.Now().Add(delay).UTC()
	if payload, err := s.store.Get(ctx, sessionKeyPrefix+identity); err == nil {
		var sess Session
		if err := json.Unmarshal(payload, &sess); err == nil {
			sess.NextRefreshAt = at
			if updated, err := json.Marshal(&sess); err == nil {
				ttl := sess.ExpiryUTC.Sub(s.clock.Now())
				if ttl > 0 {
					_ = s.store.Set(ctx, sessionKeyPrefix+identity, updated, ttl)
				}
			}
		}
	}
	if err := s.store.ScheduleUpsert(ctx, RefreshScheduleSet, identity, at); err != nil {
		return errors.Wrap(err, "[session.Store.Reschedule]")
	}
	return nil
}

// DeferRefresh pushes the identity's schedule entry back by delta relative to
// its current deadline. This is the circuit-breaker penalty primitive.
func (s *Store) DeferRefresh(ctx context.Context, identity string, delta time.Duration) error {
	if err := s.store.ScheduleDefer(ctx, RefreshScheduleSet, identity, delta); err != nil {
		return errors.Wrap(err, "[session.Store.DeferRefresh]")
	}
	return nil
}

// DueIdentities returns schedule entries with deadline <= now, earliest
// first.
func (s *Store) DueIdentities(ctx context.Context, now time.Time, limit int64) ([]store.ScheduleEntry, error) {
	entries, err := s.store.ScheduleDue(ctx, RefreshScheduleSet, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "[session.Store.DueIdentities]")
	}
	return entries, nil
}

// EarliestRefresh returns the single earliest schedule entry, or nil when the
// schedule is empty.
func (s *Store) EarliestRefresh(ctx context.Context) (*store.ScheduleEntry, error) {
	entry, err := s.store.ScheduleEarliest(ctx, RefreshScheduleSet)
	if err != nil {
		return nil, errors.Wrap(err, "[session.Store.EarliestRefresh]")
	}
	return entry, nil
}

// RemoveFromSchedule drops an identity whose session no longer exists.
func (s *Store) RemoveFromSchedule(ctx context.Context, identity string) error {
	if err := s.store.ScheduleRemove(ctx, RefreshScheduleSet, identity); err != nil {
		return errors.Wrap(err, "[session.Store.RemoveFromSchedule]")
	}
	return nil
}

// AcquireLock takes the per-identity refresh lock. The TTL is the safety net
// against a crashed holder; completion paths release explicitly.
func (s *Store) AcquireLock(ctx context.Context, identity string) (bool, error) {
	owner := uuid.New().String()
	ok, err := s.store.SetIfAbsent(ctx, lockKeyPrefix+identity, []byte(owner), s.cfg.GetLockTTL())
	if err != nil {
		return false, errors.Wrap(err, "[session.Store.AcquireLock]")
	}
	return ok, nil
}

// ReleaseLock drops the per-identity refresh lock.
func (s *Store) ReleaseLock(ctx context.Context, identity string) error {
	if err := s.store.Delete(ctx, lockKeyPrefix+identity); err != nil {
		return errors.Wrap(err, "[session.Store.ReleaseLock]")
	}
	return nil
}

// HasLock reports whether a renewal is currently in flight for the identity.
func (s *Store) HasLock(ctx context.Context, identity string) (bool, error) {
	ok, err := s.store.Exists(ctx, lockKeyPrefix+identity)
	if err != nil {
		return false, errors.Wrap(err, "[session.Store.HasLock]")
	}
	return ok, nil
}

// SetLoginInProgress marks that a full login is underway, distinguishing it
// from a lock held for a cheap probe. Request-time readers use it to decide
// between waiting briefly and serving stale data.
func (s *Store) SetLoginInProgress(ctx context.Context, identity string) error {
	err := s.store.Set(ctx, loginFlagPrefix+identity, []byte("1"), s.cfg.GetLoginFlagTTL())
	if err != nil {
		return errors.Wrap(err, "[session.Store.SetLoginInProgress]")
	}
	return nil
}

// ClearLoginInProgress removes the login marker.
func (s *Store) ClearLoginInProgress(ctx context.Context, identity string) error {
	if err := s.store.Delete(ctx, loginFlagPrefix+identity); err != nil {
		return errors.Wrap(err, "[session.Store.ClearLoginInProgress]")
	}
	return nil
}

// IsLoginInProgress reports whether a full login is underway.
func (s *Store) IsLoginInProgress(ctx context.Context, identity string) (bool, error) {
	ok, err := s.store.Exists(ctx, loginFlagPrefix+identity)
	if err != nil {
		return false, errors.Wrap(err, "[session.Store.IsLoginInProgress]")
	}
	return ok, nil
}
