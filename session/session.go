package session

import (
	"net/http"
	"strings"
	"time"

	"github.com/jrsteele09/go-session-keeper/internal/utils"
)

// Session is the renewable authentication state for one identity: the
// filtered long-lived cookie set plus the expiry/renewal-time policy derived
// from it. A session is replaced on every successful login or keep-alive that
// returns new cookies, and disappears implicitly when its store TTL elapses.
//
// Invariant: NextRefreshAt < ExpiryUTC, and both are at least ten seconds in
// the future at the moment of computation.
type Session struct {
	Identity      string         `json:"identity"`
	Cookies       []*http.Cookie `json:"cookies"`
	SavedAt       time.Time      `json:"saved_at"`
	ExpiryUTC     time.Time      `json:"expiry_utc"`
	NextRefreshAt time.Time      `json:"next_refresh_at"`
}

// Expired reports whether the session's computed expiry has passed.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiryUTC.After(now)
}

// CookiesExpired is the structural check on the cookie set itself: a session
// whose earliest cookie expiry has passed cannot be kept alive regardless of
// what the stored ExpiryUTC says.
func (s *Session) CookiesExpired(now time.Time) bool {
	if len(s.Cookies) == 0 {
		return true
	}
	for _, c := range s.Cookies {
		if !c.Expires.IsZero() && !c.Expires.After(now) {
			return true
		}
	}
	return false
}

// Due reports whether the renewal deadline has arrived.
func (s *Session) Due(now time.Time) bool {
	return !s.NextRefreshAt.After(now)
}

// serverSessionNames are short-lived server-session cookies which are never
// part of the renewable auth state.
var serverSessionNames = map[string]struct{}{
	"phpsessid":         {},
	"jsessionid":        {},
	"asp.net_sessionid": {},
	"sessionid":         {},
	"sid":               {},
	"connect.sid":       {},
	"csrftoken":         {},
	"xsrf-token":        {},
}

// filterAuthCookies keeps only long-lived authentication tokens: known
// server-session cookies are dropped, as is anything already expired or
// expiring sooner than minLifetime. Cookies with no expiry information at all
// are retained and inherit the default ceiling later.
func filterAuthCookies(rawCookies []*http.Cookie, now time.Time, minLifetime time.Duration) []*http.Cookie {
	retained := make([]*http.Cookie, 0, len(rawCookies))
	for _, c := range rawCookies {
		if c == nil || c.Name == "" {
			continue
		}
		if _, isServerSession := serverSessionNames[strings.ToLower(c.Name)]; isServerSession {
			continue
		}
		expiry, hasExpiry := cookieExpiry(c, now)
		if hasExpiry && expiry.Sub(now) < minLifetime {
			continue
		}
		retained = append(retained, c)
	}
	return retained
}

// cookieExpiry resolves a cookie's expiry from MaxAge or Expires. MaxAge wins
// when both are present, matching how browsers treat the pair.
func cookieExpiry(c *http.Cookie, now time.Time) (time.Time, bool) {
	if c.MaxAge > 0 {
		return now.Add(time.Duration(c.MaxAge) * time.Second), true
	}
	if c.MaxAge < 0 {
		return now, true
	}
	if !c.Expires.IsZero() {
		return c.Expires, true
	}
	return time.Time{}, false
}

// mergeCookies overlays updates onto base by cookie name, appending updates
// that are new. Used when a keep-alive probe returns rotated tokens.
func mergeCookies(base, updates []*http.Cookie) []*http.Cookie {
	merged := make([]*http.Cookie, 0, len(base)+len(updates))
	replaced := make(map[string]*http.Cookie, len(updates))
	for _, u := range updates {
		if u != nil && u.Name != "" {
			replaced[u.Name] = u
		}
	}
	for _, c := range base {
		if u, ok := replaced[c.Name]; ok {
			merged = append(merged, u)
			delete(replaced, c.Name)
			continue
		}
		merged = append(merged, c)
	}
	for _, u := range updates {
		if _, pending := replaced[u.Name]; pending {
			merged = append(merged, u)
			delete(replaced, u.Name)
		}
	}
	return merged
}

// MergeCookies is the exported form used by the renewal workflow.
func MergeCookies(base, updates []*http.Cookie) []*http.Cookie {
	return mergeCookies(base, updates)
}

// computeTimes derives ExpiryUTC and NextRefreshAt from the retained cookie
// set. Expiry is the minimum remaining cookie lifetime, or now+ceiling when
// no cookie carries expiry information. The renewal buffer is 20% of the
// remaining lifetime clamped to [bufferMin, bufferMax], and NextRefreshAt is
// never scheduled in the past.
func computeTimes(now time.Time, cookies []*http.Cookie, cfg Config) (expiryUTC, nextRefreshAt time.Time) {
	expiryUTC = now.Add(cfg.GetDefaultExpiryCeiling())
	for _, c := range cookies {
		if expiry, ok := cookieExpiry(c, now); ok {
			expiryUTC = utils.MinTime(expiryUTC, expiry)
		}
	}
	expiryUTC = expiryUTC.UTC()

	remaining := expiryUTC.Sub(now)
	buffer := utils.ClampDuration(
		time.Duration(float64(remaining)*cfg.GetRenewalBufferFraction()),
		cfg.GetRenewalBufferMin(),
		cfg.GetRenewalBufferMax(),
	)
	nextRefreshAt = expiryUTC.Add(-buffer)

	earliest := now.Add(cfg.GetMinScheduleLead())
	if nextRefreshAt.Before(earliest) {
		nextRefreshAt = earliest
	}
	return expiryUTC, nextRefreshAt.UTC()
}
