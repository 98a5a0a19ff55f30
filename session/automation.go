package session

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"

	kerrors "github.com/jrsteele09/go-session-keeper/internal/errors"
	"github.com/jrsteele09/go-session-keeper/store"
)

const automationKeyPrefix = "automation:session:"

// automationRecord is the session shape the browser-automation login flow
// writes under its own namespace.
type automationRecord struct {
	Identity string         `json:"identity"`
	Cookies  []*http.Cookie `json:"cookies"`
	SavedAt  time.Time      `json:"saved_at"`
}

// AutomationSource reads the browser-automation layer's session records from
// the shared state store. It satisfies FallbackSource so a session obtained
// by an interactive login can be migrated into the primary store.
type AutomationSource struct {
	store store.Store
}

var _ FallbackSource = (*AutomationSource)(nil)

// NewAutomationSource wraps the shared state store.
func NewAutomationSource(kv store.Store) (*AutomationSource, error) {
	if kv == nil {
		return nil, errors.New("[NewAutomationSource] state store is required")
	}
	return &AutomationSource{store: kv}, nil
}

// Lookup returns the automation layer's cookies for identity, or
// ErrSessionNotFound.
func (a *AutomationSource) Lookup(ctx context.Context, identity string) ([]*http.Cookie, error) {
	cookies, _, err := a.lookup(ctx, identity)
	return cookies, err
}

// LookupSince returns the automation layer's cookies only when its record
// was written after since. Used to wait for a login that is underway without
// picking up the stale pre-login session.
func (a *AutomationSource) LookupSince(ctx context.Context, identity string, since time.Time) ([]*http.Cookie, error) {
	cookies, savedAt, err := a.lookup(ctx, identity)
	if err != nil {
		return nil, err
	}
	if !savedAt.After(since) {
		return nil, kerrors.ErrSessionNotFound
	}
	return cookies, nil
}

func (a *AutomationSource) lookup(ctx context.Context, identity string) ([]*http.Cookie, time.Time, error) {
	payload, err := a.store.Get(ctx, automationKeyPrefix+identity)
	if err != nil {
		if kerrors.Is(err, kerrors.ErrNotFound) {
			return nil, time.Time{}, kerrors.ErrSessionNotFound
		}
		return nil, time.Time{}, errors.Wrap(err, "[AutomationSource.Lookup]")
	}
	var record automationRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, time.Time{}, errors.Wrap(err, "[AutomationSource.Lookup] unmarshal")
	}
	if len(record.Cookies) == 0 {
		return nil, time.Time{}, kerrors.ErrSessionNotFound
	}
	return record.Cookies, record.SavedAt, nil
}
