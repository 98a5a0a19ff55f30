package renewal

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	kerrors "github.com/jrsteele09/go-session-keeper/internal/errors"
	"github.com/jrsteele09/go-session-keeper/session"
	"github.com/jrsteele09/go-session-keeper/store"
)

const loginRequestPrefix = "automation:login-request:"

// Polling cadence while the automation layer works through a login, which
// may include interactive challenge-solving.
const (
	loginPollStep    = 500 * time.Millisecond
	loginPollCeiling = 90 * time.Second
)

// AutomationLogin implements LoginProvider by handing the login to the
// external browser-automation layer through the shared state store: it
// deposits a request marker and polls the automation namespace for the
// resulting session.
type AutomationLogin struct {
	store  store.Store
	source *session.AutomationSource
	clock  clockwork.Clock
	log    zerolog.Logger
}

var _ LoginProvider = (*AutomationLogin)(nil)

// AutomationLoginOption modifies an AutomationLogin at construction time.
type AutomationLoginOption func(*AutomationLogin)

// WithLoginClock sets the clock (primarily for testing).
func WithLoginClock(clock clockwork.Clock) AutomationLoginOption {
	return func(a *AutomationLogin) {
		a.clock = clock
	}
}

// NewAutomationLogin wires the shared store and the automation session
// source.
func NewAutomationLogin(kv store.Store, source *session.AutomationSource, log zerolog.Logger, options ...AutomationLoginOption) (*AutomationLogin, error) {
	if kv == nil {
		return nil, errors.New("[NewAutomationLogin] state store is required")
	}
	if source == nil {
		return nil, errors.New("[NewAutomationLogin] automation source is required")
	}
	a := &AutomationLogin{
		store:  kv,
		source: source,
		clock:  clockwork.NewRealClock(),
		log:    log,
	}
	for _, opt := range options {
		opt(a)
	}
	return a, nil
}

// Login requests a fresh login from the automation layer and waits, with
// bounded polling, for it to deposit new cookies.
func (a *AutomationLogin) Login(ctx context.Context, identity string) ([]*http.Cookie, error) {
	requestedAt := a.clock.Now().UTC()
	request, err := json.Marshal(map[string]interface{}{
		"identity":     identity,
		"requested_at": requestedAt,
	})
	if err != nil {
		return nil, errors.Wrap(err, "[AutomationLogin.Login] marshal request")
	}
	if err := a.store.Set(ctx, loginRequestPrefix+identity, request, loginPollCeiling); err != nil {
		return nil, errors.Wrap(err, "[AutomationLogin.Login] deposit request")
	}

	deadline := requestedAt.Add(loginPollCeiling)
	for {
		cookies, err := a.source.LookupSince(ctx, identity, requestedAt)
		if err == nil {
			return cookies, nil
		}
		if !kerrors.Is(err, kerrors.ErrSessionNotFound) {
			return nil, errors.Wrap(err, "[AutomationLogin.Login] lookup")
		}
		if !a.clock.Now().Before(deadline) {
			return nil, kerrors.Wrapf(kerrors.ErrLoginFailure, "automation login for %s timed out", identity)
		}
		select {
		case <-a.clock.After(loginPollStep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
