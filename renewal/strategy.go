package renewal

import (
	"context"
	"net/http"
)

// ProbeStatus classifies a keep-alive probe response.
type ProbeStatus string

const (
	// ProbeStatusOK means the session is still valid upstream.
	ProbeStatusOK ProbeStatus = "ok"
	// ProbeStatusExpired means the upstream answered unauthorized or
	// redirected to its login page.
	ProbeStatusExpired ProbeStatus = "expired"
)

// ProbeResult is the outcome of a keep-alive probe. NewCookies carries any
// rotated tokens the upstream set on the response.
type ProbeResult struct {
	Status     ProbeStatus
	NewCookies []*http.Cookie
}

// Prober tests a session with a single lightweight authenticated request.
// A returned error means the probe could not be completed (timeout,
// connection failure) and says nothing about session validity.
type Prober interface {
	Probe(ctx context.Context, identity string, cookies []*http.Cookie) (*ProbeResult, error)
}

// LoginProvider performs a full re-authentication for an identity. It may be
// slow and may run multi-step fallbacks internally (fast path first, then an
// interactive browser flow); that is opaque to the workflow.
type LoginProvider interface {
	Login(ctx context.Context, identity string) ([]*http.Cookie, error)
}
