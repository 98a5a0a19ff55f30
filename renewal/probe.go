package renewal

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	kerrors "github.com/jrsteele09/go-session-keeper/internal/errors"
	"github.com/jrsteele09/go-session-keeper/internal/metrics"
)

// HTTPProbe implements Prober with a single GET against a low-cost
// authenticated endpoint. Redirects are not followed: a redirect is the
// upstream's way of sending an unauthenticated client to its login page.
type HTTPProbe struct {
	url    string
	client *http.Client
	log    zerolog.Logger
}

var _ Prober = (*HTTPProbe)(nil)

// NewHTTPProbe builds a probe against probeURL with a fixed short timeout.
func NewHTTPProbe(probeURL string, timeout time.Duration, log zerolog.Logger) (*HTTPProbe, error) {
	if probeURL == "" {
		return nil, errors.New("[NewHTTPProbe] probe URL is required")
	}
	if timeout <= 0 {
		return nil, errors.New("[NewHTTPProbe] timeout must be positive")
	}
	return &HTTPProbe{
		url: probeURL,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: log,
	}, nil
}

// Probe sends the request with the session's cookies attached and classifies
// the response.
func (p *HTTPProbe) Probe(ctx context.Context, identity string, cookies []*http.Cookie) (*ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "[HTTPProbe.Probe] build request")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		metrics.ProbeResults.WithLabelValues("error").Inc()
		return nil, kerrors.Wrapf(kerrors.ErrTransientNetwork, "probe %s: %v", identity, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		metrics.ProbeResults.WithLabelValues("ok").Inc()
		return &ProbeResult{Status: ProbeStatusOK, NewCookies: resp.Cookies()}, nil

	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode >= 300 && resp.StatusCode < 400:
		metrics.ProbeResults.WithLabelValues("expired").Inc()
		return &ProbeResult{Status: ProbeStatusExpired}, nil

	default:
		// Server-side errors say nothing about the session.
		p.log.Debug().Str("identity", identity).Int("status", resp.StatusCode).Msg("probe got unexpected status")
		metrics.ProbeResults.WithLabelValues("error").Inc()
		return nil, kerrors.Wrapf(kerrors.ErrTransientNetwork, "probe %s: status %d", identity, resp.StatusCode)
	}
}
