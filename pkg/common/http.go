package common

import (
	_ "embed"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

//go:embed VERSION
var version string

// Version returns the version of the bridge embedded at build time.
func Version() string {
	return strings.TrimSpace(version)
}

// UserAgent is sent with every request to the upstream provider.
func UserAgent() string {
	return "AutarcoBridge/" + Version()
}

type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
}

// RoundTrip implements http.RoundTripper and sets the User-Agent header.
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original request's headers
	// which might be shared or reused
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(req)
}

// HTTPClient returns an http client with our user-agent set. Redirects are
// never followed: the upstream portal signals an expired session by
// redirecting to its login page and callers need to see that response.
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &userAgentTransport{
			transport: otelhttp.NewTransport(http.DefaultTransport),
			userAgent: UserAgent(),
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: timeout,
	}
}
