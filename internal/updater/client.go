package updater

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

// NewGitHubClient returns an instrumented HTTP client for GitHub. When token
// is set requests are authenticated, which lifts the anonymous API rate limit.
func NewGitHubClient(token string, timeout time.Duration) *http.Client {
	base := otelhttp.NewTransport(http.DefaultTransport)

	if token == "" {
		return &http.Client{Timeout: timeout, Transport: base}
	}

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Transport: base})
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	client.Timeout = timeout

	return client
}
