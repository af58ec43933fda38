package telemetry

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewHTTPClient returns a client for outbound calls (GitHub, webhooks) whose
// transport emits client spans and metrics through the global providers.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// NewStreamingHTTPClient returns a client for long media downloads. The body
// may take hours, so there is no overall timeout, but connecting and waiting
// for response headers are bounded by headerTimeout.
func NewStreamingHTTPClient(headerTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout

	return &http.Client{Transport: otelhttp.NewTransport(transport)}
}
