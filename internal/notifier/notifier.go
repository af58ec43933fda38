// Package notifier delivers desktop-style toasts for finished jobs and
// updates to an external webhook.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrNoWebhook is returned by WebhookNotifier when no URL is configured.
var ErrNoWebhook = errors.New("webhook URL is not set")

// Notifier delivers a short titled message. Implementations must be safe
// for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// WebhookNotifier posts Discord-compatible `{"content": ...}` payloads.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// Notify posts "title: message" and fails on any non-2xx response.
func (n *WebhookNotifier) Notify(ctx context.Context, title, message string) error {
	if n.URL == "" {
		return ErrNoWebhook
	}

	body, err := json.Marshal(map[string]string{"content": title + ": " + message})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// Toggle forwards to next only while enabled reports true. It follows the
// user's show_toasts setting, which can change at runtime.
type Toggle struct {
	next    Notifier
	enabled func() bool
}

// NewToggle wraps next so that it is only called while enabled returns
// true. A nil next turns every notification into a no-op.
func NewToggle(next Notifier, enabled func() bool) *Toggle {
	return &Toggle{next: next, enabled: enabled}
}

// Notify forwards to the wrapped notifier when enabled.
func (t *Toggle) Notify(ctx context.Context, title, message string) error {
	if t.next == nil || !t.enabled() {
		return nil
	}

	return t.next.Notify(ctx, title, message)
}
