package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookNotifier_PostsContent(t *testing.T) {
	var got map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Client: srv.Client()}
	require.NoError(t, n.Notify(context.Background(), "Download complete", "www.youtube.com"))

	assert.Equal(t, map[string]string{"content": "Download complete: www.youtube.com"}, got)
}

func TestWebhookNotifier_Errors(t *testing.T) {
	n := &WebhookNotifier{}
	require.ErrorIs(t, n.Notify(context.Background(), "a", "b"), ErrNoWebhook)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	n = &WebhookNotifier{URL: srv.URL}
	err := n.Notify(context.Background(), "a", "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

type recorder struct {
	calls []string
}

func (r *recorder) Notify(_ context.Context, title, message string) error {
	r.calls = append(r.calls, title+"|"+message)
	return nil
}

func TestToggle(t *testing.T) {
	rec := &recorder{}
	enabled := false

	n := NewToggle(rec, func() bool { return enabled })

	require.NoError(t, n.Notify(context.Background(), "a", "b"))
	assert.Empty(t, rec.calls)

	enabled = true
	require.NoError(t, n.Notify(context.Background(), "a", "b"))
	assert.Equal(t, []string{"a|b"}, rec.calls)

	require.NoError(t, NewToggle(nil, func() bool { return true }).Notify(context.Background(), "a", "b"))
}
