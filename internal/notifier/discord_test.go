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

func TestDiscordNotifier_Notify(t *testing.T) {
	var got map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n := NewDiscordNotifier(server.URL, server.Client())

	require.NoError(t, n.Notify(context.Background(), "✅ Download finished"))
	assert.Equal(t, map[string]string{"content": "✅ Download finished"}, got)
}

func TestDiscordNotifier_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	err := NewDiscordNotifier(server.URL, nil).Notify(context.Background(), "hi")
	assert.EqualError(t, err, "webhook failed with status 429")

	err = (&DiscordNotifier{}).Notify(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNoWebhook)
}
