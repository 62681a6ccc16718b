package llmclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opspilot/opspilot/fault"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := DefaultConfig()
	cfg.APIKey = "test-key"
	cfg.BaseURL = srv.URL + "/v1"
	return New(cfg)
}

func TestCompleteReturnsContent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		msgs := req["messages"].([]any)
		require.Len(t, msgs, 2, "system plus user message")

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "## Summary\nIt broke."}},
			},
		})
	})

	out, err := c.Complete(context.Background(), "you are an SRE", "write the postmortem")
	require.NoError(t, err)
	assert.Contains(t, out, "It broke.")
}

func TestCompleteRateLimitIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "rate limited", "type": "rate_limit_error"},
		})
	})

	_, err := c.Complete(context.Background(), "", "hi")
	require.Error(t, err)
	assert.Equal(t, fault.KindTransient, fault.KindOf(err))
}

func TestCompleteBadRequestIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "model not found", "type": "invalid_request_error"},
		})
	})

	_, err := c.Complete(context.Background(), "", "hi")
	require.Error(t, err)
	assert.Equal(t, fault.KindPermanent, fault.KindOf(err))
}
