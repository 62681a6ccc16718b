package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opspilot/opspilot/fault"
)

type stubChannel struct {
	name string
	err  error
}

func (s stubChannel) Name() string                                 { return s.name }
func (s stubChannel) Send(context.Context, string, string) error   { return s.err }

func TestNotifyAllSucceed(t *testing.T) {
	f := NewFanout(nil, stubChannel{name: "slack"}, stubChannel{name: "email"})
	d, err := f.Notify(context.Background(), "subj", "msg")
	require.NoError(t, err)
	assert.Equal(t, "success", d.Status)
	assert.Equal(t, []string{"slack", "email"}, d.SentTo)
	assert.Empty(t, d.Failed)
}

func TestNotifyPartial(t *testing.T) {
	f := NewFanout(nil,
		stubChannel{name: "slack"},
		stubChannel{name: "email", err: errors.New("smtp down")},
	)
	d, err := f.Notify(context.Background(), "subj", "msg")
	require.NoError(t, err, "partial delivery is a success")
	assert.Equal(t, "partial", d.Status)
	assert.Equal(t, []string{"slack"}, d.SentTo)
	assert.Equal(t, []string{"email"}, d.Failed)
}

func TestNotifyAllFail(t *testing.T) {
	f := NewFanout(nil,
		stubChannel{name: "slack", err: errors.New("down")},
		stubChannel{name: "email", err: errors.New("down")},
	)
	d, err := f.Notify(context.Background(), "subj", "msg")
	require.Error(t, err)
	assert.Equal(t, fault.KindTransient, fault.KindOf(err))
	assert.Equal(t, "failed", d.Status)
}

func TestWebhookSend(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	w := NewWebhook("oncall", srv.URL)
	require.NoError(t, w.Send(context.Background(), "incident", "db down"))
	assert.Equal(t, "incident", got["subject"])
	assert.Equal(t, "db down", got["message"])
}

func TestWebhookSendRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := NewWebhook("oncall", srv.URL)
	assert.Error(t, w.Send(context.Background(), "s", "m"))
}
