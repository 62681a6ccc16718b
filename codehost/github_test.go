package codehost

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

func TestCreateIssue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/runbooks/issues", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req issueRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "db down", req.Title)
		assert.Equal(t, []string{"incident"}, req.Labels)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(issueResponse{HTMLURL: "https://github.com/acme/runbooks/issues/42", Number: 42})
	}))
	defer srv.Close()

	g := New(Config{Enabled: true, Token: "tok", Repo: "acme/runbooks", BaseURL: srv.URL}, nil)
	issue, err := g.CreateIssue(context.Background(), "db down", "details", []string{"incident"})
	require.NoError(t, err)
	assert.Equal(t, 42, issue.Number)
	assert.Equal(t, "https://github.com/acme/runbooks/issues/42", issue.URL)
}

func TestCreateIssueDisabled(t *testing.T) {
	g := New(Config{Enabled: false}, nil)
	_, err := g.CreateIssue(context.Background(), "t", "b", nil)
	require.Error(t, err)
	assert.True(t, fault.IsDisabled(err))
	assert.Equal(t, "github integration disabled", fault.Reason(err))
}

func TestCreateIssueClassifiesStatuses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   fault.Kind
	}{
		{"rate limited", http.StatusForbidden, fault.KindTransient},
		{"server error", http.StatusBadGateway, fault.KindTransient},
		{"validation rejected", http.StatusUnprocessableEntity, fault.KindPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			g := New(Config{Enabled: true, Repo: "a/b", BaseURL: srv.URL}, nil)
			_, err := g.CreateIssue(context.Background(), "t", "b", nil)
			require.Error(t, err)
			assert.Equal(t, tt.want, fault.KindOf(err))
		})
	}
}

func TestBreakerShedsAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	g := New(Config{Enabled: true, Repo: "a/b", BaseURL: srv.URL}, nil)
	for i := 0; i < 5; i++ {
		_, err := g.CreateIssue(context.Background(), "t", "b", nil)
		require.Error(t, err)
	}
	require.Equal(t, 5, calls)

	// Circuit is open now: the next call is rejected without a request.
	_, err := g.CreateIssue(context.Background(), "t", "b", nil)
	require.Error(t, err)
	assert.Equal(t, 5, calls, "open circuit must not hit the server")
	assert.Equal(t, fault.KindTransient, fault.KindOf(err))
}
