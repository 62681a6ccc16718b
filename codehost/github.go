// Package codehost files tracking issues on GitHub. The integration can
// be disabled wholesale; a disabled client reports fault.Disabled so the
// calling step records a first-class skip instead of a failure.
package codehost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/opspilot/opspilot/breaker"
	"github.com/opspilot/opspilot/capability"
	"github.com/opspilot/opspilot/fault"
)

// Config holds GitHub settings.
type Config struct {
	// Enabled gates the whole integration.
	Enabled bool

	// Token is the API token.
	Token string

	// Repo is "owner/name".
	Repo string

	// BaseURL overrides the API endpoint for tests and GHE.
	BaseURL string

	// Timeout bounds each request.
	Timeout time.Duration
}

// GitHub implements capability.CodeHost.
type GitHub struct {
	cfg     Config
	client  *http.Client
	breaker *breaker.Breaker
	logger  *slog.Logger
}

// New builds a GitHub client guarded by its own circuit breaker.
func New(cfg Config, logger *slog.Logger) *GitHub {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.github.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GitHub{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker.New("github", breaker.DefaultSettings()),
		logger:  logger,
	}
}

type issueRequest struct {
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels,omitempty"`
}

type issueResponse struct {
	HTMLURL string `json:"html_url"`
	Number  int    `json:"number"`
}

// CreateIssue files an issue and returns its URL and number.
func (g *GitHub) CreateIssue(ctx context.Context, title, body string, labels []string) (capability.Issue, error) {
	if !g.cfg.Enabled {
		return capability.Issue{}, fault.Disabled("github integration disabled")
	}

	var issue capability.Issue
	err := g.breaker.Execute(func() error {
		var callErr error
		issue, callErr = g.createIssue(ctx, title, body, labels)
		return callErr
	})
	return issue, err
}

func (g *GitHub) createIssue(ctx context.Context, title, body string, labels []string) (capability.Issue, error) {
	payload, err := json.Marshal(issueRequest{Title: title, Body: body, Labels: labels})
	if err != nil {
		return capability.Issue{}, fault.Permanent(fmt.Errorf("failed to encode issue: %w", err))
	}

	url := fmt.Sprintf("%s/repos/%s/issues", g.cfg.BaseURL, g.cfg.Repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return capability.Issue{}, fault.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return capability.Issue{}, fault.Transient(fmt.Errorf("github request failed: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusCreated:
		var out issueResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return capability.Issue{}, fault.Transient(fmt.Errorf("failed to decode issue response: %w", err))
		}
		g.logger.Info("github issue created", "repo", g.cfg.Repo, "number", out.Number)
		return capability.Issue{URL: out.HTMLURL, Number: out.Number}, nil
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		return capability.Issue{}, fault.Transient(fmt.Errorf("github rate limited: status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return capability.Issue{}, fault.Transient(fmt.Errorf("github server error: status %d", resp.StatusCode))
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return capability.Issue{}, fault.Permanent(fmt.Errorf("github rejected issue: status %d: %s", resp.StatusCode, detail))
	}
}
