// Package llmclient adapts an OpenAI-compatible completion API to the
// capability.LLM interface used by postmortem generation.
package llmclient

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/opspilot/opspilot/fault"
)

// Config holds connection settings.
type Config struct {
	// APIKey authenticates requests.
	APIKey string

	// BaseURL overrides the API endpoint, for proxies and local models.
	BaseURL string

	// Model is the completion model name.
	Model string

	// MaxTokens bounds each response. Zero uses the provider default.
	MaxTokens int

	// Temperature controls sampling.
	Temperature float32
}

// DefaultConfig returns conservative defaults for report generation.
func DefaultConfig() Config {
	return Config{
		Model:       openai.GPT4oMini,
		MaxTokens:   2048,
		Temperature: 0.2,
	}
}

// Client implements capability.LLM.
type Client struct {
	api *openai.Client
	cfg Config
}

// New builds a Client from cfg.
func New(cfg Config) *Client {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultConfig().Model
	}
	return &Client{api: openai.NewClientWithConfig(apiCfg), cfg: cfg}
}

// Complete sends one chat completion request. Rate limits and server
// errors come back transient so the step's retry policy applies; other
// API rejections are permanent.
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	messages := []openai.ChatCompletionMessage{}
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", fault.Transientf("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500:
			return fault.Transient(fmt.Errorf("llm request failed: %w", err))
		case apiErr.HTTPStatusCode >= 400:
			return fault.Permanent(fmt.Errorf("llm request rejected: %w", err))
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Transient(fmt.Errorf("llm request timed out: %w", err))
	}
	// Network-level failures are worth retrying.
	return fault.Transient(fmt.Errorf("llm request failed: %w", err))
}
