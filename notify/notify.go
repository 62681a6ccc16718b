// Package notify fans workflow notifications out to configured channels.
// Partial delivery succeeds; the notification fails only when every
// channel fails.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/slack-go/slack"

	"github.com/opspilot/opspilot/capability"
	"github.com/opspilot/opspilot/fault"
)

// Channel delivers one message to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, subject, message string) error
}

// Fanout implements capability.Notifier over a set of channels.
type Fanout struct {
	channels []Channel
	logger   *slog.Logger
}

// NewFanout builds a notifier over channels.
func NewFanout(logger *slog.Logger, channels ...Channel) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{channels: channels, logger: logger}
}

// Notify sends to every channel and reports where delivery landed.
// Status is "success" when all channels delivered, "partial" when some
// did, and "failed" with a transient error when none did.
func (f *Fanout) Notify(ctx context.Context, subject, message string) (capability.Delivery, error) {
	d := capability.Delivery{}
	for _, ch := range f.channels {
		if err := ch.Send(ctx, subject, message); err != nil {
			f.logger.Warn("notification channel failed", "channel", ch.Name(), "error", err)
			d.Failed = append(d.Failed, ch.Name())
			continue
		}
		d.SentTo = append(d.SentTo, ch.Name())
	}
	switch {
	case len(d.SentTo) == 0:
		d.Status = "failed"
		return d, fault.Transientf("all %d notification channels failed", len(f.channels))
	case len(d.Failed) > 0:
		d.Status = "partial"
	default:
		d.Status = "success"
	}
	return d, nil
}

// Webhook posts JSON to a generic HTTP endpoint.
type Webhook struct {
	name   string
	url    string
	client *http.Client
}

// NewWebhook builds a webhook channel.
func NewWebhook(name, url string) *Webhook {
	return &Webhook{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the channel name.
func (w *Webhook) Name() string { return w.name }

// Send posts {subject, message} as JSON.
func (w *Webhook) Send(ctx context.Context, subject, message string) error {
	payload, err := json.Marshal(map[string]string{
		"subject": subject,
		"message": message,
	})
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Slack posts to a Slack incoming webhook.
type Slack struct {
	webhookURL string
}

// NewSlack builds a Slack channel.
func NewSlack(webhookURL string) *Slack {
	return &Slack{webhookURL: webhookURL}
}

// Name returns "slack".
func (s *Slack) Name() string { return "slack" }

// Send posts the message.
func (s *Slack) Send(ctx context.Context, subject, message string) error {
	err := slack.PostWebhookContext(ctx, s.webhookURL, &slack.WebhookMessage{
		Text: fmt.Sprintf("*%s*\n%s", subject, message),
	})
	if err != nil {
		return fmt.Errorf("slack webhook failed: %w", err)
	}
	return nil
}

// Log writes notifications to the process log. Used when no delivery
// channel is configured, so notification steps still complete.
type Log struct {
	logger *slog.Logger
}

// NewLog builds a log channel.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

// Name returns "log".
func (l *Log) Name() string { return "log" }

// Send logs the message.
func (l *Log) Send(_ context.Context, subject, message string) error {
	l.logger.Info("notification",
		"subject", subject,
		"message", message)
	return nil
}
