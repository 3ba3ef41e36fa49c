package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// WebhookNotifier POSTs the alert as JSON to an arbitrary endpoint.
type WebhookNotifier struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  zerolog.Logger
}

// NewWebhookNotifier builds a generic webhook sink.
func NewWebhookNotifier(url string, headers map[string]string, timeout time.Duration, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "alert_webhook").Logger(),
	}
}

// Notify posts the alert body.
func (n *WebhookNotifier) Notify(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	if err := postJSON(ctx, n.client, n.url, n.headers, body); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	n.logger.Debug().Str("alert_id", alert.ID).Msg("alert sent (webhook)")
	return nil
}

// SlackNotifier posts to a Slack incoming webhook.
type SlackNotifier struct {
	url     string
	channel string
	client  *http.Client
	logger  zerolog.Logger
}

// NewSlackNotifier builds a Slack sink.
func NewSlackNotifier(url, channel string, timeout time.Duration, logger zerolog.Logger) *SlackNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SlackNotifier{
		url:     url,
		channel: channel,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "alert_slack").Logger(),
	}
}

// Notify posts the rendered alert text.
func (n *SlackNotifier) Notify(ctx context.Context, alert Alert) error {
	payload := map[string]string{"text": "```" + Summary(alert) + "```"}
	if n.channel != "" {
		payload["channel"] = n.channel
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	if err := postJSON(ctx, n.client, n.url, nil, body); err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	n.logger.Debug().Str("alert_id", alert.ID).Msg("alert sent (slack)")
	return nil
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

var (
	_ Notifier = (*WebhookNotifier)(nil)
	_ Notifier = (*SlackNotifier)(nil)
)
