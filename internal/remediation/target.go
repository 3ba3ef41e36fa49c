package remediation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"metricwatch/internal/alerting"
)

// Target performs remediation actions against the platform. Implementations
// must tolerate being asked to apply the same action twice.
type Target interface {
	Apply(ctx context.Context, action Action, entityID string, alert alerting.Alert) error
}

// LogTarget only records the decision. Used when no platform endpoint is configured.
type LogTarget struct {
	logger zerolog.Logger
}

// NewLogTarget returns a target that logs each action.
func NewLogTarget(logger zerolog.Logger) *LogTarget {
	return &LogTarget{logger: logger.With().Str("target", "log").Logger()}
}

// Apply logs the action.
func (t *LogTarget) Apply(_ context.Context, action Action, entityID string, alert alerting.Alert) error {
	t.logger.Warn().
		Str("action", string(action)).
		Str("entity_id", entityID).
		Str("alert_type", alert.Type).
		Str("severity", string(alert.Severity)).
		Msg("remediation requested")
	return nil
}

// HTTPTarget posts actions to the platform's remediation endpoint.
type HTTPTarget struct {
	url    string
	token  string
	client *http.Client
	logger zerolog.Logger
}

type actionRequest struct {
	Action   Action         `json:"action"`
	EntityID string         `json:"entity_id"`
	Alert    alerting.Alert `json:"alert"`
}

// NewHTTPTarget builds a target posting to url, optionally with a bearer token.
func NewHTTPTarget(url, token string, timeout time.Duration, logger zerolog.Logger) *HTTPTarget {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTarget{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("target", "http").Logger(),
	}
}

// Apply posts the action keyed by entity and action for idempotency.
func (t *HTTPTarget) Apply(ctx context.Context, action Action, entityID string, alert alerting.Alert) error {
	body, err := json.Marshal(actionRequest{Action: action, EntityID: entityID, Alert: alert})
	if err != nil {
		return fmt.Errorf("marshal remediation request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build remediation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s:%s", entityID, action))
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("remediation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("remediation endpoint returned %s: %s", resp.Status, bytes.TrimSpace(data))
	}
	t.logger.Debug().Str("action", string(action)).Str("entity_id", entityID).Msg("remediation accepted")
	return nil
}

var (
	_ Target = (*LogTarget)(nil)
	_ Target = (*HTTPTarget)(nil)
)
