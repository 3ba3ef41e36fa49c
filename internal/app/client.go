package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"metricwatch/internal/api"
	"metricwatch/internal/model"
	"metricwatch/internal/threshold"
)

// APIClient talks to the admin API of a running service.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient targets baseURL, e.g. http://127.0.0.1:8080.
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Monitors lists the monitors the service runs.
func (c *APIClient) Monitors(ctx context.Context) ([]api.MonitorStatus, error) {
	var out []api.MonitorStatus
	err := c.do(ctx, http.MethodGet, "/api/v1/monitors", nil, &out)
	return out, err
}

// Thresholds returns the thresholds of kind.
func (c *APIClient) Thresholds(ctx context.Context, kind model.Kind) (map[string]threshold.Threshold, error) {
	var out map[string]threshold.Threshold
	err := c.do(ctx, http.MethodGet, monitorPath(kind, "thresholds"), nil, &out)
	return out, err
}

// SetThreshold replaces the threshold of metric.
func (c *APIClient) SetThreshold(ctx context.Context, kind model.Kind, metric string, t threshold.Threshold) error {
	return c.do(ctx, http.MethodPut, monitorPath(kind, "thresholds", metric), t, nil)
}

// DeleteThreshold removes the threshold of metric.
func (c *APIClient) DeleteThreshold(ctx context.Context, kind model.Kind, metric string) error {
	return c.do(ctx, http.MethodDelete, monitorPath(kind, "thresholds", metric), nil, nil)
}

// StartMonitor resumes the cycle loop of kind.
func (c *APIClient) StartMonitor(ctx context.Context, kind model.Kind) error {
	return c.do(ctx, http.MethodPost, monitorPath(kind, "start"), nil, nil)
}

// StopMonitor pauses the cycle loop of kind.
func (c *APIClient) StopMonitor(ctx context.Context, kind model.Kind) error {
	return c.do(ctx, http.MethodPost, monitorPath(kind, "stop"), nil, nil)
}

func monitorPath(kind model.Kind, parts ...string) string {
	segments := []string{"/api/v1/monitors", url.PathEscape(string(kind))}
	for _, p := range parts {
		segments = append(segments, url.PathEscape(p))
	}
	return strings.Join(segments, "/")
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// APIBaseURL derives the admin API address from server.addr when override is
// empty.
func (a *App) APIBaseURL(override string) string {
	if override != "" {
		return override
	}
	addr := a.Config.Server.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

// ShowThresholds prints the thresholds of kind.
func (a *App) ShowThresholds(ctx context.Context, client *APIClient, kind model.Kind) error {
	thresholds, err := client.Thresholds(ctx, kind)
	if err != nil {
		return err
	}
	if len(thresholds) == 0 {
		_, err := fmt.Fprintln(a.Out, "no thresholds configured")
		return err
	}

	metrics := make([]string, 0, len(thresholds))
	for m := range thresholds {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Metric\tWarning\tCritical")
	for _, m := range metrics {
		t := thresholds[m]
		fmt.Fprintf(writer, "%s\t%s\t%s\n", m, formatFloat(t.Warning, 3), formatFloat(t.Critical, 3))
	}
	return writer.Flush()
}

// ShowMonitors prints the status of every monitor.
func (a *App) ShowMonitors(ctx context.Context, client *APIClient) error {
	monitors, err := client.Monitors(ctx)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Monitor\tRunning\tKeys\tPending")
	for _, m := range monitors {
		fmt.Fprintf(writer, "%s\t%t\t%d\t%d\n", m.Kind, m.Running, m.TrackedKeys, m.PendingDeliveries)
	}
	return writer.Flush()
}
