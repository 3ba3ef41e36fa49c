package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"metricwatch/internal/config"
	"metricwatch/internal/model"
	"metricwatch/internal/storage"
	"metricwatch/internal/threshold"
)

func newTestApp(t *testing.T, body string) (*App, *bytes.Buffer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	out := &bytes.Buffer{}
	a := NewApp(cfg, zerolog.Nop())
	a.Out = out
	return a, out
}

func TestSimulatePrintsThresholdAlerts(t *testing.T) {
	a, out := newTestApp(t, "app:\n  name: test\n")

	err := a.Simulate(context.Background(), SimulateOptions{
		Monitor:  model.KindHealth,
		EntityID: "web-1",
		Metric:   "cpu",
		Values:   []float64{50, 85, 97},
		Step:     5 * time.Second,
		Start:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}

	text := out.String()
	for _, want := range []string{"threshold_warning", "threshold_critical", "web-1", "2025-03-01T12:00:10Z"} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "(no alerts)") {
		t.Fatalf("unexpected empty table:\n%s", text)
	}
}

func TestSimulateQuietSeries(t *testing.T) {
	a, out := newTestApp(t, "app:\n  name: test\n")

	err := a.Simulate(context.Background(), SimulateOptions{
		Monitor:  model.KindHealth,
		EntityID: "web-1",
		Metric:   "cpu",
		Values:   []float64{10, 20},
		Step:     time.Second,
	})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if !strings.Contains(out.String(), "(no alerts)") {
		t.Fatalf("expected no alerts, got:\n%s", out.String())
	}
}

func TestSimulateValidatesInput(t *testing.T) {
	a, _ := newTestApp(t, "app:\n  name: test\n")
	ctx := context.Background()

	if err := a.Simulate(ctx, SimulateOptions{Monitor: model.KindHealth, EntityID: "e", Metric: "cpu", Step: time.Second}); err == nil {
		t.Fatal("expected error without values")
	}
	if err := a.Simulate(ctx, SimulateOptions{Monitor: model.KindHealth, EntityID: "e", Metric: "cpu", Values: []float64{1}}); err == nil {
		t.Fatal("expected error without step")
	}
	err := a.Simulate(ctx, SimulateOptions{
		Monitor:  model.KindPayment,
		EntityID: "acct",
		Metric:   "charge",
		Values:   []float64{1},
		Step:     time.Second,
		Payload:  "{",
	})
	if err == nil {
		t.Fatal("expected payload decode error")
	}
	if err := a.Simulate(ctx, SimulateOptions{Monitor: model.KindHealth, Metric: "cpu", Values: []float64{1}, Step: time.Second}); err == nil {
		t.Fatal("expected error for missing entity")
	}
}

func TestSimulateRepeatedPaymentFailures(t *testing.T) {
	a, out := newTestApp(t, "app:\n  name: test\n")

	err := a.Simulate(context.Background(), SimulateOptions{
		Monitor:  model.KindPayment,
		EntityID: "acct-9",
		Metric:   "charge",
		Values:   []float64{20, 20, 20},
		Step:     time.Second,
		Payload:  `{"amount":"20","currency":"USD","status":"failed","failure_code":"card_declined"}`,
	})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "repeated_failures") {
		t.Fatalf("expected repeated_failures:\n%s", text)
	}
	if !strings.Contains(text, "requireAdditionalVerification") {
		t.Fatalf("expected the policy action in the table:\n%s", text)
	}
}

func TestObservationFromSample(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	sample := storage.MetricSample{
		Monitor:    "payments",
		EntityID:   "acct-1",
		Metric:     "charge",
		Value:      42,
		Metadata:   json.RawMessage(`{"region":"eu","payload":{"amount":"42","currency":"EUR","status":"failed"}}`),
		ObservedAt: at,
	}

	obs, err := observationFromSample(model.KindPayment, sample)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if obs.EntityID != "acct-1" || obs.Metric != "charge" || obs.Value != 42 || !obs.Timestamp.Equal(at) {
		t.Fatalf("unexpected envelope: %+v", obs)
	}
	p, ok := obs.Payload.(model.PaymentPayload)
	if !ok || !p.Failed() || p.Currency != "EUR" {
		t.Fatalf("unexpected payload: %#v", obs.Payload)
	}
	if obs.Metadata["region"] != "eu" {
		t.Fatalf("unexpected metadata: %#v", obs.Metadata)
	}
	if _, ok := obs.Metadata["payload"]; ok {
		t.Fatal("payload should not stay in metadata")
	}

	sample.Metadata = json.RawMessage(`not json`)
	if _, err := observationFromSample(model.KindPayment, sample); err == nil {
		t.Fatal("expected metadata decode error")
	}

	sample.Metadata = nil
	obs, err = observationFromSample(model.KindPayment, sample)
	if err != nil || obs.Payload != nil || obs.Metadata != nil {
		t.Fatalf("expected bare observation, got %+v err=%v", obs, err)
	}
}

func TestDownsampleSamples(t *testing.T) {
	samples := make([]storage.MetricSample, 10)
	for i := range samples {
		samples[i].Value = float64(i)
	}

	got := downsampleSamples(samples, 4)
	if len(got) != 4 {
		t.Fatalf("expected 4 samples, got %d", len(got))
	}
	if got[0].Value != 0 || got[3].Value != 9 {
		t.Fatalf("expected endpoints kept, got %v and %v", got[0].Value, got[3].Value)
	}
	if len(downsampleSamples(samples, 0)) != 10 || len(downsampleSamples(samples, 20)) != 10 {
		t.Fatal("expected pass-through without a tighter limit")
	}
	if one := downsampleSamples(samples, 1); len(one) != 1 || one[0].Value != 9 {
		t.Fatalf("expected latest sample, got %+v", one)
	}
}

func TestGroupSamplesAndCSV(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	samples := []storage.MetricSample{
		{Monitor: "health", EntityID: "b", Metric: "cpu", Value: 1, ObservedAt: base},
		{Monitor: "health", EntityID: "a", Metric: "cpu", Value: 2, ObservedAt: base.Add(time.Second)},
		{Monitor: "health", EntityID: "b", Metric: "cpu", Value: 3, Trend: 200, ObservedAt: base.Add(2 * time.Second)},
	}

	series := groupSamples(samples)
	if len(series) != 2 || series[0].EntityID != "a" || len(series[1].Samples) != 2 {
		t.Fatalf("unexpected grouping: %+v", series)
	}

	path := filepath.Join(t.TempDir(), "nested", "out.csv")
	if err := writeSamplesCSV(path, series); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header plus 3 rows, got %d:\n%s", len(lines), raw)
	}
	if lines[0] != "observed_at,monitor,entity_id,metric,value,trend_pct" {
		t.Fatalf("unexpected header %q", lines[0])
	}
	if lines[3] != "2025-01-01T00:00:02Z,health,b,cpu,3.000000,200.00" {
		t.Fatalf("unexpected row %q", lines[3])
	}
}

func TestWriteSamplesPNG(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	series := []sampleSeries{{
		Monitor: "health", EntityID: "a", Metric: "cpu",
		Samples: []storage.MetricSample{
			{Value: 10, Trend: 0, ObservedAt: base},
			{Value: 20, Trend: 100, ObservedAt: base.Add(time.Minute)},
			{Value: 15, Trend: -25, ObservedAt: base.Add(2 * time.Minute)},
		},
	}}

	path := filepath.Join(t.TempDir(), "chart.png")
	if err := writeSamplesPNG(path, series); err != nil {
		t.Fatalf("write png: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		t.Fatalf("expected a rendered png, err=%v", err)
	}

	short := []sampleSeries{{Monitor: "health", EntityID: "a", Metric: "cpu", Samples: series[0].Samples[:1]}}
	if err := writeSamplesPNG(filepath.Join(t.TempDir(), "short.png"), short); err == nil {
		t.Fatal("expected error for single-point series")
	}
}

func TestWriteAlertTable(t *testing.T) {
	out := &bytes.Buffer{}
	if err := writeAlertTable(out, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.Contains(out.String(), "no alerts found") {
		t.Fatalf("unexpected output %q", out.String())
	}

	out.Reset()
	err := writeAlertTable(out, []storage.AlertRecord{{
		Monitor:  "usage",
		Type:     "threshold_critical",
		EntityID: "tenant\n7",
		Severity: "critical",
		Payload:  json.RawMessage(`{"metric":"quota_ratio"}`),
		AlertTS:  time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC),
	}})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "tenant 7") || !strings.Contains(text, "2025-02-01T08:00:00Z") {
		t.Fatalf("unexpected table:\n%s", text)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdef", 5); got != "ab..." {
		t.Fatalf("unexpected %q", got)
	}
	if got := truncate("abc", 5); got != "abc" {
		t.Fatalf("unexpected %q", got)
	}
}

func TestAPIClient(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/monitors/health/thresholds":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"cpu":{"warning":80,"critical":95}}`))
		case r.Method == http.MethodPut:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid threshold: warning 9 above critical 1"}`))
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewAPIClient(srv.URL+"/", time.Second)
	ctx := context.Background()

	thresholds, err := client.Thresholds(ctx, model.KindHealth)
	if err != nil {
		t.Fatalf("thresholds: %v", err)
	}
	if thresholds["cpu"] != (threshold.Threshold{Warning: 80, Critical: 95}) {
		t.Fatalf("unexpected thresholds %+v", thresholds)
	}

	err = client.SetThreshold(ctx, model.KindHealth, "cpu", threshold.Threshold{Warning: 9, Critical: 1})
	if err == nil || !strings.Contains(err.Error(), "warning 9 above critical 1") {
		t.Fatalf("expected api error message, got %v", err)
	}
	if gotPath != "/api/v1/monitors/health/thresholds/cpu" || !strings.Contains(string(gotBody), `"warning":9`) {
		t.Fatalf("unexpected request %s %s", gotPath, gotBody)
	}

	if err := client.DeleteThreshold(ctx, model.KindHealth, "cpu"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if gotMethod != http.MethodDelete {
		t.Fatalf("unexpected method %s", gotMethod)
	}

	if err := client.StartMonitor(ctx, model.KindUsage); err == nil {
		t.Fatal("expected 404 error")
	}
	if gotPath != "/api/v1/monitors/usage/start" {
		t.Fatalf("unexpected path %s", gotPath)
	}
}

func TestShowThresholds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"memory":{"warning":85,"critical":95},"cpu":{"warning":80,"critical":95}}`))
	}))
	defer srv.Close()

	a, out := newTestApp(t, "app:\n  name: test\n")
	if err := a.ShowThresholds(context.Background(), NewAPIClient(srv.URL, 0), model.KindHealth); err != nil {
		t.Fatalf("show: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[1], "cpu") || !strings.Contains(lines[1], "80.000") {
		t.Fatalf("unexpected table:\n%s", out.String())
	}
}

func TestAPIBaseURL(t *testing.T) {
	a, _ := newTestApp(t, "server:\n  addr: \":9090\"\n")
	if got := a.APIBaseURL(""); got != "http://127.0.0.1:9090" {
		t.Fatalf("unexpected %q", got)
	}
	if got := a.APIBaseURL("http://remote:1"); got != "http://remote:1" {
		t.Fatalf("unexpected %q", got)
	}
}

func TestRequireStoreWithoutDSN(t *testing.T) {
	a, _ := newTestApp(t, "app:\n  name: test\n")
	if err := a.Show(context.Background(), ShowOptions{Limit: 5}); err == nil {
		t.Fatal("expected error without database")
	}
	if err := a.Replay(context.Background(), ReplayOptions{
		Monitor: model.KindHealth,
		From:    time.Now().Add(-time.Hour),
		To:      time.Now(),
	}); err == nil {
		t.Fatal("expected error without database")
	}
}
