package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"metricwatch/internal/model"
	"metricwatch/internal/monitor"
	"metricwatch/internal/remediation"
	"metricwatch/internal/threshold"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.App.Name != "test" || cfg.Server.Addr != ":8080" {
		t.Fatalf("unexpected app/server config: %+v %+v", cfg.App, cfg.Server)
	}
	if len(cfg.Monitors) != len(model.Kinds()) {
		t.Fatalf("expected a section per kind, got %d", len(cfg.Monitors))
	}
	for _, kind := range model.Kinds() {
		if !cfg.Enabled(kind) {
			t.Fatalf("%s should be enabled by default", kind)
		}
	}

	s, err := cfg.MonitorSettings(model.KindHealth)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	want := monitor.DefaultSettings(model.KindHealth)
	if s.Interval != want.Interval || s.StaleAfter != want.StaleAfter || s.Realert != monitor.RealertEdge {
		t.Fatalf("preset not applied: %+v", s)
	}
	if got := s.Thresholds["cpu"]; got != (threshold.Threshold{Warning: 80, Critical: 95}) {
		t.Fatalf("unexpected cpu threshold %+v", got)
	}
	if len(s.Remediation.Rules) != len(want.Remediation.Rules) {
		t.Fatalf("expected preset rules, got %+v", s.Remediation.Rules)
	}
	if s.Delivery.QueueSize != 1024 || s.Delivery.DeliveryTimeout != 10*time.Second || s.Delivery.MaxAttempts != 5 {
		t.Fatalf("delivery options not applied: %+v", s.Delivery)
	}

	p, err := cfg.MonitorSettings(model.KindPayment)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if p.StaleAfter != 0 {
		t.Fatalf("payments should not track staleness, got %s", p.StaleAfter)
	}
}

func TestLoadOverridesSingleFields(t *testing.T) {
	path := writeConfig(t, `
monitors:
  health:
    interval: 5s
    realert: every
    thresholds:
      cpu:
        warning: 70
      temperature:
        warning: 60
        critical: 80
    remediation:
      rules:
        - type: threshold_critical
          action: sendnotification
  usage:
    enabled: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Enabled(model.KindUsage) {
		t.Fatal("usage should be disabled")
	}

	s, err := cfg.MonitorSettings(model.KindHealth)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if s.Interval != 5*time.Second || s.Realert != monitor.RealertEvery {
		t.Fatalf("overrides not applied: interval=%s realert=%s", s.Interval, s.Realert)
	}
	if got := s.Thresholds["cpu"]; got != (threshold.Threshold{Warning: 70, Critical: 95}) {
		t.Fatalf("expected merged cpu threshold, got %+v", got)
	}
	if _, ok := s.Thresholds["memory"]; !ok {
		t.Fatal("preset memory threshold lost")
	}
	if got := s.Thresholds["temperature"]; got.Critical != 80 {
		t.Fatalf("expected new temperature threshold, got %+v", got)
	}
	if len(s.Remediation.Rules) != 1 || s.Remediation.Rules[0].Action != "sendnotification" {
		t.Fatalf("expected rules to be replaced, got %+v", s.Remediation.Rules)
	}
	policy, err := remediation.NewPolicy(s.Remediation.Rules)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	if policy.Rules()[0].Action != remediation.ActionSendNotification {
		t.Fatalf("action not normalised: %+v", policy.Rules())
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("METRICWATCH_MONITORS_USAGE_INTERVAL", "2m")
	t.Setenv("METRICWATCH_SERVER_ADDR", ":9999")

	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Fatalf("expected env server addr, got %q", cfg.Server.Addr)
	}
	s, err := cfg.MonitorSettings(model.KindUsage)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if s.Interval != 2*time.Minute {
		t.Fatalf("expected env interval, got %s", s.Interval)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]struct {
		body string
		want string
	}{
		"inverted threshold": {
			body: "monitors:\n  health:\n    thresholds:\n      cpu:\n        warning: 99\n",
			want: "threshold cpu",
		},
		"zero interval": {
			body: "monitors:\n  performance:\n    interval: 0s\n",
			want: "interval must be positive",
		},
		"unknown realert": {
			body: "monitors:\n  usage:\n    realert: sometimes\n",
			want: "realert",
		},
		"unknown action": {
			body: "monitors:\n  payments:\n    remediation:\n      rules:\n        - action: reboot\n",
			want: "remediation",
		},
		"unknown monitor": {
			body: "monitors:\n  billing:\n    interval: 1m\n",
			want: "monitors.billing",
		},
		"unknown channel": {
			body: "alerting:\n  channels: [pager]\n",
			want: "unknown channel",
		},
		"webhook without url": {
			body: "alerting:\n  channels: [webhook]\n",
			want: "alerting.webhook.url",
		},
		"bad severity floor": {
			body: "alerting:\n  channels: [slack]\n  slack:\n    webhook_url: http://example.invalid\n    min_severity: urgent\n",
			want: "min_severity",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in error, got %v", tc.want, err)
			}
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 50}}
	if got := cfg.ResolveMaxPoints(0); got != 50 {
		t.Fatalf("expected config default, got %d", got)
	}
	if got := cfg.ResolveMaxPoints(7); got != 7 {
		t.Fatalf("expected override, got %d", got)
	}
}
