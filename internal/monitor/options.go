package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"metricwatch/internal/alerting"
	"metricwatch/internal/model"
	"metricwatch/internal/remediation"
	"metricwatch/internal/risk"
	"metricwatch/internal/scheduler"
	"metricwatch/internal/snapshot"
	"metricwatch/internal/telemetry"
	"metricwatch/internal/threshold"
)

// RealertMode controls repeated threshold alerts.
type RealertMode string

const (
	// RealertEdge alerts when a level is first reached and re-arms once the value drops below it.
	RealertEdge RealertMode = "edge"
	// RealertEvery alerts on every observation and every cycle spent above a bound.
	RealertEvery RealertMode = "every"
)

// ParseRealertMode validates a mode token; empty means edge.
func ParseRealertMode(v string) (RealertMode, error) {
	switch RealertMode(v) {
	case "", RealertEdge:
		return RealertEdge, nil
	case RealertEvery:
		return RealertEvery, nil
	}
	return "", fmt.Errorf("unknown realert mode %q (want edge or every)", v)
}

// PatternSettings tune repeated-failure detection.
type PatternSettings struct {
	// Threshold is the event count that raises repeated_failures. Zero disables it.
	Threshold int
	// Window is the idle period after which a pattern starts over.
	Window     time.Duration
	MaxSamples int
	// GroupMin is the per-category size a group must exceed to raise
	// error_pattern. Zero disables it.
	GroupMin int
}

// RemediationSettings tune the escalator.
type RemediationSettings struct {
	Enabled bool
	Window  time.Duration
	Timeout time.Duration
	Rules   []remediation.Rule
	Queue   int
}

// Settings configure one monitor instance.
type Settings struct {
	Kind            model.Kind
	Interval        time.Duration
	StartupDelay    time.Duration
	CycleTimeout    time.Duration
	StaleAfter      time.Duration
	HistoryWindow   int
	HistoryLookback time.Duration
	Realert         RealertMode
	Thresholds      map[string]threshold.Threshold
	Pattern         PatternSettings
	Risk            risk.Config
	Remediation     RemediationSettings
	Delivery        alerting.DispatcherOptions
}

// DefaultSettings returns the preset for kind.
func DefaultSettings(kind model.Kind) Settings {
	s := Settings{
		Kind:            kind,
		Interval:        30 * time.Second,
		CycleTimeout:    20 * time.Second,
		StaleAfter:      5 * time.Minute,
		HistoryWindow:   10,
		HistoryLookback: 24 * time.Hour,
		Realert:         RealertEdge,
		Thresholds:      map[string]threshold.Threshold{},
		Pattern: PatternSettings{
			Threshold:  3,
			Window:     15 * time.Minute,
			MaxSamples: 50,
			GroupMin:   5,
		},
		Risk: risk.DefaultConfig(),
		Remediation: RemediationSettings{
			Enabled: true,
			Window:  remediation.DefaultWindow,
			Timeout: 30 * time.Second,
			Rules:   remediation.DefaultRules(kind),
			Queue:   256,
		},
	}

	switch kind {
	case model.KindPayment:
		s.Interval = time.Minute
		s.StaleAfter = 0
	case model.KindPerformance:
		s.Interval = 15 * time.Second
		s.Thresholds["latency_ms"] = threshold.Threshold{Warning: 500, Critical: 1500}
		s.Thresholds["error_rate"] = threshold.Threshold{Warning: 0.05, Critical: 0.2}
		s.Pattern.Threshold = 5
		s.Pattern.Window = 5 * time.Minute
		s.Risk.MagnitudeScale = 5000
	case model.KindUsage:
		s.Interval = time.Minute
		s.StaleAfter = 30 * time.Minute
		s.Thresholds["quota_ratio"] = threshold.Threshold{Warning: 0.8, Critical: 0.95}
		s.Pattern.Window = time.Hour
		s.Risk.MagnitudeScale = 1
	case model.KindHealth:
		s.Interval = 10 * time.Second
		s.StaleAfter = time.Minute
		s.Thresholds["cpu"] = threshold.Threshold{Warning: 80, Critical: 95}
		s.Thresholds["memory"] = threshold.Threshold{Warning: 85, Critical: 95}
		s.Thresholds["disk"] = threshold.Threshold{Warning: 85, Critical: 95}
		s.Pattern.Window = 10 * time.Minute
		s.Risk.MagnitudeScale = 100
	}
	return s
}

// Validate rejects settings a monitor cannot run with.
func (s Settings) Validate() error {
	if _, err := model.ParseKind(string(s.Kind)); err != nil {
		return err
	}
	if s.Interval <= 0 {
		return fmt.Errorf("%s: interval must be positive", s.Kind)
	}
	if s.StaleAfter < 0 || s.CycleTimeout < 0 || s.StartupDelay < 0 {
		return fmt.Errorf("%s: durations cannot be negative", s.Kind)
	}
	if _, err := ParseRealertMode(string(s.Realert)); err != nil {
		return fmt.Errorf("%s: %w", s.Kind, err)
	}
	for key, t := range s.Thresholds {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("%s: threshold %s: %w", s.Kind, key, err)
		}
	}
	if s.Pattern.Threshold < 0 || s.Pattern.GroupMin < 0 || s.Pattern.Window < 0 {
		return fmt.Errorf("%s: pattern settings cannot be negative", s.Kind)
	}
	if err := s.Risk.Validate(); err != nil {
		return fmt.Errorf("%s: %w", s.Kind, err)
	}
	if _, err := remediation.NewPolicy(s.Remediation.Rules); err != nil {
		return fmt.Errorf("%s: remediation: %w", s.Kind, err)
	}
	return nil
}

// HistorySource loads prior alert counts per entity from the durable store.
type HistorySource interface {
	CountAlertsByEntity(ctx context.Context, monitor string, since time.Time) (map[string]int, error)
}

// SampleSink receives every recorded snapshot. Record must not block.
type SampleSink interface {
	Record(monitor model.Kind, snap snapshot.Snapshot)
}

// Deps are the collaborators of a monitor. Every field is optional.
type Deps struct {
	Store    alerting.Store
	Notifier alerting.Notifier
	History  HistorySource
	Target   remediation.Target
	Samples  SampleSink
	Metrics  *telemetry.Metrics
	Clock    scheduler.Clock
	Logger   zerolog.Logger
}
