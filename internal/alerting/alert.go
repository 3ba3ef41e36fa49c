package alerting

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"metricwatch/internal/model"
)

// Severity of an alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank zero.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AtLeast reports whether s is as severe as floor.
func (s Severity) AtLeast(floor Severity) bool {
	return s.Rank() >= floor.Rank()
}

// ParseSeverity validates a severity token.
func ParseSeverity(v string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	if s.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", v)
	}
	return s, nil
}

// Alert types raised by monitors.
const (
	TypeThresholdWarning  = "threshold_warning"
	TypeThresholdCritical = "threshold_critical"
	TypeRepeatedFailures  = "repeated_failures"
	TypeErrorPattern      = "error_pattern"
	TypeRiskEscalation    = "risk_escalation"
	TypeStaleMetric       = "stale_metric"
)

// Alert is an immutable alert record. Payload must not be mutated after
// NewAlert returns; every consumer receives the same value.
type Alert struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Monitor   model.Kind     `json:"monitor"`
	EntityID  string         `json:"entity_id"`
	Severity  Severity       `json:"severity"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewAlert builds an alert with a fresh id and a private copy of payload.
func NewAlert(monitor model.Kind, alertType, entityID string, severity Severity, payload map[string]any, at time.Time) Alert {
	return Alert{
		ID:        uuid.NewString(),
		Type:      alertType,
		Monitor:   monitor,
		EntityID:  entityID,
		Severity:  severity,
		Payload:   model.CloneMetadata(payload),
		Timestamp: at,
	}
}

// Summary renders a multi-line, human readable description for chat sinks.
func Summary(a Alert) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[metricwatch] %s %s\n", strings.ToUpper(string(a.Severity)), a.Type))
	builder.WriteString(fmt.Sprintf("Monitor: %s\n", a.Monitor))
	builder.WriteString(fmt.Sprintf("Entity: %s\n", a.EntityID))
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", a.Timestamp.UTC().Format(time.RFC3339)))

	keys := make([]string, 0, len(a.Payload))
	for k := range a.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		builder.WriteString(fmt.Sprintf("%s: %v\n", k, a.Payload[k]))
	}
	return builder.String()
}
