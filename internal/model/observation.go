package model

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind names a metric category and, by extension, the monitor that owns it.
type Kind string

const (
	KindPayment     Kind = "payments"
	KindPerformance Kind = "performance"
	KindUsage       Kind = "usage"
	KindHealth      Kind = "health"
)

// Kinds lists every supported category in a stable order.
func Kinds() []Kind {
	return []Kind{KindPayment, KindPerformance, KindUsage, KindHealth}
}

// ParseKind maps a configuration or URL token onto a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindPayment, "payment":
		return KindPayment, nil
	case KindPerformance:
		return KindPerformance, nil
	case KindUsage:
		return KindUsage, nil
	case KindHealth:
		return KindHealth, nil
	}
	return "", fmt.Errorf("unknown monitor kind %q", s)
}

// ErrInvalidObservation is returned for observations that cannot be ingested.
var ErrInvalidObservation = errors.New("invalid observation")

// Payload carries category specific fields. Exactly one implementation exists per Kind.
type Payload interface {
	Kind() Kind
}

// Observation is the common envelope every producer submits.
type Observation struct {
	Kind      Kind
	EntityID  string
	Metric    string
	Value     float64
	Timestamp time.Time
	Metadata  map[string]any
	Payload   Payload
}

// Validate checks the envelope. A payload, when present, must match the kind.
func (o Observation) Validate() error {
	if strings.TrimSpace(o.EntityID) == "" {
		return fmt.Errorf("%w: entity id is required", ErrInvalidObservation)
	}
	if strings.TrimSpace(o.Metric) == "" {
		return fmt.Errorf("%w: metric name is required", ErrInvalidObservation)
	}
	if math.IsNaN(o.Value) || math.IsInf(o.Value, 0) {
		return fmt.Errorf("%w: value must be finite", ErrInvalidObservation)
	}
	if o.Payload != nil && o.Kind != "" && o.Payload.Kind() != o.Kind {
		return fmt.Errorf("%w: %s payload on %s observation", ErrInvalidObservation, o.Payload.Kind(), o.Kind)
	}
	return nil
}

// Payment status values.
const (
	PaymentSucceeded = "succeeded"
	PaymentFailed    = "failed"
)

// PaymentPayload describes a single charge attempt.
type PaymentPayload struct {
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      string          `json:"status"`
	FailureCode string          `json:"failure_code,omitempty"`
}

func (PaymentPayload) Kind() Kind { return KindPayment }

// Failed reports whether the charge attempt failed.
func (p PaymentPayload) Failed() bool {
	return strings.EqualFold(p.Status, PaymentFailed)
}

// PerformancePayload describes a request latency or throughput sample.
type PerformancePayload struct {
	Endpoint   string  `json:"endpoint"`
	LatencyMs  float64 `json:"latency_ms"`
	StatusCode int     `json:"status_code"`
}

func (PerformancePayload) Kind() Kind { return KindPerformance }

// UsagePayload describes consumption of a metered resource.
type UsagePayload struct {
	Resource string  `json:"resource"`
	Quota    float64 `json:"quota"`
}

func (UsagePayload) Kind() Kind { return KindUsage }

// Ratio returns used/quota, or zero without a quota.
func (p UsagePayload) Ratio(used float64) float64 {
	if p.Quota <= 0 {
		return 0
	}
	return used / p.Quota
}

// Health status values.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// HealthPayload describes a component health probe.
type HealthPayload struct {
	Component string `json:"component"`
	Status    string `json:"status"`
}

func (HealthPayload) Kind() Kind { return KindHealth }

// Healthy reports whether the probe passed.
func (p HealthPayload) Healthy() bool {
	return p.Status == "" || strings.EqualFold(p.Status, HealthHealthy)
}

// CloneMetadata returns a shallow copy so stored state never aliases caller maps.
func CloneMetadata(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
