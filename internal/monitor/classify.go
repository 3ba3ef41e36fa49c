package monitor

import (
	"fmt"
	"strings"

	"metricwatch/internal/model"
	"metricwatch/internal/pattern"
	"metricwatch/internal/threshold"
)

// Qualifier decides whether an observation counts towards the entity's
// pattern. crossed is the highest threshold level the observation reached.
type Qualifier func(obs model.Observation, crossed threshold.Level) (pattern.Event, bool)

// QualifierFor returns the stock qualifier of kind.
func QualifierFor(kind model.Kind) Qualifier {
	switch kind {
	case model.KindPayment:
		return paymentFailure
	case model.KindPerformance:
		return performanceDegradation
	case model.KindUsage:
		return thresholdCrossing
	case model.KindHealth:
		return healthFailure
	}
	return thresholdCrossing
}

func paymentFailure(obs model.Observation, _ threshold.Level) (pattern.Event, bool) {
	if p, ok := obs.Payload.(model.PaymentPayload); ok {
		if !p.Failed() {
			return pattern.Event{}, false
		}
		ev := newEvent(obs, firstNonEmpty(p.FailureCode, metaString(obs.Metadata, "failure_code")))
		if !p.Amount.IsZero() {
			ev.Value = p.Amount.InexactFloat64()
		}
		return ev, true
	}
	if obs.Metric == "payment_failure" || strings.EqualFold(metaString(obs.Metadata, "status"), model.PaymentFailed) {
		return newEvent(obs, firstNonEmpty(metaString(obs.Metadata, "failure_code"), metaString(obs.Metadata, "error_type"))), true
	}
	return pattern.Event{}, false
}

func performanceDegradation(obs model.Observation, crossed threshold.Level) (pattern.Event, bool) {
	if p, ok := obs.Payload.(model.PerformancePayload); ok && p.StatusCode >= 500 {
		return newEvent(obs, fmt.Sprintf("http_%d", p.StatusCode)), true
	}
	return thresholdCrossing(obs, crossed)
}

func healthFailure(obs model.Observation, crossed threshold.Level) (pattern.Event, bool) {
	if p, ok := obs.Payload.(model.HealthPayload); ok && !p.Healthy() {
		return newEvent(obs, firstNonEmpty(p.Component, obs.Metric)), true
	}
	status := metaString(obs.Metadata, "status")
	if status != "" && !strings.EqualFold(status, model.HealthHealthy) {
		return newEvent(obs, firstNonEmpty(metaString(obs.Metadata, "component"), obs.Metric)), true
	}
	return thresholdCrossing(obs, crossed)
}

func thresholdCrossing(obs model.Observation, crossed threshold.Level) (pattern.Event, bool) {
	if crossed == "" {
		return pattern.Event{}, false
	}
	return newEvent(obs, firstNonEmpty(metaString(obs.Metadata, "error_type"), obs.Metric)), true
}

func newEvent(obs model.Observation, category string) pattern.Event {
	return pattern.Event{
		At:       obs.Timestamp,
		Category: category,
		Metric:   obs.Metric,
		Value:    obs.Value,
		Metadata: obs.Metadata,
	}
}

func metaString(meta map[string]any, key string) string {
	v, ok := meta[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
