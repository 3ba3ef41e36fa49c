// Package telemetry exposes Prometheus metrics for the monitoring engine.
// A nil *Metrics is valid and records nothing.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "metricwatch"

// Metrics owns a private registry so several engines can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	observations     *prometheus.CounterVec
	rejected         *prometheus.CounterVec
	alerts           *prometheus.CounterVec
	deliveryFailures *prometheus.CounterVec
	deliveryDropped  *prometheus.CounterVec
	cycleDuration    *prometheus.HistogramVec
	cyclesSkipped    *prometheus.CounterVec
	entities         *prometheus.GaugeVec
	remediations     *prometheus.CounterVec
	wsClients        *prometheus.GaugeVec
	samples          *prometheus.CounterVec
}

// New registers every engine metric on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		observations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observations_total",
			Help:      "Observations ingested per monitor.",
		}, []string{"monitor"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observations_rejected_total",
			Help:      "Observations rejected by validation per monitor.",
		}, []string{"monitor"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts emitted by monitor, type and severity.",
		}, []string{"monitor", "type", "severity"}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_delivery_failures_total",
			Help:      "Failed alert persistence or notification attempts.",
		}, []string{"monitor", "stage"}),
		deliveryDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_delivery_dropped_total",
			Help:      "Alert deliveries dropped because a buffer was full or closed.",
		}, []string{"monitor"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of periodic evaluation cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10),
		}, []string{"monitor"}),
		cyclesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_skipped_total",
			Help:      "Cycles skipped because of overlap, panic or cancellation.",
		}, []string{"monitor", "reason"}),
		entities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_keys",
			Help:      "Snapshot keys held in memory per monitor.",
		}, []string{"monitor"}),
		remediations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remediations_total",
			Help:      "Remediation decisions by action and result.",
		}, []string{"monitor", "action", "result"}),
		wsClients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broadcast_listeners",
			Help:      "Connected real-time listeners per monitor.",
		}, []string{"monitor"}),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metric_samples_total",
			Help:      "Metric samples handed to the durable store by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.observations, m.rejected, m.alerts, m.deliveryFailures, m.deliveryDropped,
		m.cycleDuration, m.cyclesSkipped, m.entities, m.remediations, m.wsClients, m.samples,
	)
	return m
}

// Registry exposes the underlying registry, e.g. for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObservationRecorded(monitor string) {
	if m == nil {
		return
	}
	m.observations.WithLabelValues(monitor).Inc()
}

func (m *Metrics) ObservationRejected(monitor string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(monitor).Inc()
}

func (m *Metrics) AlertEmitted(monitor, alertType, severity string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(monitor, alertType, severity).Inc()
}

func (m *Metrics) DeliveryFailed(monitor, stage string) {
	if m == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(monitor, stage).Inc()
}

func (m *Metrics) DeliveryDropped(monitor string) {
	if m == nil {
		return
	}
	m.deliveryDropped.WithLabelValues(monitor).Inc()
}

func (m *Metrics) CycleCompleted(monitor string, took time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.WithLabelValues(monitor).Observe(took.Seconds())
}

func (m *Metrics) CycleSkipped(monitor, reason string) {
	if m == nil {
		return
	}
	m.cyclesSkipped.WithLabelValues(monitor, reason).Inc()
}

func (m *Metrics) TrackedKeys(monitor string, n int) {
	if m == nil {
		return
	}
	m.entities.WithLabelValues(monitor).Set(float64(n))
}

func (m *Metrics) Remediation(monitor, action, result string) {
	if m == nil {
		return
	}
	m.remediations.WithLabelValues(monitor, action, result).Inc()
}

func (m *Metrics) ListenersChanged(monitor string, n int) {
	if m == nil {
		return
	}
	m.wsClients.WithLabelValues(monitor).Set(float64(n))
}

// SamplesRecorded counts n samples with result written, dropped or failed.
func (m *Metrics) SamplesRecorded(result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.samples.WithLabelValues(result).Add(float64(n))
}
