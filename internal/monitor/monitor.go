// Package monitor runs one stateful evaluation pipeline per metric category:
// observations update snapshots, are evaluated against thresholds and
// patterns, feed the risk scorer and turn into alerts and remediations.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"metricwatch/internal/alerting"
	"metricwatch/internal/model"
	"metricwatch/internal/pattern"
	"metricwatch/internal/remediation"
	"metricwatch/internal/risk"
	"metricwatch/internal/scheduler"
	"metricwatch/internal/snapshot"
	"metricwatch/internal/telemetry"
	"metricwatch/internal/threshold"
)

var (
	// ErrInvalidObservation wraps every ingestion validation failure.
	ErrInvalidObservation = model.ErrInvalidObservation
	// ErrClosed is returned once Cleanup has run.
	ErrClosed = errors.New("monitor closed")
)

const stripeCount = 64

// stripe serialises the whole evaluation pipeline for the entities hashed to
// it and owns their alerting state.
type stripe struct {
	mu     sync.Mutex
	levels map[snapshot.Key]threshold.Level
	stale  map[snapshot.Key]time.Time
	risk   map[string]risk.Level
	groups map[string]*groupMark
}

func newStripe() *stripe {
	return &stripe{
		levels: make(map[snapshot.Key]threshold.Level),
		stale:  make(map[snapshot.Key]time.Time),
		risk:   make(map[string]risk.Level),
		groups: make(map[string]*groupMark),
	}
}

func (s *stripe) forget(entityID string) {
	delete(s.risk, entityID)
	delete(s.groups, entityID)
}

// groupMark remembers which categories already raised error_pattern in the
// entity's current pattern.
type groupMark struct {
	count   int
	alerted map[string]bool
}

type remediationJob struct {
	entityID string
	action   remediation.Action
	alert    alerting.Alert
}

// Statistics summarise an entity for the query API.
type Statistics struct {
	EntityID    string          `json:"entity_id"`
	Count       int             `json:"count"`
	LastEventAt time.Time       `json:"last_event_at"`
	Score       float64         `json:"score"`
	Level       risk.Level      `json:"level"`
	Factors     []string        `json:"factors"`
	Groups      []pattern.Group `json:"groups,omitempty"`
}

// Monitor is one independently consistent monitor instance.
type Monitor struct {
	settings   Settings
	kind       model.Kind
	snapshots  *snapshot.Store
	thresholds *threshold.Registry
	patterns   *pattern.Detector
	scorer     *risk.Scorer
	history    *risk.HistoryCache
	dispatcher *alerting.Dispatcher
	escalator  *remediation.Escalator
	qualify    Qualifier
	historySrc HistorySource
	samples    SampleSink
	metrics    *telemetry.Metrics
	clock      scheduler.Clock
	logger     zerolog.Logger

	stripes [stripeCount]*stripe
	updates listeners[snapshot.Snapshot]

	remediate  chan remediationJob
	quit       chan struct{}
	workers    sync.WaitGroup
	refreshing atomic.Bool
	bgCtx      context.Context
	bgCancel   context.CancelFunc

	lifeMu    sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

// New builds a monitor from settings. It does not start the cycle loop.
func New(settings Settings, deps Deps) (*Monitor, error) {
	if settings.Realert == "" {
		settings.Realert = RealertEdge
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	clock := deps.Clock
	if clock == nil {
		clock = scheduler.RealClock{}
	}
	now := func() time.Time { return clock.Now().UTC() }
	kind := settings.Kind
	logger := deps.Logger.With().Str("component", "monitor").Str("monitor", string(kind)).Logger()

	thresholds, err := threshold.NewRegistry(settings.Thresholds)
	if err != nil {
		return nil, err
	}
	scorer, err := risk.NewScorer(settings.Risk)
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		settings:   settings,
		kind:       kind,
		snapshots:  snapshot.NewStore(snapshot.Options{HistoryWindow: settings.HistoryWindow, Now: now}),
		thresholds: thresholds,
		patterns: pattern.NewDetector(pattern.Options{
			MaxSamples: settings.Pattern.MaxSamples,
			Window:     settings.Pattern.Window,
			Now:        now,
		}),
		scorer:     scorer,
		history:    risk.NewHistoryCache(),
		dispatcher: alerting.NewDispatcher(string(kind), settings.Delivery, deps.Store, deps.Notifier, deps.Metrics, deps.Logger),
		qualify:    QualifierFor(kind),
		historySrc: deps.History,
		samples:    deps.Samples,
		metrics:    deps.Metrics,
		clock:      clock,
		logger:     logger,
		quit:       make(chan struct{}),
	}
	m.bgCtx, m.bgCancel = context.WithCancel(context.Background())
	for i := range m.stripes {
		m.stripes[i] = newStripe()
	}

	if settings.Remediation.Enabled {
		policy, err := remediation.NewPolicy(settings.Remediation.Rules)
		if err != nil {
			m.dispatcher.Close()
			return nil, err
		}
		m.escalator = remediation.NewEscalator(string(kind), policy, deps.Target, remediation.Options{
			Window: settings.Remediation.Window,
			Now:    now,
		}, deps.Metrics, deps.Logger)

		queue := settings.Remediation.Queue
		if queue <= 0 {
			queue = 256
		}
		m.remediate = make(chan remediationJob, queue)
		m.workers.Add(1)
		go m.runRemediation()
	}
	return m, nil
}

// Kind returns the metric category this monitor owns.
func (m *Monitor) Kind() model.Kind {
	return m.kind
}

// Settings returns the settings the monitor was built with.
func (m *Monitor) Settings() Settings {
	return m.settings
}

func (m *Monitor) now() time.Time {
	return m.clock.Now().UTC()
}

func (m *Monitor) stripeFor(entityID string) *stripe {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityID))
	return m.stripes[h.Sum32()%stripeCount]
}

// RecordObservation ingests a bare value for entityID.
func (m *Monitor) RecordObservation(entityID, metric string, value float64, metadata map[string]any) (snapshot.Snapshot, error) {
	return m.Ingest(model.Observation{
		Kind:     m.kind,
		EntityID: entityID,
		Metric:   metric,
		Value:    value,
		Metadata: metadata,
	})
}

// Ingest records obs and evaluates it. Alerts raised by the observation have
// reached every subscriber when Ingest returns; persistence, notification
// and remediation continue asynchronously.
func (m *Monitor) Ingest(obs model.Observation) (snapshot.Snapshot, error) {
	if m.closed.Load() {
		return snapshot.Snapshot{}, ErrClosed
	}
	if obs.Kind == "" {
		obs.Kind = m.kind
	}
	if obs.Kind != m.kind {
		m.metrics.ObservationRejected(string(m.kind))
		return snapshot.Snapshot{}, fmt.Errorf("%w: %s observation sent to %s monitor", ErrInvalidObservation, obs.Kind, m.kind)
	}
	if err := obs.Validate(); err != nil {
		m.metrics.ObservationRejected(string(m.kind))
		return snapshot.Snapshot{}, err
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = m.now()
	}

	meta := model.CloneMetadata(obs.Metadata)
	if obs.Payload != nil {
		if meta == nil {
			meta = make(map[string]any, 1)
		}
		meta["payload"] = obs.Payload
	}

	st := m.stripeFor(obs.EntityID)
	st.mu.Lock()
	defer st.mu.Unlock()

	snap := m.snapshots.RecordAt(obs.EntityID, obs.Metric, obs.Value, meta, obs.Timestamp)
	m.metrics.ObservationRecorded(string(m.kind))
	m.updates.publish(snap, m.logger)
	if m.samples != nil {
		m.samples.Record(m.kind, snap)
	}

	events := threshold.Evaluate(obs.Metric, snap, m.thresholds.Get(obs.Metric))
	alerts := m.thresholdAlerts(st, snap, events, obs.Timestamp)

	var current pattern.Pattern
	evaluateRisk := len(events) > 0
	if ev, ok := m.qualify(obs, threshold.Highest(events)); ok {
		current = m.patterns.Observe(obs.EntityID, ev)
		alerts = append(alerts, m.patternAlerts(st, current)...)
		evaluateRisk = true
	} else if evaluateRisk {
		current, _ = m.patterns.Get(obs.EntityID)
		current.EntityID = obs.EntityID
	}
	if evaluateRisk {
		if a, ok := m.riskAlert(st, current, obs.Timestamp); ok {
			alerts = append(alerts, a)
		}
	}

	m.logger.Debug().
		Str("entity_id", obs.EntityID).
		Str("metric", obs.Metric).
		Float64("value", obs.Value).
		Float64("trend", snap.Trend).
		Int("alerts", len(alerts)).
		Msg("observation recorded")

	m.emit(st, alerts)
	return snap, nil
}

// thresholdAlerts turns threshold events into alerts according to the
// re-alert mode and tracks the level reached by the key.
func (m *Monitor) thresholdAlerts(st *stripe, snap snapshot.Snapshot, events []threshold.Event, at time.Time) []alerting.Alert {
	key := snapshot.Key{EntityID: snap.EntityID, Metric: snap.Metric}
	prev := st.levels[key]
	if level := threshold.Highest(events); level == "" {
		delete(st.levels, key)
	} else {
		st.levels[key] = level
	}

	var out []alerting.Alert
	for _, ev := range events {
		if m.settings.Realert == RealertEdge && ev.Level.Rank() <= prev.Rank() {
			continue
		}
		alertType, severity := alerting.TypeThresholdWarning, alerting.SeverityMedium
		if ev.Level == threshold.LevelCritical {
			alertType, severity = alerting.TypeThresholdCritical, alerting.SeverityCritical
		}
		out = append(out, m.newAlert(alertType, snap.EntityID, severity, map[string]any{
			"metric":      ev.MetricKey,
			"value":       ev.Value,
			"bound":       ev.Bound,
			"level":       string(ev.Level),
			"trend":       snap.Trend,
			"observed_at": ev.Timestamp,
		}, at))
	}
	return out
}

func (m *Monitor) patternAlerts(st *stripe, p pattern.Pattern) []alerting.Alert {
	var out []alerting.Alert
	at := p.LastEventAt

	if pattern.Detect(p, m.settings.Pattern.Threshold) && m.patterns.Flag(p.EntityID) {
		out = append(out, m.newAlert(alerting.TypeRepeatedFailures, p.EntityID, alerting.SeverityHigh, map[string]any{
			"count":          p.Count,
			"threshold":      m.settings.Pattern.Threshold,
			"first_event_at": p.FirstEventAt,
			"last_event_at":  p.LastEventAt,
			"window":         m.settings.Pattern.Window.String(),
		}, at))
	}

	if m.settings.Pattern.GroupMin <= 0 {
		return out
	}
	mark := st.groups[p.EntityID]
	if mark == nil || p.Count <= mark.count {
		mark = &groupMark{alerted: make(map[string]bool)}
		st.groups[p.EntityID] = mark
	}
	mark.count = p.Count
	for _, g := range pattern.GroupEvents(p.Samples, pattern.ByCategory, m.settings.Pattern.GroupMin) {
		if mark.alerted[g.Category] {
			continue
		}
		mark.alerted[g.Category] = true
		out = append(out, m.newAlert(alerting.TypeErrorPattern, p.EntityID, alerting.SeverityMedium, map[string]any{
			"category":  g.Category,
			"count":     g.Count,
			"min_count": m.settings.Pattern.GroupMin,
			"metric":    g.Latest.Metric,
		}, at))
	}
	return out
}

// riskAlert rescores the entity and raises risk_escalation when its level rises.
func (m *Monitor) riskAlert(st *stripe, p pattern.Pattern, at time.Time) (alerting.Alert, bool) {
	score := m.scorer.Score(p, m.history.Get(p.EntityID), at)
	prev := st.risk[p.EntityID]
	if score.Level == risk.LevelNormal {
		delete(st.risk, p.EntityID)
	} else {
		st.risk[p.EntityID] = score.Level
	}
	if score.Level.Rank() <= prev.Rank() {
		return alerting.Alert{}, false
	}
	previous := prev
	if previous == "" {
		previous = risk.LevelNormal
	}
	return m.newAlert(alerting.TypeRiskEscalation, p.EntityID, severityForLevel(score.Level), map[string]any{
		"score":          score.Score,
		"level":          string(score.Level),
		"previous_level": string(previous),
		"factors":        score.Factors,
	}, at), true
}

func severityForLevel(l risk.Level) alerting.Severity {
	switch l {
	case risk.LevelCritical:
		return alerting.SeverityCritical
	case risk.LevelHighRisk:
		return alerting.SeverityHigh
	case risk.LevelWarning:
		return alerting.SeverityMedium
	}
	return alerting.SeverityLow
}

func (m *Monitor) newAlert(alertType, entityID string, severity alerting.Severity, payload map[string]any, at time.Time) alerting.Alert {
	return alerting.NewAlert(m.kind, alertType, entityID, severity, payload, at)
}

// emit publishes alerts in order. An alert the policy maps to an action
// claims it and returns the entity to NORMAL before the next observation;
// only the target call runs on the remediation worker. Callers hold st.mu.
func (m *Monitor) emit(st *stripe, alerts []alerting.Alert) {
	for _, a := range alerts {
		m.dispatcher.Emit(a)
		if m.escalator == nil {
			continue
		}
		action, ok := m.escalator.Claim(a.EntityID, a)
		if !ok {
			continue
		}
		m.resolve(st, a.EntityID, action)
		select {
		case m.remediate <- remediationJob{entityID: a.EntityID, action: action, alert: a}:
		default:
			m.logger.Warn().Str("entity_id", a.EntityID).Str("alert_id", a.ID).Str("action", string(action)).Msg("remediation queue full; action dropped")
			m.metrics.Remediation(string(m.kind), string(action), "dropped")
		}
	}
}

func (m *Monitor) runRemediation() {
	defer m.workers.Done()
	for {
		select {
		case <-m.quit:
			return
		case job := <-m.remediate:
			ctx, cancel := context.WithTimeout(m.bgCtx, m.settings.Remediation.Timeout)
			m.escalator.Apply(ctx, job.entityID, job.action, job.alert)
			cancel()
		}
	}
}

// resolve starts a fresh pattern for an entity whose remediation was claimed.
// Callers hold st.mu.
func (m *Monitor) resolve(st *stripe, entityID string, action remediation.Action) {
	m.patterns.Reset(entityID)
	st.forget(entityID)
	m.logger.Info().Str("entity_id", entityID).Str("action", string(action)).Msg("remediation claimed; pattern reset")
}

// SetThreshold validates and stores a threshold. The next observation or
// cycle evaluates against it.
func (m *Monitor) SetThreshold(metricKey string, t threshold.Threshold) error {
	if err := m.thresholds.Set(metricKey, t); err != nil {
		return err
	}
	m.logger.Info().Str("metric", metricKey).Float64("warning", t.Warning).Float64("critical", t.Critical).Msg("threshold updated")
	return nil
}

// DeleteThreshold removes the threshold for metricKey.
func (m *Monitor) DeleteThreshold(metricKey string) {
	m.thresholds.Delete(metricKey)
}

// GetThresholds returns a copy of the threshold table.
func (m *Monitor) GetThresholds() map[string]threshold.Threshold {
	return m.thresholds.All()
}

// OnAlert registers h for every alert and returns its unsubscribe function.
func (m *Monitor) OnAlert(h alerting.Handler) func() {
	return m.dispatcher.Subscribe(h)
}

// OnUpdate registers h for every recorded snapshot.
func (m *Monitor) OnUpdate(h func(snapshot.Snapshot)) func() {
	return m.updates.add(h)
}

// GetSnapshot returns the current snapshot for the key.
func (m *Monitor) GetSnapshot(entityID, metric string) (snapshot.Snapshot, bool) {
	return m.snapshots.Get(entityID, metric)
}

// Snapshots returns every current snapshot.
func (m *Monitor) Snapshots() []snapshot.Snapshot {
	return m.snapshots.All()
}

// EntitySnapshots returns the current snapshots of one entity.
func (m *Monitor) EntitySnapshots(entityID string) []snapshot.Snapshot {
	return m.snapshots.Entity(entityID)
}

// GetStatistics summarises entityID. The score is recomputed at call time.
func (m *Monitor) GetStatistics(entityID string) (Statistics, bool) {
	p, ok := m.patterns.Get(entityID)
	if !ok && len(m.snapshots.Entity(entityID)) == 0 {
		return Statistics{}, false
	}
	p.EntityID = entityID
	score := m.scorer.Score(p, m.history.Get(entityID), m.now())
	return Statistics{
		EntityID:    entityID,
		Count:       p.Count,
		LastEventAt: p.LastEventAt,
		Score:       score.Score,
		Level:       score.Level,
		Factors:     score.Factors,
		Groups:      pattern.GroupEvents(p.Samples, pattern.ByCategory, 0),
	}, true
}

// PendingDeliveries reports alerts waiting for a retry.
func (m *Monitor) PendingDeliveries() int {
	return m.dispatcher.Pending()
}

// Flush waits for queued alert deliveries to be attempted.
func (m *Monitor) Flush() {
	m.dispatcher.Flush()
}

// Start begins the periodic cycle. Starting a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.runningLocked() {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	sched := scheduler.New(scheduler.Options{
		Interval:     m.settings.Interval,
		StartupDelay: m.settings.StartupDelay,
		CycleTimeout: m.settings.CycleTimeout,
		Clock:        m.clock,
		OnSkip: func(at time.Time, reason string) {
			m.metrics.CycleSkipped(string(m.kind), reason)
		},
	}, m.logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := sched.Run(runCtx, m.RunCycle); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error().Err(err).Msg("monitor loop exited")
		}
	}()
	m.cancel, m.done = cancel, done
	m.logger.Info().Dur("interval", m.settings.Interval).Msg("monitor started")
	return nil
}

// Running reports whether the cycle loop is active.
func (m *Monitor) Running() bool {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	return m.runningLocked()
}

func (m *Monitor) runningLocked() bool {
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// Stop cancels the cycle loop and waits for an in-flight cycle to finish.
// Stopping a stopped monitor is a no-op.
func (m *Monitor) Stop() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel, m.done = nil, nil
	m.logger.Info().Msg("monitor stopped")
}

// Cleanup stops the monitor, drains alert delivery and releases all state.
// The monitor cannot be restarted afterwards.
func (m *Monitor) Cleanup() {
	m.Stop()
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.bgCancel()
		close(m.quit)
		m.workers.Wait()
		m.dispatcher.Close()

		m.snapshots.Clear()
		m.patterns.Clear()
		for _, st := range m.stripes {
			st.mu.Lock()
			fresh := newStripe()
			st.levels, st.stale, st.risk, st.groups = fresh.levels, fresh.stale, fresh.risk, fresh.groups
			st.mu.Unlock()
		}
		if m.escalator != nil {
			m.escalator.Reset()
		}
		m.logger.Info().Msg("monitor cleaned up")
	})
}
