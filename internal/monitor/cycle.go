package monitor

import (
	"context"
	"fmt"
	"time"

	"metricwatch/internal/alerting"
	"metricwatch/internal/pattern"
	"metricwatch/internal/risk"
	"metricwatch/internal/snapshot"
	"metricwatch/internal/threshold"
)

// cancelCheckEvery is how many keys are swept between cancellation checks.
const cancelCheckEvery = 128

// RunCycle is the periodic sweep: it retries parked deliveries, decays idle
// patterns, refreshes external history and re-checks every known key for
// staleness, threshold drift and pattern crossings. Entities busy with
// ingestion are left to the next cycle.
func (m *Monitor) RunCycle(ctx context.Context, at time.Time) error {
	started := m.clock.Now()
	at = at.UTC()

	if n := m.dispatcher.Retry(); n > 0 {
		m.logger.Debug().Int("requeued", n).Msg("requeued parked alert deliveries")
	}
	m.expirePatterns(at)
	if m.escalator != nil {
		m.escalator.Prune()
	}
	m.refreshHistory(at)

	snaps := m.snapshots.All()
	seen := make(map[string]bool)
	busy, emitted := 0, 0
	for i, snap := range snaps {
		if i%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("cycle abandoned after %d of %d keys: %w", i, len(snaps), err)
			}
		}
		st := m.stripeFor(snap.EntityID)
		if !st.mu.TryLock() {
			busy++
			continue
		}
		alerts := m.sweep(st, snap.EntityID, snap.Metric, at, seen)
		m.emit(st, alerts)
		st.mu.Unlock()
		emitted += len(alerts)
	}

	took := m.clock.Now().Sub(started)
	m.metrics.CycleCompleted(string(m.kind), took)
	m.metrics.TrackedKeys(string(m.kind), len(snaps))
	m.logger.Debug().
		Int("keys", len(snaps)).
		Int("busy", busy).
		Int("alerts", emitted).
		Dur("took", took).
		Msg("cycle complete")
	return nil
}

func (m *Monitor) sweep(st *stripe, entityID, metric string, at time.Time, seen map[string]bool) []alerting.Alert {
	snap, ok := m.snapshots.Get(entityID, metric)
	if !ok {
		return nil
	}
	key := snapshot.Key{EntityID: entityID, Metric: metric}

	var out []alerting.Alert
	if m.settings.StaleAfter > 0 && snapshot.IsStale(snap, m.settings.StaleAfter, at) {
		if last, alerted := st.stale[key]; !alerted || !last.Equal(snap.Timestamp) {
			st.stale[key] = snap.Timestamp
			out = append(out, m.newAlert(alerting.TypeStaleMetric, entityID, alerting.SeverityMedium, map[string]any{
				"metric":      metric,
				"last_seen":   snap.Timestamp,
				"age":         at.Sub(snap.Timestamp).String(),
				"stale_after": m.settings.StaleAfter.String(),
			}, at))
		}
	} else {
		delete(st.stale, key)
		events := threshold.Evaluate(metric, snap, m.thresholds.Get(metric))
		out = append(out, m.thresholdAlerts(st, snap, events, at)...)
	}

	if seen[entityID] {
		return out
	}
	seen[entityID] = true
	if p, ok := m.patterns.Get(entityID); ok && pattern.Detect(p, m.settings.Pattern.Threshold) && m.patterns.Flag(entityID) {
		out = append(out, m.newAlert(alerting.TypeRepeatedFailures, entityID, alerting.SeverityHigh, map[string]any{
			"count":          p.Count,
			"threshold":      m.settings.Pattern.Threshold,
			"first_event_at": p.FirstEventAt,
			"last_event_at":  p.LastEventAt,
			"window":         m.settings.Pattern.Window.String(),
		}, at))
	}
	return out
}

// expirePatterns applies the time-decay reset and drops the risk state of
// entities whose pattern is gone.
func (m *Monitor) expirePatterns(at time.Time) {
	for _, id := range m.patterns.Expire(at) {
		st := m.stripeFor(id)
		st.mu.Lock()
		if _, ok := m.patterns.Get(id); !ok {
			st.forget(id)
		}
		st.mu.Unlock()
		m.logger.Debug().Str("entity_id", id).Msg("pattern expired")
	}
}

// refreshHistory reloads prior alert counts in the background. A refresh
// still running from an earlier cycle is not duplicated.
func (m *Monitor) refreshHistory(at time.Time) {
	if m.historySrc == nil || !m.refreshing.CompareAndSwap(false, true) {
		return
	}
	since := at.Add(-m.settings.HistoryLookback)
	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		defer m.refreshing.Store(false)

		ctx, cancel := context.WithTimeout(m.bgCtx, m.settings.Interval)
		defer cancel()
		counts, err := m.historySrc.CountAlertsByEntity(ctx, string(m.kind), since)
		if err != nil {
			m.logger.Warn().Err(err).Msg("failed to refresh alert history")
			return
		}
		entries := make(map[string]risk.History, len(counts))
		for id, n := range counts {
			entries[id] = risk.History{PriorAlerts: n}
		}
		m.history.Replace(entries)
	}()
}
