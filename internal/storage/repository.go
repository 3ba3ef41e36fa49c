package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"metricwatch/internal/alerting"
)

const (
	// Alerts are immutable, so a redelivered alert is a no-op.
	insertAlertSQL = `INSERT INTO alerts (
        id,
        monitor,
        alert_type,
        entity_id,
        severity,
        payload,
        alert_ts
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (id) DO NOTHING;`

	selectAlertsSQL = `SELECT
        id,
        monitor,
        alert_type,
        entity_id,
        severity,
        payload,
        alert_ts,
        created_at
    FROM alerts`

	countAlertsByEntitySQL = `SELECT entity_id, COUNT(*)
    FROM alerts
    WHERE monitor = $1
      AND alert_ts >= $2
    GROUP BY entity_id;`

	insertSampleSQL = `INSERT INTO metric_samples (
        monitor,
        entity_id,
        metric,
        value,
        trend,
        metadata,
        observed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    );`

	selectSamplesSQL = `SELECT
        monitor,
        entity_id,
        metric,
        value,
        trend,
        metadata,
        observed_at
    FROM metric_samples`

	deleteAlertsBeforeSQL  = `DELETE FROM alerts WHERE alert_ts < $1;`
	deleteSamplesBeforeSQL = `DELETE FROM metric_samples WHERE observed_at < $1;`
)

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert alerting.Alert) error
	QueryAlerts(ctx context.Context, filter AlertFilter) ([]AlertRecord, error)
	CountAlertsByEntity(ctx context.Context, monitor string, since time.Time) (map[string]int, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// SampleStore defines operations for metric sample persistence.
type SampleStore interface {
	InsertSamples(ctx context.Context, samples []MetricSample) error
	ListSamplesBetween(ctx context.Context, filter SampleFilter) ([]MetricSample, error)
	DeleteSamplesBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

var (
	_ AlertStore     = (*Store)(nil)
	_ SampleStore    = (*Store)(nil)
	_ alerting.Store = (*Store)(nil)
)

// CreateAlert persists an emitted alert.
func (s *Store) CreateAlert(ctx context.Context, alert alerting.Alert) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	payload, err := marshalJSON(alert.Payload)
	if err != nil {
		return fmt.Errorf("encode alert payload: %w", err)
	}

	if _, execErr := pool.Exec(ctx, insertAlertSQL,
		alert.ID,
		string(alert.Monitor),
		alert.Type,
		alert.EntityID,
		string(alert.Severity),
		payload,
		alert.Timestamp,
	); execErr != nil {
		return fmt.Errorf("insert alert: %w", execErr)
	}
	return nil
}

// QueryAlerts lists alerts matching filter, newest first.
func (s *Store) QueryAlerts(ctx context.Context, filter AlertFilter) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	query, args := buildAlertQuery(filter)
	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("query alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0)
	for rows.Next() {
		var rec AlertRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.Monitor,
			&rec.Type,
			&rec.EntityID,
			&rec.Severity,
			&rec.Payload,
			&rec.AlertTS,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// CountAlertsByEntity returns the number of alerts per entity raised by
// monitor since the given instant.
func (s *Store) CountAlertsByEntity(ctx context.Context, monitor string, since time.Time) (map[string]int, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, countAlertsByEntitySQL, monitor, since)
	if queryErr != nil {
		return nil, fmt.Errorf("count alerts by entity: %w", queryErr)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			entityID string
			n        int64
		)
		if err := rows.Scan(&entityID, &n); err != nil {
			return nil, fmt.Errorf("scan alert count: %w", err)
		}
		counts[entityID] = int(n)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return counts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete alerts before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// InsertSamples writes samples in one batch.
func (s *Store) InsertSamples(ctx context.Context, samples []MetricSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, sample := range samples {
		var metadata any
		if len(sample.Metadata) > 0 {
			metadata = []byte(sample.Metadata)
		}
		batch.Queue(insertSampleSQL,
			sample.Monitor,
			sample.EntityID,
			sample.Metric,
			sample.Value,
			sample.Trend,
			metadata,
			sample.ObservedAt,
		)
	}

	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert metric samples: %w", err)
	}
	return nil
}

// ListSamplesBetween lists samples within a time window, oldest first.
func (s *Store) ListSamplesBetween(ctx context.Context, filter SampleFilter) ([]MetricSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	query, args := buildSampleQuery(filter)
	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]MetricSample, 0)
	for rows.Next() {
		var sample MetricSample
		if err := rows.Scan(
			&sample.Monitor,
			&sample.EntityID,
			&sample.Metric,
			&sample.Value,
			&sample.Trend,
			&sample.Metadata,
			&sample.ObservedAt,
		); err != nil {
			return nil, fmt.Errorf("scan metric sample: %w", err)
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// DeleteSamplesBefore deletes samples observed before olderThan.
func (s *Store) DeleteSamplesBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteSamplesBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete samples before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func buildAlertQuery(filter AlertFilter) (string, []any) {
	var w where
	w.eq("monitor", filter.Monitor)
	w.eq("entity_id", filter.EntityID)
	w.eq("alert_type", filter.Type)
	if !filter.Since.IsZero() {
		w.add("alert_ts >= $%d", filter.Since)
	}

	query := selectAlertsSQL + w.String() + "\n    ORDER BY alert_ts DESC"
	if filter.Limit > 0 {
		w.args = append(w.args, filter.Limit)
		query += fmt.Sprintf("\n    LIMIT $%d", len(w.args))
	}
	return query + ";", w.args
}

func buildSampleQuery(filter SampleFilter) (string, []any) {
	var w where
	w.eq("monitor", filter.Monitor)
	w.eq("entity_id", filter.EntityID)
	w.eq("metric", filter.Metric)
	if !filter.From.IsZero() {
		w.add("observed_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		w.add("observed_at < $%d", filter.To)
	}
	return selectSamplesSQL + w.String() + "\n    ORDER BY observed_at;", w.args
}

// where accumulates AND-ed predicates with positional arguments.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(format string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(format, len(w.args)))
}

func (w *where) eq(column, value string) {
	if value == "" {
		return
	}
	w.add(column+" = $%d", value)
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return "\n    WHERE " + strings.Join(w.clauses, "\n      AND ")
}

func marshalJSON(v map[string]any) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return json.Marshal(v)
}
