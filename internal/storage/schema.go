package storage

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS alerts (
        id          TEXT PRIMARY KEY,
        monitor     TEXT NOT NULL,
        alert_type  TEXT NOT NULL,
        entity_id   TEXT NOT NULL,
        severity    TEXT NOT NULL,
        payload     JSONB,
        alert_ts    TIMESTAMPTZ NOT NULL,
        created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,
	`CREATE INDEX IF NOT EXISTS alerts_monitor_entity_ts_idx ON alerts (monitor, entity_id, alert_ts DESC);`,
	`CREATE INDEX IF NOT EXISTS alerts_created_at_idx ON alerts (created_at DESC);`,
	`CREATE TABLE IF NOT EXISTS metric_samples (
        id          BIGSERIAL PRIMARY KEY,
        monitor     TEXT NOT NULL,
        entity_id   TEXT NOT NULL,
        metric      TEXT NOT NULL,
        value       DOUBLE PRECISION NOT NULL,
        trend       DOUBLE PRECISION NOT NULL DEFAULT 0,
        metadata    JSONB,
        observed_at TIMESTAMPTZ NOT NULL
    );`,
	`CREATE INDEX IF NOT EXISTS metric_samples_lookup_idx ON metric_samples (monitor, entity_id, metric, observed_at);`,
	`CREATE INDEX IF NOT EXISTS metric_samples_observed_at_idx ON metric_samples (observed_at);`,
}

// EnsureSchema creates the alerts and metric_samples tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
