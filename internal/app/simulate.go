package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"metricwatch/internal/model"
)

// Simulate feeds a synthetic series through an offline monitor and prints the
// alerts it raises.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	if len(opts.Values) == 0 {
		return errors.New("at least one value is required")
	}
	if opts.Step <= 0 {
		return errors.New("step must be positive")
	}
	payload, err := model.DecodePayload(opts.Monitor, []byte(opts.Payload))
	if err != nil {
		return err
	}

	start := opts.Start
	if start.IsZero() {
		start = time.Now().UTC().Truncate(time.Second)
	}

	run, err := a.newOfflineRun(opts.Monitor, start, opts.Deliver, a.Out)
	if err != nil {
		return err
	}
	defer run.close()

	at := start
	for _, v := range opts.Values {
		obs := model.Observation{
			Kind:      opts.Monitor,
			EntityID:  opts.EntityID,
			Metric:    opts.Metric,
			Value:     v,
			Timestamp: at,
			Payload:   payload,
		}
		if err := run.ingest(ctx, obs); err != nil {
			return fmt.Errorf("observation at %s: %w", at.Format(time.RFC3339), err)
		}
		at = at.Add(opts.Step)
	}
	if err := run.finish(ctx, at.Add(-opts.Step)); err != nil {
		return err
	}

	a.Logger.Info().
		Str("monitor", string(opts.Monitor)).
		Int("observations", run.Ingested).
		Int("alerts", run.Alerts).
		Msg("simulation complete")
	return nil
}
