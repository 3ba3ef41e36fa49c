package app

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"metricwatch/internal/alerting"
	"metricwatch/internal/model"
	"metricwatch/internal/monitor"
	"metricwatch/internal/remediation"
	"metricwatch/internal/scheduler"
	"metricwatch/internal/service"
)

// offlineRun drives a private monitor on a manual clock: observations are
// ingested at their own timestamps and a cycle runs at every interval
// boundary crossed in between. Remediation is only reported, never applied.
type offlineRun struct {
	mon       *monitor.Monitor
	clock     *scheduler.FakeClock
	policy    *remediation.Policy
	interval  time.Duration
	nextCycle time.Time
	table     *tabwriter.Writer
	closers   []func()

	Alerts   int
	Ingested int
	Rejected int
}

func (a *App) newOfflineRun(kind model.Kind, start time.Time, deliver bool, out io.Writer) (*offlineRun, error) {
	settings, err := a.Config.MonitorSettings(kind)
	if err != nil {
		return nil, err
	}
	policy, err := remediation.NewPolicy(settings.Remediation.Rules)
	if err != nil {
		return nil, err
	}
	settings.Remediation.Enabled = false

	run := &offlineRun{
		clock:    scheduler.NewFakeClock(start.UTC()),
		policy:   policy,
		interval: settings.Interval,
		table:    tabwriter.NewWriter(out, 0, 4, 2, ' ', 0),
	}
	run.nextCycle = start.UTC().Add(settings.Interval)

	deps := monitor.Deps{Clock: run.clock, Logger: a.Logger}
	if deliver {
		notifier, closeNotifier, err := service.NewNotifier(a.Config.Alerting, a.Logger)
		if err != nil {
			return nil, err
		}
		run.closers = append(run.closers, closeNotifier)
		if notifier == nil {
			a.Logger.Warn().Msg("no alert channels configured; alerts are printed only")
		}
		deps.Notifier = notifier
	}

	run.mon, err = monitor.New(settings, deps)
	if err != nil {
		run.close()
		return nil, err
	}
	fmt.Fprintln(run.table, "Time (UTC)\tSeverity\tType\tEntity\tAction\tDetails")
	run.mon.OnAlert(run.print)
	return run, nil
}

func (r *offlineRun) print(alert alerting.Alert) {
	r.Alerts++
	fmt.Fprintf(
		r.table,
		"%s\t%s\t%s\t%s\t%s\t%s\n",
		alert.Timestamp.UTC().Format(time.RFC3339),
		alert.Severity,
		alert.Type,
		sanitizeInline(alert.EntityID),
		r.policy.Decide(alert),
		truncate(sanitizeInline(formatPayload(alert.Payload)), maxDetailWidth),
	)
}

// advance moves the clock to at, running every cycle due on the way.
func (r *offlineRun) advance(ctx context.Context, at time.Time) error {
	for !r.nextCycle.After(at) {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.clock.Advance(r.nextCycle.Sub(r.clock.Now()))
		if err := r.mon.RunCycle(ctx, r.nextCycle); err != nil {
			return err
		}
		r.nextCycle = r.nextCycle.Add(r.interval)
	}
	if d := at.Sub(r.clock.Now()); d > 0 {
		r.clock.Advance(d)
	}
	return nil
}

func (r *offlineRun) ingest(ctx context.Context, obs model.Observation) error {
	if err := r.advance(ctx, obs.Timestamp); err != nil {
		return err
	}
	if _, err := r.mon.Ingest(obs); err != nil {
		r.Rejected++
		return err
	}
	r.Ingested++
	return nil
}

// finish runs the cycles due up to end, waits for deliveries and flushes the
// alert table.
func (r *offlineRun) finish(ctx context.Context, end time.Time) error {
	err := r.advance(ctx, end)
	r.mon.Flush()
	if r.Alerts == 0 {
		fmt.Fprintln(r.table, "(no alerts)")
	}
	if ferr := r.table.Flush(); err == nil {
		err = ferr
	}
	return err
}

func (r *offlineRun) close() {
	if r.mon != nil {
		r.mon.Cleanup()
	}
	for _, fn := range r.closers {
		fn()
	}
}

func formatPayload(payload map[string]any) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, payload[k]))
	}
	return strings.Join(parts, " ")
}
