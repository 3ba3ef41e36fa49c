package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"metricwatch/internal/storage"
)

const maxDetailWidth = 96

// Show prints recent alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.requireStore(ctx, "show alerts")
	if err != nil {
		return err
	}
	defer closeStore()

	filter := storage.AlertFilter{
		Monitor:  opts.Monitor,
		EntityID: opts.EntityID,
		Type:     opts.Type,
		Limit:    opts.Limit,
	}
	if opts.Since > 0 {
		filter.Since = time.Now().UTC().Add(-opts.Since)
	}

	alerts, err := store.QueryAlerts(ctx, filter)
	if err != nil {
		return err
	}
	return writeAlertTable(a.Out, alerts)
}

func writeAlertTable(out io.Writer, alerts []storage.AlertRecord) error {
	if len(alerts) == 0 {
		_, err := fmt.Fprintln(out, "no alerts found")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tMonitor\tSeverity\tType\tEntity\tDetails")
	for _, alert := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\n",
			alert.AlertTS.UTC().Format(time.RFC3339),
			alert.Monitor,
			alert.Severity,
			alert.Type,
			sanitizeInline(alert.EntityID),
			truncate(sanitizeInline(string(alert.Payload)), maxDetailWidth),
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}

func truncate(v string, width int) string {
	runes := []rune(v)
	if width <= 3 || len(runes) <= width {
		return v
	}
	return string(runes[:width-3]) + "..."
}
