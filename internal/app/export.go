package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"metricwatch/internal/storage"
)

// defaultExportStep sizes the default window when no monitor is selected.
const defaultExportStep = time.Minute

// Export renders recorded metric samples as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	from, to, err := a.exportWindow(opts)
	if err != nil {
		return err
	}

	store, closeStore, err := a.requireStore(ctx, "export")
	if err != nil {
		return err
	}
	defer closeStore()

	samples, err := store.ListSamplesBetween(ctx, storage.SampleFilter{
		Monitor:  string(opts.Monitor),
		EntityID: opts.EntityID,
		Metric:   opts.Metric,
		From:     from,
		To:       to,
	})
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		a.Logger.Info().Time("from", from).Time("to", to).Msg("no samples found for export window")
		return nil
	}

	series := groupSamples(samples)
	exported := 0
	for i := range series {
		series[i].Samples = downsampleSamples(series[i].Samples, opts.MaxPoints)
		exported += len(series[i].Samples)
	}
	a.Logger.Info().
		Int("total", len(samples)).
		Int("series", len(series)).
		Int("exported", exported).
		Msg("exporting samples")

	if opts.CSVPath != "" {
		if err := writeSamplesCSV(opts.CSVPath, series); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSamplesPNG(opts.PNGPath, series); err != nil {
			return err
		}
	}

	return nil
}

func (a *App) exportWindow(opts ExportOptions) (time.Time, time.Time, error) {
	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	step := defaultExportStep
	if opts.Monitor != "" {
		settings, err := a.Config.MonitorSettings(opts.Monitor)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		step = settings.Interval
	}
	from := to.Add(-time.Duration(opts.MaxPoints) * step)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("from must be before to")
	}
	return from, to, nil
}

// sampleSeries is the history of one (monitor, entity, metric) key.
type sampleSeries struct {
	Monitor  string
	EntityID string
	Metric   string
	Samples  []storage.MetricSample
}

func (s sampleSeries) Name() string {
	return fmt.Sprintf("%s/%s/%s", s.Monitor, s.EntityID, s.Metric)
}

// groupSamples splits time-ordered samples per key, keeping the order inside
// each series and sorting the series by name.
func groupSamples(samples []storage.MetricSample) []sampleSeries {
	index := make(map[string]int)
	var out []sampleSeries
	for _, sample := range samples {
		key := sample.Monitor + "\x00" + sample.EntityID + "\x00" + sample.Metric
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, sampleSeries{Monitor: sample.Monitor, EntityID: sample.EntityID, Metric: sample.Metric})
		}
		out[i].Samples = append(out[i].Samples, sample)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func downsampleSamples(samples []storage.MetricSample, limit int) []storage.MetricSample {
	if limit <= 0 || len(samples) <= limit {
		return samples
	}
	if limit == 1 {
		return samples[len(samples)-1:]
	}

	result := make([]storage.MetricSample, 0, limit)
	step := float64(len(samples)-1) / float64(limit-1)
	for i := 0; i < limit; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		result = append(result, samples[idx])
	}
	return result
}

func writeSamplesCSV(path string, series []sampleSeries) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"observed_at", "monitor", "entity_id", "metric", "value", "trend_pct"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, s := range series {
		for _, sample := range s.Samples {
			record := []string{
				sample.ObservedAt.UTC().Format(time.RFC3339Nano),
				sample.Monitor,
				sample.EntityID,
				sample.Metric,
				formatFloat(sample.Value, 6),
				formatFloat(sample.Trend, 2),
			}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeSamplesPNG(path string, series []sampleSeries) error {
	var plotted []chart.Series
	var last sampleSeries
	for _, s := range series {
		// go-chart cannot range a single point.
		if len(s.Samples) < 2 {
			continue
		}
		x := make([]time.Time, len(s.Samples))
		y := make([]float64, len(s.Samples))
		for i, sample := range s.Samples {
			x[i] = sample.ObservedAt
			y[i] = sample.Value
		}
		plotted = append(plotted, chart.TimeSeries{Name: s.Name(), XValues: x, YValues: y})
		last = s
	}
	if len(plotted) == 0 {
		return errors.New("not enough samples to chart; every series needs at least two points")
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.3f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Value",
			ValueFormatter: valueFormatter,
		},
		Series: plotted,
	}

	if len(plotted) == 1 {
		x := make([]time.Time, len(last.Samples))
		trend := make([]float64, len(last.Samples))
		for i, sample := range last.Samples {
			x[i] = sample.ObservedAt
			trend[i] = sample.Trend
		}
		graph.YAxisSecondary = chart.YAxis{
			Name:           "Trend (%)",
			ValueFormatter: valueFormatter,
		}
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    "Trend %",
			XValues: x,
			YValues: trend,
			YAxis:   chart.YAxisSecondary,
		})
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	if err := ensureDir(path); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatFloat(v float64, places int32) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return decimal.NewFromFloat(v).StringFixed(places)
}
