package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"metricwatch/internal/app"
	"metricwatch/internal/model"
)

var (
	exportMonitor   string
	exportEntity    string
	exportMetric    string
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export recorded metric samples as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			EntityID:  exportEntity,
			Metric:    exportMetric,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		if exportMonitor != "" {
			kind, err := model.ParseKind(exportMonitor)
			if err != nil {
				return err
			}
			opts.Monitor = kind
		}

		if exportFrom != "" {
			from, err := time.Parse(time.RFC3339, exportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := time.Parse(time.RFC3339, exportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportMonitor, "monitor", "", "Only samples of this monitor")
	exportCmd.Flags().StringVar(&exportEntity, "entity", "", "Only samples of this entity")
	exportCmd.Flags().StringVar(&exportMetric, "metric", "", "Only samples of this metric")
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points per series (defaults to config)")
}
