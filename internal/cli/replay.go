package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"metricwatch/internal/app"
)

var (
	replayMonitor string
	replayEntity  string
	replayMetric  string
	replayFrom    string
	replayTo      string
	replayDeliver bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay recorded samples through the configured thresholds and rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKind(replayMonitor)
		if err != nil {
			return err
		}
		if replayFrom == "" || replayTo == "" {
			return fmt.Errorf("--from and --to must be provided")
		}

		from, err := time.Parse(time.RFC3339, replayFrom)
		if err != nil {
			return fmt.Errorf("invalid --from value: %w", err)
		}

		to, err := time.Parse(time.RFC3339, replayTo)
		if err != nil {
			return fmt.Errorf("invalid --to value: %w", err)
		}

		if !from.Before(to) {
			return fmt.Errorf("--from must be before --to")
		}

		opts := app.ReplayOptions{
			Monitor:  kind,
			EntityID: replayEntity,
			Metric:   replayMetric,
			From:     from,
			To:       to,
			Deliver:  replayDeliver,
		}

		return getApp().Replay(cmd.Context(), opts)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayMonitor, "monitor", "", "Monitor whose samples are replayed")
	replayCmd.Flags().StringVar(&replayEntity, "entity", "", "Only samples of this entity")
	replayCmd.Flags().StringVar(&replayMetric, "metric", "", "Only samples of this metric")
	replayCmd.Flags().StringVar(&replayFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	replayCmd.Flags().StringVar(&replayTo, "to", "", "End timestamp (RFC3339, exclusive)")
	replayCmd.Flags().BoolVar(&replayDeliver, "deliver", false, "Send replayed alerts through the configured channels")
}
