package cli

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"metricwatch/internal/app"
)

var (
	simulateMonitor string
	simulateEntity  string
	simulateMetric  string
	simulateValues  []float64
	simulateStep    time.Duration
	simulatePayload string
	simulateDeliver bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Feed a synthetic series through an in-process monitor and print its alerts",
	Example: `  metricwatch simulate --monitor health --entity web-1 --metric cpu --values 50,85,97
  metricwatch simulate --monitor payments --entity acct-1 --metric charge --values 20,20,20 \
    --payload '{"amount":"20","currency":"USD","status":"failed","failure_code":"card_declined"}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKind(simulateMonitor)
		if err != nil {
			return err
		}
		if len(simulateValues) == 0 {
			return errors.New("--values must list at least one value")
		}

		opts := app.SimulateOptions{
			Monitor:  kind,
			EntityID: simulateEntity,
			Metric:   simulateMetric,
			Values:   simulateValues,
			Step:     simulateStep,
			Payload:  simulatePayload,
			Deliver:  simulateDeliver,
		}
		return getApp().Simulate(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateMonitor, "monitor", "", "Monitor kind (payments, performance, usage, health)")
	simulateCmd.Flags().StringVar(&simulateEntity, "entity", "simulated", "Entity id of the observations")
	simulateCmd.Flags().StringVar(&simulateMetric, "metric", "", "Metric name of the observations")
	simulateCmd.Flags().Float64SliceVar(&simulateValues, "values", nil, "Comma separated observation values")
	simulateCmd.Flags().DurationVar(&simulateStep, "step", 10*time.Second, "Time between observations")
	simulateCmd.Flags().StringVar(&simulatePayload, "payload", "", "JSON payload attached to every observation")
	simulateCmd.Flags().BoolVar(&simulateDeliver, "deliver", false, "Send alerts through the configured channels")
	_ = simulateCmd.MarkFlagRequired("metric")
}
