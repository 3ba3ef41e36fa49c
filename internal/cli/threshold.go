package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"metricwatch/internal/app"
	"metricwatch/internal/threshold"
)

var (
	apiURL        string
	thresholdKind string
	thresholdWarn float64
	thresholdCrit float64
)

var thresholdCmd = &cobra.Command{
	Use:   "threshold",
	Short: "Inspect or change thresholds of a running service",
}

var thresholdGetCmd = &cobra.Command{
	Use:   "get",
	Short: "List the thresholds of a monitor",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKind(thresholdKind)
		if err != nil {
			return err
		}
		a := getApp()
		return a.ShowThresholds(cmd.Context(), apiClient(a), kind)
	},
}

var thresholdSetCmd = &cobra.Command{
	Use:   "set <metric>",
	Short: "Create or replace the threshold of a metric",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKind(thresholdKind)
		if err != nil {
			return err
		}
		t := threshold.Threshold{Warning: thresholdWarn, Critical: thresholdCrit}
		if err := t.Validate(); err != nil {
			return err
		}
		a := getApp()
		if err := apiClient(a).SetThreshold(cmd.Context(), kind, args[0], t); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s/%s: warning=%g critical=%g\n", kind, args[0], t.Warning, t.Critical)
		return nil
	},
}

var thresholdDeleteCmd = &cobra.Command{
	Use:   "delete <metric>",
	Short: "Remove the threshold of a metric",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKind(thresholdKind)
		if err != nil {
			return err
		}
		a := getApp()
		if err := apiClient(a).DeleteThreshold(cmd.Context(), kind, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s/%s: removed\n", kind, args[0])
		return nil
	},
}

func apiClient(a *app.App) *app.APIClient {
	return app.NewAPIClient(a.APIBaseURL(apiURL), a.Config.Server.ReadTimeout)
}

func init() {
	thresholdCmd.PersistentFlags().StringVar(&apiURL, "api", "", "Admin API base URL (defaults to server.addr)")
	thresholdCmd.PersistentFlags().StringVar(&thresholdKind, "monitor", "", "Monitor kind")

	thresholdSetCmd.Flags().Float64Var(&thresholdWarn, "warning", 0, "Warning bound")
	thresholdSetCmd.Flags().Float64Var(&thresholdCrit, "critical", 0, "Critical bound")
	_ = thresholdSetCmd.MarkFlagRequired("warning")
	_ = thresholdSetCmd.MarkFlagRequired("critical")

	thresholdCmd.AddCommand(thresholdGetCmd, thresholdSetCmd, thresholdDeleteCmd)
}
