package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Control the monitors of a running service",
}

var monitorStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether each monitor is running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		return a.ShowMonitors(cmd.Context(), apiClient(a))
	},
}

var monitorStartCmd = &cobra.Command{
	Use:   "start <monitor>",
	Short: "Start the cycle loop of a monitor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKind(args[0])
		if err != nil {
			return err
		}
		if err := apiClient(getApp()).StartMonitor(cmd.Context(), kind); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: started\n", kind)
		return nil
	},
}

var monitorStopCmd = &cobra.Command{
	Use:   "stop <monitor>",
	Short: "Stop the cycle loop of a monitor; ingestion keeps working",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKind(args[0])
		if err != nil {
			return err
		}
		if err := apiClient(getApp()).StopMonitor(cmd.Context(), kind); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: stopped\n", kind)
		return nil
	},
}

func init() {
	monitorCmd.PersistentFlags().StringVar(&apiURL, "api", "", "Admin API base URL (defaults to server.addr)")
	monitorCmd.AddCommand(monitorStatusCmd, monitorStartCmd, monitorStopCmd)
}
