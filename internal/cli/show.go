package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"metricwatch/internal/app"
	"metricwatch/internal/model"
)

var (
	showLimit   int
	showMonitor string
	showEntity  string
	showType    string
	showSince   time.Duration
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:    showLimit,
			EntityID: showEntity,
			Type:     showType,
			Since:    showSince,
		}
		if showMonitor != "" {
			kind, err := model.ParseKind(showMonitor)
			if err != nil {
				return err
			}
			opts.Monitor = string(kind)
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of alerts to display")
	showCmd.Flags().StringVar(&showMonitor, "monitor", "", "Only alerts of this monitor")
	showCmd.Flags().StringVar(&showEntity, "entity", "", "Only alerts of this entity")
	showCmd.Flags().StringVar(&showType, "type", "", "Only alerts of this type")
	showCmd.Flags().DurationVar(&showSince, "since", 0, "Only alerts newer than this (e.g. 1h)")
}
