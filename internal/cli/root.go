package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"metricwatch/internal/app"
	"metricwatch/internal/config"
	"metricwatch/internal/logging"
	"metricwatch/internal/model"
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:           "metricwatch",
	Short:         "Monitor business and infrastructure metrics and raise alerts",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil || cmd.Name() == versionCmd.Name() {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger := logging.NewLogger(cfg.Logging, cfg.App.Name)
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(thresholdCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}

func parseKind(v string) (model.Kind, error) {
	if v == "" {
		return "", fmt.Errorf("--monitor is required (one of %v)", model.Kinds())
	}
	return model.ParseKind(v)
}
