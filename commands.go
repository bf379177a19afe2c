package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"venue-guard/pkg/config"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "v0.1.0-dev"

var (
	flagThresholds string
	flagPretty     bool
	flagLogLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "venue-guard",
	Short: "Reference-venue price feed and pre-trade safety gate",
	Long: `venue-guard streams reference-venue market data, calibrates the price
offset against an execution venue and gates trade signals before they are
sent for execution.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the feed, the gate and the HTTP API",
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagThresholds, "thresholds", "", "YAML thresholds overlay (overrides THRESHOLDS_FILE)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level (overrides LOG_LEVEL)")
	rootCmd.PersistentFlags().BoolVar(&flagPretty, "pretty", false, "Human-readable console logs")

	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig() (*config.Config, error) {
	if flagThresholds != "" {
		if err := os.Setenv("THRESHOLDS_FILE", flagThresholds); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if flagPretty {
		cfg.LogJSON = false
	}
	return cfg, nil
}
