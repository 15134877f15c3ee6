// Package commands implements the moniteur CLI.
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/moniteurlabs/moniteur/pkg/app"
	"github.com/moniteurlabs/moniteur/pkg/config"
	"github.com/moniteurlabs/moniteur/pkg/version"
)

var (
	cfgFile  string
	mockMode bool
	liveRun  bool
)

var rootCmd = &cobra.Command{
	Use:     "moniteur",
	Short:   "Lightning node monitoring and optimization",
	Long:    "Moniteur watches a Lightning node, retrieves operational context,\nreasons over it and proposes (or applies) fee and channel decisions.",
	Version: version.Current,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to config file (YAML)")
	rootCmd.PersistentFlags().BoolVar(&mockMode, "mock", false, "Run against a simulated node")
	rootCmd.PersistentFlags().BoolVar(&liveRun, "live", false, "Apply decisions instead of dry-run")
}

// loadConfig merges the config file, environment and flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	if mockMode {
		cfg.MockMode = true
	}
	if liveRun {
		cfg.DryRun = false
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *slog.Logger {
	return app.NewLogger(cfg.JSONLogs)
}
