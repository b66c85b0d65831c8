// Package main implements the fixd CLI: automated remediation of
// compiler/build diagnostics.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/config"
	"github.com/fyrsmithlabs/fixd/internal/logging"
)

var (
	// configPath is the optional configuration file.
	configPath string
	// verifyCmd is the external build command re-run during verification.
	verifyCmd string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fixd",
	Short: "Automated remediation of build diagnostics",
	Long: `fixd ingests raw build output, groups diagnostics by signature,
resolves a fix strategy per group (fast rules, learned patterns, generic
fallbacks), applies it under checkpoint protection, verifies the result,
and learns from the outcome.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "configuration file (YAML)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(statusCmd)
}

// loadConfig resolves configuration from file, environment, and defaults.
func loadConfig() (*config.Config, error) {
	if err := config.EnsureStateDir(); err != nil {
		return nil, fmt.Errorf("failed to prepare state directory: %w", err)
	}
	if configPath != "" {
		return config.LoadWithFile(configPath)
	}
	return config.Default(), nil
}

// newLogger builds the process logger from configuration.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Fields: map[string]string{"service": "fixd"},
	})
}
