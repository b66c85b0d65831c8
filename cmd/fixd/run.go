package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/engine"
	"github.com/fyrsmithlabs/fixd/internal/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Remediate one build-output capture",
	Long: `Run one remediation pass over captured build output.

Examples:
  # Remediate a captured build log
  fixd run --verify-cmd "dotnet build" build.log

  # Pipe build output in directly
  dotnet build 2>&1 | fixd run --verify-cmd "dotnet build" -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&verifyCmd, "verify-cmd", "", "build command re-run to verify fixes (required)")
	_ = runCmd.MarkFlagRequired("verify-cmd")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.New(ctx, &telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Insecure:       cfg.Telemetry.Insecure,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		MetricInterval: cfg.Telemetry.MetricInterval.Duration(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	source, err := newExecSource(verifyCmd, logger)
	if err != nil {
		return err
	}

	eng, err := engine.New(cfg, source, logger)
	if err != nil {
		return err
	}
	defer eng.Close() //nolint:errcheck

	var input io.Reader = os.Stdin
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		input = f
	}

	rep, err := eng.RunOnce(ctx, input)
	if err != nil {
		return err
	}

	return printSummary(cmd.OutOrStdout(), rep)
}

// printSummary writes the machine-readable run summary to stdout. Rich
// rendering belongs to external dashboards.
func printSummary(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
