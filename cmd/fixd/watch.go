package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/engine"
	"github.com/fyrsmithlabs/fixd/internal/ingest"
	"github.com/fyrsmithlabs/fixd/internal/scheduler"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a drop directory and remediate each build log that appears",
	Long: `Watch the configured drop directory (ingest.drop_dir) and run a
remediation pass for every build-output file matching ingest.pattern.

Example:
  fixd watch --verify-cmd "dotnet build"`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&verifyCmd, "verify-cmd", "", "build command re-run to verify fixes (required)")
	_ = watchCmd.MarkFlagRequired("verify-cmd")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Ingest.DropDir == "" {
		return fmt.Errorf("ingest.drop_dir is required for watch mode")
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source, err := newExecSource(verifyCmd, logger)
	if err != nil {
		return err
	}

	eng, err := engine.New(cfg, source, logger)
	if err != nil {
		return err
	}
	defer eng.Close() //nolint:errcheck

	watcher, err := ingest.NewWatcher(cfg.Ingest.DropDir, cfg.Ingest.Pattern, logger.Named("ingest"))
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("watch mode stopping")
			return nil
		case drop, ok := <-watcher.Drops():
			if !ok {
				return nil
			}
			if err := remediateDrop(ctx, eng, drop, logger); err != nil {
				logger.Error("remediation run failed",
					zap.String("path", drop.Path),
					zap.Error(err),
				)
			}
		}
	}
}

func remediateDrop(ctx context.Context, eng *engine.Engine, drop ingest.Drop, logger *zap.Logger) error {
	f, err := os.Open(drop.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	rep, err := eng.RunOnce(ctx, f)
	if err != nil {
		return err
	}

	counts := rep.Counts()
	logger.Info("remediation run finished",
		zap.String("run_id", rep.RunID),
		zap.String("path", drop.Path),
		zap.Int("completed", counts[scheduler.StateCompleted]),
		zap.Int("unfixable", counts[scheduler.StateUnfixable]),
		zap.Int("skipped", counts[scheduler.StateSkipped]),
	)
	return nil
}
