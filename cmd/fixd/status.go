package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/patternstore"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the pattern store summary",
	Long: `Show aggregate rule counts from the pattern store: totals per
tier plus deactivated rules.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := patternstore.Open(
		patternstore.DefaultConfig(cfg.Store.Path),
		zap.NewNop(),
	)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	summary, err := store.Summary(context.Background())
	if err != nil {
		return err
	}
	return printSummary(cmd.OutOrStdout(), summary)
}
