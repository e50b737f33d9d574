package main

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/digkill/lumifybot/internal/repository"
	"github.com/digkill/lumifybot/internal/service"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print generation counters per style and substyle as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDatabase(cmd.Context(), func(ctx context.Context, log *slog.Logger, db *sqlx.DB) error {
				report, err := service.NewAnalyticsService(log, repository.NewAnalyticsRepository(db)).Report(ctx)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			})
		},
	}
}
