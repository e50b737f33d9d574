package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/digkill/lumifybot/internal/catalog"
	"github.com/digkill/lumifybot/internal/config"
	"github.com/digkill/lumifybot/internal/database"
	"github.com/digkill/lumifybot/pkg/logger"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "lumifybot",
		Short:         "Lumify avatar bot",
		Long:          "lumifybot runs the Telegram avatar bot and its admin API, and offers maintenance commands for the credit ledger and statistics.",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newCreditsCmd(),
		newStatsCmd(),
	)

	return rootCmd
}

// withDatabase runs fn against a migrated database configured from the
// environment. Only MYSQL_DSN is required.
func withDatabase(ctx context.Context, fn func(ctx context.Context, log *slog.Logger, db *sqlx.DB) error) error {
	cfg, err := config.LoadDatabase()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log := logger.New(cfg.LogLevel)

	db, err := database.Connect(ctx, cfg.MySQLDSN)
	if err != nil {
		return fmt.Errorf("database connect: %w", err)
	}
	defer db.Close()

	if err := database.Migrate(db, log); err != nil {
		return fmt.Errorf("database migrate: %w", err)
	}
	return fn(ctx, log, db)
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	return catalog.LoadFile(path)
}
