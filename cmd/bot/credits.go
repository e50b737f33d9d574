package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"text/tabwriter"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/digkill/lumifybot/internal/repository"
	"github.com/digkill/lumifybot/internal/service"
)

func newCreditsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and grant generation credits",
	}

	cmd.AddCommand(
		newCreditsGrantCmd(),
		newCreditsShowCmd(),
		newCreditsListCmd(),
	)

	return cmd
}

func newCreditsGrantCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "grant <telegram-user-id> <amount>",
		Short: "Add credits to a user",
		Long:  "Add credits to a user. With --key the grant is applied at most once per key.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid user id %q", args[0])
			}
			amount, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid amount %q", args[1])
			}

			return withDatabase(cmd.Context(), func(ctx context.Context, log *slog.Logger, db *sqlx.DB) error {
				ledger := service.NewLedgerService(log, repository.NewBalanceRepository(db))
				applied, err := ledger.Grant(ctx, userID, amount, key)
				if err != nil {
					return err
				}
				credits, err := ledger.Balance(ctx, userID)
				if err != nil {
					return err
				}
				if !applied {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "key %q already used, balance unchanged: %d\n", key, credits)
					return nil
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "granted %d, balance: %d\n", amount, credits)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "idempotency key")
	return cmd
}

func newCreditsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <telegram-user-id>",
		Short: "Show a user's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid user id %q", args[0])
			}
			return withDatabase(cmd.Context(), func(ctx context.Context, log *slog.Logger, db *sqlx.DB) error {
				credits, err := service.NewLedgerService(log, repository.NewBalanceRepository(db)).Balance(ctx, userID)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d\n", credits)
				return nil
			})
		},
	}
}

func newCreditsListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the largest balances",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDatabase(cmd.Context(), func(ctx context.Context, log *slog.Logger, db *sqlx.DB) error {
				balances, err := service.NewLedgerService(log, repository.NewBalanceRepository(db)).List(ctx, limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "USER\tCREDITS\tUPDATED")
				for _, b := range balances {
					_, _ = fmt.Fprintf(w, "%d\t%d\t%s\n", b.UserID, b.Credits, b.UpdatedAt.Format("2006-01-02 15:04"))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}
