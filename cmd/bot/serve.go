package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/digkill/lumifybot/internal/admin"
	"github.com/digkill/lumifybot/internal/config"
	"github.com/digkill/lumifybot/internal/database"
	"github.com/digkill/lumifybot/internal/gemini"
	"github.com/digkill/lumifybot/internal/kie"
	"github.com/digkill/lumifybot/internal/repository"
	"github.com/digkill/lumifybot/internal/service"
	"github.com/digkill/lumifybot/internal/storage"
	"github.com/digkill/lumifybot/internal/telegram"
	"github.com/digkill/lumifybot/internal/watermark"
	"github.com/digkill/lumifybot/pkg/logger"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram bot and the admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStores, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStores()

	cat, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	images, err := storage.NewStore(storage.Config{
		Endpoint:      cfg.S3Endpoint,
		Region:        cfg.S3Region,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		Bucket:        cfg.S3Bucket,
		PublicBaseURL: cfg.S3PublicBaseURL,
		UsePathStyle:  cfg.S3UsePathStyle,
		Prefix:        cfg.S3Prefix,
	})
	if err != nil {
		return fmt.Errorf("image store: %w", err)
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return fmt.Errorf("telegram bot: %w", err)
	}
	messenger := telegram.NewBotMessenger(botAPI, &http.Client{Timeout: cfg.RequestTimeout}, cfg.TelegramPaymentProviderToken)

	ledger := service.NewLedgerService(log, st.balances)
	analytics := service.NewAnalyticsService(log, st.analytics)
	users := service.NewUserService(st.users)
	payments := service.NewPaymentService(log, cat, ledger, st.payments, cfg.PaymentCurrency)

	backend := service.NewBackend(backendFactory(cfg, log))
	defer func() {
		if err := backend.Close(); err != nil {
			log.Warn("close generation backend", "err", err)
		}
	}()

	generation, err := service.NewGenerationService(log, service.GenerationDeps{
		Prompts:   cat,
		Analytics: analytics,
		Ledger:    ledger,
		Images:    images,
		Backend:   backend,
		Watermark: watermark.New(cfg.WatermarkText),
		Sender:    messenger,
		Timeout:   cfg.GenerationTimeout,
	})
	if err != nil {
		return fmt.Errorf("generation service: %w", err)
	}

	machine, err := telegram.NewMachine(log, telegram.MachineDeps{
		Messenger:    messenger,
		Catalog:      cat,
		Images:       images,
		Orchestrator: generation,
		Ledger:       ledger,
		Payments:     payments,
		Profiles:     users,
		PrivacyURL:   cfg.PrivacyPolicyURL,

		MaxGenerations: cfg.MaxConcurrentGenerations,
	})
	if err != nil {
		return fmt.Errorf("conversation: %w", err)
	}

	bot := telegram.NewBot(botAPI, log, machine, cfg.MaxConcurrentUpdates)
	adminServer := admin.NewServer(cfg.AdminListenAddr, cfg.AdminUsername, cfg.AdminPassword, log, admin.Deps{
		Ledger:     ledger,
		Analytics:  analytics,
		Recipients: users,
		Sender:     messenger,
		Payments:   st.payments,
		Packets:    cat,
	})

	log.Info("starting",
		"backend", cfg.GenerationBackend,
		"store", cfg.StoreBackend,
		"max_concurrent_updates", cfg.MaxConcurrentUpdates,
		"max_concurrent_generations", cfg.MaxConcurrentGenerations,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bot.Run(gctx) })
	g.Go(func() error { return adminServer.Run(gctx) })

	err = g.Wait()
	machine.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("stopped")
	return nil
}

// stores groups the persistence the bot needs, whichever backend serves it.
type stores struct {
	balances  service.BalanceStore
	analytics service.StatsStore
	users     service.UserStore
	payments  interface {
		service.PaymentRecorder
		admin.PaymentLookup
	}
}

func openStores(ctx context.Context, cfg config.Config, log *slog.Logger) (stores, func(), error) {
	if cfg.StoreBackend == config.StoreMemory {
		log.Warn("using in-memory stores, balances and payments are lost on restart")
		return stores{
			balances:  repository.NewMemoryBalanceStore(),
			analytics: repository.NewMemoryAnalyticsStore(),
			users:     repository.NewMemoryUserStore(),
			payments:  repository.NewMemoryPaymentStore(),
		}, func() {}, nil
	}

	db, err := database.Connect(ctx, cfg.MySQLDSN)
	if err != nil {
		return stores{}, nil, fmt.Errorf("database connect: %w", err)
	}
	if err := database.Migrate(db, log); err != nil {
		db.Close()
		return stores{}, nil, fmt.Errorf("database migrate: %w", err)
	}
	return stores{
		balances:  repository.NewBalanceRepository(db),
		analytics: repository.NewAnalyticsRepository(db),
		users:     repository.NewUserRepository(db),
		payments:  repository.NewPaymentRepository(db),
	}, func() { db.Close() }, nil
}

func backendFactory(cfg config.Config, log *slog.Logger) service.BackendFactory {
	if cfg.GenerationBackend == config.BackendGemini {
		return func(ctx context.Context) (service.Generator, error) {
			client, err := gemini.NewClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, log)
			if err != nil {
				return nil, err
			}
			return client, nil
		}
	}
	return func(context.Context) (service.Generator, error) {
		return kie.NewClient(cfg, log), nil
	}
}
