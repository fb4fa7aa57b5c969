package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/packetwarden/formflow-api/internal/billing"
	"github.com/packetwarden/formflow-api/internal/config"
	"github.com/packetwarden/formflow-api/internal/logger"
	"github.com/packetwarden/formflow-api/internal/store"
)

// tickInterval is the scheduler resolution. Every pass schedule is a multiple
// of one minute, so ticking each minute covers them all.
const tickInterval = time.Minute

// tickTimeout bounds one full reconciler tick.
const tickTimeout = 10 * time.Minute

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found: %v\n", err)
	}

	logger.InitLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if err := cfg.RequireStripe(); err != nil {
		logger.Fatal("Failed to load Stripe configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Unable to create connection pool", zap.Error(err))
	}
	defer pool.Close()
	st := store.New(pool)

	gateway := billing.NewGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
	catalog := billing.NewCatalogSync(st, gateway, cfg.StripeCatalogEnv)
	events := billing.NewEventProcessor(st, gateway, catalog, cfg.BillingGraceDays)
	queue := billing.NewQueueProcessor(st, events, cfg.StripeWebhookClaimTTL, cfg.StripeWebhookMaxAttempts)
	reconciler := billing.NewReconciler(st, queue, events, catalog, cfg)

	logger.Info("Scheduler starting",
		zap.String("catalog_cron", cfg.StripeCatalogSyncCron),
		zap.Bool("catalog_sync_enabled", cfg.StripeCatalogSyncEnabled))

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Scheduler exiting")
			return
		case now := <-ticker.C:
			for _, schedule := range billing.DueSchedules(now.UTC(), cfg.StripeCatalogSyncCron) {
				runTick(ctx, reconciler, schedule)
			}
		}
	}
}

func runTick(ctx context.Context, reconciler *billing.Reconciler, schedule string) {
	tickCtx, cancel := context.WithTimeout(ctx, tickTimeout)
	defer cancel()
	if err := reconciler.RunTick(tickCtx, schedule); err != nil {
		logger.Error("reconciler tick failed", zap.String("schedule", schedule), zap.Error(err))
	}
}
