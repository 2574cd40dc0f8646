package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/sparkmeet/backend/internal/config"
	"github.com/sparkmeet/backend/internal/infra/logger"
	"github.com/sparkmeet/backend/internal/infra/telegram"
	"github.com/sparkmeet/backend/internal/jobs/expiry"
	pgrepo "github.com/sparkmeet/backend/internal/repo/postgres"
	redrepo "github.com/sparkmeet/backend/internal/repo/redis"
	paymentsvc "github.com/sparkmeet/backend/internal/services/payments"
	subssvc "github.com/sparkmeet/backend/internal/services/subscriptions"
)

// Standalone expiry sweeper for deployments that scale the API
// horizontally and want a single sweep runner.
func main() {
	cfgPath := os.Getenv("APP_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = log.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgrepo.NewPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Fatal("postgres init failed", zap.Error(err))
	}
	defer pool.Close()

	redisClient := redrepo.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	defer func() { _ = redisClient.Close() }()

	subscriptionRepo := pgrepo.NewSubscriptionRepo(pool)
	paymentTxRepo := pgrepo.NewPaymentTransactionRepo(pool)
	entitlementCache := redrepo.NewEntitlementCacheRepo(redisClient)

	subscriptions := subssvc.NewService(subscriptionRepo, entitlementCache, subssvc.Config{
		CacheTTLCeiling: cfg.Billing.CacheTTLCeiling,
		RevokeOnCancel:  cfg.Billing.RevokeOnCancel,
		SweepBatchSize:  cfg.Billing.SweepBatchSize,
	}, log)
	subscriptions.AttachCharger(paymentsvc.NewService(paymentTxRepo, subscriptions, log))

	if cfg.Notify.BotToken != "" {
		bot, err := telegram.NewBot(cfg.Notify.BotToken)
		if err != nil {
			log.Warn("telegram bot init failed, notifications disabled", zap.Error(err))
		} else {
			subscriptions.AttachNotifier(telegram.NewNotifier(bot))
		}
	}

	log.Info("subscription sweeper started", zap.Duration("interval", cfg.Billing.SweepInterval))
	expiry.New(subscriptions, cfg.Billing.SweepInterval, log).RunLoop(ctx)
}
