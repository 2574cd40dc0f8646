package apiapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sparkmeet/backend/internal/config"
	"github.com/sparkmeet/backend/internal/infra/telegram"
	pgrepo "github.com/sparkmeet/backend/internal/repo/postgres"
	redrepo "github.com/sparkmeet/backend/internal/repo/redis"
	authsvc "github.com/sparkmeet/backend/internal/services/auth"
	msgsvc "github.com/sparkmeet/backend/internal/services/messaging"
	paymentsvc "github.com/sparkmeet/backend/internal/services/payments"
	ratesvc "github.com/sparkmeet/backend/internal/services/rate"
	subssvc "github.com/sparkmeet/backend/internal/services/subscriptions"
)

type App struct {
	cfg           config.Config
	logger        *zap.Logger
	server        *http.Server
	postgres      *pgxpool.Pool
	redis         *goredis.Client
	subscriptions *subssvc.Service
	httpRouter    http.Handler
}

func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is nil")
	}

	r := chi.NewRouter()
	ApplyMiddlewares(r, log)

	var pool *pgxpool.Pool
	if p, err := pgrepo.NewPool(ctx, cfg.Postgres.DSN); err != nil {
		log.Warn("postgres init failed, continuing in degraded mode", zap.Error(err))
	} else {
		pool = p
	}

	redisClient := redrepo.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	rateRepo := redrepo.NewRateRepo(redisClient)
	entitlementCache := redrepo.NewEntitlementCacheRepo(redisClient)
	quotaRepo := pgrepo.NewQuotaRepo(pool)
	subscriptionRepo := pgrepo.NewSubscriptionRepo(pool)
	paymentTxRepo := pgrepo.NewPaymentTransactionRepo(pool)

	jwtManager := authsvc.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTAccessTTL)
	authService := authsvc.NewService(jwtManager)

	subscriptionService := subssvc.NewService(subscriptionRepo, entitlementCache, subssvc.Config{
		CacheTTLCeiling: cfg.Billing.CacheTTLCeiling,
		RevokeOnCancel:  cfg.Billing.RevokeOnCancel,
		SweepBatchSize:  cfg.Billing.SweepBatchSize,
	}, log)
	paymentService := paymentsvc.NewService(paymentTxRepo, subscriptionService, log)
	subscriptionService.AttachCharger(paymentService)

	if cfg.Notify.BotToken != "" {
		bot, err := telegram.NewBot(cfg.Notify.BotToken)
		if err != nil {
			log.Warn("telegram bot init failed, notifications disabled", zap.Error(err))
		} else {
			subscriptionService.AttachNotifier(telegram.NewNotifier(bot))
		}
	}

	rateLimiter := ratesvc.NewLimiter(rateRepo, cfg.Billing.SendRatePerMinute, cfg.Billing.SendRatePer10Sec)
	messagingService := msgsvc.NewService(msgsvc.Dependencies{
		Pool:         pool,
		QuotaStore:   quotaRepo,
		Entitlements: subscriptionService,
		RateLimiter:  rateLimiter,
	}, msgsvc.Config{
		MessagesPerPeer: cfg.Billing.MessagesPerPeer,
		NewPeersPerDay:  cfg.Billing.NewPeersPerDay,
	}, log)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	RegisterRoutes(r, Dependencies{
		AuthService:         authService,
		SubscriptionService: subscriptionService,
		MessagingService:    messagingService,
		PaymentService:      paymentService,
		Logger:              log,
		Config:              cfg,
	})

	return &App{
		cfg:           cfg,
		logger:        log,
		server:        server,
		postgres:      pool,
		redis:         redisClient,
		subscriptions: subscriptionService,
		httpRouter:    r,
	}, nil
}

func (a *App) Run() error {
	a.logger.Info("api server started", zap.String("addr", a.cfg.HTTP.Addr))
	err := a.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error

	if err := a.server.Shutdown(ctx); err != nil {
		shutdownErr = err
	}
	if a.postgres != nil {
		a.postgres.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
	}

	return shutdownErr
}

func (a *App) Handler() http.Handler {
	return a.httpRouter
}

// Subscriptions exposes the lifecycle manager for the in-process
// expiry sweep started alongside the HTTP server.
func (a *App) Subscriptions() *subssvc.Service {
	return a.subscriptions
}
