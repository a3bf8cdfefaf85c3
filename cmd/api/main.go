package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SergeiKhy/campaign-redirect/internal/billing"
	"github.com/SergeiKhy/campaign-redirect/internal/clock"
	"github.com/SergeiKhy/campaign-redirect/internal/config"
	"github.com/SergeiKhy/campaign-redirect/internal/guard"
	"github.com/SergeiKhy/campaign-redirect/internal/handler"
	"github.com/SergeiKhy/campaign-redirect/internal/logger"
	"github.com/SergeiKhy/campaign-redirect/internal/metrics"
	"github.com/SergeiKhy/campaign-redirect/internal/middleware"
	"github.com/SergeiKhy/campaign-redirect/internal/repository"
	"github.com/SergeiKhy/campaign-redirect/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// Загрузка конфига
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Инициализация логгера
	zlog, err := logger.New(cfg.App.LogLevel)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer zlog.Sync()

	gin.SetMode(gin.ReleaseMode)

	if cfg.DB.RunMigrations {
		if err := repository.Migrate(cfg.DB); err != nil {
			zlog.Fatal("Failed to apply migrations", zap.Error(err))
		}
		zlog.Info("Migrations applied")
	}

	// Подключение к БД (postgres)
	db, err := repository.NewPostgresDB(cfg.DB)
	if err != nil {
		zlog.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	zlog.Info("Connected to PostgreSQL")

	// Подключение к Redis
	redis, err := repository.NewRedisClient(cfg.Redis)
	if err != nil {
		zlog.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redis.Close()
	zlog.Info("Connected to Redis")

	m := metrics.Default()
	clk := clock.New()
	g := guard.New(zlog, m)

	// Инициализация репозиториев
	urlRepo := repository.NewURLRepository(db, g)
	campaignRepo := repository.NewCampaignRepository(db)
	ledgerRepo := repository.NewBudgetLedgerRepository(db)
	counterRepo := repository.NewMethodCounterRepository(db)
	campaignCache := repository.NewCampaignCache(redis)
	locker := repository.NewLocker(redis)

	// Счётчики методов редиректа (Worker Pool)
	counterProcessor := service.NewMethodCounterProcessor(counterRepo, m, zlog, cfg.Redirect.CounterWorkers, cfg.Redirect.CounterBuffer)
	counterProcessor.Start()
	defer counterProcessor.Stop()

	dispatcher := service.NewWeightedDispatcher(urlRepo, m, zlog)
	methodRouter := service.NewRedirectMethodRouter(counterProcessor, clk, m, zlog)
	redirectService := service.NewRedirectService(campaignRepo, campaignCache, cfg.Redirect.CampaignCacheTTL, dispatcher, methodRouter, zlog)

	// Сверка расходов
	billingClient := billing.NewHTTPClient(billing.HTTPClientConfig{
		BaseURL:  cfg.Billing.BaseURL,
		APIKey:   cfg.Billing.APIKey,
		Timeout:  cfg.Billing.Timeout,
		RPS:      cfg.Billing.RPS,
		TokenTTL: cfg.Billing.TokenTTL,
	}, zlog)

	reconciler := service.NewSpendReconciler(campaignRepo, urlRepo, ledgerRepo, billingClient, clk, service.ReconcilerConfig{
		SpendThreshold: cfg.Reconciler.SpendThreshold,
		NewURLGrace:    cfg.Reconciler.NewURLGrace,
		BillingTimeout: cfg.Billing.Timeout,
		ClaimTTL:       2 * cfg.Reconciler.TickTimeout,
	}, m, zlog)

	poller := service.NewPoller(reconciler, campaignRepo, locker, service.PollerConfig{
		Interval:    cfg.Reconciler.PollInterval,
		TickTimeout: cfg.Reconciler.TickTimeout,
		Concurrency: cfg.Reconciler.Concurrency,
		LockTTL:     cfg.Reconciler.LockTTL,
	}, m, zlog)
	poller.Start()
	defer poller.Stop()

	adminService := service.NewAdminService(service.AdminDeps{
		URLs:       urlRepo,
		Campaigns:  campaignRepo,
		Ledger:     ledgerRepo,
		Counters:   counterRepo,
		Cache:      campaignCache,
		Guard:      g,
		Reconciler: poller,
	}, zlog)

	// Инициализация middleware
	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		BurstSize:         cfg.RateLimit.BurstSize,
		CleanupInterval:   time.Minute,
	})
	defer rateLimiter.Stop()

	var apiKeyMiddleware gin.HandlerFunc
	if len(cfg.Auth.APIKeys) > 0 {
		apiKeyMiddleware = middleware.RequireAPIKey(cfg.Auth.APIKeys)
		zlog.Info("API key authentication enabled", zap.Int("keys_count", len(cfg.Auth.APIKeys)))
	} else {
		zlog.Warn("API_KEYS не заданы: административные эндпоинты открыты")
	}

	// Настройка роутера
	router := handler.NewRouter(handler.RouterDeps{
		Redirect:    redirectService,
		Admin:       adminService,
		Counters:    counterProcessor,
		RateLimiter: rateLimiter,
		APIKey:      apiKeyMiddleware,
		Metrics:     handler.MetricsHandler(),
		Probes: map[string]handler.Pinger{
			"postgres": db,
			"redis":    redis,
		},
	}, zlog)

	// Запуск сервера
	srv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Запуск в горутине
	go func() {
		zlog.Info("Server starting", zap.String("port", cfg.App.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zlog.Error("Server forced to shutdown", zap.Error(err))
	}

	zlog.Info("Server exited")
}
