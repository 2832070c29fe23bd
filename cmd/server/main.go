package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/spendgate/spendgate/internal/api/router"
	"github.com/spendgate/spendgate/internal/config"
	"github.com/spendgate/spendgate/internal/database"
	"github.com/spendgate/spendgate/internal/logger"
	"github.com/spendgate/spendgate/internal/models"
	"github.com/spendgate/spendgate/internal/services/alerts"
	"github.com/spendgate/spendgate/internal/services/budget"
	redisdata "github.com/spendgate/spendgate/internal/services/data/redis"
	"github.com/spendgate/spendgate/internal/services/ledger"
	"github.com/spendgate/spendgate/internal/services/pricing"
	"github.com/spendgate/spendgate/internal/services/scheduler"
	"github.com/spendgate/spendgate/internal/services/tracing"
	"github.com/spendgate/spendgate/internal/services/usage"

	_ "github.com/spendgate/spendgate/internal/docs"
)

// @title spendgate - LLM Spend Control Plane
// @version 1.0
// @description Multi-tenant budgets, usage accounting, fractional billing and task scheduling in front of LLM providers.

// @host localhost:8080
// @BasePath /

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := database.Initialize(&database.Config{
		DSN:             cfg.Database.URL,
		MaxConnections:  cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}); err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer database.Close()
	db := database.GetDB()

	// Redis is optional: without it the server runs in lite mode with
	// in-process fallbacks for locks and alert delivery.
	redisClient := connectRedis(cfg, log)
	var locks *redisdata.LockManager
	var sink alerts.Sink
	if redisClient != nil {
		defer redisClient.Close()
		locks = redisdata.NewLockManager(redisClient, log)
		if cfg.Alerts.QueueEnabled {
			sink = redisdata.NewOutbox(&redisdata.OutboxConfig{
				Client: redisClient,
				Logger: log,
			})
		}
	} else {
		log.Warn("Redis unavailable, running in lite mode",
			zap.Strings("degraded", []string{
				"distributed locks (in-process row locks only)",
				"alert outbox (direct delivery with timeout)",
			}))
	}

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.InitProvider(cfg.Tracing.ServiceName, log)
		if err != nil {
			log.Warn("Failed to initialize tracing, spans are no-ops", zap.Error(err))
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdown(ctx)
			}()
		}
	}

	// Core services.
	alerter := buildAlerter(cfg, log)
	dispatcher := alerts.NewDispatcher(alerter, sink, cfg.Alerts.DispatchTimeout, log)
	guard := budget.NewGuard(db, dispatcher, models.BudgetPeriod(cfg.Budget.Period), cfg.Budget.SoftAlertRatio, log)
	prices := pricing.NewTable(db, log, cfg.Pricing.CacheTTL)
	usageStore := usage.NewStore(db, log)
	billingLedger := ledger.NewLedger(db, locks, ledgerConfig(cfg, log), log)

	taskScheduler := scheduler.New(db, locks, scheduler.Config{
		BaseStageSeconds:       cfg.Scheduler.BaseStageSeconds,
		MinimumDurationSeconds: cfg.Scheduler.MinimumDurationSeconds,
		TierMultipliers:        tierMultipliers(cfg.Scheduler.ResourceMultipliers),
		MaxConcurrentTasks:     cfg.Scheduler.MaxConcurrentTasks,
		StreamBuffer:           cfg.Scheduler.StreamBuffer,
	}, log)
	if err := taskScheduler.Start(context.Background()); err != nil {
		log.Fatal("Failed to start task scheduler", zap.Error(err))
	}

	handler := router.New(cfg, router.Deps{
		Prices:    prices,
		Guard:     guard,
		Usage:     usageStore,
		Ledger:    billingLedger,
		Scheduler: taskScheduler,
	}, log)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("Server listening",
			zap.Int("port", cfg.Server.Port),
			zap.Bool("redis", redisClient != nil),
			zap.Bool("tracing", cfg.Tracing.Enabled))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := taskScheduler.Stop(ctx); err != nil {
		log.Warn("Scheduler drain incomplete", zap.Error(err))
	}
	if err := server.Shutdown(ctx); err != nil {
		log.Error("Forced shutdown", zap.Error(err))
	}
	log.Info("Server stopped")
}

// connectRedis returns a verified client or nil when redis is absent.
func connectRedis(cfg *config.Config, log *zap.Logger) *redis.Client {
	if cfg.Redis.URL == "" {
		return nil
	}
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Warn("Invalid redis URL", zap.Error(err))
		return nil
	}
	if cfg.Redis.Password != "" {
		opt.Password = cfg.Redis.Password
	}
	if cfg.Redis.DB != 0 {
		opt.DB = cfg.Redis.DB
	}
	if cfg.Redis.PoolSize > 0 {
		opt.PoolSize = cfg.Redis.PoolSize
	}

	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("Redis ping failed", zap.Error(err))
		_ = client.Close()
		return nil
	}
	return client
}

func buildAlerter(cfg *config.Config, log *zap.Logger) alerts.Alerter {
	if cfg.Alerts.Mode == "webhook" && cfg.Alerts.WebhookURL != "" {
		return alerts.NewWebhookAlerter(cfg.Alerts.WebhookURL, cfg.Alerts.DispatchTimeout, log)
	}
	return alerts.NewLogAlerter(log)
}

// ledgerConfig parses the decimal-string knobs; a bad value falls back to
// the ledger's built-in defaults (left zero here).
func tierMultipliers(raw map[string]int) map[models.TaskTier]int {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[models.TaskTier]int, len(raw))
	for tier, m := range raw {
		out[models.TaskTier(tier)] = m
	}
	return out
}

func ledgerConfig(cfg *config.Config, log *zap.Logger) ledger.Config {
	lc := ledger.Config{
		FreeTierLimit: cfg.Ledger.FreeTierLimit,
		LockTTL:       cfg.Ledger.LockTTL,
	}
	if d, err := decimal.NewFromString(cfg.Ledger.MinimumFractionUSD); err == nil {
		lc.MinimumFractionUSD = d
	} else {
		log.Warn("Invalid ledger.minimum_fraction_usd, using default", zap.Error(err))
	}
	if d, err := decimal.NewFromString(cfg.Ledger.FractionRate); err == nil {
		lc.FractionRate = d
	} else {
		log.Warn("Invalid ledger.fraction_rate, using default", zap.Error(err))
	}
	return lc
}
