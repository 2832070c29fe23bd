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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spendgate/spendgate/internal/config"
	"github.com/spendgate/spendgate/internal/database"
	"github.com/spendgate/spendgate/internal/logger"
	"github.com/spendgate/spendgate/internal/services/alerts"
	redisdata "github.com/spendgate/spendgate/internal/services/data/redis"
	"github.com/spendgate/spendgate/internal/services/worker"
)

// The worker runs the loops the request path must never wait on: alert
// outbox delivery, budget counter reconciliation and orphaned-task reaping.
func main() {
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var locks *redisdata.LockManager
	var alertProcessor *worker.AlertProcessor

	redisClient, err := connectRedis(cfg)
	if err != nil {
		log.Warn("Redis unavailable, alert delivery disabled for this worker", zap.Error(err))
	} else {
		defer redisClient.Close()
		locks = redisdata.NewLockManager(redisClient, log)

		outbox := redisdata.NewOutbox(&redisdata.OutboxConfig{
			Client: redisClient,
			Logger: log,
		})
		alertProcessor = worker.NewAlertProcessor(&worker.AlertProcessorConfig{
			Outbox:  outbox,
			Alerter: buildAlerter(cfg, log),
			Locks:   locks,
			Logger:  log,
		})
		if err := alertProcessor.Start(ctx); err != nil {
			log.Fatal("Failed to start alert processor", zap.Error(err))
		}
	}

	reconciler := worker.NewReconciler(&worker.ReconcilerConfig{
		DB:     db,
		Locks:  locks,
		Logger: log,
		Repair: true,
	})
	if err := reconciler.Start(ctx); err != nil {
		log.Fatal("Failed to start reconciler", zap.Error(err))
	}

	reaper := worker.NewTaskReaper(&worker.TaskReaperConfig{
		DB:     db,
		Locks:  locks,
		Logger: log,
		Cutoff: cfg.Scheduler.ReaperCutoff,
	})
	if err := reaper.Start(ctx); err != nil {
		log.Fatal("Failed to start task reaper", zap.Error(err))
	}

	// Metrics and health for the worker process itself.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: mux,
	}
	go func() {
		log.Info("Worker metrics listening", zap.Int("port", cfg.Server.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Metrics server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Worker shutting down")

	cancel()
	if alertProcessor != nil {
		_ = alertProcessor.Stop()
	}
	_ = reconciler.Stop()
	_ = reaper.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	log.Info("Worker stopped")
}

func connectRedis(cfg *config.Config) (*redis.Client, error) {
	if cfg.Redis.URL == "" {
		return nil, fmt.Errorf("redis URL not configured")
	}
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Redis.Password != "" {
		opt.Password = cfg.Redis.Password
	}
	if cfg.Redis.DB != 0 {
		opt.DB = cfg.Redis.DB
	}

	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func buildAlerter(cfg *config.Config, log *zap.Logger) alerts.Alerter {
	if cfg.Alerts.Mode == "webhook" && cfg.Alerts.WebhookURL != "" {
		return alerts.NewWebhookAlerter(cfg.Alerts.WebhookURL, cfg.Alerts.DispatchTimeout, log)
	}
	return alerts.NewLogAlerter(log)
}
