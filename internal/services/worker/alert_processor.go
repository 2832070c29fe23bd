// Package worker hosts the background loops run by cmd/worker: alert outbox
// delivery, budget reconciliation and orphaned-task reaping. Each loop takes
// a distributed lock per sweep so several worker replicas stay safe.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/spendgate/spendgate/internal/monitoring"
	"github.com/spendgate/spendgate/internal/services/alerts"
	redisdata "github.com/spendgate/spendgate/internal/services/data/redis"
)

// AlertProcessor drains the Redis alert outbox and hands each alert to the
// configured alerter. Failed deliveries go back through the retry queue with
// backoff; poison messages end up in the dead-letter list.
type AlertProcessor struct {
	outbox   *redisdata.Outbox
	alerter  alerts.Alerter
	locks    *redisdata.LockManager
	logger   *zap.Logger
	interval time.Duration
	stopCh   chan struct{}
}

type AlertProcessorConfig struct {
	Outbox   *redisdata.Outbox
	Alerter  alerts.Alerter
	Locks    *redisdata.LockManager
	Logger   *zap.Logger
	Interval time.Duration
}

func NewAlertProcessor(config *AlertProcessorConfig) *AlertProcessor {
	if config.Interval == 0 {
		config.Interval = 10 * time.Second
	}
	return &AlertProcessor{
		outbox:   config.Outbox,
		alerter:  config.Alerter,
		locks:    config.Locks,
		logger:   config.Logger,
		interval: config.Interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the drain and retry loops.
func (p *AlertProcessor) Start(ctx context.Context) error {
	p.logger.Info("Starting alert processor",
		zap.Duration("interval", p.interval),
		zap.String("alerter", p.alerter.Name()))

	go p.drainLoop(ctx)
	go p.retryLoop(ctx)
	return nil
}

// Stop signals both loops to exit.
func (p *AlertProcessor) Stop() error {
	p.logger.Info("Stopping alert processor")
	close(p.stopCh)
	return nil
}

func (p *AlertProcessor) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.drainOnce(ctx); err != nil {
				p.logger.Error("Alert drain sweep failed", zap.Error(err))
			}
		}
	}
}

func (p *AlertProcessor) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.outbox.ProcessRetryQueue(ctx); err != nil {
				p.logger.Error("Alert retry sweep failed", zap.Error(err))
			}
		}
	}
}

// drainOnce dequeues one batch under the sweep lock and delivers it. A held
// lock means another replica is already draining; that sweep is skipped.
func (p *AlertProcessor) drainOnce(ctx context.Context) error {
	sweep := func() error {
		batch, err := p.outbox.DequeueBatch(ctx)
		if err != nil {
			return err
		}
		for _, alert := range batch {
			if err := p.alerter.Send(ctx, alert); err != nil {
				p.logger.Warn("Alert delivery failed, requeueing",
					zap.String("tenant_id", alert.TenantID),
					zap.String("band", alert.Band),
					zap.Error(err))
				if qErr := p.outbox.EnqueueFailed(ctx, alert, err.Error()); qErr != nil {
					p.logger.Error("Failed to requeue alert", zap.Error(qErr))
				}
			}
		}
		if stats, err := p.outbox.Stats(ctx); err == nil {
			monitoring.SetAlertQueueDepth(stats.MainQueue, stats.RetryQueue, stats.DeadLetterQueue)
		}
		return nil
	}

	if p.locks == nil {
		return sweep()
	}
	err := p.locks.WithLock(ctx, "worker:alerts:drain", 30*time.Second, sweep)
	if errors.Is(err, redisdata.ErrLockNotAcquired) {
		return nil
	}
	return err
}
