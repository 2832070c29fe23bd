package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/spendgate/spendgate/internal/models"
	redisdata "github.com/spendgate/spendgate/internal/services/data/redis"
)

// TaskReaper fails processing tasks whose runner stopped writing. Runners
// touch their row every stage, so a processing row with a stale updated_at
// belongs to a dead process.
type TaskReaper struct {
	db       *gorm.DB
	locks    *redisdata.LockManager
	logger   *zap.Logger
	interval time.Duration
	cutoff   time.Duration
	stopCh   chan struct{}
}

type TaskReaperConfig struct {
	DB       *gorm.DB
	Locks    *redisdata.LockManager
	Logger   *zap.Logger
	Interval time.Duration

	// Cutoff is how stale a processing row must be before it is reaped.
	Cutoff time.Duration
}

func NewTaskReaper(config *TaskReaperConfig) *TaskReaper {
	if config.Interval == 0 {
		config.Interval = time.Minute
	}
	if config.Cutoff == 0 {
		config.Cutoff = 10 * time.Minute
	}
	return &TaskReaper{
		db:       config.DB,
		locks:    config.Locks,
		logger:   config.Logger,
		interval: config.Interval,
		cutoff:   config.Cutoff,
		stopCh:   make(chan struct{}),
	}
}

func (tr *TaskReaper) Start(ctx context.Context) error {
	tr.logger.Info("Starting task reaper",
		zap.Duration("interval", tr.interval),
		zap.Duration("cutoff", tr.cutoff))

	go tr.loop(ctx)
	return nil
}

func (tr *TaskReaper) Stop() error {
	tr.logger.Info("Stopping task reaper")
	close(tr.stopCh)
	return nil
}

func (tr *TaskReaper) loop(ctx context.Context) {
	ticker := time.NewTicker(tr.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tr.stopCh:
			return
		case <-ticker.C:
			if err := tr.sweepOnce(ctx); err != nil {
				tr.logger.Error("Reaper sweep failed", zap.Error(err))
			}
		}
	}
}

func (tr *TaskReaper) sweepOnce(ctx context.Context) error {
	sweep := func() error {
		reaped, err := tr.Reap(ctx)
		if err != nil {
			return err
		}
		if reaped > 0 {
			tr.logger.Warn("Reaped orphaned tasks", zap.Int64("count", reaped))
		}
		return nil
	}

	if tr.locks == nil {
		return sweep()
	}
	err := tr.locks.WithLock(ctx, "worker:tasks:reap", 30*time.Second, sweep)
	if errors.Is(err, redisdata.ErrLockNotAcquired) {
		return nil
	}
	return err
}

// Reap fails stale processing rows once and reports how many it touched.
func (tr *TaskReaper) Reap(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-tr.cutoff)
	res := tr.db.WithContext(ctx).Model(&models.ProcessingTask{}).
		Where("status = ? AND updated_at < ?", models.TaskStatusProcessing, cutoff).
		Updates(map[string]interface{}{
			"status":         models.TaskStatusFailed,
			"failure_reason": "runner restart",
			"completed_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("reap orphaned tasks: %w", res.Error)
	}
	return res.RowsAffected, nil
}
