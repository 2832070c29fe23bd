package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/spendgate/spendgate/internal/models"
	"github.com/spendgate/spendgate/internal/monitoring"
	redisdata "github.com/spendgate/spendgate/internal/services/data/redis"
)

// Reconciler verifies accounting conservation: for every budget window,
// the sum of usage-event costs must equal the window's running counter at
// quiescence. Drift appears when a budget commit fails after its event was
// persisted; the event log is the source of truth, so repair rewrites the
// counter from it.
type Reconciler struct {
	db       *gorm.DB
	locks    *redisdata.LockManager
	logger   *zap.Logger
	interval time.Duration
	repair   bool
	stopCh   chan struct{}
}

type ReconcilerConfig struct {
	DB       *gorm.DB
	Locks    *redisdata.LockManager
	Logger   *zap.Logger
	Interval time.Duration

	// Repair rewrites drifted counters instead of only reporting them.
	Repair bool
}

func NewReconciler(config *ReconcilerConfig) *Reconciler {
	if config.Interval == 0 {
		config.Interval = 5 * time.Minute
	}
	return &Reconciler{
		db:       config.DB,
		locks:    config.Locks,
		logger:   config.Logger,
		interval: config.Interval,
		repair:   config.Repair,
		stopCh:   make(chan struct{}),
	}
}

func (rc *Reconciler) Start(ctx context.Context) error {
	rc.logger.Info("Starting budget reconciler",
		zap.Duration("interval", rc.interval),
		zap.Bool("repair", rc.repair))

	go rc.loop(ctx)
	return nil
}

func (rc *Reconciler) Stop() error {
	rc.logger.Info("Stopping budget reconciler")
	close(rc.stopCh)
	return nil
}

func (rc *Reconciler) loop(ctx context.Context) {
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rc.stopCh:
			return
		case <-ticker.C:
			if err := rc.sweepOnce(ctx); err != nil {
				rc.logger.Error("Reconciliation sweep failed", zap.Error(err))
			}
		}
	}
}

func (rc *Reconciler) sweepOnce(ctx context.Context) error {
	if rc.locks == nil {
		return rc.Sweep(ctx)
	}
	err := rc.locks.WithLock(ctx, "worker:budget:reconcile", time.Minute, func() error {
		return rc.Sweep(ctx)
	})
	if errors.Is(err, redisdata.ErrLockNotAcquired) {
		return nil
	}
	return err
}

// Sweep checks every current budget window against the event log once.
// Exported so the CLI can run an on-demand reconciliation.
func (rc *Reconciler) Sweep(ctx context.Context) error {
	var windows []models.TenantBudget
	now := time.Now().UTC()
	if err := rc.db.WithContext(ctx).
		Where("period_start <= ?", now).
		Find(&windows).Error; err != nil {
		return fmt.Errorf("load budget windows: %w", err)
	}

	checked, drifted := 0, 0
	for i := range windows {
		w := &windows[i]
		if !models.PeriodStartFor(w.Period, now).Equal(w.PeriodStart) {
			// Closed window: its counter is frozen history.
			continue
		}
		checked++

		drift, err := rc.checkWindow(ctx, w, now)
		if err != nil {
			rc.logger.Error("Window reconciliation failed",
				zap.String("tenant_id", w.TenantID),
				zap.Error(err))
			continue
		}
		if !drift.IsZero() {
			drifted++
		}
	}

	rc.logger.Debug("Reconciliation sweep finished",
		zap.Int("windows_checked", checked),
		zap.Int("windows_drifted", drifted))
	return nil
}

// checkWindow computes the drift for one open window and optionally repairs
// the counter under a row lock. Returns event-sum minus counter.
func (rc *Reconciler) checkWindow(ctx context.Context, w *models.TenantBudget, now time.Time) (decimal.Decimal, error) {
	var eventSum decimal.NullDecimal
	err := rc.db.WithContext(ctx).Model(&models.UsageEvent{}).
		Select("SUM(cost_usd)").
		Where("tenant_id = ? AND timestamp >= ? AND timestamp < ?",
			w.TenantID, w.PeriodStart, now).
		Scan(&eventSum).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum usage events: %w", err)
	}

	total := decimal.Zero
	if eventSum.Valid {
		total = eventSum.Decimal.Round(6)
	}
	drift := total.Sub(w.UsageToDateUSD)
	monitoring.SetBudgetDrift(w.TenantID, drift.InexactFloat64())

	if drift.IsZero() {
		return drift, nil
	}

	rc.logger.Warn("Budget counter drift detected",
		zap.String("tenant_id", w.TenantID),
		zap.String("period", string(w.Period)),
		zap.String("counter_usd", w.UsageToDateUSD.String()),
		zap.String("event_sum_usd", total.String()),
		zap.String("drift_usd", drift.String()))

	if !rc.repair {
		return drift, nil
	}

	// In-flight commits move the counter while we recompute, so re-sum
	// inside the transaction with the row held.
	err = rc.db.Transaction(func(tx *gorm.DB) error {
		var row models.TenantBudget
		if err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", w.ID).
			First(&row).Error; err != nil {
			return err
		}

		var lockedSum decimal.NullDecimal
		if err := tx.WithContext(ctx).Model(&models.UsageEvent{}).
			Select("SUM(cost_usd)").
			Where("tenant_id = ? AND timestamp >= ? AND timestamp < ?",
				row.TenantID, row.PeriodStart, time.Now().UTC()).
			Scan(&lockedSum).Error; err != nil {
			return err
		}
		repaired := decimal.Zero
		if lockedSum.Valid {
			repaired = lockedSum.Decimal.Round(6)
		}

		return tx.WithContext(ctx).Model(&models.TenantBudget{}).
			Where("id = ?", row.ID).
			Updates(map[string]interface{}{
				"usage_to_date_usd": repaired,
				"state":             row.StateFor(repaired),
			}).Error
	})
	if err != nil {
		return drift, fmt.Errorf("repair counter: %w", err)
	}

	rc.logger.Info("Budget counter repaired",
		zap.String("tenant_id", w.TenantID),
		zap.String("drift_usd", drift.String()))
	return drift, nil
}
