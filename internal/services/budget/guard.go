package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/spendgate/spendgate/internal/models"
	"github.com/spendgate/spendgate/internal/services/alerts"
)

// Decision is the outcome of one budget evaluation. Notify is already
// debounced against the row's alert high-water mark: a band the tenant was
// already alerted for this period comes back Notify=false.
type Decision struct {
	State       models.BudgetState `json:"state"`
	ShouldBlock bool               `json:"should_block"`
	Notify      bool               `json:"notify"`
	Band        models.AlertBand   `json:"-"`
	Message     string             `json:"message,omitempty"`

	SoftLimitUSD   decimal.Decimal `json:"soft_limit_usd"`
	HardLimitUSD   decimal.Decimal `json:"hard_limit_usd"`
	UsageToDateUSD decimal.Decimal `json:"usage_to_date_usd"`
	ProjectedUSD   decimal.Decimal `json:"projected_usd"`
}

// Guard enforces per-tenant spending limits. Evaluate is a pure read used
// as the pre-flight check; Commit applies actual cost under a row lock
// after the usage event is durable. The pair is deliberately not one
// transaction, so concurrent calls can overshoot the hard limit by at most
// the calls already in flight.
type Guard struct {
	db         *gorm.DB
	logger     *zap.Logger
	dispatcher *alerts.Dispatcher
	period     models.BudgetPeriod
	softRatio  decimal.Decimal
}

func NewGuard(db *gorm.DB, dispatcher *alerts.Dispatcher, period models.BudgetPeriod, softAlertRatio float64, logger *zap.Logger) *Guard {
	if period == "" {
		period = models.BudgetPeriodMonthly
	}
	if softAlertRatio <= 0 || softAlertRatio > 1 {
		softAlertRatio = 0.8
	}
	return &Guard{
		db:         db,
		logger:     logger,
		dispatcher: dispatcher,
		period:     period,
		softRatio:  decimal.NewFromFloat(softAlertRatio),
	}
}

// currentRow loads the budget row for the window containing now. When the
// window rolled over since the last write, the previous window's limits
// carry forward as a synthetic unsaved row with zero usage.
func (g *Guard) currentRow(ctx context.Context, q *gorm.DB, tenantID string, forUpdate bool) (*models.TenantBudget, error) {
	periodStart := models.PeriodStartFor(g.period, time.Now())

	query := q.WithContext(ctx).
		Where("tenant_id = ? AND period = ? AND period_start = ?", tenantID, g.period, periodStart)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var row models.TenantBudget
	err := query.First(&row).Error
	if err == nil {
		return &row, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("budget: load row: %w", err)
	}

	// Rollover: inherit limits from the most recent earlier window.
	var prior models.TenantBudget
	err = q.WithContext(ctx).
		Where("tenant_id = ? AND period = ? AND period_start < ?", tenantID, g.period, periodStart).
		Order("period_start DESC").
		First(&prior).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("budget: load prior row: %w", err)
	}

	return &models.TenantBudget{
		TenantID:     tenantID,
		Period:       g.period,
		PeriodStart:  periodStart,
		SoftLimitUSD: prior.SoftLimitUSD,
		HardLimitUSD: prior.HardLimitUSD,
		State:        models.BudgetStateOK,
	}, nil
}

// Evaluate answers "may this tenant spend projectedCost right now". It
// performs no writes; Evaluate(tenant, 0) any number of times leaves the
// system unchanged.
func (g *Guard) Evaluate(ctx context.Context, tenantID string, projectedCost decimal.Decimal) (*Decision, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("budget: tenant_id required")
	}
	if projectedCost.IsNegative() {
		projectedCost = decimal.Zero
	}

	row, err := g.currentRow(ctx, g.db, tenantID, false)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return &Decision{
			State:        models.BudgetStateOK,
			ShouldBlock:  false,
			Notify:       false,
			Band:         models.AlertBandNone,
			Message:      "no budget",
			ProjectedUSD: projectedCost,
		}, nil
	}

	newTotal := row.UsageToDateUSD.Add(projectedCost)
	decision := &Decision{
		Band:           row.BandFor(newTotal, g.softRatio),
		SoftLimitUSD:   row.SoftLimitUSD,
		HardLimitUSD:   row.HardLimitUSD,
		UsageToDateUSD: row.UsageToDateUSD,
		ProjectedUSD:   newTotal,
	}

	switch {
	case newTotal.GreaterThanOrEqual(row.HardLimitUSD):
		decision.State = models.BudgetStateHardBlocked
		decision.ShouldBlock = true
		decision.Notify = true
		decision.Message = fmt.Sprintf("hard limit %s reached (projected %s)",
			row.HardLimitUSD.StringFixed(2), newTotal.StringFixed(2))
	case newTotal.GreaterThanOrEqual(row.SoftLimitUSD):
		decision.State = models.BudgetStateSoftExceeded
		decision.Notify = true
		decision.Message = fmt.Sprintf("soft limit %s exceeded (projected %s)",
			row.SoftLimitUSD.StringFixed(2), newTotal.StringFixed(2))
	case newTotal.GreaterThanOrEqual(row.SoftLimitUSD.Mul(g.softRatio)):
		decision.State = models.BudgetStateOK
		decision.Notify = true
		decision.Message = fmt.Sprintf("approaching soft limit %s (projected %s)",
			row.SoftLimitUSD.StringFixed(2), newTotal.StringFixed(2))
	default:
		decision.State = models.BudgetStateOK
	}

	// Debounce: one alert per band per window.
	if decision.Notify && int(decision.Band) <= row.AlertHighWater {
		decision.Notify = false
	}

	return decision, nil
}

// NoteDecision advances the alert high-water mark for a pre-flight decision
// and dispatches the alert when the mark actually moved. The caller uses it
// on paths that never reach Commit, the hard-block path mainly. Errors are
// swallowed: alerting never fails a call.
func (g *Guard) NoteDecision(ctx context.Context, tenantID string, decision *Decision) {
	if decision == nil || !decision.Notify {
		return
	}

	advanced, err := g.advanceHighWater(ctx, tenantID, decision.Band)
	if err != nil {
		g.logger.Warn("Failed to advance alert high-water mark",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		return
	}
	if advanced {
		g.dispatchAlert(ctx, tenantID, decision.State, decision.Band, decision.UsageToDateUSD, decision.Message)
	}
}

// Commit adds actual cost to the tenant's running total and recomputes the
// row state, creating the window row on first write. Runs inside a
// transaction with the row locked, so concurrent commits serialize.
func (g *Guard) Commit(ctx context.Context, tenantID string, actualCost decimal.Decimal) error {
	if tenantID == "" {
		return fmt.Errorf("budget: tenant_id required")
	}
	if actualCost.IsNegative() {
		return fmt.Errorf("budget: negative cost %s", actualCost)
	}

	var crossed models.AlertBand
	var alertRow *models.TenantBudget

	err := g.db.Transaction(func(tx *gorm.DB) error {
		row, err := g.currentRow(ctx, tx, tenantID, true)
		if err != nil {
			return err
		}
		if row == nil {
			// No budget configured: nothing to track, usage events remain
			// the source of truth.
			return nil
		}

		if row.ID == uuid.Nil {
			// First write of this window. OnConflict absorbs the race with
			// a concurrent first committer; the locked re-read below picks
			// up whichever row won.
			if err := tx.WithContext(ctx).
				Clauses(clause.OnConflict{DoNothing: true}).
				Create(row).Error; err != nil {
				return fmt.Errorf("budget: create window row: %w", err)
			}
			row, err = g.currentRow(ctx, tx, tenantID, true)
			if err != nil {
				return err
			}
			if row == nil {
				return fmt.Errorf("budget: window row vanished for tenant %s", tenantID)
			}
		}

		newTotal := row.UsageToDateUSD.Add(actualCost).Round(6)
		newState := row.StateFor(newTotal)
		newBand := row.BandFor(newTotal, g.softRatio)

		updates := map[string]interface{}{
			"usage_to_date_usd": newTotal,
			"state":             newState,
		}
		if int(newBand) > row.AlertHighWater {
			updates["alert_high_water"] = int(newBand)
			crossed = newBand
			snapshot := *row
			snapshot.UsageToDateUSD = newTotal
			snapshot.State = newState
			alertRow = &snapshot
		}

		if err := tx.WithContext(ctx).Model(&models.TenantBudget{}).
			Where("id = ?", row.ID).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("budget: commit usage: %w", err)
		}

		return nil
	})
	if err != nil {
		return err
	}

	if alertRow != nil {
		g.dispatchAlert(ctx, tenantID, alertRow.State, crossed, alertRow.UsageToDateUSD, fmt.Sprintf(
			"usage %s crossed the %s band", alertRow.UsageToDateUSD.StringFixed(2), crossed))
	}

	return nil
}

// advanceHighWater bumps the stored mark to band if it is higher, returning
// whether it moved.
func (g *Guard) advanceHighWater(ctx context.Context, tenantID string, band models.AlertBand) (bool, error) {
	var advanced bool

	err := g.db.Transaction(func(tx *gorm.DB) error {
		row, err := g.currentRow(ctx, tx, tenantID, true)
		if err != nil {
			return err
		}
		if row == nil {
			return nil
		}

		if row.ID == uuid.Nil {
			if err := tx.WithContext(ctx).
				Clauses(clause.OnConflict{DoNothing: true}).
				Create(row).Error; err != nil {
				return fmt.Errorf("budget: create window row: %w", err)
			}
			row, err = g.currentRow(ctx, tx, tenantID, true)
			if err != nil || row == nil {
				return err
			}
		}

		if int(band) <= row.AlertHighWater {
			return nil
		}

		if err := tx.WithContext(ctx).Model(&models.TenantBudget{}).
			Where("id = ?", row.ID).
			Update("alert_high_water", int(band)).Error; err != nil {
			return fmt.Errorf("budget: advance high water: %w", err)
		}

		advanced = true
		return nil
	})

	return advanced, err
}

func (g *Guard) dispatchAlert(ctx context.Context, tenantID string, state models.BudgetState, band models.AlertBand, usage decimal.Decimal, message string) {
	if g.dispatcher == nil {
		return
	}

	g.dispatcher.Dispatch(ctx, &alerts.Alert{
		TenantID: tenantID,
		Band:     band.String(),
		State:    string(state),
		Subject:  fmt.Sprintf("Budget alert for %s: %s", tenantID, band),
		Body:     message,
	})

	g.logger.Info("Budget alert dispatched",
		zap.String("tenant_id", tenantID),
		zap.String("band", band.String()),
		zap.String("usage_usd", usage.String()))
}

// SetLimits creates or updates the tenant's budget for the current window.
func (g *Guard) SetLimits(ctx context.Context, tenantID string, soft, hard decimal.Decimal) (*models.TenantBudget, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("budget: tenant_id required")
	}
	if soft.IsNegative() || hard.IsNegative() {
		return nil, fmt.Errorf("budget: limits must be non-negative")
	}
	if soft.GreaterThan(hard) {
		return nil, fmt.Errorf("budget: soft limit %s exceeds hard limit %s", soft, hard)
	}

	periodStart := models.PeriodStartFor(g.period, time.Now())

	var row models.TenantBudget
	err := g.db.Transaction(func(tx *gorm.DB) error {
		err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND period = ? AND period_start = ?", tenantID, g.period, periodStart).
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = models.TenantBudget{
				TenantID:     tenantID,
				Period:       g.period,
				PeriodStart:  periodStart,
				SoftLimitUSD: soft,
				HardLimitUSD: hard,
				State:        models.BudgetStateOK,
			}
			return tx.WithContext(ctx).Create(&row).Error
		}
		if err != nil {
			return err
		}

		row.SoftLimitUSD = soft
		row.HardLimitUSD = hard
		row.State = row.StateFor(row.UsageToDateUSD)
		return tx.WithContext(ctx).Model(&models.TenantBudget{}).
			Where("id = ?", row.ID).
			Updates(map[string]interface{}{
				"soft_limit_usd": soft,
				"hard_limit_usd": hard,
				"state":          row.State,
			}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("budget: set limits: %w", err)
	}

	g.logger.Info("Budget limits set",
		zap.String("tenant_id", tenantID),
		zap.String("soft_usd", soft.String()),
		zap.String("hard_usd", hard.String()))

	return &row, nil
}

// Status returns the current window row, or nil when no budget exists.
func (g *Guard) Status(ctx context.Context, tenantID string) (*models.TenantBudget, error) {
	return g.currentRow(ctx, g.db, tenantID, false)
}
