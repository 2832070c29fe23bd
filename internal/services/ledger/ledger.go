// Package ledger implements fractional billing: tenants hold a credit
// balance, each artifact access is charged a fraction of its original cost,
// and the remainder is recorded as savings. Charges are atomic per tenant.
package ledger

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
	"github.com/spendgate/spendgate/internal/monitoring"
	redisdata "github.com/spendgate/spendgate/internal/services/data/redis"
)

// ErrInsufficientBalance is returned by Charge alongside the failed result
// when the tenant cannot cover the fractional amount. No event is written
// and the balance is untouched.
var ErrInsufficientBalance = errors.New("ledger: insufficient balance")

const (
	// DefaultFreeTierLimit is how many accesses are free before the
	// fractional rules start charging.
	DefaultFreeTierLimit = 3

	// defaultChargeLockTTL bounds how long a per-tenant charge lock may
	// be held unless Config.LockTTL overrides it.
	defaultChargeLockTTL = 10 * time.Second
)

var (
	defaultMinimumFraction = decimal.RequireFromString("0.20")
	defaultFractionRate    = decimal.RequireFromString("0.01")
)

// RuleInput is what a pricing rule sees when deciding whether it applies.
type RuleInput struct {
	Tier         models.BillingTier
	APIsAccessed int
	APIName      string
	OriginalCost decimal.Decimal
}

// Rule is one fractional-pricing rule. Rules are evaluated in registration
// order; the first rule that matches decides the fractional amount.
type Rule interface {
	Name() string
	Evaluate(in RuleInput) (decimal.Decimal, bool)
}

// freeTierRule grants the first limit accesses at zero cost.
type freeTierRule struct {
	limit int
}

func (r freeTierRule) Name() string { return "free_tier" }

func (r freeTierRule) Evaluate(in RuleInput) (decimal.Decimal, bool) {
	if in.APIsAccessed < r.limit {
		return decimal.Zero, true
	}
	return decimal.Zero, false
}

// standardFractionRule charges max(minimum, rate × original) capped at the
// original cost. It always matches, so it must be registered last.
type standardFractionRule struct {
	minimum decimal.Decimal
	rate    decimal.Decimal
}

func (r standardFractionRule) Name() string { return "fractional_standard" }

func (r standardFractionRule) Evaluate(in RuleInput) (decimal.Decimal, bool) {
	fraction := in.OriginalCost.Mul(r.rate)
	if fraction.LessThan(r.minimum) {
		fraction = r.minimum
	}
	if fraction.GreaterThan(in.OriginalCost) {
		fraction = in.OriginalCost
	}
	return fraction.Round(6), true
}

// Quote is a priced access, ready to be charged. Savings plus
// FractionalAmount always equals OriginalCost.
type Quote struct {
	TenantID         string             `json:"tenant_id"`
	UserID           string             `json:"user_id,omitempty"`
	APIName          string             `json:"api_name"`
	Tier             models.BillingTier `json:"tier"`
	OriginalCost     decimal.Decimal    `json:"original_cost"`
	FractionalAmount decimal.Decimal    `json:"fractional_amount"`
	Savings          decimal.Decimal    `json:"savings"`
	RuleUsed         string             `json:"rule_used"`
}

// ChargeResult reports the outcome of one charge attempt.
type ChargeResult struct {
	Success bool                           `json:"success"`
	Message string                         `json:"message,omitempty"`
	Event   *models.FractionalBillingEvent `json:"event,omitempty"`
	Balance *models.TenantBalance          `json:"balance,omitempty"`
}

// Summary is a tenant's ledger position.
type Summary struct {
	Balance      *models.TenantBalance           `json:"balance"`
	RecentEvents []models.FractionalBillingEvent `json:"recent_events"`
	EventCount   int64                           `json:"event_count"`
}

// Config carries the ledger's tunable rule parameters.
type Config struct {
	FreeTierLimit      int
	MinimumFractionUSD decimal.Decimal
	FractionRate       decimal.Decimal

	// LockTTL bounds how long a per-tenant charge lock may be held.
	LockTTL time.Duration
}

// Ledger manages tenant balances and fractional charges. The redis lock
// manager is optional: without it charges still serialize through the row
// lock, but multi-step admission helpers lose cross-process fencing.
type Ledger struct {
	db      *gorm.DB
	locks   *redisdata.LockManager
	logger  *zap.Logger
	rules   []Rule
	lockTTL time.Duration
}

func NewLedger(db *gorm.DB, locks *redisdata.LockManager, cfg Config, logger *zap.Logger) *Ledger {
	if cfg.FreeTierLimit <= 0 {
		cfg.FreeTierLimit = DefaultFreeTierLimit
	}
	if cfg.MinimumFractionUSD.IsZero() || cfg.MinimumFractionUSD.IsNegative() {
		cfg.MinimumFractionUSD = defaultMinimumFraction
	}
	if cfg.FractionRate.IsZero() || cfg.FractionRate.IsNegative() {
		cfg.FractionRate = defaultFractionRate
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultChargeLockTTL
	}
	return &Ledger{
		db:      db,
		locks:   locks,
		logger:  logger,
		lockTTL: cfg.LockTTL,
		rules: []Rule{
			freeTierRule{limit: cfg.FreeTierLimit},
			standardFractionRule{minimum: cfg.MinimumFractionUSD, rate: cfg.FractionRate},
		},
	}
}

// InitTenant creates the tenant's balance with the tier's monthly credit if
// it does not exist yet. Calling it again is a no-op that returns the
// current row.
func (l *Ledger) InitTenant(ctx context.Context, tenantID string, tier models.BillingTier) (*models.TenantBalance, error) {
	if tenantID == "" {
		return nil, errors.New("ledger: tenant_id is required")
	}
	if !tier.Valid() {
		tier = models.TierDemo
	}

	bal := &models.TenantBalance{
		TenantID:      tenantID,
		Tier:          tier,
		CreditBalance: tier.MonthlyCredit(),
	}
	err := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}},
			DoNothing: true,
		}).
		Create(bal).Error
	if err != nil {
		return nil, fmt.Errorf("init tenant balance: %w", err)
	}

	var current models.TenantBalance
	if err := l.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&current).Error; err != nil {
		return nil, fmt.Errorf("load tenant balance: %w", err)
	}
	return &current, nil
}

// Quote prices one access by walking the rules in priority order. The
// tenant's access count is read from its balance row; a tenant without a
// row quotes as if it had zero accesses.
func (l *Ledger) Quote(ctx context.Context, tenantID, apiName string, originalCost decimal.Decimal, tier models.BillingTier) (*Quote, error) {
	if tenantID == "" || apiName == "" {
		return nil, errors.New("ledger: tenant_id and api_name are required")
	}
	if originalCost.IsNegative() {
		return nil, errors.New("ledger: original cost cannot be negative")
	}
	if !tier.Valid() {
		tier = models.TierDemo
	}

	accessed := 0
	var bal models.TenantBalance
	err := l.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&bal).Error
	switch {
	case err == nil:
		accessed = bal.APIsAccessed
		tier = bal.Tier
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, fmt.Errorf("load tenant balance: %w", err)
	}

	in := RuleInput{
		Tier:         tier,
		APIsAccessed: accessed,
		APIName:      apiName,
		OriginalCost: originalCost.Round(6),
	}
	for _, rule := range l.rules {
		fraction, ok := rule.Evaluate(in)
		if !ok {
			continue
		}
		return &Quote{
			TenantID:         tenantID,
			APIName:          apiName,
			Tier:             tier,
			OriginalCost:     in.OriginalCost,
			FractionalAmount: fraction,
			Savings:          in.OriginalCost.Sub(fraction),
			RuleUsed:         rule.Name(),
		}, nil
	}
	return nil, errors.New("ledger: no pricing rule matched")
}

// Charge applies a quote to the tenant's balance: subtract the fractional
// amount, accumulate spend and savings, bump the access counter and append
// the billing event, all in one transaction under a per-tenant lock. An
// unaffordable charge returns a failed result with ErrInsufficientBalance
// and leaves no trace.
func (l *Ledger) Charge(ctx context.Context, tenantID string, q *Quote) (*ChargeResult, error) {
	if q == nil {
		return nil, errors.New("ledger: quote is required")
	}
	if tenantID == "" {
		tenantID = q.TenantID
	}
	if tenantID == "" {
		return nil, errors.New("ledger: tenant_id is required")
	}
	if q.FractionalAmount.IsNegative() || q.Savings.IsNegative() ||
		!q.FractionalAmount.Add(q.Savings).Equal(q.OriginalCost) {
		return nil, errors.New("ledger: quote amounts do not balance")
	}

	var result *ChargeResult
	apply := func() error {
		r, err := l.chargeTx(ctx, tenantID, q)
		result = r
		return err
	}

	var err error
	if l.locks != nil {
		err = l.locks.WithLockRetry(ctx, "ledger:charge:"+tenantID, l.lockTTL, 3, 50*time.Millisecond, apply)
	} else {
		err = apply()
	}

	if errors.Is(err, ErrInsufficientBalance) {
		monitoring.RecordLedgerCharge(q.RuleUsed, "insufficient", 0)
		return &ChargeResult{
			Success: false,
			Message: "insufficient balance",
		}, ErrInsufficientBalance
	}
	if err != nil {
		return nil, err
	}

	monitoring.RecordLedgerCharge(q.RuleUsed, "completed", result.Event.CostSavings.InexactFloat64())
	l.logger.Info("fractional charge applied",
		zap.String("tenant_id", tenantID),
		zap.String("api_name", q.APIName),
		zap.String("rule", q.RuleUsed),
		zap.String("fractional_usd", q.FractionalAmount.String()),
		zap.String("savings_usd", q.Savings.String()))
	return result, nil
}

// chargeTx runs the balance mutation under a row lock. The tenant row is
// created on first reference with the quote tier's credit.
func (l *Ledger) chargeTx(ctx context.Context, tenantID string, q *Quote) (*ChargeResult, error) {
	var result *ChargeResult
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var bal models.TenantBalance
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ?", tenantID).
			First(&bal).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			tier := q.Tier
			if !tier.Valid() {
				tier = models.TierDemo
			}
			bal = models.TenantBalance{
				TenantID:      tenantID,
				Tier:          tier,
				CreditBalance: tier.MonthlyCredit(),
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "tenant_id"}},
				DoNothing: true,
			}).Create(&bal).Error; err != nil {
				return fmt.Errorf("init tenant balance: %w", err)
			}
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("tenant_id = ?", tenantID).
				First(&bal).Error; err != nil {
				return fmt.Errorf("reload tenant balance: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("load tenant balance: %w", err)
		}

		if q.FractionalAmount.IsPositive() && !bal.CanAfford(q.FractionalAmount) {
			return ErrInsufficientBalance
		}

		now := time.Now().UTC()
		newBalance := bal.CreditBalance.Sub(q.FractionalAmount)
		newSpent := bal.TotalSpent.Add(q.FractionalAmount)
		newSaved := bal.TotalSaved.Add(q.Savings)

		if err := tx.Model(&bal).Updates(map[string]interface{}{
			"credit_balance":      newBalance,
			"total_spent":         newSpent,
			"total_saved":         newSaved,
			"apis_accessed":       bal.APIsAccessed + 1,
			"last_transaction_at": now,
		}).Error; err != nil {
			return fmt.Errorf("update tenant balance: %w", err)
		}

		accessType := models.AccessTypePayPerUse
		if q.RuleUsed == "free_tier" {
			accessType = models.AccessTypeFreeTier
		}
		event := &models.FractionalBillingEvent{
			ID:               uuid.New(),
			Timestamp:        now,
			TenantID:         tenantID,
			UserID:           q.UserID,
			APIName:          q.APIName,
			AccessType:       accessType,
			OriginalCost:     q.OriginalCost,
			FractionalAmount: q.FractionalAmount,
			CostSavings:      q.Savings,
			Currency:         "USD",
			PaymentStatus:    models.PaymentStatusCompleted,
			PricingRuleUsed:  q.RuleUsed,
		}
		if err := tx.Create(event).Error; err != nil {
			return fmt.Errorf("append billing event: %w", err)
		}

		bal.CreditBalance = newBalance
		bal.TotalSpent = newSpent
		bal.TotalSaved = newSaved
		bal.APIsAccessed++
		bal.LastTransactionAt = &now
		result = &ChargeResult{Success: true, Event: event, Balance: &bal}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Credit tops up an existing tenant balance.
func (l *Ledger) Credit(ctx context.Context, tenantID string, amount decimal.Decimal, reason string) (*models.TenantBalance, error) {
	if tenantID == "" {
		return nil, errors.New("ledger: tenant_id is required")
	}
	if !amount.IsPositive() {
		return nil, errors.New("ledger: credit amount must be positive")
	}

	var bal models.TenantBalance
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ?", tenantID).
			First(&bal).Error; err != nil {
			return fmt.Errorf("load tenant balance: %w", err)
		}
		now := time.Now().UTC()
		bal.CreditBalance = bal.CreditBalance.Add(amount)
		bal.LastTransactionAt = &now
		return tx.Model(&bal).Updates(map[string]interface{}{
			"credit_balance":      bal.CreditBalance,
			"last_transaction_at": now,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("tenant credited",
		zap.String("tenant_id", tenantID),
		zap.String("amount_usd", amount.String()),
		zap.String("reason", reason))
	return &bal, nil
}

// Summary returns the tenant's balance, recent events and event count.
func (l *Ledger) Summary(ctx context.Context, tenantID string) (*Summary, error) {
	if tenantID == "" {
		return nil, errors.New("ledger: tenant_id is required")
	}

	var bal models.TenantBalance
	if err := l.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&bal).Error; err != nil {
		return nil, fmt.Errorf("load tenant balance: %w", err)
	}

	var events []models.FractionalBillingEvent
	if err := l.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("timestamp DESC").
		Limit(20).
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("load billing events: %w", err)
	}

	var count int64
	if err := l.db.WithContext(ctx).
		Model(&models.FractionalBillingEvent{}).
		Where("tenant_id = ?", tenantID).
		Count(&count).Error; err != nil {
		return nil, fmt.Errorf("count billing events: %w", err)
	}

	return &Summary{Balance: &bal, RecentEvents: events, EventCount: count}, nil
}
