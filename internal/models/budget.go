package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type BudgetPeriod string

const (
	BudgetPeriodDaily   BudgetPeriod = "daily"
	BudgetPeriodMonthly BudgetPeriod = "monthly"
)

type BudgetState string

const (
	BudgetStateOK           BudgetState = "ok"
	BudgetStateSoftExceeded BudgetState = "soft_exceeded"
	BudgetStateHardBlocked  BudgetState = "hard_blocked"
)

// AlertBand orders the thresholds a tenant's spending can cross within a
// period. The band high-water-mark is what debounces alerts: a notification
// goes out only when spending advances into a band above the stored mark.
type AlertBand int

const (
	AlertBandNone AlertBand = iota
	AlertBandApproaching
	AlertBandSoft
	AlertBandHard
)

func (b AlertBand) String() string {
	switch b {
	case AlertBandApproaching:
		return "approaching"
	case AlertBandSoft:
		return "soft"
	case AlertBandHard:
		return "hard"
	default:
		return "none"
	}
}

// TenantBudget is the per-tenant rolling spend counter for one period
// window. A new window gets a new row; usage_to_date_usd only grows within
// a window.
type TenantBudget struct {
	BaseModel
	TenantID    string       `gorm:"not null;uniqueIndex:idx_budget_window" json:"tenant_id"`
	Period      BudgetPeriod `gorm:"not null;uniqueIndex:idx_budget_window" json:"period"`
	PeriodStart time.Time    `gorm:"not null;uniqueIndex:idx_budget_window" json:"period_start"`

	SoftLimitUSD   decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"soft_limit_usd"`
	HardLimitUSD   decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"hard_limit_usd"`
	UsageToDateUSD decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"usage_to_date_usd"`

	State          BudgetState `gorm:"not null;default:ok" json:"state"`
	AlertHighWater int         `gorm:"not null;default:0" json:"alert_high_water"`
}

func (TenantBudget) TableName() string {
	return "tenant_budgets"
}

// StateFor classifies a usage total against the row's limits.
func (b *TenantBudget) StateFor(usage decimal.Decimal) BudgetState {
	switch {
	case usage.GreaterThanOrEqual(b.HardLimitUSD):
		return BudgetStateHardBlocked
	case usage.GreaterThanOrEqual(b.SoftLimitUSD):
		return BudgetStateSoftExceeded
	default:
		return BudgetStateOK
	}
}

// BandFor classifies a usage total into an alert band. softRatio is the
// fraction of the soft limit at which the "approaching" band begins.
func (b *TenantBudget) BandFor(usage decimal.Decimal, softRatio decimal.Decimal) AlertBand {
	switch {
	case usage.GreaterThanOrEqual(b.HardLimitUSD):
		return AlertBandHard
	case usage.GreaterThanOrEqual(b.SoftLimitUSD):
		return AlertBandSoft
	case usage.GreaterThanOrEqual(b.SoftLimitUSD.Mul(softRatio)):
		return AlertBandApproaching
	default:
		return AlertBandNone
	}
}

// PeriodStartFor truncates t to the start of the containing window.
func PeriodStartFor(period BudgetPeriod, t time.Time) time.Time {
	t = t.UTC()
	switch period {
	case BudgetPeriodDaily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
}
