package models

import (
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

type BillingTier string

const (
	TierDemo       BillingTier = "demo"
	TierStarter    BillingTier = "starter"
	TierPro        BillingTier = "pro"
	TierEnterprise BillingTier = "enterprise"
)

// MonthlyCredit returns the credit a tenant of this tier starts with.
func (t BillingTier) MonthlyCredit() decimal.Decimal {
	switch t {
	case TierStarter:
		return decimal.NewFromInt(100)
	case TierPro:
		return decimal.NewFromInt(500)
	case TierEnterprise:
		return decimal.NewFromInt(2500)
	default:
		return decimal.NewFromInt(10)
	}
}

func (t BillingTier) Valid() bool {
	switch t {
	case TierDemo, TierStarter, TierPro, TierEnterprise:
		return true
	}
	return false
}

// TenantBalance is the fractional-billing account for one tenant. Charges
// move value from CreditBalance to TotalSpent atomically; the balance never
// goes negative at rest.
type TenantBalance struct {
	BaseModel
	TenantID string      `gorm:"not null;uniqueIndex" json:"tenant_id"`
	Tier     BillingTier `gorm:"not null;default:demo" json:"tier"`

	CreditBalance decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"credit_balance"`
	TotalSpent    decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"total_spent"`
	TotalSaved    decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"total_saved"`

	// APIsAccessed counts paid-access transactions; the free-tier rule keys
	// off it.
	APIsAccessed int `gorm:"not null;default:0" json:"apis_accessed"`

	Entitlements pq.StringArray `gorm:"type:text[]" json:"entitlements,omitempty"`

	LastTransactionAt *time.Time `json:"last_transaction_at,omitempty"`
}

func (TenantBalance) TableName() string {
	return "tenant_balances"
}

// CanAfford reports whether a charge of amount would keep the balance
// non-negative.
func (b *TenantBalance) CanAfford(amount decimal.Decimal) bool {
	return b.CreditBalance.GreaterThanOrEqual(amount)
}
