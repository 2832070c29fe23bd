package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AccessType string

const (
	AccessTypeOneTime      AccessType = "one_time"
	AccessTypeSubscription AccessType = "subscription"
	AccessTypePayPerUse    AccessType = "pay_per_use"
	AccessTypeFreeTier     AccessType = "free_tier"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// FractionalBillingEvent records one fractional charge against a tenant
// balance. FractionalAmount + CostSavings always equals OriginalCost.
// Append-only.
type FractionalBillingEvent struct {
	ID        uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	Timestamp time.Time `gorm:"not null;index:idx_billing_tenant_ts,priority:2" json:"timestamp"`
	CreatedAt time.Time `json:"created_at"`

	TenantID string `gorm:"not null;index:idx_billing_tenant_ts,priority:1" json:"tenant_id"`
	UserID   string `json:"user_id,omitempty"`
	APIName  string `gorm:"not null" json:"api_name"`

	AccessType AccessType `gorm:"not null" json:"access_type"`

	OriginalCost     decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"original_cost"`
	FractionalAmount decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"fractional_amount"`
	CostSavings      decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"cost_savings"`
	Currency         string          `gorm:"not null;default:USD" json:"currency"`

	ExpiresAt       *time.Time    `json:"expires_at,omitempty"`
	PaymentStatus   PaymentStatus `gorm:"not null;default:pending" json:"payment_status"`
	PricingRuleUsed string        `gorm:"not null" json:"pricing_rule_used"`
}

func (FractionalBillingEvent) TableName() string {
	return "fractional_billing_events"
}

// Balanced verifies the conservation identity of the event.
func (e *FractionalBillingEvent) Balanced() bool {
	return e.FractionalAmount.Add(e.CostSavings).Equal(e.OriginalCost) &&
		!e.FractionalAmount.IsNegative() &&
		!e.CostSavings.IsNegative()
}
