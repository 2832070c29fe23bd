package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceRow is one versioned entry of the provider price table. Rows are
// immutable: a price change is a new row with a later EffectiveFrom, and the
// row in force at any instant is the one with the greatest
// effective_from <= now for its (provider, model).
type PriceRow struct {
	BaseModel
	Provider      string    `gorm:"not null;uniqueIndex:idx_price_key;index:idx_price_lookup" json:"provider"`
	Model         string    `gorm:"not null;uniqueIndex:idx_price_key;index:idx_price_lookup" json:"model"`
	EffectiveFrom time.Time `gorm:"not null;uniqueIndex:idx_price_key" json:"effective_from"`

	// Rates are USD per 1000 tokens.
	InputPer1K     decimal.Decimal     `gorm:"type:decimal(20,10);not null" json:"input_per_1k"`
	OutputPer1K    decimal.Decimal     `gorm:"type:decimal(20,10);not null" json:"output_per_1k"`
	ReasoningPer1K decimal.NullDecimal `gorm:"type:decimal(20,10)" json:"reasoning_per_1k,omitempty"`

	// CacheDiscount d in [0,1] bills cached input at (1-d) * InputPer1K.
	CacheDiscount decimal.NullDecimal `gorm:"type:decimal(5,4)" json:"cache_discount,omitempty"`
}

func (PriceRow) TableName() string {
	return "model_prices"
}

// EffectiveAt reports whether the row is already in force at t.
func (p *PriceRow) EffectiveAt(t time.Time) bool {
	return !p.EffectiveFrom.After(t)
}

// Valid checks the invariants a row must satisfy before ingestion.
func (p *PriceRow) Valid() bool {
	if p.Provider == "" || p.Model == "" || p.EffectiveFrom.IsZero() {
		return false
	}
	if p.InputPer1K.IsNegative() || p.OutputPer1K.IsNegative() {
		return false
	}
	if p.ReasoningPer1K.Valid && p.ReasoningPer1K.Decimal.IsNegative() {
		return false
	}
	if p.CacheDiscount.Valid {
		d := p.CacheDiscount.Decimal
		if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
			return false
		}
	}
	return true
}
