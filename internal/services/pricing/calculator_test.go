package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spendgate/spendgate/internal/models"
)

func price(input, output string) *models.PriceRow {
	return &models.PriceRow{
		Provider:    "openai",
		Model:       "m1",
		InputPer1K:  decimal.RequireFromString(input),
		OutputPer1K: decimal.RequireFromString(output),
	}
}

func TestCost(t *testing.T) {
	t.Run("provider reported usage", func(t *testing.T) {
		p := price("0.05", "0.15")

		cost := Cost(p, 1000, 2000, 0, false)

		assert.Equal(t, "0.350000", cost.StringFixed(6))
	})

	t.Run("nil price is zero", func(t *testing.T) {
		assert.True(t, Cost(nil, 1000, 2000, 0, false).IsZero())
	})

	t.Run("rounds half up to six places", func(t *testing.T) {
		// 500 tokens at 0.0000015 per 1K = 0.00000075, which rounds up.
		p := price("0.0000015", "0")

		cost := Cost(p, 500, 0, 0, false)

		assert.Equal(t, "0.000001", cost.StringFixed(6))
	})

	t.Run("reasoning tokens billed when priced", func(t *testing.T) {
		p := price("0.05", "0.15")
		p.ReasoningPer1K = decimal.NewNullDecimal(decimal.RequireFromString("0.60"))

		cost := Cost(p, 1000, 2000, 500, false)

		// 0.05 + 0.30 + 0.30
		assert.Equal(t, "0.650000", cost.StringFixed(6))
	})

	t.Run("reasoning tokens free when unpriced", func(t *testing.T) {
		p := price("0.05", "0.15")

		cost := Cost(p, 1000, 2000, 500, false)

		assert.Equal(t, "0.350000", cost.StringFixed(6))
	})

	t.Run("cache discount applies to input only", func(t *testing.T) {
		p := price("0.05", "0.15")
		p.CacheDiscount = decimal.NewNullDecimal(decimal.RequireFromString("0.5"))

		cost := Cost(p, 1000, 2000, 0, true)

		// input 0.05 * 0.5 = 0.025, output 0.30
		assert.Equal(t, "0.325000", cost.StringFixed(6))
	})

	t.Run("cache hit without discount is full price", func(t *testing.T) {
		p := price("0.05", "0.15")

		cost := Cost(p, 1000, 2000, 0, true)

		assert.Equal(t, "0.350000", cost.StringFixed(6))
	})

	t.Run("pure function", func(t *testing.T) {
		p := price("0.0137", "0.0419")

		first := Cost(p, 1234, 5678, 91, true)
		second := Cost(p, 1234, 5678, 91, true)

		require.True(t, first.Equal(second))
	})

	t.Run("zero tokens cost zero", func(t *testing.T) {
		p := price("0.05", "0.15")

		assert.True(t, Cost(p, 0, 0, 0, false).IsZero())
	})
}

func TestProjectedCost(t *testing.T) {
	p := price("0.05", "0.15")
	p.CacheDiscount = decimal.NewNullDecimal(decimal.RequireFromString("0.9"))

	// The projection ignores the cache discount.
	projected := ProjectedCost(p, 1000, 500)

	assert.Equal(t, "0.125000", projected.StringFixed(6))
}
