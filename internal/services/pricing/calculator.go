package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/spendgate/spendgate/internal/models"
)

// CostPrecision is the decimal-place precision every persisted USD amount
// carries. Rounding is half-up (away from zero for these non-negative
// amounts), matching what billing reconciliation expects.
const CostPrecision = 6

var perThousand = decimal.NewFromInt(1000)

// Cost computes the USD cost of a call from its token counts and a price
// row. It is a pure function: identical inputs always produce identical
// outputs. A nil price yields zero, which callers record as an estimated
// cost rather than an error.
func Cost(price *models.PriceRow, promptTokens, completionTokens, reasoningTokens int, cacheHit bool) decimal.Decimal {
	if price == nil {
		return decimal.Zero
	}

	input := decimal.NewFromInt(int64(promptTokens)).Mul(price.InputPer1K).Div(perThousand)
	output := decimal.NewFromInt(int64(completionTokens)).Mul(price.OutputPer1K).Div(perThousand)

	reason := decimal.Zero
	if reasoningTokens > 0 && price.ReasoningPer1K.Valid {
		reason = decimal.NewFromInt(int64(reasoningTokens)).Mul(price.ReasoningPer1K.Decimal).Div(perThousand)
	}

	if cacheHit && price.CacheDiscount.Valid {
		input = input.Mul(decimal.NewFromInt(1).Sub(price.CacheDiscount.Decimal))
	}

	total := input.Add(output).Add(reason).Round(CostPrecision)
	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}

// ProjectedCost is the pre-dispatch estimate used by the budget gate: the
// estimated prompt tokens plus a fixed output-token ceiling, no cache
// discount applied so the projection stays conservative.
func ProjectedCost(price *models.PriceRow, estPromptTokens, estOutputTokens int) decimal.Decimal {
	return Cost(price, estPromptTokens, estOutputTokens, 0, false)
}
