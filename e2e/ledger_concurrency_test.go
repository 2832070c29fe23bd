package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spendgate/spendgate/internal/models"
	"github.com/spendgate/spendgate/internal/services/ledger"
	"github.com/spendgate/spendgate/internal/testutil"
)

// A demo tenant holds $10 of credit. After the free tier is burned, sixty
// concurrent $1.00 charges must admit exactly ten: the row lock, not luck,
// decides who spends the last dollar.
func TestLedger_ConcurrentCharges_NoDoubleSpend(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	t.Cleanup(cleanup)
	ctx := context.Background()

	l := ledger.NewLedger(db, nil, ledger.Config{}, zap.NewNop())

	bal, err := l.InitTenant(ctx, "acme", models.TierDemo)
	require.NoError(t, err)
	require.Equal(t, "10", bal.CreditBalance.String())

	// Burn the free tier so every later quote hits the fractional rule.
	for i := 0; i < ledger.DefaultFreeTierLimit; i++ {
		q, err := l.Quote(ctx, "acme", fmt.Sprintf("free-api-%d", i), decimal.RequireFromString("50"), models.TierDemo)
		require.NoError(t, err)
		require.Equal(t, "free_tier", q.RuleUsed)
		_, err = l.Charge(ctx, "acme", q)
		require.NoError(t, err)
	}

	// 1% of $100 is $1.00 per access.
	const attempts = 60
	var wg sync.WaitGroup
	outcomes := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q, err := l.Quote(ctx, "acme", fmt.Sprintf("paid-api-%d", i), decimal.RequireFromString("100"), models.TierDemo)
			if err != nil {
				outcomes <- err
				return
			}
			_, err = l.Charge(ctx, "acme", q)
			outcomes <- err
		}(i)
	}
	wg.Wait()
	close(outcomes)

	var succeeded, declined int
	for err := range outcomes {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ledger.ErrInsufficientBalance):
			declined++
		default:
			t.Fatalf("unexpected charge error: %v", err)
		}
	}
	assert.Equal(t, 10, succeeded)
	assert.Equal(t, attempts-10, declined)

	summary, err := l.Summary(ctx, "acme")
	require.NoError(t, err)
	bal = summary.Balance
	assert.True(t, bal.CreditBalance.IsZero(), "balance %s should be exactly spent", bal.CreditBalance)
	assert.Equal(t, "10", bal.TotalSpent.String())
	assert.Equal(t, ledger.DefaultFreeTierLimit+10, bal.APIsAccessed)

	// Declined charges leave no trace in the event log.
	var eventCount int64
	require.NoError(t, db.Model(&models.FractionalBillingEvent{}).
		Where("tenant_id = ?", "acme").Count(&eventCount).Error)
	assert.EqualValues(t, ledger.DefaultFreeTierLimit+10, eventCount)
}

// Savings accounting: every paid access books original minus fractional as
// savings, and the running totals reconcile with the event log.
func TestLedger_SavingsReconcile(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	t.Cleanup(cleanup)
	ctx := context.Background()

	l := ledger.NewLedger(db, nil, ledger.Config{}, zap.NewNop())
	_, err := l.InitTenant(ctx, "globex", models.TierPro)
	require.NoError(t, err)

	originals := []string{"0.05", "20", "300", "1.50"}
	for i, o := range originals {
		q, err := l.Quote(ctx, "globex", fmt.Sprintf("api-%d", i), decimal.RequireFromString(o), models.TierPro)
		require.NoError(t, err)
		require.True(t, q.FractionalAmount.Add(q.Savings).Equal(q.OriginalCost))
		_, err = l.Charge(ctx, "globex", q)
		require.NoError(t, err)
	}

	var events []models.FractionalBillingEvent
	require.NoError(t, db.Where("tenant_id = ?", "globex").Find(&events).Error)
	require.Len(t, events, len(originals))

	spent, saved := decimal.Zero, decimal.Zero
	for _, ev := range events {
		spent = spent.Add(ev.FractionalAmount)
		saved = saved.Add(ev.CostSavings)
	}

	summary, err := l.Summary(ctx, "globex")
	require.NoError(t, err)
	assert.True(t, spent.Equal(summary.Balance.TotalSpent),
		"spent %s vs balance %s", spent, summary.Balance.TotalSpent)
	assert.True(t, saved.Equal(summary.Balance.TotalSaved),
		"saved %s vs balance %s", saved, summary.Balance.TotalSaved)
	assert.True(t, models.TierPro.MonthlyCredit().Sub(spent).Equal(summary.Balance.CreditBalance))
}
