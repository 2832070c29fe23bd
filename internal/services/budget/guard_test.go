package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/spendgate/spendgate/internal/models"
	"github.com/spendgate/spendgate/internal/services/alerts"
	"github.com/spendgate/spendgate/internal/testutil"
)

type captureAlerter struct {
	mu     sync.Mutex
	alerts []*alerts.Alert
	ch     chan *alerts.Alert
}

func newCaptureAlerter() *captureAlerter {
	return &captureAlerter{ch: make(chan *alerts.Alert, 16)}
}

func (c *captureAlerter) Name() string { return "capture" }

func (c *captureAlerter) Send(_ context.Context, alert *alerts.Alert) error {
	c.mu.Lock()
	c.alerts = append(c.alerts, alert)
	c.mu.Unlock()
	c.ch <- alert
	return nil
}

func (c *captureAlerter) waitOne(t *testing.T) *alerts.Alert {
	t.Helper()
	select {
	case alert := <-c.ch:
		return alert
	case <-time.After(2 * time.Second):
		t.Fatal("expected an alert")
		return nil
	}
}

func (c *captureAlerter) expectNone(t *testing.T) {
	t.Helper()
	select {
	case alert := <-c.ch:
		t.Fatalf("unexpected alert for tenant %s band %s", alert.TenantID, alert.Band)
	case <-time.After(150 * time.Millisecond):
	}
}

func newTestGuard(t *testing.T) (*Guard, *captureAlerter, *gorm.DB) {
	db, cleanup := testutil.NewTestDB(t)
	t.Cleanup(cleanup)

	capture := newCaptureAlerter()
	dispatcher := alerts.NewDispatcher(capture, nil, time.Second, zap.NewNop())
	guard := NewGuard(db, dispatcher, models.BudgetPeriodMonthly, 0.8, zap.NewNop())

	return guard, capture, db
}

func usd(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestGuard_Evaluate_DecisionTable(t *testing.T) {
	guard, _, _ := newTestGuard(t)
	ctx := context.Background()

	_, err := guard.SetLimits(ctx, "acme", usd("10"), usd("20"))
	require.NoError(t, err)

	t.Run("Well Under Limits", func(t *testing.T) {
		d, err := guard.Evaluate(ctx, "acme", usd("1"))
		require.NoError(t, err)
		assert.Equal(t, models.BudgetStateOK, d.State)
		assert.False(t, d.ShouldBlock)
		assert.False(t, d.Notify)
	})

	t.Run("Approaching Soft Limit", func(t *testing.T) {
		d, err := guard.Evaluate(ctx, "acme", usd("8.5"))
		require.NoError(t, err)
		assert.Equal(t, models.BudgetStateOK, d.State)
		assert.False(t, d.ShouldBlock)
		assert.True(t, d.Notify)
		assert.Equal(t, models.AlertBandApproaching, d.Band)
	})

	t.Run("Soft Exceeded", func(t *testing.T) {
		d, err := guard.Evaluate(ctx, "acme", usd("10.5"))
		require.NoError(t, err)
		assert.Equal(t, models.BudgetStateSoftExceeded, d.State)
		assert.False(t, d.ShouldBlock)
		assert.True(t, d.Notify)
	})

	t.Run("Hard Blocked", func(t *testing.T) {
		d, err := guard.Evaluate(ctx, "acme", usd("20"))
		require.NoError(t, err)
		assert.Equal(t, models.BudgetStateHardBlocked, d.State)
		assert.True(t, d.ShouldBlock)
		assert.True(t, d.Notify)
	})

	t.Run("No Budget Configured", func(t *testing.T) {
		d, err := guard.Evaluate(ctx, "unknown-tenant", usd("999"))
		require.NoError(t, err)
		assert.Equal(t, models.BudgetStateOK, d.State)
		assert.False(t, d.ShouldBlock)
		assert.False(t, d.Notify)
		assert.Equal(t, "no budget", d.Message)
	})

	t.Run("Negative Projection Clamped", func(t *testing.T) {
		d, err := guard.Evaluate(ctx, "acme", usd("-5"))
		require.NoError(t, err)
		assert.Equal(t, models.BudgetStateOK, d.State)
	})
}

func TestGuard_Evaluate_ZeroIsIdempotent(t *testing.T) {
	guard, capture, _ := newTestGuard(t)
	ctx := context.Background()

	_, err := guard.SetLimits(ctx, "acme", usd("10"), usd("20"))
	require.NoError(t, err)

	var first *Decision
	for i := 0; i < 3; i++ {
		d, err := guard.Evaluate(ctx, "acme", decimal.Zero)
		require.NoError(t, err)
		if first == nil {
			first = d
		} else {
			assert.Equal(t, first.State, d.State)
			assert.Equal(t, first.Notify, d.Notify)
			assert.True(t, first.UsageToDateUSD.Equal(d.UsageToDateUSD))
		}
	}

	status, err := guard.Status(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, status.UsageToDateUSD.IsZero())
	capture.expectNone(t)
}

func TestGuard_HardBlockFlow(t *testing.T) {
	guard, capture, _ := newTestGuard(t)
	ctx := context.Background()

	_, err := guard.SetLimits(ctx, "acme", usd("10"), usd("10"))
	require.NoError(t, err)
	require.NoError(t, guard.Commit(ctx, "acme", usd("9.99")))
	capture.waitOne(t) // commit of 9.99 crosses the approaching band

	decision, err := guard.Evaluate(ctx, "acme", usd("0.05"))
	require.NoError(t, err)
	assert.Equal(t, models.BudgetStateHardBlocked, decision.State)
	assert.True(t, decision.ShouldBlock)
	assert.True(t, decision.Notify)

	guard.NoteDecision(ctx, "acme", decision)
	alert := capture.waitOne(t)
	assert.Equal(t, "acme", alert.TenantID)
	assert.Equal(t, "hard", alert.Band)
	assert.Equal(t, string(models.BudgetStateHardBlocked), alert.State)

	// Same band again: debounced at the source.
	again, err := guard.Evaluate(ctx, "acme", usd("0.05"))
	require.NoError(t, err)
	assert.True(t, again.ShouldBlock)
	assert.False(t, again.Notify)

	guard.NoteDecision(ctx, "acme", again)
	capture.expectNone(t)
}

func TestGuard_SoftCrossingAlertsOnce(t *testing.T) {
	guard, capture, _ := newTestGuard(t)
	ctx := context.Background()

	_, err := guard.SetLimits(ctx, "acme", usd("10"), usd("20"))
	require.NoError(t, err)
	require.NoError(t, guard.Commit(ctx, "acme", usd("7.9")))
	capture.expectNone(t) // 7.9 < 8.0, no band crossed yet

	// First call: projection crosses 80% of soft.
	first, err := guard.Evaluate(ctx, "acme", usd("0.5"))
	require.NoError(t, err)
	assert.True(t, first.Notify)
	assert.Equal(t, models.AlertBandApproaching, first.Band)

	guard.NoteDecision(ctx, "acme", first)
	alert := capture.waitOne(t)
	assert.Equal(t, "approaching", alert.Band)

	require.NoError(t, guard.Commit(ctx, "acme", usd("0.5")))
	capture.expectNone(t) // same band, commit must not re-alert

	// Second call stays in the same band: no duplicate.
	second, err := guard.Evaluate(ctx, "acme", usd("0.1"))
	require.NoError(t, err)
	assert.False(t, second.Notify)

	guard.NoteDecision(ctx, "acme", second)
	capture.expectNone(t)
}

func TestGuard_Commit(t *testing.T) {
	guard, capture, _ := newTestGuard(t)
	ctx := context.Background()

	t.Run("Accumulates Exactly", func(t *testing.T) {
		_, err := guard.SetLimits(ctx, "acme", usd("100"), usd("200"))
		require.NoError(t, err)

		require.NoError(t, guard.Commit(ctx, "acme", usd("0.35")))
		require.NoError(t, guard.Commit(ctx, "acme", usd("0.35")))

		status, err := guard.Status(ctx, "acme")
		require.NoError(t, err)
		assert.True(t, status.UsageToDateUSD.Equal(usd("0.7")),
			"expected 0.7, got %s", status.UsageToDateUSD)
		assert.Equal(t, models.BudgetStateOK, status.State)
	})

	t.Run("Recomputes State On Crossing", func(t *testing.T) {
		_, err := guard.SetLimits(ctx, "globex", usd("1"), usd("2"))
		require.NoError(t, err)

		require.NoError(t, guard.Commit(ctx, "globex", usd("1.5")))

		status, err := guard.Status(ctx, "globex")
		require.NoError(t, err)
		assert.Equal(t, models.BudgetStateSoftExceeded, status.State)
		capture.waitOne(t) // soft band crossed

		require.NoError(t, guard.Commit(ctx, "globex", usd("1")))
		status, err = guard.Status(ctx, "globex")
		require.NoError(t, err)
		assert.Equal(t, models.BudgetStateHardBlocked, status.State)
		capture.waitOne(t) // hard band crossed
	})

	t.Run("NoOp Without Budget", func(t *testing.T) {
		require.NoError(t, guard.Commit(ctx, "untracked", usd("5")))

		status, err := guard.Status(ctx, "untracked")
		require.NoError(t, err)
		assert.Nil(t, status)
	})

	t.Run("Rejects Negative Cost", func(t *testing.T) {
		assert.Error(t, guard.Commit(ctx, "acme", usd("-1")))
	})
}

func TestGuard_ConcurrentCommitsSerialize(t *testing.T) {
	guard, _, _ := newTestGuard(t)
	ctx := context.Background()

	_, err := guard.SetLimits(ctx, "acme", usd("1000"), usd("2000"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, guard.Commit(ctx, "acme", usd("1.11")))
		}()
	}
	wg.Wait()

	status, err := guard.Status(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, status.UsageToDateUSD.Equal(usd("11.1")),
		"expected 11.1, got %s", status.UsageToDateUSD)
}

func TestGuard_SetLimits(t *testing.T) {
	guard, _, _ := newTestGuard(t)
	ctx := context.Background()

	t.Run("Rejects Soft Above Hard", func(t *testing.T) {
		_, err := guard.SetLimits(ctx, "acme", usd("30"), usd("20"))
		assert.Error(t, err)
	})

	t.Run("Rejects Negative Limits", func(t *testing.T) {
		_, err := guard.SetLimits(ctx, "acme", usd("-1"), usd("20"))
		assert.Error(t, err)
	})

	t.Run("Update Recomputes State", func(t *testing.T) {
		_, err := guard.SetLimits(ctx, "acme", usd("100"), usd("200"))
		require.NoError(t, err)
		require.NoError(t, guard.Commit(ctx, "acme", usd("50")))

		// Tightening the limits below current usage flips the state.
		row, err := guard.SetLimits(ctx, "acme", usd("10"), usd("40"))
		require.NoError(t, err)
		assert.Equal(t, models.BudgetStateHardBlocked, row.State)
	})
}
