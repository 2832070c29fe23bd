package usage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spendgate/spendgate/internal/models"
	"github.com/spendgate/spendgate/internal/testutil"
)

func TestStore_Append(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()

	store := NewStore(db, zap.NewNop())
	ctx := context.Background()

	t.Run("Normalizes And Persists", func(t *testing.T) {
		event := &models.UsageEvent{
			TenantID:         "tenant-a",
			SessionID:        "sess-1",
			RunID:            "run-1",
			StepID:           "step-1",
			Provider:         "openai",
			Model:            "gpt-4o",
			PromptTokens:     1000,
			CompletionTokens: 500,
			TotalTokens:      9999, // wrong on purpose, Normalize must fix it
			CostUSD:          decimal.RequireFromString("0.3500001"),
			Status:           models.UsageStatusOK,
			Source:           models.UsageSourceProvider,
		}

		err := store.Append(ctx, event)
		require.NoError(t, err)

		var saved models.UsageEvent
		err = db.Where("id = ?", event.ID).First(&saved).Error
		require.NoError(t, err)

		assert.Equal(t, 1500, saved.TotalTokens)
		assert.False(t, saved.Timestamp.IsZero())
		assert.True(t, saved.CostUSD.Equal(decimal.RequireFromString("0.35")),
			"expected 0.35, got %s", saved.CostUSD)
	})

	t.Run("Rejects Missing Tenant", func(t *testing.T) {
		err := store.Append(ctx, &models.UsageEvent{
			Provider: "openai",
			Model:    "gpt-4o",
		})
		assert.Error(t, err)
	})

	t.Run("Rejects Missing Provider Or Model", func(t *testing.T) {
		err := store.Append(ctx, &models.UsageEvent{
			TenantID: "tenant-a",
			Model:    "gpt-4o",
		})
		assert.Error(t, err)
	})

	t.Run("Defaults Status And Source", func(t *testing.T) {
		event := &models.UsageEvent{
			TenantID: "tenant-a",
			Provider: "openai",
			Model:    "gpt-4o",
		}
		require.NoError(t, store.Append(ctx, event))
		assert.Equal(t, models.UsageStatusOK, event.Status)
		assert.Equal(t, models.UsageSourceProvider, event.Source)
	})
}

func TestStore_TenantSummary(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()

	store := NewStore(db, zap.NewNop())
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	seed := []models.UsageEvent{
		{TenantID: "acme", Timestamp: base, Provider: "openai", Model: "gpt-4o",
			PromptTokens: 1000, CompletionTokens: 500,
			CostUSD: decimal.RequireFromString("0.35"),
			Status:  models.UsageStatusOK, Source: models.UsageSourceProvider},
		{TenantID: "acme", Timestamp: base.Add(time.Minute), Provider: "openai", Model: "gpt-4o-mini",
			PromptTokens: 2000, CompletionTokens: 1000,
			CostUSD: decimal.RequireFromString("0.12"),
			Status:  models.UsageStatusOK, Source: models.UsageSourceEstimated},
		{TenantID: "acme", Timestamp: base.Add(2 * time.Minute), Provider: "anthropic", Model: "claude-sonnet",
			PromptTokens: 100, CompletionTokens: 0,
			CostUSD: decimal.Zero,
			Status:  models.UsageStatusBlocked, Source: models.UsageSourceEstimated},
		{TenantID: "acme", Timestamp: base.Add(3 * time.Minute), Provider: "openai", Model: "gpt-4o",
			PromptTokens: 50, CompletionTokens: 0,
			CostUSD: decimal.Zero,
			Status:  models.UsageStatusError, Source: models.UsageSourceEstimated},
		// Different tenant, must not leak into acme's summary.
		{TenantID: "globex", Timestamp: base, Provider: "openai", Model: "gpt-4o",
			PromptTokens: 9000, CompletionTokens: 9000,
			CostUSD: decimal.RequireFromString("9.99"),
			Status:  models.UsageStatusOK, Source: models.UsageSourceProvider},
		// Outside the window.
		{TenantID: "acme", Timestamp: base.Add(48 * time.Hour), Provider: "openai", Model: "gpt-4o",
			PromptTokens: 777, CompletionTokens: 777,
			CostUSD: decimal.RequireFromString("7.77"),
			Status:  models.UsageStatusOK, Source: models.UsageSourceProvider},
	}
	for i := range seed {
		require.NoError(t, store.Append(ctx, &seed[i]))
	}

	summary, err := store.TenantSummary(ctx, "acme", base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, int64(4), summary.EventCount)
	assert.Equal(t, int64(3150), summary.PromptTokens)
	assert.Equal(t, int64(1500), summary.CompletionTokens)
	assert.Equal(t, int64(4650), summary.TotalTokens)
	assert.True(t, summary.TotalCostUSD.Equal(decimal.RequireFromString("0.47")),
		"expected 0.47, got %s", summary.TotalCostUSD)
	assert.Equal(t, int64(1), summary.BlockedCalls)
	assert.Equal(t, int64(1), summary.ErrorCalls)
	assert.Equal(t, int64(3), summary.EstimatedEvents)

	require.Len(t, summary.ByModel, 3)
	// Ordered by cost, highest first.
	assert.Equal(t, "gpt-4o", summary.ByModel[0].Model)
	assert.Equal(t, int64(2), summary.ByModel[0].Calls)
	assert.True(t, summary.ByModel[0].CostUSD.Equal(decimal.RequireFromString("0.35")))
	assert.Equal(t, "gpt-4o-mini", summary.ByModel[1].Model)

	t.Run("Requires Tenant", func(t *testing.T) {
		_, err := store.TenantSummary(ctx, "", time.Time{}, time.Time{})
		assert.Error(t, err)
	})

	t.Run("Empty Window Is Zeroes", func(t *testing.T) {
		empty, err := store.TenantSummary(ctx, "nobody", time.Time{}, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, int64(0), empty.EventCount)
		assert.True(t, empty.TotalCostUSD.IsZero())
		assert.Empty(t, empty.ByModel)
	})
}

func TestStore_RecentEvents(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()

	store := NewStore(db, zap.NewNop())
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		event := &models.UsageEvent{
			TenantID:  "acme",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Provider:  "openai",
			Model:     "gpt-4o",
			Status:    models.UsageStatusOK,
			Source:    models.UsageSourceProvider,
		}
		require.NoError(t, store.Append(ctx, event))
	}

	events, err := store.RecentEvents(ctx, "acme", 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.True(t, events[0].Timestamp.After(events[1].Timestamp))
	assert.True(t, events[1].Timestamp.After(events[2].Timestamp))
}

func TestStore_Stats(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()

	store := NewStore(db, zap.NewNop())
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	seed := []models.UsageEvent{
		{TenantID: "acme", Timestamp: base, Provider: "openai", Model: "gpt-4o",
			PromptTokens: 100, CompletionTokens: 100,
			CostUSD: decimal.RequireFromString("0.10"),
			Status:  models.UsageStatusOK, Source: models.UsageSourceProvider},
		{TenantID: "globex", Timestamp: base, Provider: "anthropic", Model: "claude-sonnet",
			PromptTokens: 200, CompletionTokens: 200,
			CostUSD: decimal.RequireFromString("0.30"),
			Status:  models.UsageStatusOK, Source: models.UsageSourceProvider},
	}
	for i := range seed {
		require.NoError(t, store.Append(ctx, &seed[i]))
	}

	stats, err := store.Stats(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.EventCount)
	assert.Equal(t, int64(2), stats.TenantCount)
	assert.Equal(t, int64(600), stats.TotalTokens)
	assert.True(t, stats.TotalCostUSD.Equal(decimal.RequireFromString("0.40")))
	require.Len(t, stats.ByProvider, 2)
	assert.Equal(t, "anthropic", stats.ByProvider[0].Provider)
}
