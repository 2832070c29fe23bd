package integration

import (
	"context"
	"fmt"
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
	"github.com/spendgate/spendgate/internal/services/budget"
	"github.com/spendgate/spendgate/internal/services/llm"
	"github.com/spendgate/spendgate/internal/services/pricing"
	"github.com/spendgate/spendgate/internal/services/redact"
	"github.com/spendgate/spendgate/internal/services/tokenizer"
	"github.com/spendgate/spendgate/internal/services/tracing"
	"github.com/spendgate/spendgate/internal/services/usage"
	"github.com/spendgate/spendgate/internal/testutil"
)

type pipeline struct {
	db      *gorm.DB
	wrapper *llm.Wrapper
	guard   *budget.Guard
	prices  *pricing.Table
	store   *usage.Store
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	db, cleanup := testutil.NewTestDB(t)
	t.Cleanup(cleanup)

	logger := zap.NewNop()
	dispatcher := alerts.NewDispatcher(alerts.NewLogAlerter(logger), nil, time.Second, logger)
	guard := budget.NewGuard(db, dispatcher, models.BudgetPeriodMonthly, 0.8, logger)
	prices := pricing.NewTable(db, logger, time.Minute)
	store := usage.NewStore(db, logger)

	wrapper := llm.NewWrapper(llm.Config{
		Prices:    prices,
		Estimator: tokenizer.NewHeuristic(logger, 0),
		Redactor:  redact.New(logger, nil),
		Store:     store,
		Guard:     guard,
		Tracer:    tracing.New(),
		Logger:    logger,
	})
	return &pipeline{db: db, wrapper: wrapper, guard: guard, prices: prices, store: store}
}

func (p *pipeline) seedPrice(t *testing.T, provider, model string) {
	t.Helper()
	require.NoError(t, p.prices.Ingest(context.Background(), &models.PriceRow{
		Provider:      provider,
		Model:         model,
		EffectiveFrom: time.Now().UTC().Add(-time.Hour),
		InputPer1K:    decimal.RequireFromString("0.05"),
		OutputPer1K:   decimal.RequireFromString("0.15"),
	}))
}

func callContext(tenant, session string) *llm.CallContext {
	return &llm.CallContext{
		TenantID:  tenant,
		SessionID: session,
		RunID:     "run-1",
		StepID:    "step-1",
	}
}

// The budget counter must equal the summed cost of persisted events even
// when many goroutines across several tenants hit the wrapper at once.
func TestPipeline_ConcurrentTenants_CostConservation(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.seedPrice(t, "openai", "m1")

	tenants := []string{"acme", "globex", "initech"}
	for _, tenant := range tenants {
		_, err := p.guard.SetLimits(ctx, tenant,
			decimal.RequireFromString("500"), decimal.RequireFromString("1000"))
		require.NoError(t, err)
	}

	const callsPerTenant = 10
	var wg sync.WaitGroup
	errs := make(chan error, len(tenants)*callsPerTenant)

	for _, tenant := range tenants {
		for i := 0; i < callsPerTenant; i++ {
			wg.Add(1)
			go func(tenant string, i int) {
				defer wg.Done()
				req := &llm.CallRequest{
					Provider: "openai",
					Model:    "m1",
					Messages: []llm.Message{{Role: "user", Content: fmt.Sprintf("call %d", i)}},
				}
				_, err := p.wrapper.Call(ctx, req, callContext(tenant, fmt.Sprintf("sess-%d", i)),
					func(_ context.Context, _ *llm.CallRequest) (*llm.ProviderResult, error) {
						return &llm.ProviderResult{
							Content: "ok",
							Usage:   &llm.Usage{PromptTokens: 1000, CompletionTokens: 2000, TotalTokens: 3000},
						}, nil
					})
				errs <- err
			}(tenant, i)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// Each call costs 1000*0.05/1k + 2000*0.15/1k = 0.35.
	wantPerTenant := decimal.RequireFromString("0.35").Mul(decimal.NewFromInt(callsPerTenant))

	for _, tenant := range tenants {
		var evs []models.UsageEvent
		require.NoError(t, p.db.Where("tenant_id = ?", tenant).Find(&evs).Error)
		require.Len(t, evs, callsPerTenant, "tenant %s", tenant)

		eventSum := decimal.Zero
		for _, ev := range evs {
			eventSum = eventSum.Add(ev.CostUSD)
		}
		assert.True(t, wantPerTenant.Equal(eventSum),
			"tenant %s: event sum %s want %s", tenant, eventSum, wantPerTenant)

		row, err := p.guard.Status(ctx, tenant)
		require.NoError(t, err)
		assert.True(t, eventSum.Equal(row.UsageToDateUSD),
			"tenant %s: budget counter %s drifted from event sum %s",
			tenant, row.UsageToDateUSD, eventSum)
	}
}

// Once the hard limit is reached, further calls are blocked, blocked calls
// cost nothing, and one tenant's exhaustion never touches another tenant.
func TestPipeline_HardLimitIsolatesTenants(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.seedPrice(t, "openai", "m1")

	// 0.35 per call: two calls fit under 1.00, the third projection does not.
	_, err := p.guard.SetLimits(ctx, "broke", decimal.RequireFromString("0.5"), decimal.RequireFromString("1"))
	require.NoError(t, err)
	_, err = p.guard.SetLimits(ctx, "solvent", decimal.RequireFromString("50"), decimal.RequireFromString("100"))
	require.NoError(t, err)

	call := func(tenant string) error {
		req := &llm.CallRequest{
			Provider: "openai",
			Model:    "m1",
			Messages: []llm.Message{{Role: "user", Content: "hello"}},
		}
		_, err := p.wrapper.Call(ctx, req, callContext(tenant, "sess-1"),
			func(_ context.Context, _ *llm.CallRequest) (*llm.ProviderResult, error) {
				return &llm.ProviderResult{
					Content: "ok",
					Usage:   &llm.Usage{PromptTokens: 1000, CompletionTokens: 2000, TotalTokens: 3000},
				}, nil
			})
		return err
	}

	require.NoError(t, call("broke"))
	require.NoError(t, call("broke"))

	err = call("broke")
	var blocked *llm.BudgetBlockedError
	require.ErrorAs(t, err, &blocked)

	// Blocked event persisted at zero cost; counter stays at 0.70.
	row, err := p.guard.Status(ctx, "broke")
	require.NoError(t, err)
	assert.Equal(t, "0.7", row.UsageToDateUSD.String())

	var blockedCount int64
	require.NoError(t, p.db.Model(&models.UsageEvent{}).
		Where("tenant_id = ? AND status = ?", "broke", models.UsageStatusBlocked).
		Count(&blockedCount).Error)
	assert.Equal(t, int64(1), blockedCount)

	// The other tenant is unaffected.
	require.NoError(t, call("solvent"))
}

// The per-tenant usage summary and the global stats must agree with the
// raw event log after a mixed success/failure workload.
func TestPipeline_SummariesMatchEventLog(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.seedPrice(t, "openai", "m1")
	p.seedPrice(t, "anthropic", "m2")

	_, err := p.guard.SetLimits(ctx, "acme", decimal.RequireFromString("50"), decimal.RequireFromString("100"))
	require.NoError(t, err)

	ok := func(provider, model string) {
		req := &llm.CallRequest{
			Provider: provider,
			Model:    model,
			Messages: []llm.Message{{Role: "user", Content: "hello"}},
		}
		_, err := p.wrapper.Call(ctx, req, callContext("acme", "sess-1"),
			func(_ context.Context, _ *llm.CallRequest) (*llm.ProviderResult, error) {
				return &llm.ProviderResult{
					Content: "ok",
					Usage:   &llm.Usage{PromptTokens: 500, CompletionTokens: 500, TotalTokens: 1000},
				}, nil
			})
		require.NoError(t, err)
	}
	ok("openai", "m1")
	ok("openai", "m1")
	ok("anthropic", "m2")

	// One failed call: recorded, zero cost.
	req := &llm.CallRequest{
		Provider: "openai",
		Model:    "m1",
		Messages: []llm.Message{{Role: "user", Content: "hello"}},
	}
	_, err = p.wrapper.Call(ctx, req, callContext("acme", "sess-1"),
		func(_ context.Context, _ *llm.CallRequest) (*llm.ProviderResult, error) {
			return nil, fmt.Errorf("503 service unavailable")
		})
	require.Error(t, err)

	from := time.Now().UTC().Add(-time.Hour)
	to := time.Now().UTC().Add(time.Hour)

	summary, err := p.store.TenantSummary(ctx, "acme", from, to)
	require.NoError(t, err)
	assert.Equal(t, int64(4), summary.EventCount)
	assert.Equal(t, int64(1), summary.ErrorCalls)
	assert.Equal(t, int64(3000), summary.TotalTokens)
	// 3 successful calls at 500*0.05/1k + 500*0.15/1k = 0.10 each.
	assert.Equal(t, "0.3", summary.TotalCostUSD.String())
	assert.Len(t, summary.ByModel, 2)

	stats, err := p.store.Stats(ctx, from, to)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.EventCount)
	assert.Equal(t, int64(1), stats.TenantCount)
	assert.True(t, summary.TotalCostUSD.Equal(stats.TotalCostUSD))
}
