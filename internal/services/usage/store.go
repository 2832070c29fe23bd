package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/spendgate/spendgate/internal/models"
)

// Store is the append-only sink for usage events. The call wrapper treats a
// successful Append as its durability barrier: budget commits and billing
// only happen after the event row exists.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewStore(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// Append persists a single usage event. Events are never updated or deleted
// afterwards.
func (s *Store) Append(ctx context.Context, event *models.UsageEvent) error {
	if event == nil {
		return fmt.Errorf("usage: nil event")
	}
	event.Normalize()

	if event.TenantID == "" {
		return fmt.Errorf("usage: event missing tenant_id")
	}
	if event.Provider == "" || event.Model == "" {
		return fmt.Errorf("usage: event missing provider/model")
	}
	if event.Status == "" {
		event.Status = models.UsageStatusOK
	}
	if event.Source == "" {
		event.Source = models.UsageSourceProvider
	}

	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("usage: append event: %w", err)
	}

	s.logger.Debug("Usage event appended",
		zap.String("event_id", event.ID.String()),
		zap.String("tenant_id", event.TenantID),
		zap.String("model", event.Model),
		zap.Int("total_tokens", event.TotalTokens),
		zap.String("cost_usd", event.CostUSD.String()),
		zap.String("status", string(event.Status)))

	return nil
}

// ModelUsage is one row of the per-model breakdown.
type ModelUsage struct {
	Provider string          `json:"provider"`
	Model    string          `json:"model"`
	Calls    int64           `json:"calls"`
	Tokens   int64           `json:"tokens"`
	CostUSD  decimal.Decimal `json:"cost_usd"`
}

// Summary aggregates a tenant's usage over a window.
type Summary struct {
	TenantID         string          `json:"tenant_id"`
	From             time.Time       `json:"from"`
	To               time.Time       `json:"to"`
	EventCount       int64           `json:"event_count"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	TotalTokens      int64           `json:"total_tokens"`
	TotalCostUSD     decimal.Decimal `json:"total_cost_usd"`
	BlockedCalls     int64           `json:"blocked_calls"`
	ErrorCalls       int64           `json:"error_calls"`
	EstimatedEvents  int64           `json:"estimated_events"`
	ByModel          []ModelUsage    `json:"by_model"`
}

// TenantSummary computes totals and a per-model breakdown for one tenant
// between from (inclusive) and to (exclusive).
func (s *Store) TenantSummary(ctx context.Context, tenantID string, from, to time.Time) (*Summary, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("usage: tenant_id required")
	}

	summary := &Summary{
		TenantID: tenantID,
		From:     from,
		To:       to,
	}

	var totals struct {
		EventCount       int64
		PromptTokens     int64
		CompletionTokens int64
		TotalTokens      int64
		TotalCost        decimal.Decimal
	}
	err := s.windowQuery(ctx, tenantID, from, to).
		Select("COUNT(*) as event_count, " +
			"COALESCE(SUM(prompt_tokens), 0) as prompt_tokens, " +
			"COALESCE(SUM(completion_tokens), 0) as completion_tokens, " +
			"COALESCE(SUM(total_tokens), 0) as total_tokens, " +
			"COALESCE(SUM(cost_usd), 0) as total_cost").
		Scan(&totals).Error
	if err != nil {
		return nil, fmt.Errorf("usage: tenant totals: %w", err)
	}
	summary.EventCount = totals.EventCount
	summary.PromptTokens = totals.PromptTokens
	summary.CompletionTokens = totals.CompletionTokens
	summary.TotalTokens = totals.TotalTokens
	summary.TotalCostUSD = totals.TotalCost.Round(6)

	var statusCounts []struct {
		Status models.UsageStatus
		Count  int64
	}
	err = s.windowQuery(ctx, tenantID, from, to).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&statusCounts).Error
	if err != nil {
		return nil, fmt.Errorf("usage: status counts: %w", err)
	}
	for _, sc := range statusCounts {
		switch sc.Status {
		case models.UsageStatusBlocked:
			summary.BlockedCalls = sc.Count
		case models.UsageStatusError:
			summary.ErrorCalls = sc.Count
		}
	}

	err = s.windowQuery(ctx, tenantID, from, to).
		Where("source = ?", models.UsageSourceEstimated).
		Select("COUNT(*)").
		Scan(&summary.EstimatedEvents).Error
	if err != nil {
		return nil, fmt.Errorf("usage: estimated count: %w", err)
	}

	var byModel []struct {
		Provider string
		Model    string
		Calls    int64
		Tokens   int64
		Cost     decimal.Decimal
	}
	err = s.windowQuery(ctx, tenantID, from, to).
		Select("provider, model, COUNT(*) as calls, COALESCE(SUM(total_tokens), 0) as tokens, COALESCE(SUM(cost_usd), 0) as cost").
		Group("provider, model").
		Order("cost DESC").
		Scan(&byModel).Error
	if err != nil {
		return nil, fmt.Errorf("usage: model breakdown: %w", err)
	}
	for _, m := range byModel {
		summary.ByModel = append(summary.ByModel, ModelUsage{
			Provider: m.Provider,
			Model:    m.Model,
			Calls:    m.Calls,
			Tokens:   m.Tokens,
			CostUSD:  m.Cost.Round(6),
		})
	}

	return summary, nil
}

func (s *Store) windowQuery(ctx context.Context, tenantID string, from, to time.Time) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.UsageEvent{}).Where("tenant_id = ?", tenantID)
	if !from.IsZero() {
		query = query.Where("timestamp >= ?", from)
	}
	if !to.IsZero() {
		query = query.Where("timestamp < ?", to)
	}
	return query
}

// RecentEvents returns the newest events for a tenant, newest first.
func (s *Store) RecentEvents(ctx context.Context, tenantID string, limit int) ([]models.UsageEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	var events []models.UsageEvent
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("usage: recent events: %w", err)
	}
	return events, nil
}

// ProviderUsage is one row of the global per-provider breakdown.
type ProviderUsage struct {
	Provider string          `json:"provider"`
	Calls    int64           `json:"calls"`
	Tokens   int64           `json:"tokens"`
	CostUSD  decimal.Decimal `json:"cost_usd"`
}

// GlobalStats aggregates usage across all tenants over a window.
type GlobalStats struct {
	From         time.Time       `json:"from"`
	To           time.Time       `json:"to"`
	EventCount   int64           `json:"event_count"`
	TenantCount  int64           `json:"tenant_count"`
	TotalTokens  int64           `json:"total_tokens"`
	TotalCostUSD decimal.Decimal `json:"total_cost_usd"`
	ByProvider   []ProviderUsage `json:"by_provider"`
}

// Stats computes cross-tenant totals for the operator CLI and admin API.
func (s *Store) Stats(ctx context.Context, from, to time.Time) (*GlobalStats, error) {
	stats := &GlobalStats{From: from, To: to}

	base := func() *gorm.DB {
		query := s.db.WithContext(ctx).Model(&models.UsageEvent{})
		if !from.IsZero() {
			query = query.Where("timestamp >= ?", from)
		}
		if !to.IsZero() {
			query = query.Where("timestamp < ?", to)
		}
		return query
	}

	var totals struct {
		EventCount  int64
		TenantCount int64
		TotalTokens int64
		TotalCost   decimal.Decimal
	}
	err := base().
		Select("COUNT(*) as event_count, " +
			"COUNT(DISTINCT tenant_id) as tenant_count, " +
			"COALESCE(SUM(total_tokens), 0) as total_tokens, " +
			"COALESCE(SUM(cost_usd), 0) as total_cost").
		Scan(&totals).Error
	if err != nil {
		return nil, fmt.Errorf("usage: global totals: %w", err)
	}
	stats.EventCount = totals.EventCount
	stats.TenantCount = totals.TenantCount
	stats.TotalTokens = totals.TotalTokens
	stats.TotalCostUSD = totals.TotalCost.Round(6)

	var byProvider []struct {
		Provider string
		Calls    int64
		Tokens   int64
		Cost     decimal.Decimal
	}
	err = base().
		Select("provider, COUNT(*) as calls, COALESCE(SUM(total_tokens), 0) as tokens, COALESCE(SUM(cost_usd), 0) as cost").
		Group("provider").
		Order("cost DESC").
		Scan(&byProvider).Error
	if err != nil {
		return nil, fmt.Errorf("usage: provider breakdown: %w", err)
	}
	for _, p := range byProvider {
		stats.ByProvider = append(stats.ByProvider, ProviderUsage{
			Provider: p.Provider,
			Calls:    p.Calls,
			Tokens:   p.Tokens,
			CostUSD:  p.Cost.Round(6),
		})
	}

	return stats, nil
}
