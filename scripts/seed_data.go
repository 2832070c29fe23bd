package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/spendgate/spendgate/internal/config"
	"github.com/spendgate/spendgate/internal/database"
	"github.com/spendgate/spendgate/internal/models"
	"github.com/spendgate/spendgate/internal/services/budget"
	"github.com/spendgate/spendgate/internal/services/ledger"
	"github.com/spendgate/spendgate/internal/services/pricing"
)

// Seeds a development database: a price table for common models plus a few
// demo tenants with budgets and ledger balances.
func main() {
	_ = godotenv.Load("../.env")

	cfg, err := config.Load("")
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	dbConfig := &database.Config{
		DSN:             cfg.Database.URL,
		MaxConnections:  cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}
	if err := database.Initialize(dbConfig); err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	defer database.Close()

	db := database.GetDB()
	if err := db.AutoMigrate(
		&models.PriceRow{},
		&models.UsageEvent{},
		&models.TenantBudget{},
		&models.TenantBalance{},
		&models.FractionalBillingEvent{},
		&models.ProcessingTask{},
	); err != nil {
		log.Fatal("Failed to migrate:", err)
	}

	ctx := context.Background()
	logger := zap.NewNop()
	effective := time.Now().UTC().Add(-24 * time.Hour)

	prices := pricing.NewTable(db, logger, time.Minute)
	priceRows := []models.PriceRow{
		{Provider: "openai", Model: "gpt-4o", EffectiveFrom: effective,
			InputPer1K:  decimal.RequireFromString("0.0025"),
			OutputPer1K: decimal.RequireFromString("0.01")},
		{Provider: "openai", Model: "gpt-4o-mini", EffectiveFrom: effective,
			InputPer1K:  decimal.RequireFromString("0.00015"),
			OutputPer1K: decimal.RequireFromString("0.0006")},
		{Provider: "anthropic", Model: "claude-sonnet", EffectiveFrom: effective,
			InputPer1K:     decimal.RequireFromString("0.003"),
			OutputPer1K:    decimal.RequireFromString("0.015"),
			ReasoningPer1K: decimal.NewNullDecimal(decimal.RequireFromString("0.015")),
			CacheDiscount:  decimal.NewNullDecimal(decimal.RequireFromString("0.9"))},
		{Provider: "openai", Model: "text-embedding-3-small", EffectiveFrom: effective,
			InputPer1K:  decimal.RequireFromString("0.00002"),
			OutputPer1K: decimal.Zero},
	}
	for i := range priceRows {
		if err := prices.Ingest(ctx, &priceRows[i]); err != nil {
			log.Println("Price row might already exist:", err)
		}
	}
	fmt.Printf("Seeded %d price rows\n", len(priceRows))

	tenants := []struct {
		id   string
		tier models.BillingTier
		soft string
		hard string
	}{
		{"demo-tenant", models.TierDemo, "5", "10"},
		{"starter-tenant", models.TierStarter, "50", "100"},
		{"pro-tenant", models.TierPro, "250", "500"},
	}

	guard := budget.NewGuard(db, nil, models.BudgetPeriodMonthly, 0.8, logger)
	billing := ledger.NewLedger(db, nil, ledger.Config{}, logger)

	for _, tenant := range tenants {
		if _, err := guard.SetLimits(ctx, tenant.id,
			decimal.RequireFromString(tenant.soft),
			decimal.RequireFromString(tenant.hard)); err != nil {
			log.Println("Budget might already exist:", err)
			continue
		}
		if _, err := billing.InitTenant(ctx, tenant.id, tenant.tier); err != nil {
			log.Println("Balance might already exist:", err)
			continue
		}
		fmt.Printf("Seeded tenant %s (%s tier, $%s/$%s budget)\n",
			tenant.id, tenant.tier, tenant.soft, tenant.hard)
	}

	fmt.Println("Seed complete")
}
