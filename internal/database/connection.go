package database

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/spendgate/spendgate/internal/models"
)

var DB *gorm.DB

type Config struct {
	DSN             string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogLevel        logger.LogLevel
}

func Initialize(cfg *Config) error {
	if cfg.DSN == "" {
		cfg.DSN = os.Getenv("DATABASE_URL")
	}

	if cfg.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}

	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 100
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = time.Hour
	}
	if cfg.LogLevel == 0 {
		cfg.LogLevel = logger.Warn
	}

	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  cfg.LogLevel,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
			Colorful:                  true,
		},
	)

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      newLogger,
		PrepareStmt: true,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxConnections)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	DB = db

	if err := Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func Migrate() error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	DB.Exec("CREATE EXTENSION IF NOT EXISTS \"uuid-ossp\"")

	if err := DB.AutoMigrate(
		&models.PriceRow{},
		&models.UsageEvent{},
		&models.TenantBudget{},
		&models.TenantBalance{},
		&models.FractionalBillingEvent{},
		&models.ProcessingTask{},
	); err != nil {
		return fmt.Errorf("failed to migrate models: %w", err)
	}

	if err := createIndexes(); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	return nil
}

func createIndexes() error {
	// Price lookups walk (provider, model) ordered by effective_from.
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_price_effective ON model_prices(provider, model, effective_from DESC)")

	// Usage event query paths
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_events(timestamp)")
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_usage_tenant_timestamp ON usage_events(tenant_id, timestamp)")
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_usage_provider_model ON usage_events(provider, model)")
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_usage_status ON usage_events(status)")

	// Budget window lookups
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_budget_tenant_period ON tenant_budgets(tenant_id, period, period_start)")

	// Ledger
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_balance_tenant ON tenant_balances(tenant_id)")
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_billing_tenant_timestamp ON fractional_billing_events(tenant_id, timestamp)")

	// Scheduler admission checks scan active tasks per session.
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_task_session_status ON processing_tasks(tenant_id, session_key, status)")
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_task_status ON processing_tasks(status)")

	return nil
}

func Close() error {
	if DB == nil {
		return nil
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

func GetDB() *gorm.DB {
	return DB
}

func IsHealthy() bool {
	if DB == nil {
		return false
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return false
	}
	return sqlDB.Ping() == nil
}
