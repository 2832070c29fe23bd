package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/spendgate/spendgate/cmd/spendgate/commands"
	"github.com/spendgate/spendgate/internal/models"
)

var (
	dbURL      string
	outputJSON bool
	verbose    bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "spendgate",
		Short: "Spendgate Management CLI",
		Long: `A CLI tool for operating spendgate: model prices, tenant budgets,
the fractional billing ledger, usage reporting, and processing tasks.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", "", "database URL (default $DATABASE_URL)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "verbose output")

	ctx := context.Background()
	rootCmd.AddCommand(commands.NewPriceCommand(ctx))
	rootCmd.AddCommand(commands.NewTenantCommand(ctx))
	rootCmd.AddCommand(commands.NewBudgetCommand(ctx))
	rootCmd.AddCommand(commands.NewLedgerCommand(ctx))
	rootCmd.AddCommand(commands.NewUsageCommand(ctx))
	rootCmd.AddCommand(commands.NewTaskCommand(ctx))

	return rootCmd
}

func initConfig() error {
	_ = godotenv.Load()

	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}

	if dbURL != "" {
		db, err := gorm.Open(postgres.Open(dbURL), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}

		if err := db.AutoMigrate(
			&models.PriceRow{},
			&models.UsageEvent{},
			&models.TenantBudget{},
			&models.TenantBalance{},
			&models.FractionalBillingEvent{},
			&models.ProcessingTask{},
		); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}

		commands.SetDB(db)
	}

	commands.SetOutputJSON(outputJSON)
	commands.SetVerbose(verbose)

	return nil
}
