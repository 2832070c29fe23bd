package commands

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/spendgate/spendgate/internal/models"
	"github.com/spendgate/spendgate/internal/services/budget"
)

// NewBudgetCommand creates the budget management command.
func NewBudgetCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Manage tenant budgets",
		Long:  "Set limits and inspect status for per-tenant spend windows",
	}

	cmd.AddCommand(newBudgetSetCommand(ctx))
	cmd.AddCommand(newBudgetStatusCommand(ctx))

	return cmd
}

func budgetGuard() *budget.Guard {
	return budget.NewGuard(db, nil, models.BudgetPeriodMonthly, 0, cliLogger())
}

func newBudgetSetCommand(ctx context.Context) *cobra.Command {
	var tenantID, softLimit, hardLimit string

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set budget limits",
		Long:  "Set the soft and hard USD limits for the tenant's current window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDB(); err != nil {
				return err
			}

			soft, err := decimal.NewFromString(softLimit)
			if err != nil {
				return fmt.Errorf("invalid soft limit: %w", err)
			}
			hard, err := decimal.NewFromString(hardLimit)
			if err != nil {
				return fmt.Errorf("invalid hard limit: %w", err)
			}

			row, err := budgetGuard().SetLimits(ctx, tenantID, soft, hard)
			if err != nil {
				return fmt.Errorf("failed to set budget: %w", err)
			}

			if outputJSON {
				OutputJSON(row)
				return nil
			}

			fmt.Printf("Budget set for tenant %s (%s window starting %s):\n",
				row.TenantID, row.Period, row.PeriodStart.Format("2006-01-02"))
			fmt.Printf("  Soft Limit: $%s\n", row.SoftLimitUSD.StringFixed(6))
			fmt.Printf("  Hard Limit: $%s\n", row.HardLimitUSD.StringFixed(6))
			fmt.Printf("  Used: $%s\n", row.UsageToDateUSD.StringFixed(6))
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "Tenant identifier")
	cmd.Flags().StringVar(&softLimit, "soft-limit", "", "Soft limit in USD")
	cmd.Flags().StringVar(&hardLimit, "hard-limit", "", "Hard limit in USD")
	_ = cmd.MarkFlagRequired("tenant-id")
	_ = cmd.MarkFlagRequired("soft-limit")
	_ = cmd.MarkFlagRequired("hard-limit")

	return cmd
}

func newBudgetStatusCommand(ctx context.Context) *cobra.Command {
	var tenantID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show budget status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDB(); err != nil {
				return err
			}

			row, err := budgetGuard().Status(ctx, tenantID)
			if err != nil {
				return fmt.Errorf("no budget for tenant %s: %w", tenantID, err)
			}

			if outputJSON {
				OutputJSON(row)
				return nil
			}

			remaining := row.HardLimitUSD.Sub(row.UsageToDateUSD)
			fmt.Printf("Budget status for tenant %s:\n", row.TenantID)
			fmt.Printf("  Window: %s starting %s\n", row.Period, row.PeriodStart.Format("2006-01-02"))
			fmt.Printf("  State: %s\n", row.State)
			fmt.Printf("  Soft Limit: $%s\n", row.SoftLimitUSD.StringFixed(6))
			fmt.Printf("  Hard Limit: $%s\n", row.HardLimitUSD.StringFixed(6))
			fmt.Printf("  Used: $%s\n", row.UsageToDateUSD.StringFixed(6))
			fmt.Printf("  Remaining: $%s\n", remaining.StringFixed(6))
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "Tenant identifier")
	_ = cmd.MarkFlagRequired("tenant-id")

	return cmd
}
