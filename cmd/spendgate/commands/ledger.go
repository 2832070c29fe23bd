package commands

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/spendgate/spendgate/internal/models"
)

// NewLedgerCommand creates the fractional billing ledger command.
func NewLedgerCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Manage the fractional billing ledger",
		Long:  "Quote, charge, and inspect fractional API access billing",
	}

	cmd.AddCommand(newLedgerQuoteCommand(ctx))
	cmd.AddCommand(newLedgerChargeCommand(ctx))
	cmd.AddCommand(newLedgerSummaryCommand(ctx))

	return cmd
}

func newLedgerQuoteCommand(ctx context.Context) *cobra.Command {
	var tenantID, apiName, originalCost, tier string

	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Quote a fractional charge",
		Long:  "Show what a tenant would pay for one API access without charging",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDB(); err != nil {
				return err
			}

			cost, err := decimal.NewFromString(originalCost)
			if err != nil {
				return fmt.Errorf("invalid original cost: %w", err)
			}

			quote, err := billingLedger().Quote(ctx, tenantID, apiName, cost, models.BillingTier(tier))
			if err != nil {
				return fmt.Errorf("failed to quote: %w", err)
			}

			if outputJSON {
				OutputJSON(quote)
				return nil
			}

			fmt.Printf("Quote for tenant %s, API %s:\n", quote.TenantID, quote.APIName)
			fmt.Printf("  Rule: %s\n", quote.RuleUsed)
			fmt.Printf("  Original Cost: $%s\n", quote.OriginalCost.StringFixed(6))
			fmt.Printf("  You Pay: $%s\n", quote.FractionalAmount.StringFixed(6))
			fmt.Printf("  Savings: $%s\n", quote.Savings.StringFixed(6))
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "Tenant identifier")
	cmd.Flags().StringVar(&apiName, "api", "", "API name being accessed")
	cmd.Flags().StringVar(&originalCost, "original-cost", "", "Full list cost in USD")
	cmd.Flags().StringVar(&tier, "tier", string(models.TierDemo), "Billing tier")
	_ = cmd.MarkFlagRequired("tenant-id")
	_ = cmd.MarkFlagRequired("api")
	_ = cmd.MarkFlagRequired("original-cost")

	return cmd
}

func newLedgerChargeCommand(ctx context.Context) *cobra.Command {
	var tenantID, apiName, originalCost, tier string

	cmd := &cobra.Command{
		Use:   "charge",
		Short: "Charge a fractional amount",
		Long:  "Quote and immediately debit the tenant's balance for one API access",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDB(); err != nil {
				return err
			}

			cost, err := decimal.NewFromString(originalCost)
			if err != nil {
				return fmt.Errorf("invalid original cost: %w", err)
			}

			l := billingLedger()
			quote, err := l.Quote(ctx, tenantID, apiName, cost, models.BillingTier(tier))
			if err != nil {
				return fmt.Errorf("failed to quote: %w", err)
			}

			result, err := l.Charge(ctx, tenantID, quote)
			if err != nil {
				if result != nil && !result.Success {
					return fmt.Errorf("charge declined: %s", result.Message)
				}
				return fmt.Errorf("failed to charge: %w", err)
			}

			if outputJSON {
				OutputJSON(result)
				return nil
			}

			fmt.Printf("Charged $%s to tenant %s for %s (rule %s)\n",
				quote.FractionalAmount.StringFixed(6), tenantID, apiName, quote.RuleUsed)
			if result.Balance != nil {
				fmt.Printf("  Remaining Balance: $%s\n", result.Balance.CreditBalance.StringFixed(6))
				fmt.Printf("  Total Saved: $%s\n", result.Balance.TotalSaved.StringFixed(6))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "Tenant identifier")
	cmd.Flags().StringVar(&apiName, "api", "", "API name being accessed")
	cmd.Flags().StringVar(&originalCost, "original-cost", "", "Full list cost in USD")
	cmd.Flags().StringVar(&tier, "tier", string(models.TierDemo), "Billing tier")
	_ = cmd.MarkFlagRequired("tenant-id")
	_ = cmd.MarkFlagRequired("api")
	_ = cmd.MarkFlagRequired("original-cost")

	return cmd
}

func newLedgerSummaryCommand(ctx context.Context) *cobra.Command {
	var tenantID string

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show a tenant's ledger position",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDB(); err != nil {
				return err
			}

			summary, err := billingLedger().Summary(ctx, tenantID)
			if err != nil {
				return fmt.Errorf("failed to load summary: %w", err)
			}

			if outputJSON {
				OutputJSON(summary)
				return nil
			}

			balance := summary.Balance
			fmt.Printf("Ledger summary for tenant %s:\n", balance.TenantID)
			fmt.Printf("  Tier: %s\n", balance.Tier)
			fmt.Printf("  Credit Balance: $%s\n", balance.CreditBalance.StringFixed(6))
			fmt.Printf("  Total Spent: $%s\n", balance.TotalSpent.StringFixed(6))
			fmt.Printf("  Total Saved: $%s\n", balance.TotalSaved.StringFixed(6))
			fmt.Printf("  APIs Accessed: %d\n", balance.APIsAccessed)
			fmt.Printf("  Billing Events: %d\n", summary.EventCount)

			if len(summary.RecentEvents) > 0 {
				fmt.Printf("\nRecent events:\n")
				headers := []string{"Timestamp", "API", "Access", "Original", "Charged", "Saved"}
				var rows [][]string
				for _, event := range summary.RecentEvents {
					rows = append(rows, []string{
						event.Timestamp.Format("2006-01-02 15:04:05"),
						event.APIName,
						string(event.AccessType),
						"$" + event.OriginalCost.StringFixed(6),
						"$" + event.FractionalAmount.StringFixed(6),
						"$" + event.CostSavings.StringFixed(6),
					})
				}
				OutputTable(headers, rows)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "Tenant identifier")
	_ = cmd.MarkFlagRequired("tenant-id")

	return cmd
}
