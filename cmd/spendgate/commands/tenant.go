package commands

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/spendgate/spendgate/internal/models"
	"github.com/spendgate/spendgate/internal/services/ledger"
)

// NewTenantCommand creates the tenant account management command.
func NewTenantCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenant accounts",
		Long:  "Initialize tenant balances and apply manual credits",
	}

	cmd.AddCommand(newTenantInitCommand(ctx))
	cmd.AddCommand(newTenantCreditCommand(ctx))

	return cmd
}

func billingLedger() *ledger.Ledger {
	return ledger.NewLedger(db, nil, ledger.Config{}, cliLogger())
}

func newTenantInitCommand(ctx context.Context) *cobra.Command {
	var tenantID, tier string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a tenant balance",
		Long:  "Create the tenant's balance with the tier's monthly credit; an existing tenant is left untouched",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDB(); err != nil {
				return err
			}

			billingTier := models.BillingTier(tier)
			if !billingTier.Valid() {
				return fmt.Errorf("invalid tier %q (want demo, starter, pro, or enterprise)", tier)
			}

			balance, err := billingLedger().InitTenant(ctx, tenantID, billingTier)
			if err != nil {
				return fmt.Errorf("failed to initialize tenant: %w", err)
			}

			if outputJSON {
				OutputJSON(balance)
				return nil
			}

			fmt.Printf("Tenant %s initialized:\n", balance.TenantID)
			fmt.Printf("  Tier: %s\n", balance.Tier)
			fmt.Printf("  Credit Balance: $%s\n", balance.CreditBalance.StringFixed(6))
			fmt.Printf("  APIs Accessed: %d\n", balance.APIsAccessed)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "Tenant identifier")
	cmd.Flags().StringVar(&tier, "tier", string(models.TierDemo), "Billing tier (demo, starter, pro, enterprise)")
	_ = cmd.MarkFlagRequired("tenant-id")

	return cmd
}

func newTenantCreditCommand(ctx context.Context) *cobra.Command {
	var tenantID, amount, reason string

	cmd := &cobra.Command{
		Use:   "credit",
		Short: "Credit a tenant balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDB(); err != nil {
				return err
			}

			value, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid amount: %w", err)
			}
			if !value.IsPositive() {
				return fmt.Errorf("amount must be positive")
			}

			balance, err := billingLedger().Credit(ctx, tenantID, value, reason)
			if err != nil {
				return fmt.Errorf("failed to credit tenant: %w", err)
			}

			if outputJSON {
				OutputJSON(balance)
				return nil
			}

			fmt.Printf("Credited $%s to tenant %s (new balance: $%s)\n",
				value.StringFixed(6), balance.TenantID, balance.CreditBalance.StringFixed(6))
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "Tenant identifier")
	cmd.Flags().StringVarP(&amount, "amount", "a", "", "Credit amount in USD")
	cmd.Flags().StringVar(&reason, "reason", "manual credit", "Reason recorded with the credit")
	_ = cmd.MarkFlagRequired("tenant-id")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}
