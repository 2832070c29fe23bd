package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/spendgate/spendgate/internal/services/usage"
)

// NewUsageCommand creates the usage reporting command.
func NewUsageCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Report recorded usage",
		Long:  "Summarize the append-only usage event log per tenant or globally",
	}

	cmd.AddCommand(newUsageReportCommand(ctx))
	cmd.AddCommand(newUsageStatsCommand(ctx))

	return cmd
}

func usageStore() *usage.Store {
	return usage.NewStore(db, cliLogger())
}

func newUsageReportCommand(ctx context.Context) *cobra.Command {
	var tenantID string
	var days int

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show a tenant's usage summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDB(); err != nil {
				return err
			}

			to := time.Now().UTC()
			from := to.AddDate(0, 0, -days)

			summary, err := usageStore().TenantSummary(ctx, tenantID, from, to)
			if err != nil {
				return fmt.Errorf("failed to summarize usage: %w", err)
			}

			if outputJSON {
				OutputJSON(summary)
				return nil
			}

			fmt.Printf("Usage for tenant %s (last %d days):\n", tenantID, days)
			fmt.Printf("  Events: %d\n", summary.EventCount)
			fmt.Printf("  Prompt Tokens: %d\n", summary.PromptTokens)
			fmt.Printf("  Completion Tokens: %d\n", summary.CompletionTokens)
			fmt.Printf("  Total Tokens: %d\n", summary.TotalTokens)
			fmt.Printf("  Total Cost: $%s\n", summary.TotalCostUSD.StringFixed(6))
			fmt.Printf("  Blocked Calls: %d\n", summary.BlockedCalls)
			fmt.Printf("  Error Calls: %d\n", summary.ErrorCalls)
			fmt.Printf("  Estimated Events: %d\n", summary.EstimatedEvents)

			if len(summary.ByModel) > 0 {
				fmt.Printf("\nBy model:\n")
				headers := []string{"Provider", "Model", "Events", "Tokens", "Cost"}
				var rows [][]string
				for _, m := range summary.ByModel {
					rows = append(rows, []string{
						m.Provider,
						m.Model,
						strconv.FormatInt(m.Calls, 10),
						strconv.FormatInt(m.Tokens, 10),
						"$" + m.CostUSD.StringFixed(6),
					})
				}
				OutputTable(headers, rows)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "Tenant identifier")
	cmd.Flags().IntVar(&days, "days", 30, "Number of days to report")
	_ = cmd.MarkFlagRequired("tenant-id")

	return cmd
}

func newUsageStatsCommand(ctx context.Context) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cross-tenant usage totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDB(); err != nil {
				return err
			}

			to := time.Now().UTC()
			from := to.AddDate(0, 0, -days)

			stats, err := usageStore().Stats(ctx, from, to)
			if err != nil {
				return fmt.Errorf("failed to compute stats: %w", err)
			}

			if outputJSON {
				OutputJSON(stats)
				return nil
			}

			fmt.Printf("Global usage (last %d days):\n", days)
			fmt.Printf("  Events: %d\n", stats.EventCount)
			fmt.Printf("  Tenants: %d\n", stats.TenantCount)
			fmt.Printf("  Total Tokens: %d\n", stats.TotalTokens)
			fmt.Printf("  Total Cost: $%s\n", stats.TotalCostUSD.StringFixed(6))

			if len(stats.ByProvider) > 0 {
				fmt.Printf("\nBy provider:\n")
				headers := []string{"Provider", "Events", "Tokens", "Cost"}
				var rows [][]string
				for _, p := range stats.ByProvider {
					rows = append(rows, []string{
						p.Provider,
						strconv.FormatInt(p.Calls, 10),
						strconv.FormatInt(p.Tokens, 10),
						"$" + p.CostUSD.StringFixed(6),
					})
				}
				OutputTable(headers, rows)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 30, "Number of days to report")

	return cmd
}
