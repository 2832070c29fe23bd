package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/spendgate/spendgate/internal/models"
	"github.com/spendgate/spendgate/internal/services/pricing"
)

// NewPriceCommand creates the price table management command.
func NewPriceCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "price",
		Short: "Manage the model price table",
		Long:  "Ingest, inspect, and list versioned per-model token prices",
	}

	cmd.AddCommand(newPriceIngestCommand(ctx))
	cmd.AddCommand(newPriceLatestCommand(ctx))
	cmd.AddCommand(newPriceHistoryCommand(ctx))

	return cmd
}

func priceTable() *pricing.Table {
	return pricing.NewTable(db, cliLogger(), 0)
}

func newPriceIngestCommand(ctx context.Context) *cobra.Command {
	var provider, model, effectiveFrom string
	var inputPer1K, outputPer1K, reasoningPer1K, cacheDiscount string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest a price row",
		Long:  "Insert a new price row; an existing (provider, model, effective_from) key is left untouched",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDB(); err != nil {
				return err
			}

			input, err := decimal.NewFromString(inputPer1K)
			if err != nil {
				return fmt.Errorf("invalid input rate: %w", err)
			}
			output, err := decimal.NewFromString(outputPer1K)
			if err != nil {
				return fmt.Errorf("invalid output rate: %w", err)
			}

			row := &models.PriceRow{
				Provider:      provider,
				Model:         model,
				EffectiveFrom: time.Now().UTC(),
				InputPer1K:    input,
				OutputPer1K:   output,
			}
			if effectiveFrom != "" {
				at, err := time.Parse(time.RFC3339, effectiveFrom)
				if err != nil {
					return fmt.Errorf("invalid effective-from (want RFC3339): %w", err)
				}
				row.EffectiveFrom = at.UTC()
			}
			if reasoningPer1K != "" {
				rate, err := decimal.NewFromString(reasoningPer1K)
				if err != nil {
					return fmt.Errorf("invalid reasoning rate: %w", err)
				}
				row.ReasoningPer1K = decimal.NewNullDecimal(rate)
			}
			if cacheDiscount != "" {
				discount, err := decimal.NewFromString(cacheDiscount)
				if err != nil {
					return fmt.Errorf("invalid cache discount: %w", err)
				}
				row.CacheDiscount = decimal.NewNullDecimal(discount)
			}

			if err := priceTable().Ingest(ctx, row); err != nil {
				return fmt.Errorf("failed to ingest price row: %w", err)
			}

			fmt.Printf("Price row ingested for %s/%s effective %s\n",
				provider, model, row.EffectiveFrom.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "Provider name (e.g. openai)")
	cmd.Flags().StringVar(&model, "model", "", "Model name")
	cmd.Flags().StringVar(&effectiveFrom, "effective-from", "", "RFC3339 effective timestamp (default now)")
	cmd.Flags().StringVar(&inputPer1K, "input-per-1k", "", "USD per 1000 input tokens")
	cmd.Flags().StringVar(&outputPer1K, "output-per-1k", "", "USD per 1000 output tokens")
	cmd.Flags().StringVar(&reasoningPer1K, "reasoning-per-1k", "", "USD per 1000 reasoning tokens (optional)")
	cmd.Flags().StringVar(&cacheDiscount, "cache-discount", "", "Cached-input discount in [0,1] (optional)")

	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("input-per-1k")
	_ = cmd.MarkFlagRequired("output-per-1k")

	return cmd
}

func newPriceLatestCommand(ctx context.Context) *cobra.Command {
	var provider, model string

	cmd := &cobra.Command{
		Use:   "latest",
		Short: "Show the price in force",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDB(); err != nil {
				return err
			}

			row, err := priceTable().Latest(ctx, provider, model)
			if err != nil {
				return fmt.Errorf("no price for %s/%s: %w", provider, model, err)
			}

			if outputJSON {
				OutputJSON(row)
				return nil
			}

			fmt.Printf("Price for %s/%s:\n", row.Provider, row.Model)
			fmt.Printf("  Effective From: %s\n", row.EffectiveFrom.Format(time.RFC3339))
			fmt.Printf("  Input /1K:  $%s\n", row.InputPer1K.String())
			fmt.Printf("  Output /1K: $%s\n", row.OutputPer1K.String())
			if row.ReasoningPer1K.Valid {
				fmt.Printf("  Reasoning /1K: $%s\n", row.ReasoningPer1K.Decimal.String())
			}
			if row.CacheDiscount.Valid {
				fmt.Printf("  Cache Discount: %s\n", row.CacheDiscount.Decimal.String())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "Provider name")
	cmd.Flags().StringVar(&model, "model", "", "Model name")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("model")

	return cmd
}

func newPriceHistoryCommand(ctx context.Context) *cobra.Command {
	var provider, model string
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List price versions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDB(); err != nil {
				return err
			}

			rows, err := priceTable().History(ctx, provider, model, limit)
			if err != nil {
				return fmt.Errorf("failed to load price history: %w", err)
			}
			if len(rows) == 0 {
				fmt.Printf("No price rows for %s/%s\n", provider, model)
				return nil
			}

			headers := []string{"Effective From", "Input/1K", "Output/1K", "Reasoning/1K", "Cache Discount"}
			var tableRows [][]string
			for _, row := range rows {
				reasoning := "-"
				if row.ReasoningPer1K.Valid {
					reasoning = "$" + row.ReasoningPer1K.Decimal.String()
				}
				discount := "-"
				if row.CacheDiscount.Valid {
					discount = row.CacheDiscount.Decimal.String()
				}
				tableRows = append(tableRows, []string{
					row.EffectiveFrom.Format(time.RFC3339),
					"$" + row.InputPer1K.String(),
					"$" + row.OutputPer1K.String(),
					reasoning,
					discount,
				})
			}
			OutputTable(headers, tableRows)
			return nil
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "Provider name")
	cmd.Flags().StringVar(&model, "model", "", "Model name")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows to list")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("model")

	return cmd
}
