package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AmitNaikRepository/AI-Access-Guard/internal/config"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/ledger"
)

var metricsDays int

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show query, cache, and cost metrics from the local ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "metrics")
		defer span.End()

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		store, err := ledger.NewStore(cfg.LedgerDBPath())
		if err != nil {
			return fmt.Errorf("opening ledger: %w", err)
		}
		defer store.Close()

		now := time.Now().UTC()
		from := now.AddDate(0, 0, -metricsDays)

		sum, err := store.Summarize(ctx, from, now)
		if err != nil {
			return fmt.Errorf("summarizing ledger: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Metrics (last %dd)\n", metricsDays)
		fmt.Fprintf(out, "  Queries:     %d\n", sum.Total)
		fmt.Fprintf(out, "  Cache hits:  %d (%.0f%%)\n", sum.CacheHits, sum.HitRate*100)
		fmt.Fprintf(out, "  API calls:   %d\n", sum.APICalls)
		fmt.Fprintf(out, "  Blocked:     %d\n", sum.Blocked)
		fmt.Fprintf(out, "  Tokens:      %d\n", sum.Tokens)
		fmt.Fprintf(out, "  Cost:        €%.4f\n", sum.Cost)
		fmt.Fprintf(out, "  Money saved: €%.4f\n", sum.MoneySaved)
		return nil
	},
}

func init() {
	metricsCmd.Flags().IntVar(&metricsDays, "days", 30, "how many days back to summarize")
	rootCmd.AddCommand(metricsCmd)
}
