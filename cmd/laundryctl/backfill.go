package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mmeshcher/laundry-payments/internal/income"
)

func backfillCmd() *cobra.Command {
	var (
		opts   income.BackfillOptions
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Create missing income records for completed payments",
		Long: `Scan completed payments that have no income record and project each of them
into branch income in its own transaction. Payments without a branch are skipped.
With --dry-run every projection is rolled back and only the summary is printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, logger, err := openService()
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer svc.Close()

			report, err := svc.BackfillIncome(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("backfill income: %w", err)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			mode := "applied"
			if report.DryRun {
				mode = "dry run, nothing saved"
			}
			fmt.Printf("Income backfill (%s)\n", mode)
			fmt.Printf("  scanned: %d\n", report.Scanned)
			fmt.Printf("  created: %d\n", report.Created)
			fmt.Printf("  skipped: %d\n", report.Skipped)
			fmt.Printf("  failed:  %d\n", report.Failed)
			fmt.Printf("  amount:  %s\n", report.Amount.StringFixed(2))

			if report.Failed > 0 {
				return fmt.Errorf("%d payments could not be projected, see log", report.Failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Roll back every projection and only report")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 100, "Payments fetched per page")
	cmd.Flags().Uint64Var(&opts.Attempts, "attempts", 3, "Attempts per payment on lock contention")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")

	return cmd
}
