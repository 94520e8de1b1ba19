package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func auditCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Compare completed payments with branch income",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, logger, err := openService()
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer svc.Close()

			audit, err := svc.AuditIncome(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(audit)
			}

			fmt.Println("Payment income audit")
			fmt.Println(strings.Repeat("=", 40))
			fmt.Printf("  Completed payments: %d\n", audit.CompletedPayments)
			fmt.Printf("  With income:        %d\n", audit.WithIncome)
			fmt.Printf("  Without income:     %d\n", audit.WithoutIncome)
			fmt.Printf("  Without branch:     %d\n", audit.WithoutBranch)

			if len(audit.MissingIncomeUUIDs) > 0 {
				fmt.Println("\nMissing income:")
				for _, id := range audit.MissingIncomeUUIDs {
					fmt.Printf("  %s\n", id)
				}
			}

			fmt.Println("\nBy branch:")
			for _, b := range audit.Branches {
				fmt.Printf("  %-20s payments %4d  %12s   income %4d  %12s\n",
					b.BranchName,
					b.PaymentCount, b.PaymentsTotal.StringFixed(2),
					b.IncomeCount, b.IncomeTotal.StringFixed(2))
			}

			return nil
		},
	}

	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")

	return cmd
}
