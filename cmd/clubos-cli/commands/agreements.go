package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"gymbot-backend/internal/billing"
	"gymbot-backend/internal/clubos"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var agreementsJson bool

func init() {
	agreementsCmd.Flags().BoolVar(&agreementsJson, "json", false, "Print the enriched agreements as json instead of a table.")
	rootCmd.AddCommand(agreementsCmd)
}

var agreementsCmd = &cobra.Command{
	Use:   "agreements <member id>",
	Short: "Delegates to a member and prints their agreements with invoices.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		memberID := args[0]

		cfg, client, session, err := login(ctx)
		if err != nil {
			return err
		}
		defer logout(ctx, session)

		delegation, err := client.DelegateTo(ctx, session, memberID)
		if err != nil {
			return err
		}
		agreements, err := client.FetchMember(
			ctx,
			clubos.NewAuthContext(session, delegation),
			cfg.ClubOS.IncludeFields(),
		)
		if err != nil {
			return err
		}

		if agreementsJson {
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(agreements)
		}

		t := newTable()
		t.AppendHeader(table.Row{"Agreement", "Name", "Source", "Invoice", "Due", "Amount", "Status"})
		for _, agreement := range agreements {
			if len(agreement.Invoices) == 0 {
				note := ""
				if agreement.Warning != nil {
					note = agreement.Warning.String()
				}
				t.AppendRow(table.Row{agreement.ID, agreement.Name, agreement.Provenance, note})
				continue
			}
			for _, invoice := range agreement.Invoices {
				due := ""
				if !invoice.DueDate.IsZero() {
					due = invoice.DueDate.Format("2006-01-02")
				}
				t.AppendRow(table.Row{
					agreement.ID,
					agreement.Name,
					agreement.Provenance,
					invoice.ID,
					due,
					fmt.Sprintf("%.2f", invoice.Amount),
					invoice.Status,
				})
			}
		}
		t.Render()

		summary := billing.Normalize(memberID, agreements)
		fmt.Printf("past due: %.2f across %d invoice(s), complete: %v\n", summary.TotalPastDue, summary.InvoiceCount, summary.Complete)
		return nil
	},
}
