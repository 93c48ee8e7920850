package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"gymbot-backend/internal/billing"
	"gymbot-backend/internal/components/telemetry"
	"gymbot-backend/internal/summarystore"
	"gymbot-backend/lib/configuration"
	"gymbot-backend/lib/configutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	pastdueJson    bool
	pastdueDb      string
	pastdueWorkers int
)

func init() {
	pastdueCmd.Flags().BoolVar(&pastdueJson, "json", false, "Print the summaries as json instead of a table.")
	pastdueCmd.Flags().StringVar(&pastdueDb, "db", "", "If set, the summaries are also written to this sqlite database.")
	pastdueCmd.Flags().IntVar(&pastdueWorkers, "workers", 1, "The number of sessions to sweep members with.")
	rootCmd.AddCommand(pastdueCmd)
}

var pastdueCmd = &cobra.Command{
	Use:   "pastdue <member id>...",
	Short: "Computes the past due balance of one or more members.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := configutil.ReadConfig[Config](configPath)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		client, err := newClient(cfg)
		if err != nil {
			return err
		}
		sweeper := billing.NewSweeper(billing.SweeperOptions{
			Client:      client,
			Credentials: cfg.Credentials.Store(),
			Include:     cfg.ClubOS.IncludeFields(),
			Workers:     pastdueWorkers,
		}, telemetry.SlogAPI{})

		results, err := sweeper.Sweep(ctx, args)
		if err != nil {
			return err
		}
		summaries := billing.Summaries(results)

		if pastdueDb != "" {
			database, err := configuration.Database{File: pastdueDb}.OpenDB()
			if err != nil {
				return err
			}
			defer database.Close()
			store, err := summarystore.Open(ctx, database)
			if err != nil {
				return err
			}
			err = store.Push(ctx, summaries)
			if err != nil {
				return err
			}
		}

		if pastdueJson {
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(summaries)
		}

		t := newTable()
		t.AppendHeader(table.Row{"Member", "Past due", "Invoices", "Complete", "Unavailable", "Error"})
		for _, result := range results {
			if result.Err != nil {
				t.AppendRow(table.Row{result.MemberID, "", "", "", "", result.Err.Error()})
				continue
			}
			t.AppendRow(table.Row{
				result.MemberID,
				fmt.Sprintf("%.2f", result.Summary.TotalPastDue),
				result.Summary.InvoiceCount,
				result.Summary.Complete,
				len(result.Summary.AgreementsUnavailable),
				"",
			})
		}
		t.Render()
		return nil
	},
}
