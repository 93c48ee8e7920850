package commands

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Logs in with the configured credentials, prints the session and logs out again.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, _, session, err := login(cmd.Context())
		if err != nil {
			return err
		}
		defer logout(cmd.Context(), session)

		t := newTable()
		t.AppendHeader(table.Row{"Session", "Logged in user", "Source page", "Fingerprint"})
		t.AppendRow(table.Row{
			session.SessionID,
			session.LoggedInUserID,
			session.CSRF.SourcePage,
			session.CSRF.Fingerprint,
		})
		t.Render()
		return nil
	},
}
