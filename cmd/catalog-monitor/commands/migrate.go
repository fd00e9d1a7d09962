package commands

import (
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Creates the Postgres tables used for reports and the event outbox.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := &app{logger: log}
		defer a.Close()

		cfg.Database.Enabled = true
		if err := a.openDatabase(cmd.Context(), cfg); err != nil {
			return err
		}
		log.Info("database schema is up to date")
		return nil
	},
}
