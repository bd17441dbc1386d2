package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tradecore/internal/repository"
	"tradecore/pkg/utils"
)

func newMigrateCmd(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema (orders, positions, dlq_entries)",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDatabase(cmd.Context(), app.cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := repository.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			app.log.Info("database schema applied", utils.String("dsn", app.cfg.Database.DSNWithoutPassword()))
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}
