package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/clover/pkg/database"
)

func migrateCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the postgres migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			db, err := database.Connect(ctx, c.cfg.Database(), c.logger)
			if err != nil {
				return err
			}
			defer db.Close()

			inst, ok := db.(*database.DatabaseInstance)
			if !ok {
				return errors.New("migrations need a postgres connection")
			}
			return database.NewMigrationService(c.logger, c.cfg.Migration()).Migrate(inst.DB.DB, c.cfg.DatabaseName)
		},
	}
}
