package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warp/loyalty-engine/config"
	"github.com/warp/loyalty-engine/store/sqlstore"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		Long: `Create tables and indexes for the configured store driver.

The schema statements are idempotent, so running this against an existing
database is safe. The memory driver has nothing to migrate.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := sqlstore.Options{QueryTimeout: cfg.QueryTimeout, SkipMigrate: true}
			var (
				s   *sqlstore.Store
				err error
			)
			switch cfg.StoreDriver {
			case config.DriverMemory:
				fmt.Fprintln(cmd.OutOrStdout(), "memory store: nothing to migrate")
				return nil
			case config.DriverPostgres:
				s, err = sqlstore.OpenPostgres(cfg.DatabaseURL, opts)
			default:
				s, err = sqlstore.OpenSQLite(cfg.SQLitePath, opts)
			}
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema up to date\n", s.Dialect())
			return nil
		},
	}
}
