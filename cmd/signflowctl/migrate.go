package main

import (
	"context"
	"fmt"

	"github.com/smallbiznis/signflow/internal/migration"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	var list, status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				files, err := migration.Files()
				if err != nil {
					return err
				}
				for _, f := range files {
					fmt.Fprintln(cmd.OutOrStdout(), f)
				}
				return nil
			}
			return withApp(cmd, func(ctx context.Context, d deps) error {
				sqlDB, err := d.DB.DB()
				if err != nil {
					return err
				}
				if status {
					version, dirty, err := migration.Version(sqlDB)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty=%t)\n", version, dirty)
					return nil
				}
				if err := migration.RunMigrations(sqlDB); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list embedded migration files without applying them")
	cmd.Flags().BoolVar(&status, "status", false, "print the applied schema version")
	return cmd
}
