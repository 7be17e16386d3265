package main

import (
	"context"
	"fmt"
	"time"

	"github.com/smallbiznis/costflow/internal/migration"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var migrateSteps int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or roll back schema migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE:  runMigrate(migration.Up),
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations (all of them unless --steps is set)",
	RunE:  runMigrate(migration.Down),
}

func init() {
	migrateCmd.PersistentFlags().IntVar(&migrateSteps, "steps", 0, "number of migrations to apply or roll back")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)
}

func runMigrate(direction migration.Direction) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		var conn *gorm.DB
		app := fx.New(infraModules(), fx.Populate(&conn), fx.NopLogger)
		if err := app.Err(); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()
		if err := app.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = app.Stop(context.Background()) }()

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		if err := migration.Apply(sqlDB, direction, migrateSteps); err != nil {
			return fmt.Errorf("migrate %s: %w", direction, err)
		}

		version, dirty, err := migration.Version(sqlDB)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d (dirty=%t)\n", version, dirty)
		return nil
	}
}
