package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"

	"github.com/fieldops/crm-bridge/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database migration tool",
	Long:  `Database migration tool for managing schema versions. Use with 'up' or 'down' subcommands.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Usage()
	},
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply the database schema",
	RunE:  runMigrate(database.MigrateUp, "applied"),
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Drop the database schema",
	RunE:  runMigrate(database.MigrateDown, "reverted"),
}

func init() {
	migrateCmd.PersistentFlags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := migrateCmd.MarkPersistentFlagRequired("config"); err != nil {
		panic(err)
	}

	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
}

func runMigrate(migration func(context.Context, *pgx.Conn) error, verb string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Database == nil {
			return fmt.Errorf("database configuration is required")
		}

		connStr, err := cfg.Database.GetConnectionString()
		if err != nil {
			return err
		}

		conn, err := pgx.Connect(ctx, connStr)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer func() {
			if err := conn.Close(ctx); err != nil {
				slog.Error("failed to close database connection", "error", err)
			}
		}()

		if err := migration(ctx, conn); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

		slog.Info("migrations "+verb,
			"host", cfg.Database.Host, "database", cfg.Database.Database)
		return nil
	}
}
