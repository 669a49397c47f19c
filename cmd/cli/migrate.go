package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/scanfleet/internal/db"
	"github.com/anstrom/scanfleet/internal/logging"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Example: `  scanfleet migrate
  scanfleet migrate status`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withMigrator(func(ctx context.Context, m *db.Migrator) error {
			applied, err := m.Up(ctx)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Database schema is up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %s\n", name)
			}
			return nil
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withMigrator(func(ctx context.Context, m *db.Migrator) error {
			statuses, err := m.Status(ctx)
			if err != nil {
				return err
			}
			displayMigrations(cmd.OutOrStdout(), statuses)
			return nil
		})
	},
}

func init() {
	migrateCmd.AddCommand(migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
}

// withMigrator connects to the configured database and runs fn.
func withMigrator(fn func(context.Context, *db.Migrator) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	database, err := db.Connect(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("error connecting to database: %w", err)
	}
	defer func() {
		if closeErr := database.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close database connection: %v\n", closeErr)
		}
	}()

	return fn(ctx, db.NewMigrator(database.DB, logging.Default().Logger))
}

func displayMigrations(w io.Writer, statuses []db.MigrationStatus) {
	table := tablewriter.NewWriter(w)
	table.Header("Migration", "Status", "Applied At")

	for _, s := range statuses {
		status := "Pending"
		appliedAt := "-"
		if s.Applied {
			status = "Applied"
			if s.Modified {
				status = "Modified"
			}
			appliedAt = s.AppliedAt.Format("2006-01-02 15:04")
		}
		_ = table.Append([]string{s.Name, status, appliedAt})
	}

	_ = table.Render()
}
