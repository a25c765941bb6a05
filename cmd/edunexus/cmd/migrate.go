package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"edunexus.org/internal/migrate"
)

var migrateTimeout time.Duration

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database migration commands",
	Long:  `Applies, rolls back and inspects the embedded PostgreSQL migrations.`,
}

// withMigrator opens the database, runs fn and closes it again.
func withMigrator(cmd *cobra.Command, fn func(ctx context.Context, m *migrate.Manager) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), migrateTimeout)
	defer cancel()
	st, err := openPostgres(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, newMigrator(st))
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	Long:  `Applies every pending migration under an advisory lock, so concurrent deploys run them once.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd, func(ctx context.Context, m *migrate.Manager) error {
			pending, err := m.Pending(ctx)
			if err != nil {
				return err
			}
			if err := m.Up(ctx); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			if len(pending) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No new migrations to apply")
				return nil
			}
			for _, f := range pending {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", f.Base)
			}
			return nil
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the latest migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd, func(ctx context.Context, m *migrate.Manager) error {
			return m.Down(ctx)
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List applied migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd, func(ctx context.Context, m *migrate.Manager) error {
			history, err := m.Status(ctx)
			if err != nil {
				return err
			}
			if len(history) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No migrations applied")
			}
			for _, a := range history {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", a.Name, a.AppliedAt.UTC().Format(time.RFC3339))
			}
			return nil
		})
	},
}

var migratePendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List migrations not yet applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd, func(ctx context.Context, m *migrate.Manager) error {
			pending, err := m.Pending(ctx)
			if err != nil {
				return err
			}
			for _, f := range pending {
				fmt.Fprintln(cmd.OutOrStdout(), f.Base)
			}
			return nil
		})
	},
}

var migrateSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load demo tenants",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd, func(ctx context.Context, m *migrate.Manager) error {
			return m.Seed(ctx)
		})
	},
}

func init() {
	migrateCmd.PersistentFlags().DurationVar(&migrateTimeout, "timeout", 2*time.Minute, "Deadline for the whole migration run")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd, migratePendingCmd, migrateSeedCmd)
}
