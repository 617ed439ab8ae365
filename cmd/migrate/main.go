// Command migrate applies, rolls back, or reports the status of the sync
// engine's schema, grounded on the teacher's cmd/migrate/main.go and its
// migrations.CLI — trimmed to the three subcommands internal/database's
// goose wrapper actually supports (up, down, status); the teacher's
// backup/health-check subcommands have no equivalent here since this
// engine's migrations are plain version-controlled SQL, not an
// operator-facing backup/restore surface.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/reoxt/basesync/internal/config"
	"github.com/reoxt/basesync/internal/database"
	"github.com/reoxt/basesync/pkg/logger"
)

var configPath string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect the sync engine's database schema",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config YAML (optional, env vars also apply)")
	root.AddCommand(upCommand(), downCommand(), statusCommand())
	return root
}

func loadMigrator() (*database.Migrator, func(), error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	m, err := database.NewMigrator(cfg.DatabaseURL(), log)
	if err != nil {
		return nil, nil, fmt.Errorf("open migrator: %w", err)
	}
	return m, func() { _ = m.Close() }, nil
}

func upCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, closeFn, err := loadMigrator()
			if err != nil {
				return err
			}
			defer closeFn()
			return m.Up(context.Background())
		},
	}
}

func downCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recently applied migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, closeFn, err := loadMigrator()
			if err != nil {
				return err
			}
			defer closeFn()
			return m.Down(context.Background())
		},
	}
}

func statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, closeFn, err := loadMigrator()
			if err != nil {
				return err
			}
			defer closeFn()
			version, err := m.Status(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("schema version: %d\n", version)
			return nil
		},
	}
}
