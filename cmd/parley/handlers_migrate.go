package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/parley/internal/storage"
)

// =============================================================================
// Migration Command Handlers
// =============================================================================

func openMigrator(configPath string) (*storage.Migrator, func() error, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := openSQLStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	migrator, err := storage.NewMigrator(store.DB(), cfg.Database.Driver)
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("failed to initialize migrator: %w", err)
	}
	return migrator, store.Close, nil
}

// runMigrateUp handles the migrate up command.
func runMigrateUp(cmd *cobra.Command, configPath string, steps int) error {
	slog.Info("running database migrations",
		"config", configPath,
		"steps", steps,
	)
	migrator, closeDB, err := openMigrator(configPath)
	if err != nil {
		return err
	}
	defer closeDB()

	applied, err := migrator.Up(cmd.Context(), steps)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(applied) == 0 {
		fmt.Fprintln(out, "No pending migrations.")
		return nil
	}
	for _, migration := range applied {
		fmt.Fprintf(out, "Applied %s\n", migration.ID())
	}
	return nil
}

// runMigrateDown handles the migrate down command.
func runMigrateDown(cmd *cobra.Command, configPath string, steps int) error {
	slog.Warn("rolling back migrations",
		"config", configPath,
		"steps", steps,
	)
	migrator, closeDB, err := openMigrator(configPath)
	if err != nil {
		return err
	}
	defer closeDB()

	rolled, err := migrator.Down(cmd.Context(), steps)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(rolled) == 0 {
		fmt.Fprintln(out, "No migrations to roll back.")
		return nil
	}
	for _, migration := range rolled {
		fmt.Fprintf(out, "Rolled back %s\n", migration.ID())
	}
	return nil
}

// runMigrateStatus handles the migrate status command.
func runMigrateStatus(cmd *cobra.Command, configPath string) error {
	migrator, closeDB, err := openMigrator(configPath)
	if err != nil {
		return err
	}
	defer closeDB()

	states, err := migrator.State(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Migration Status")
	fmt.Fprintln(out, "================")
	fmt.Fprintln(out)
	pending := 0
	for _, state := range states {
		if state.AppliedAt == nil {
			pending++
			fmt.Fprintf(out, "  [ ] %s\n", state.ID())
			continue
		}
		fmt.Fprintf(out, "  [x] %s (%s)\n", state.ID(), state.AppliedAt.Format(time.RFC3339))
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "%d applied, %d pending\n", len(states)-pending, pending)
	return nil
}
