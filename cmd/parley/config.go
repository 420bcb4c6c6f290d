package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/haasonsaas/parley/internal/config"
	"github.com/haasonsaas/parley/internal/storage"
)

const defaultConfigPath = "parley.yaml"

// resolveConfigPath prefers an explicit --config, then PARLEY_CONFIG, then
// the default path.
func resolveConfigPath(path string) string {
	path = strings.TrimSpace(path)
	if path != "" && path != defaultConfigPath {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("PARLEY_CONFIG")); env != "" {
		return env
	}
	return defaultConfigPath
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openStore opens the configured backing store. SQL stores are migrated
// first when database.auto_migrate is set.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.Database.Driver == config.DriverMemory {
		return storage.NewMemoryStore(), nil
	}
	store, err := openSQLStore(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		migrator, err := storage.NewMigrator(store.DB(), cfg.Database.Driver)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to initialize migrator: %w", err)
		}
		if _, err := migrator.Up(ctx, 0); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	return store, nil
}

func openSQLStore(cfg *config.Config) (*storage.SQLStore, error) {
	if cfg.Database.Driver == config.DriverMemory {
		return nil, fmt.Errorf("database.driver is memory; migrations need postgres or sqlite")
	}
	store, err := storage.OpenSQLStore(cfg.Database.Driver, cfg.Database.URL, cfg.Database.Pool())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store, nil
}

// healthCheck pings SQL stores and reports a schema that is behind the
// embedded migrations. The memory store is always healthy.
func healthCheck(store storage.Store, driver string) func(context.Context) error {
	sqlStore, ok := store.(*storage.SQLStore)
	if !ok {
		return nil
	}
	migrator, loadErr := storage.NewMigrator(sqlStore.DB(), driver)
	return func(ctx context.Context) error {
		if err := sqlStore.DB().PingContext(ctx); err != nil {
			return err
		}
		if loadErr != nil {
			return loadErr
		}
		return migrator.CheckSchema(ctx)
	}
}
