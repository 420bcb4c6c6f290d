package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Schema files live under migrations/<driver>/NNN_name.{up,down}.sql.
//
//go:embed migrations
var migrationsFS embed.FS

// ErrSchemaOutdated is reported by CheckSchema while migrations are pending.
var ErrSchemaOutdated = errors.New("database schema has pending migrations")

// Migration is one versioned schema change for a driver.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// ID is the migration's file stem, e.g. "001_init".
func (m Migration) ID() string {
	return fmt.Sprintf("%03d_%s", m.Version, m.Name)
}

// MigrationState pairs a migration with when it was applied. AppliedAt is
// nil for pending migrations.
type MigrationState struct {
	Migration
	AppliedAt *time.Time
}

// Migrator applies the embedded schema for one driver and records progress
// in schema_migrations.
type Migrator struct {
	db         *sql.DB
	driver     string
	migrations []Migration
	now        func() time.Time
}

// NewMigrator loads the migrations for driver.
func NewMigrator(db *sql.DB, driver string) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	migrations, err := loadMigrations(migrationsFS, driver)
	if err != nil {
		return nil, err
	}
	return &Migrator{db: db, driver: driver, migrations: migrations, now: time.Now}, nil
}

// Migrations returns the embedded migrations in version order.
func (m *Migrator) Migrations() []Migration {
	return append([]Migration(nil), m.migrations...)
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	tsType := "TIMESTAMP"
	if m.driver == DriverPostgres {
		tsType = "TIMESTAMPTZ"
	}
	_, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at `+tsType+` NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// State lists every known migration with its applied time.
func (m *Migrator) State(ctx context.Context) ([]MigrationState, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := map[int]time.Time{}
	for rows.Next() {
		var (
			version int
			at      time.Time
		)
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[version] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}

	states := make([]MigrationState, 0, len(m.migrations))
	for _, migration := range m.migrations {
		state := MigrationState{Migration: migration}
		if at, ok := applied[migration.Version]; ok {
			state.AppliedAt = &at
		}
		states = append(states, state)
	}
	return states, nil
}

// Pending returns the migrations not yet applied, oldest first.
func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	states, err := m.State(ctx)
	if err != nil {
		return nil, err
	}
	var pending []Migration
	for _, state := range states {
		if state.AppliedAt == nil {
			pending = append(pending, state.Migration)
		}
	}
	return pending, nil
}

// CheckSchema returns ErrSchemaOutdated when migrations are pending.
func (m *Migrator) CheckSchema(ctx context.Context) error {
	pending, err := m.Pending(ctx)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		return fmt.Errorf("%w: next is %s", ErrSchemaOutdated, pending[0].ID())
	}
	return nil
}

// Up applies pending migrations, all of them when steps <= 0.
func (m *Migrator) Up(ctx context.Context, steps int) ([]Migration, error) {
	pending, err := m.Pending(ctx)
	if err != nil {
		return nil, err
	}
	if steps > 0 && steps < len(pending) {
		pending = pending[:steps]
	}
	done := []Migration{}
	for _, migration := range pending {
		if err := m.step(ctx, migration, true); err != nil {
			return done, err
		}
		done = append(done, migration)
	}
	return done, nil
}

// Down rolls back the newest applied migrations, one when steps <= 0.
func (m *Migrator) Down(ctx context.Context, steps int) ([]Migration, error) {
	if steps <= 0 {
		steps = 1
	}
	states, err := m.State(ctx)
	if err != nil {
		return nil, err
	}
	done := []Migration{}
	for i := len(states) - 1; i >= 0 && len(done) < steps; i-- {
		if states[i].AppliedAt == nil {
			continue
		}
		if err := m.step(ctx, states[i].Migration, false); err != nil {
			return done, err
		}
		done = append(done, states[i].Migration)
	}
	return done, nil
}

// step runs one migration in either direction together with its
// bookkeeping row, in a single transaction.
func (m *Migrator) step(ctx context.Context, migration Migration, up bool) error {
	script, verb := migration.Up, "apply"
	if !up {
		script, verb = migration.Down, "roll back"
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s %s: begin: %w", verb, migration.ID(), err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // Rollback after commit returns ErrTxDone which is expected
	}()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("%s %s: %w", verb, migration.ID(), err)
	}
	if up {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, applied_at) VALUES ($1, $2, $3)`,
			migration.Version, migration.Name, m.now().UTC(),
		)
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = $1`, migration.Version)
	}
	if err != nil {
		return fmt.Errorf("%s %s: record: %w", verb, migration.ID(), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s %s: commit: %w", verb, migration.ID(), err)
	}
	return nil
}

// loadMigrations reads migrations/<driver> from fsys. Every version needs
// both an up and a down script, and versions must be unique.
func loadMigrations(fsys fs.FS, driver string) ([]Migration, error) {
	dir := path.Join("migrations", driver)
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("no migrations for driver %q: %w", driver, err)
	}

	byVersion := map[int]*Migration{}
	for _, entry := range entries {
		stem, up := strings.CutSuffix(entry.Name(), ".up.sql")
		if !up {
			var down bool
			if stem, down = strings.CutSuffix(entry.Name(), ".down.sql"); !down {
				continue
			}
		}
		prefix, name, ok := strings.Cut(stem, "_")
		version, err := strconv.Atoi(prefix)
		if !ok || err != nil || version <= 0 || name == "" {
			return nil, fmt.Errorf("migration %s: name must look like 001_description", entry.Name())
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		migration := byVersion[version]
		if migration == nil {
			migration = &Migration{Version: version, Name: name}
			byVersion[version] = migration
		} else if migration.Name != name {
			return nil, fmt.Errorf("migration version %d used by %q and %q", version, migration.Name, name)
		}
		if up {
			migration.Up = string(data)
		} else {
			migration.Down = string(data)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, migration := range byVersion {
		if strings.TrimSpace(migration.Up) == "" || strings.TrimSpace(migration.Down) == "" {
			return nil, fmt.Errorf("migration %s needs both up and down scripts", migration.ID())
		}
		migrations = append(migrations, *migration)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}
