package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// MigrationManager applies the SQL files under migrations/. A file named
// <base>_sqlite.sql replaces <base>.sql when running against SQLite.
type MigrationManager struct {
	db     *sql.DB
	files  fs.FS
	driver string
}

// NewMigrationManager creates a manager over the embedded migrations.
func NewMigrationManager(db *sql.DB, driver string) *MigrationManager {
	sub, _ := fs.Sub(embeddedMigrations, "migrations")
	return &MigrationManager{db: db, files: sub, driver: driver}
}

// MigrationStatus reports which migrations still need to run.
type MigrationStatus struct {
	UpToDate bool
	Applied  []string
	Pending  []string
}

// CheckMigrations compares the available files with schema_migrations.
func (m *MigrationManager) CheckMigrations(ctx context.Context) (*MigrationStatus, error) {
	if err := m.ensureSchemaMigrationsTable(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema_migrations table: %w", err)
	}
	available, err := m.listMigrationFiles()
	if err != nil {
		return nil, fmt.Errorf("list migration files: %w", err)
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("read applied migrations: %w", err)
	}

	status := &MigrationStatus{Pending: []string{}}
	for _, name := range available {
		if applied[name] {
			status.Applied = append(status.Applied, name)
		} else {
			status.Pending = append(status.Pending, name)
		}
	}
	status.UpToDate = len(status.Pending) == 0
	return status, nil
}

// RunMigrations applies every pending migration in name order.
func (m *MigrationManager) RunMigrations(ctx context.Context, status *MigrationStatus) error {
	pending := append([]string(nil), status.Pending...)
	sort.Strings(pending)
	for _, name := range pending {
		if err := m.runMigration(ctx, name); err != nil {
			return fmt.Errorf("run migration %s: %w", name, err)
		}
	}
	return nil
}

// Migrate checks and applies pending migrations.
func (m *MigrationManager) Migrate(ctx context.Context) (int, error) {
	status, err := m.CheckMigrations(ctx)
	if err != nil {
		return 0, err
	}
	if err := m.RunMigrations(ctx, status); err != nil {
		return 0, err
	}
	return len(status.Pending), nil
}

func (m *MigrationManager) ensureSchemaMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`
	_, err := m.db.ExecContext(ctx, query)
	return err
}

func (m *MigrationManager) listMigrationFiles() ([]string, error) {
	entries, err := fs.ReadDir(m.files, ".")
	if err != nil {
		return nil, err
	}

	sqliteFiles := map[string]string{}
	regularFiles := map[string]string{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		if base, ok := strings.CutSuffix(name, "_sqlite.sql"); ok {
			sqliteFiles[base] = name
		} else {
			regularFiles[strings.TrimSuffix(name, ".sql")] = name
		}
	}

	var out []string
	for base, name := range regularFiles {
		if m.driver == DriverSQLite {
			if alt, ok := sqliteFiles[base]; ok {
				name = alt
			}
		}
		out = append(out, name)
	}
	if m.driver == DriverSQLite {
		for base, name := range sqliteFiles {
			if _, ok := regularFiles[base]; !ok {
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MigrationManager) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	applied := map[string]bool{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (m *MigrationManager) runMigration(ctx context.Context, name string) error {
	data, err := fs.ReadFile(m.files, name)
	if err != nil {
		return fmt.Errorf("read migration file: %w", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(data)); err != nil {
		return fmt.Errorf("execute migration: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`, name); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}
