package db

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/anstrom/scanfleet/internal/errors"
)

//go:embed *.sql
var migrationFiles embed.FS

// Migration represents an applied database migration.
type Migration struct {
	ID        int       `db:"id"`
	Name      string    `db:"name"`
	AppliedAt time.Time `db:"applied_at"`
	Checksum  string    `db:"checksum"`
}

// MigrationStatus describes one embedded migration and whether it has run.
type MigrationStatus struct {
	Name      string
	Applied   bool
	AppliedAt time.Time
	Modified  bool
}

// Migrator handles database migrations.
type Migrator struct {
	db     *sqlx.DB
	files  fs.FS
	logger *slog.Logger
}

// NewMigrator creates a new migrator over the embedded migration files.
func NewMigrator(db *sqlx.DB, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{db: db, files: migrationFiles, logger: logger}
}

// ensureMigrationsTable creates the migrations tracking table if it doesn't exist.
func (m *Migrator) ensureMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id SERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL UNIQUE,
			applied_at TIMESTAMPTZ DEFAULT NOW(),
			checksum VARCHAR(64) NOT NULL
		)`

	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return errors.WrapDatabaseError(errors.CodeDatabaseMigration, "Failed to create migrations table", err)
	}
	return nil
}

// getAppliedMigrations returns already applied migrations keyed by name.
func (m *Migrator) getAppliedMigrations(ctx context.Context) (map[string]Migration, error) {
	var migrations []Migration
	query := `SELECT id, name, applied_at, checksum FROM schema_migrations ORDER BY id`

	if err := m.db.SelectContext(ctx, &migrations, query); err != nil {
		return nil, errors.WrapDatabaseError(errors.CodeDatabaseMigration, "Failed to read applied migrations", err)
	}

	applied := make(map[string]Migration, len(migrations))
	for _, migration := range migrations {
		applied[migration.Name] = migration
	}
	return applied, nil
}

// getMigrationFiles returns a sorted list of migration files.
func (m *Migrator) getMigrationFiles() ([]string, error) {
	var files []string

	err := fs.WalkDir(m.files, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".sql") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read migration files: %w", err)
	}

	sort.Strings(files)
	return files, nil
}

func migrationName(file string) string {
	return strings.TrimSuffix(filepath.Base(file), ".sql")
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// executeMigration runs one migration file and records it in a single transaction.
func (m *Migrator) executeMigration(ctx context.Context, filename string) error {
	content, err := fs.ReadFile(m.files, filename)
	if err != nil {
		return fmt.Errorf("failed to read migration file %s: %w", filename, err)
	}

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("failed to execute migration %s: %w", filename, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (name, checksum) VALUES ($1, $2)`,
		migrationName(filename), checksum(content)); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", filename, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %s: %w", filename, err)
	}
	return nil
}

// migrationLockKey is the pg_advisory_lock key held while migrations run, so
// controller replicas starting together apply each file once.
const migrationLockKey int64 = 0x5ca9f1ee7

// state returns the embedded migration files in order and the applied set.
func (m *Migrator) state(ctx context.Context) ([]string, map[string]Migration, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return nil, nil, err
	}
	applied, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return nil, nil, err
	}
	files, err := m.getMigrationFiles()
	if err != nil {
		return nil, nil, err
	}
	return files, applied, nil
}

// Up runs all pending migrations and returns the names of those applied.
func (m *Migrator) Up(ctx context.Context) ([]string, error) {
	conn, err := m.db.Connx(ctx)
	if err != nil {
		return nil, errors.WrapDatabaseError(errors.CodeDatabaseConnection, "Failed to acquire connection", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return nil, errors.WrapDatabaseError(errors.CodeDatabaseMigration, "Failed to take migration lock", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockKey); err != nil {
			m.logger.Warn("Failed to release migration lock", "error", err)
		}
	}()

	files, applied, err := m.state(ctx)
	if err != nil {
		return nil, err
	}

	var ran []string
	for _, file := range files {
		name := migrationName(file)
		if _, exists := applied[name]; exists {
			m.logger.Debug("Migration already applied", "migration", name)
			continue
		}

		m.logger.Info("Applying migration", "migration", name)
		if err := m.executeMigration(ctx, file); err != nil {
			return ran, errors.WrapDatabaseError(errors.CodeDatabaseMigration,
				fmt.Sprintf("Migration %s failed", name), err)
		}
		ran = append(ran, name)
	}

	return ran, nil
}

// Status reports every embedded migration with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	files, applied, err := m.state(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(files))
	for _, file := range files {
		name := migrationName(file)
		status := MigrationStatus{Name: name}
		if migration, exists := applied[name]; exists {
			status.Applied = true
			status.AppliedAt = migration.AppliedAt
			if content, err := fs.ReadFile(m.files, file); err == nil {
				status.Modified = checksum(content) != migration.Checksum
			}
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// ConnectAndMigrate connects to the database and runs pending migrations.
func ConnectAndMigrate(ctx context.Context, config *Config, logger *slog.Logger) (*DB, error) {
	db, err := Connect(ctx, config)
	if err != nil {
		return nil, err
	}

	if _, err := NewMigrator(db.DB, logger).Up(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
