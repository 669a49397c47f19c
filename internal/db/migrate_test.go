package db

import (
	"bytes"
	"context"
	"log/slog"
	"regexp"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/scanfleet/internal/errors"
)

func newTestMigrator(t *testing.T, files fstest.MapFS) (*Migrator, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	m := NewMigrator(sqlx.NewDb(mockDB, "postgres"), slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	m.files = files
	return m, mock
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	m := NewMigrator(nil, nil)
	files, err := m.getMigrationFiles()
	require.NoError(t, err)
	assert.Contains(t, files, "001_initial_schema.sql")
}

func TestMigratorUpAppliesPending(t *testing.T) {
	files := fstest.MapFS{
		"001_first.sql":  {Data: []byte("CREATE TABLE a (id INT);")},
		"002_second.sql": {Data: []byte("CREATE TABLE b (id INT);")},
	}
	m, mock := newTestMigrator(t, files)

	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_lock($1)")).
		WithArgs(migrationLockKey).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, applied_at, checksum FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "applied_at", "checksum"}).
			AddRow(1, "001_first", time.Now(), checksum(files["001_first.sql"].Data)))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE b (id INT);")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations (name, checksum)")).
		WithArgs("002_second", checksum(files["002_second.sql"].Data)).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_unlock($1)")).
		WithArgs(migrationLockKey).WillReturnResult(sqlmock.NewResult(0, 0))

	ran, err := m.Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"002_second"}, ran)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigratorUpRollsBackOnFailure(t *testing.T) {
	files := fstest.MapFS{"001_bad.sql": {Data: []byte("NOT SQL")}}
	m, mock := newTestMigrator(t, files)

	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_lock($1)")).
		WithArgs(migrationLockKey).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "applied_at", "checksum"}))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("NOT SQL")).WillReturnError(assert.AnError)
	mock.ExpectRollback()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_unlock($1)")).
		WithArgs(migrationLockKey).WillReturnResult(sqlmock.NewResult(0, 0))

	ran, err := m.Up(context.Background())
	require.Error(t, err)
	assert.Empty(t, ran)
	assert.Equal(t, errors.CodeDatabaseMigration, errors.GetCode(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigratorStatus(t *testing.T) {
	files := fstest.MapFS{
		"001_first.sql":  {Data: []byte("CREATE TABLE a (id INT);")},
		"002_second.sql": {Data: []byte("CREATE TABLE b (id INT);")},
	}
	m, mock := newTestMigrator(t, files)
	appliedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "applied_at", "checksum"}).
			AddRow(1, "001_first", appliedAt, "stale"))

	statuses, err := m.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	assert.Equal(t, "001_first", statuses[0].Name)
	assert.True(t, statuses[0].Applied)
	assert.True(t, statuses[0].Modified)
	assert.Equal(t, appliedAt, statuses[0].AppliedAt)

	assert.Equal(t, "002_second", statuses[1].Name)
	assert.False(t, statuses[1].Applied)
}

func TestMigratorUpLockFailure(t *testing.T) {
	m, mock := newTestMigrator(t, fstest.MapFS{"001_first.sql": {Data: []byte("SELECT 1;")}})

	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_lock($1)")).
		WithArgs(migrationLockKey).WillReturnError(assert.AnError)

	ran, err := m.Up(context.Background())
	require.Error(t, err)
	assert.Nil(t, ran)
	assert.Equal(t, errors.CodeDatabaseMigration, errors.GetCode(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
