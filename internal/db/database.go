// Package db provides database connectivity and the result store for scanfleet.
// It handles schema migrations and persists scan jobs and scan results in
// PostgreSQL.
package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/anstrom/scanfleet/internal/errors"
)

// pqCodes maps the postgres conditions the store can hit to a code and a
// message that is safe to hand to API clients.
var pqCodes = map[pq.ErrorCode]struct {
	code    errors.ErrorCode
	message string
}{
	"23505": {errors.CodeConflict, "Resource already exists"},
	"23502": {errors.CodeValidation, "Required field is missing"},
	"23514": {errors.CodeValidation, "Data validation failed"},
	"57P01": {errors.CodeDatabaseConnection, "Database connection error"},
}

// sanitizeDBError turns a driver error into a DatabaseError that carries no
// SQL text or connection details. The raw error stays reachable as Cause.
func sanitizeDBError(operation string, err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.NewDatabaseError(errors.CodeNotFound, "Resource not found")
	}

	dbErr := errors.NewDatabaseError(errors.CodeDatabaseQuery,
		fmt.Sprintf("Database operation failed: %s", operation))

	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		if known, ok := pqCodes[pqErr.Code]; ok {
			dbErr = errors.NewDatabaseError(known.code, known.message)
		} else if pqErr.Code.Class() == "08" {
			dbErr = errors.NewDatabaseError(errors.CodeDatabaseConnection, "Database connection error")
		}
	}

	dbErr.Operation = operation
	dbErr.Cause = err
	return dbErr
}

const (
	defaultPostgresPort    = 5432
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
	defaultConnectTimeout  = 30 * time.Second
)

// DB wraps sqlx.DB.
type DB struct {
	*sqlx.DB
}

// Config holds database configuration. URL, when set, takes precedence over
// the individual connection fields.
type Config struct {
	URL             string        `yaml:"url" json:"url"`
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	Database        string        `yaml:"database" json:"database"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"password"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`

	// How long Connect keeps retrying while the server is unreachable.
	// Zero makes a single attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// DefaultConfig returns the default database configuration.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            defaultPostgresPort,
		Database:        "scanfleet",
		Username:        "scanfleet",
		SSLMode:         "disable",
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
		ConnectTimeout:  defaultConnectTimeout,
	}
}

// DSN returns the connection string handed to lib/pq.
func (c *Config) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.Username, c.Password, c.SSLMode,
	)
}

// Connect opens a pool to PostgreSQL and verifies it. The controller usually
// starts alongside its database, so unreachable-server errors are retried with
// exponential backoff for up to ConnectTimeout. Authentication and
// configuration failures are returned immediately.
func Connect(ctx context.Context, config *Config) (*DB, error) {
	var conn *sqlx.DB
	attempt := func() error {
		c, err := sqlx.ConnectContext(ctx, "postgres", config.DSN())
		if err != nil {
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}

	var err error
	if config.ConnectTimeout <= 0 {
		err = attempt()
	} else {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxInterval = 5 * time.Second
		b.MaxElapsedTime = config.ConnectTimeout
		err = backoff.Retry(attempt, backoff.WithContext(b, ctx))
	}
	if err != nil {
		var permanent *backoff.PermanentError
		if stderrors.As(err, &permanent) {
			err = permanent.Err
		}
		return nil, errors.ErrDatabaseConnection(err)
	}

	conn.SetMaxOpenConns(config.MaxOpenConns)
	conn.SetMaxIdleConns(config.MaxIdleConns)
	conn.SetConnMaxLifetime(config.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	return &DB{DB: conn}, nil
}

// retryable reports whether a connect error may clear up on its own.
// Server-side rejections other than connection and startup conditions are final.
func retryable(err error) bool {
	var pqErr *pq.Error
	if !stderrors.As(err, &pqErr) {
		return true
	}
	switch pqErr.Code.Class() {
	case "08", "57":
		return true
	}
	return false
}

// Ping tests the database connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
