// Package storage implements the Postgres persistence layer: workflows,
// versions, instances, step executions, the transactional outbox and
// connections. All writes that straddle state and intent go through one
// transaction via WithinTx.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/aksbuzz/clickless/pkg/engineerr"
)

// ErrNotFound marks lookups that matched no row.
var ErrNotFound = errors.New("not found")

// Store owns the database handle.
type Store struct {
	db     *sqlx.DB
	logger zerolog.Logger
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string, logger zerolog.Logger) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return New(db, logger), nil
}

// New wraps an existing handle. Used by tests with sqlmock.
func New(db *sqlx.DB, logger zerolog.Logger) *Store {
	return &Store{db: db, logger: logger.With().Str("component", "storage").Logger()}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports connectivity, used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Tx is one unit of work. Repository methods hang off it so every state
// change and its outbox intent share a transaction.
type Tx struct {
	tx  *sqlx.Tx
	now func() time.Time
}

// WithinTx runs fn inside a transaction, committing on nil error and
// rolling back otherwise. Serialization and deadlock aborts come back as
// retryable engine errors so the broker redelivers.
func (s *Store) WithinTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return engineerr.Retryable("storage.begin", "starting transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&Tx{tx: tx, now: time.Now}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		if retryableSQLError(err) {
			return engineerr.Retryable("storage.commit", "committing transaction", err)
		}
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// retryableSQLError matches transient Postgres failures: serialization
// (40001), deadlock (40P01) and connection-level faults.
func retryableSQLError(err error) bool {
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "40001") ||
		strings.Contains(msg, "40P01") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset")
}

// IsUniqueViolation matches Postgres unique-constraint errors, used by
// the API layer to report duplicates.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
