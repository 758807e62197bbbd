// Package checkpoint persists confirmed replication progress in a
// small table inside the source database, so a restarted daemon
// resumes streaming from the last durably-delivered marker instead of
// replaying (or worse, skipping) transactions.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dbmazz/dbmazzd/internal/logging"
	"github.com/dbmazz/dbmazzd/internal/wire"
)

const (
	writeTimeout = 5 * time.Second
	maxAttempts  = 3
	retryBackoff = 500 * time.Millisecond
)

const createTableDDL = `
CREATE TABLE IF NOT EXISTS %s (
  slot_name TEXT PRIMARY KEY,
  confirmed_marker BIGINT NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// conn is the slice of pgxpool.Pool the store actually needs. Keeping
// it as an interface lets tests exercise Store's retry and clamp
// logic against a fake without a live Postgres connection.
type conn interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Store owns the checkpoints table in a pgxpool-managed connection
// pool to the source database.
type Store struct {
	pool   conn
	table  string
	logger *logging.Logger
}

// New creates a Store bound to the given pool and table name.
func New(pool *pgxpool.Pool, table string, logger *logging.Logger) *Store {
	return &Store{pool: pool, table: table, logger: logger}
}

// newWithConn is used by tests to inject a fake conn.
func newWithConn(pool conn, table string, logger *logging.Logger) *Store {
	return &Store{pool: pool, table: table, logger: logger}
}

// EnsureTable creates the checkpoints table if it does not already
// exist. Called once at startup, before Load.
func (s *Store) EnsureTable(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(createTableDDL, s.table)); err != nil {
		return fmt.Errorf("checkpoint: creating %s: %w", s.table, err)
	}
	return nil
}

// Load returns the last confirmed marker for slotName, or ok=false if
// the slot has never been checkpointed.
func (s *Store) Load(ctx context.Context, slotName string) (marker wire.LSN, ok bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT confirmed_marker FROM %s WHERE slot_name = $1", s.table)
	row := s.pool.QueryRow(ctx, query, slotName)

	var confirmed int64
	scanErr := row.Scan(&confirmed)
	switch {
	case scanErr == nil:
		return wire.LSN(confirmed), true, nil
	case errors.Is(scanErr, pgx.ErrNoRows):
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("checkpoint: loading %s: %w", slotName, scanErr)
	}
}

// Store upserts the confirmed marker for slotName, clamping to
// max(existing, new) so an out-of-order confirm from a retried
// sub-batch can never regress the checkpoint.
func (s *Store) Store(ctx context.Context, slotName string, marker wire.LSN) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (slot_name, confirmed_marker, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (slot_name) DO UPDATE
		SET confirmed_marker = GREATEST(%s.confirmed_marker, EXCLUDED.confirmed_marker),
		    updated_at = NOW()`, s.table, s.table)

	var lastErr error
	backoff := retryBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		_, err := s.pool.Exec(writeCtx, query, slotName, int64(marker))
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if s.logger != nil {
			s.logger.Warnf("checkpoint: store attempt %d/%d for slot %q failed: %v", attempt, maxAttempts, slotName, err)
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("checkpoint: giving up storing marker for slot %q after %d attempts: %w", slotName, maxAttempts, lastErr)
}
