// Package sqlite is the single authoritative store for the economy engine.
// All durable state — members, wallets, the append-only ledger, contracts
// and review sessions — lives here, and every state-changing operation
// runs inside one short IMMEDIATE transaction. Concurrency control is
// optimistic throughout: uniqueness constraints and conditional updates
// stand in for locks.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tomoyo-network/tomoyo/internal/infra/observability"
)

// ErrBusy wraps storage contention that survived the bounded internal
// retries. Callers surface it as a retryable outcome, never a crash.
var ErrBusy = errors.New("storage busy")

const (
	maxTxAttempts = 4
	txBackoff     = 20 * time.Millisecond
)

// timeLayout is a fixed-width UTC format so TEXT comparisons in SQL
// order the same way the timestamps do.
const timeLayout = "2006-01-02T15:04:05.000Z"

// DB wraps the SQLite handle.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies pragmas.
// Use ":memory:" only in tests; production paths get WAL mode.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)",
		path,
	)
	handle, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single writer connection sidesteps SQLITE_BUSY between our own
	// transactions; SQLite serializes writers anyway.
	handle.SetMaxOpenConns(1)

	if err := handle.Ping(); err != nil {
		handle.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &DB{db: handle}, nil
}

// Close closes the underlying handle.
func (db *DB) Close() error { return db.db.Close() }

// Migrate applies the full schema. Every statement is idempotent, so
// re-running on startup is always safe.
func (db *DB) Migrate() error {
	for _, stmt := range Migrations() {
		if _, err := db.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ─── Transactions ───────────────────────────────────────────────────────────

// Tx is one open transaction. All table operations hang off it so that
// a service can compose a ledger write, a balance update and a status
// transition into a single atomic unit.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside an IMMEDIATE transaction, retrying a bounded
// number of times with exponential backoff when SQLite reports
// contention. After the attempts are exhausted the error wraps ErrBusy.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	var lastErr error
	backoff := txBackoff
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err := db.runTx(ctx, fn)
		if err == nil || !isBusy(err) {
			return err
		}
		lastErr = err

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	observability.StorageBusy.Inc()
	return fmt.Errorf("%w: %v", ErrBusy, lastErr)
}

func (db *DB) runTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

// isBusy reports whether err is SQLite contention rather than a real
// failure. The driver surfaces these as SQLITE_BUSY / locked strings.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "DATABASE IS LOCKED") ||
		strings.Contains(msg, "DATABASE TABLE IS LOCKED")
}

// isUniqueViolation reports whether err is a uniqueness-constraint
// conflict — the signal that an optimistic insert lost its race.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToUpper(err.Error()), "UNIQUE")
}

// ─── Time Helpers ───────────────────────────────────────────────────────────

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by other tooling may carry plain RFC3339.
		return time.Parse(time.RFC3339, s)
	}
	return t, nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
