/*
Package sqlstore provides the SQL-backed implementation of the storage interfaces.

PURPOSE:
  Implements loyalty.TxStore and rules.Repository on sqlx for SQLite
  (mattn/go-sqlite3) and PostgreSQL (lib/pq). Queries are written once with
  '?' placeholders and rebound per driver; only the DDL differs.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on the movements table
  - Corrections are new movements (REVERSAL, ADJUSTMENT)
  - accounts.balance is a projection written only by ApplyMovement

BALANCE UPDATES:
  Every balance change is a single conditional statement:

    UPDATE accounts SET balance = balance + ?
    WHERE user_id = ? AND card_id = ? AND closed_at IS NULL AND balance + ? >= 0

  Two concurrent debits racing for the last points cannot both match. When no
  row matches, the account is re-read to report NotFound, ErrAccountClosed or
  InsufficientBalance. Movement insert and balance update share one database
  transaction.

KEY TABLES:
  accounts:          balance projection + expiring buckets, soft close
  movements:         immutable ledger, unique (kind, ref_id) when ref_id <> ''
  rules, campaigns:  catalog configuration
  rewards:           reward catalog with CHECK (stock >= 0)
  redemptions:       redemption requests
  card_transactions: transactions reported by the card network
  sweep_runs:        expiration batch audit trail

SQLITE:
  Opened with WAL, foreign keys and a busy timeout, on a single connection.
  ":memory:" databases exist per connection, and one writer at a time is all
  SQLite offers anyway. Inside WithTx only the Store handed to fn may be
  used; calling the outer Store would wait for the connection fn holds.

SEE ALSO:
  - loyalty/store.go: interface definitions
  - loyalty/store/memory.go: in-memory implementation for tests
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/rules"
)

const defaultQueryTimeout = 5 * time.Second

// Dialect names a supported database.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

// Store implements loyalty.TxStore and rules.Repository.
type Store struct {
	*conn
	db *sqlx.DB
}

var (
	_ loyalty.TxStore  = (*Store)(nil)
	_ rules.Repository = (*Store)(nil)
)

// conn runs queries against either the pool or an open transaction.
type conn struct {
	ext     sqlx.ExtContext
	dialect Dialect
	timeout time.Duration
	inTx    bool
	begin   func(ctx context.Context) (*sqlx.Tx, error)
}

// Options tunes a Store.
type Options struct {
	QueryTimeout time.Duration
	SkipMigrate  bool
}

// OpenSQLite opens (and migrates) a SQLite database. Use ":memory:" for an
// in-memory database.
func OpenSQLite(path string, opts Options) (*Store, error) {
	dsn := path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	db, err := sqlx.Open(string(SQLite), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return newStore(db, SQLite, opts)
}

// OpenPostgres connects to PostgreSQL and migrates the schema.
func OpenPostgres(databaseURL string, opts Options) (*Store, error) {
	db, err := sqlx.Connect(string(Postgres), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)
	return newStore(db, Postgres, opts)
}

func newStore(db *sqlx.DB, d Dialect, opts Options) (*Store, error) {
	timeout := opts.QueryTimeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	s := &Store{db: db}
	s.conn = &conn{
		ext:     db,
		dialect: d,
		timeout: timeout,
		begin: func(ctx context.Context) (*sqlx.Tx, error) {
			return db.BeginTxx(ctx, nil)
		},
	}
	if !opts.SkipMigrate {
		if err := s.Migrate(context.Background()); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dialect reports the backing database.
func (s *Store) Dialect() Dialect { return s.dialect }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// WithTx executes fn within a database transaction.
// If fn returns an error, everything written through the given Store is rolled back.
func (s *Store) WithTx(ctx context.Context, fn func(loyalty.Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(s.withTx(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (c *conn) withTx(tx *sqlx.Tx) *conn {
	return &conn{ext: tx, dialect: c.dialect, timeout: c.timeout, inTx: true}
}

// atomically runs fn inside the current transaction, or a new one.
func (c *conn) atomically(ctx context.Context, fn func(*conn) error) error {
	if c.inTx {
		return fn(c)
	}
	tx, err := c.begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(c.withTx(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// =============================================================================
// QUERY HELPERS
// =============================================================================

func (c *conn) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func (c *conn) get(ctx context.Context, dest any, query string, args ...any) error {
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	return sqlx.GetContext(ctx, c.ext, dest, c.ext.Rebind(query), args...)
}

func (c *conn) selectAll(ctx context.Context, dest any, query string, args ...any) error {
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	return sqlx.SelectContext(ctx, c.ext, dest, c.ext.Rebind(query), args...)
}

func (c *conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	return c.ext.ExecContext(ctx, c.ext.Rebind(query), args...)
}

// execOne runs an UPDATE and reports whether a row matched.
func (c *conn) execOne(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := c.exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// isUniqueViolation recognizes unique-constraint failures from either driver.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

func utc(t time.Time) time.Time { return t.UTC() }

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
