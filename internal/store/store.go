// Package store owns relational persistence. It speaks two dialects through
// database/sql: PostgreSQL (jackc/pgx stdlib driver) for networked deployments
// and SQLite (mattn/go-sqlite3) for single-file embedded ones. The dialect is
// inferred from the DATABASE_URL scheme.
//
// All timestamps are stored as Unix milliseconds (BIGINT) so the schema is
// byte-identical across dialects. Queries use $N placeholders, which both
// drivers accept.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/glasskeep/glasskeep-api/internal/apperr"
)

// Dialect identifies the SQL backend.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// slowQueryThreshold is the latency above which a query is logged as slow.
const slowQueryThreshold = 100 * time.Millisecond

// Store wraps the database handle with dialect awareness and query timing.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Querier is the read/write surface shared by Store and Tx, so service
// helpers can run inside or outside a transaction.
type Querier interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
}

// Open connects to the database named by url and verifies connectivity.
func Open(ctx context.Context, url string) (*Store, error) {
	dialect, driver, dsn, err := parseURL(url)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	switch dialect {
	case DialectPostgres:
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(time.Hour)
		db.SetConnMaxIdleTime(30 * time.Minute)
	case DialectSQLite:
		// A single writer connection sidesteps SQLITE_BUSY under concurrency.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("dialect", dialectName(dialect)).Msg("database connected")
	return &Store{db: db, dialect: dialect}, nil
}

func parseURL(url string) (Dialect, string, string, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return DialectPostgres, "pgx", url, nil
	case strings.HasPrefix(url, "sqlite://"):
		dsn := strings.TrimPrefix(url, "sqlite://")
		return DialectSQLite, "sqlite3", sqliteDSN(dsn), nil
	case url == ":memory:", strings.HasSuffix(url, ".db"), strings.HasSuffix(url, ".sqlite"):
		return DialectSQLite, "sqlite3", sqliteDSN(url), nil
	default:
		return 0, "", "", fmt.Errorf("cannot infer database dialect from %q", url)
	}
}

func sqliteDSN(path string) string {
	if path == ":memory:" {
		return "file::memory:?cache=shared&_foreign_keys=on"
	}
	return fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", path)
}

func dialectName(d Dialect) string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Dialect returns the backend dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close releases the underlying pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	defer timeQuery(query)()
	return s.db.ExecContext(ctx, query, args...)
}

func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	defer timeQuery(query)()
	return s.db.QueryContext(ctx, query, args...)
}

func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	defer timeQuery(query)()
	return s.db.QueryRowContext(ctx, query, args...)
}

// Tx is an open transaction with the same query surface as Store.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	defer timeQuery(query)()
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	defer timeQuery(query)()
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	defer timeQuery(query)()
	return t.tx.QueryRowContext(ctx, query, args...)
}

// InTx runs fn inside a transaction, committing on nil and rolling back on
// error or panic. All observable writes of a request become visible at commit.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(&Tx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// timeQuery logs queries slower than slowQueryThreshold.
func timeQuery(query string) func() {
	start := time.Now()
	return func() {
		if d := time.Since(start); d >= slowQueryThreshold {
			log.Warn().Dur("elapsed", d).Str("query", summarize(query)).Msg("slow query")
		}
	}
}

func summarize(q string) string {
	q = strings.Join(strings.Fields(q), " ")
	if len(q) > 120 {
		q = q[:120] + "..."
	}
	return q
}

// IsUniqueViolation reports whether err is a unique-constraint violation in
// either dialect. Callers surface these as CONFLICT.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// AsConflict converts a unique violation into a CONFLICT apperr, otherwise
// wraps err as INTERNAL_ERROR.
func AsConflict(err error, msg string) error {
	if IsUniqueViolation(err) {
		return apperr.Wrap(err, apperr.CodeConflict, msg)
	}
	return apperr.Internal(err)
}

// AsDuplicate is AsConflict with the DUPLICATE code, for the folder-name
// constraints that surface under their own taxonomy entry.
func AsDuplicate(err error, msg string) error {
	if IsUniqueViolation(err) {
		return apperr.Wrap(err, apperr.CodeDuplicate, msg)
	}
	return apperr.Internal(err)
}
