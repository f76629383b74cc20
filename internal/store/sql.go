package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
)

const defaultPageSize = 100

// SQLStore performs store-related operations against a PostgreSQL or SQLite backend database.
type SQLStore struct {
	db *sqlx.DB
	// q is either db or, for a transaction-bound store, the active transaction
	q  sqlx.ExtContext
	tx *sqlx.Tx

	dialect  dialect
	sb       sq.StatementBuilderType
	log      Logger
	pageSize int
	now      func() time.Time
}

// ensure the SQL client satisfies the Store interface
var _ Store = (*SQLStore)(nil)

// Open connects to the database identified by dsn using the named dialect, either "postgres" or
// "sqlite".  If it can not immediately reach the target database, an error is returned.
func Open(ctx context.Context, dialectName, dsn string, opts ...Option) (*SQLStore, error) {
	d, err := dialectFor(dialectName)
	if err != nil {
		return nil, NewError(ErrValidation, "open database", "", err)
	}
	db, err := sqlx.ConnectContext(ctx, d.driver, dsn)
	if err != nil {
		return nil, NewError(ErrPersistence, "open database", "", err)
	}
	if d.name == DialectSQLite {
		// SQLite allows a single writer and an in-memory database lives only as long as its
		// connection, so all access goes through one connection
		db.SetMaxOpenConns(1)
	}
	for _, pragma := range d.pragmas {
		if _, err = db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, NewError(ErrPersistence, "open database", "", fmt.Errorf("%s: %w", pragma, err))
		}
	}

	s := &SQLStore{
		db:       db,
		q:        db,
		dialect:  d,
		sb:       sq.StatementBuilder.PlaceholderFormat(d.placeholder),
		log:      nopLogger{},
		pageSize: defaultPageSize,
		now:      time.Now,
	}
	for _, opt := range opts {
		if err = opt(s); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewPostgresClient initializes a store client for interacting with a PostgreSQL backend.
func NewPostgresClient(ctx context.Context, url string, opts ...Option) (*SQLStore, error) {
	return Open(ctx, DialectPostgres, url, opts...)
}

// NewSQLiteClient initializes a store client for interacting with the SQLite database at path,
// which may be ":memory:".
func NewSQLiteClient(ctx context.Context, path string, opts ...Option) (*SQLStore, error) {
	return Open(ctx, DialectSQLite, SQLiteDSN(path), opts...)
}

// SQLiteDSN returns a connection string for the SQLite database at path with foreign key
// enforcement and a busy timeout enabled on every connection.
func SQLiteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// Dialect returns the name of the database dialect, either "postgres" or "sqlite".
func (s *SQLStore) Dialect() string {
	return s.dialect.name
}

// Migrate creates the tables and indexes if they do not already exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return s.inTx(ctx, func(tx *SQLStore) error {
		for _, stmt := range tx.dialect.schema {
			if _, err := tx.execRaw(ctx, stmt); err != nil {
				return persistence("migrate", "", err)
			}
		}
		return nil
	})
}

// InTx invokes fn with a Store bound to a single database transaction.
func (s *SQLStore) InTx(ctx context.Context, fn func(Store) error) (err error) {
	if s.tx != nil {
		return fn(s)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return persistence("begin transaction", "", err)
	}
	txs := *s
	txs.q, txs.tx = tx, tx

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err = fn(&txs); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Error(rbErr, "error rolling back transaction")
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return persistence("commit transaction", "", err)
	}
	return nil
}

// inTx is InTx for the store's own multi-statement operations, which need the concrete type.
func (s *SQLStore) inTx(ctx context.Context, fn func(*SQLStore) error) error {
	return s.InTx(ctx, func(st Store) error {
		return fn(st.(*SQLStore))
	})
}

// Ping verifies that the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return persistence("ping", "", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// the drivers return timestamps in the session or local zone, results are always reported in UTC
func (m *Module) normalize() {
	m.CreatedAt, m.UpdatedAt = m.CreatedAt.UTC(), m.UpdatedAt.UTC()
}

func (v *Version) normalize() {
	v.CreatedAt = v.CreatedAt.UTC()
}

// timestamp normalizes t to the precision and zone stored by both backends.
func (s *SQLStore) timestamp(t time.Time) time.Time {
	if t.IsZero() {
		t = s.now()
	}
	return t.UTC().Truncate(time.Microsecond)
}

func (s *SQLStore) get(ctx context.Context, dest any, b sq.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("error constructing database command: %w", err)
	}
	s.log.Debug("executing query", "sql", query, "args", args)
	return sqlx.GetContext(ctx, s.q, dest, query, args...)
}

func (s *SQLStore) selectAll(ctx context.Context, dest any, b sq.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("error constructing database command: %w", err)
	}
	s.log.Debug("executing query", "sql", query, "args", args)
	return sqlx.SelectContext(ctx, s.q, dest, query, args...)
}

// exec runs a DML statement and returns the number of affected rows.
func (s *SQLStore) exec(ctx context.Context, b sq.Sqlizer) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("error constructing database command: %w", err)
	}
	return s.execRaw(ctx, query, args...)
}

func (s *SQLStore) execRaw(ctx context.Context, query string, args ...any) (int64, error) {
	s.log.Debug("executing command", "sql", query, "args", args)
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error processing database command result: %w", err)
	}
	return n, nil
}

// classify maps a backend error from a write to the corresponding error kind.
func (s *SQLStore) classify(op, key string, err error) error {
	switch {
	case err == nil:
		return nil
	case s.dialect.isUniqueViolation(err):
		return conflict(op, key, err)
	case s.dialect.isForeignKeyViolation(err):
		return NewError(ErrNotFound, op, key, err)
	default:
		return persistence(op, key, err)
	}
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: true}
}
