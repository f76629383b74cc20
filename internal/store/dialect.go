package store

import (
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgconn"
	_ "github.com/jackc/pgx/v4/stdlib" //nolint: revive // intentional blank import b/c that's how pgx works
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// the supported database dialects
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

const (
	tableModules      = "module"
	tableVersions     = "version"
	tableDependencies = "dependency"
)

// dialect captures the differences between the supported database engines.  The DML is shared, only
// the DDL and the classification of constraint violations differ.
type dialect struct {
	name        string
	driver      string
	placeholder sq.PlaceholderFormat
	schema      []string
	pragmas     []string

	isUniqueViolation     func(error) bool
	isForeignKeyViolation func(error) bool
}

func dialectFor(name string) (dialect, error) {
	switch name {
	case DialectPostgres, "pg", "pgx":
		return postgresDialect, nil
	case DialectSQLite, "sqlite3":
		return sqliteDialect, nil
	default:
		return dialect{}, fmt.Errorf("unsupported database dialect %q", name)
	}
}

var postgresDialect = dialect{
	name:        DialectPostgres,
	driver:      "pgx",
	placeholder: sq.Dollar,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS module (
			id                BIGSERIAL PRIMARY KEY,
			family            VARCHAR(100) NOT NULL,
			name              VARCHAR(100) NOT NULL,
			identity_key      CHAR(64) NOT NULL,
			version_count     INTEGER NOT NULL DEFAULT 0,
			latest_version_id BIGINT,
			is_local          BOOLEAN NOT NULL DEFAULT FALSE,
			created_at        TIMESTAMPTZ NOT NULL,
			updated_at        TIMESTAMPTZ NOT NULL,
			CONSTRAINT uc_module_family_name UNIQUE (family, name),
			CONSTRAINT uc_module_identity_key UNIQUE (identity_key)
		)`,
		`CREATE TABLE IF NOT EXISTS version (
			id         BIGSERIAL PRIMARY KEY,
			module_id  BIGINT NOT NULL REFERENCES module (id),
			version    VARCHAR(64) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			author     VARCHAR(50) NOT NULL DEFAULT '',
			keyword    VARCHAR(255) NOT NULL DEFAULT '',
			sar_file   VARCHAR(255) NOT NULL DEFAULT '',
			meta_file  VARCHAR(255) NOT NULL DEFAULT '',
			file_size  BIGINT NOT NULL DEFAULT 0,
			CONSTRAINT uc_version_module_id_version UNIQUE (module_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS dependency (
			master_version_id    BIGINT NOT NULL REFERENCES version (id),
			dependant_version_id BIGINT NOT NULL REFERENCES version (id),
			CONSTRAINT pk_dependency PRIMARY KEY (master_version_id, dependant_version_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_version_module_recency ON version (module_id, created_at DESC, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_dependency_dependant ON dependency (dependant_version_id)`,
	},
	isUniqueViolation: func(err error) bool {
		return pgErrorCode(err) == "23505"
	},
	isForeignKeyViolation: func(err error) bool {
		return pgErrorCode(err) == "23503"
	},
}

var sqliteDialect = dialect{
	name:        DialectSQLite,
	driver:      "sqlite",
	placeholder: sq.Question,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS module (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			family            TEXT NOT NULL,
			name              TEXT NOT NULL,
			identity_key      TEXT NOT NULL,
			version_count     INTEGER NOT NULL DEFAULT 0,
			latest_version_id INTEGER,
			is_local          BOOLEAN NOT NULL DEFAULT 0,
			created_at        TIMESTAMP NOT NULL,
			updated_at        TIMESTAMP NOT NULL,
			UNIQUE (family, name),
			UNIQUE (identity_key)
		)`,
		`CREATE TABLE IF NOT EXISTS version (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			module_id  INTEGER NOT NULL REFERENCES module (id),
			version    TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			author     TEXT NOT NULL DEFAULT '',
			keyword    TEXT NOT NULL DEFAULT '',
			sar_file   TEXT NOT NULL DEFAULT '',
			meta_file  TEXT NOT NULL DEFAULT '',
			file_size  INTEGER NOT NULL DEFAULT 0,
			UNIQUE (module_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS dependency (
			master_version_id    INTEGER NOT NULL REFERENCES version (id),
			dependant_version_id INTEGER NOT NULL REFERENCES version (id),
			PRIMARY KEY (master_version_id, dependant_version_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_version_module_recency ON version (module_id, created_at DESC, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_dependency_dependant ON dependency (dependant_version_id)`,
	},
	pragmas: []string{
		`PRAGMA foreign_keys=ON`,
		`PRAGMA busy_timeout=5000`,
	},
	isUniqueViolation: func(err error) bool {
		switch sqliteErrorCode(err) {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			return strings.Contains(err.Error(), "UNIQUE constraint failed")
		}
		return false
	},
	isForeignKeyViolation: func(err error) bool {
		switch sqliteErrorCode(err) {
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
		}
		return false
	},
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func sqliteErrorCode(err error) int {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code()
	}
	return 0
}
