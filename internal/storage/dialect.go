package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed schema_sqlite.sql schema_postgres.sql
var schemaFS embed.FS

// dialect isolates what differs between the supported databases.
type dialect interface {
	name() string
	driverName() string
	dsn(cfg Config) (string, error)
	schemaFile() string
	// lockOwner serializes count-then-insert for one owner inside tx.
	lockOwner(ctx context.Context, tx *sqlx.Tx, owner int64) error
	isUniqueViolation(err error) bool
}

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return sqliteDialect{}, nil
	case "postgres", "postgresql", "pgx":
		return postgresDialect{}, nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

type sqliteDialect struct{}

func (sqliteDialect) name() string       { return "sqlite" }
func (sqliteDialect) driverName() string { return "sqlite" }
func (sqliteDialect) schemaFile() string { return "schema_sqlite.sql" }

// Pragmas go in the DSN so every pooled connection gets them, and
// _txlock=immediate takes the write lock at BEGIN.
func (sqliteDialect) dsn(cfg Config) (string, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return "", errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode(), nil
}

func (sqliteDialect) lockOwner(context.Context, *sqlx.Tx, int64) error { return nil }

func (sqliteDialect) isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

type postgresDialect struct{}

func (postgresDialect) name() string       { return "postgres" }
func (postgresDialect) driverName() string { return "pgx" }
func (postgresDialect) schemaFile() string { return "schema_postgres.sql" }

func (postgresDialect) dsn(cfg Config) (string, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return "", errors.New("postgres dsn is required")
	}
	return dsn, nil
}

func (postgresDialect) lockOwner(ctx context.Context, tx *sqlx.Tx, owner int64) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`SELECT pg_advisory_xact_lock(?)`), owner)
	return err
}

func (postgresDialect) isUniqueViolation(err error) bool {
	var pe *pgconn.PgError
	return errors.As(err, &pe) && pe.Code == "23505"
}

// schemaStatements splits the embedded schema into single statements.
func schemaStatements(d dialect) ([]string, error) {
	b, err := schemaFS.ReadFile(d.schemaFile())
	if err != nil {
		return nil, err
	}
	var out []string
	for _, stmt := range strings.Split(string(b), ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}
