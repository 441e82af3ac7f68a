// Package sqlite provides the SQLite store on the pure-Go modernc driver.
//
// Units of work start with BEGIN IMMEDIATE, which takes the database write
// lock up front, so one writer runs at a time across all owners.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/xraph/credits/store/sqlstore"
)

const driverName = "sqlite"

func init() {
	sqlx.BindDriver(driverName, sqlx.QUESTION)
}

// Dialect configures sqlstore for SQLite.
var Dialect = sqlstore.Dialect{
	Name:              "sqlite",
	IsUniqueViolation: isUniqueViolation,
	Migrate:           Migrate,
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

// New creates a store on an open database.
func New(db *sqlx.DB) *sqlstore.Store {
	return sqlstore.New(db, Dialect)
}

// DSN returns path with the connection parameters the store relies on:
// immediate transactions, a busy timeout, foreign keys and sortable UTC
// timestamps. Use ":memory:" for a private in-memory database.
func DSN(path string) string {
	params := url.Values{}
	params.Set("_txlock", "immediate")
	params.Set("_time_format", "sqlite")
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "foreign_keys(1)")
	if path != ":memory:" {
		params.Add("_pragma", "journal_mode(WAL)")
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "file:" + path + sep + params.Encode()
}

// Open opens the database at path. A single connection is kept so that
// in-memory databases are shared and writers queue in-process instead of
// hitting SQLITE_BUSY.
func Open(ctx context.Context, path string) (*sqlstore.Store, error) {
	db, err := sqlx.Open(driverName, DSN(path))
	if err != nil {
		return nil, fmt.Errorf("credits/sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("credits/sqlite: ping: %w", err)
	}
	return New(db), nil
}
