// Package postgres provides the PostgreSQL store. Wallet rows are locked
// with SELECT ... FOR UPDATE for the duration of each unit of work.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/xraph/credits/store/sqlstore"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Dialect configures sqlstore for PostgreSQL.
var Dialect = sqlstore.Dialect{
	Name:              "postgres",
	LockClause:        " FOR UPDATE",
	IsUniqueViolation: isUniqueViolation,
	Migrate:           Migrate,
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// New creates a store on an open database.
func New(db *sqlx.DB) *sqlstore.Store {
	return sqlstore.New(db, Dialect)
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*sqlstore.Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("credits/postgres: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("credits/postgres: ping: %w", err)
	}
	return New(db), nil
}
