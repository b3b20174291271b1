package postgres

import (
	"context"
	"database/sql"
)

// DBTX is a common interface for *sqlx.DB and *sqlx.Tx
// This allows repositories to work with both regular connections and transactions
// enabling full transactional isolation in tests
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// Handle yields the handle for the next query. The postgres adapter swaps its pool on reconnect,
// so long-lived repositories resolve it per call instead of holding a *sqlx.DB.
type Handle func() DBTX

// Static returns a Handle that always yields db
func Static(db DBTX) Handle {
	return func() DBTX { return db }
}
