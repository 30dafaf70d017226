package database

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
)

// DB is one pinned database session. Every call runs on the same server
// connection, so session state such as the default schema or an open
// transaction survives between statements.
type DB interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PingContext(ctx context.Context) error
	Close() error
}
