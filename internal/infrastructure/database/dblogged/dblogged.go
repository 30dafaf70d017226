package dblogged

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/crueladdict/ori/apps/ori-runner/internal/pkg/logctx"
)

const (
	keyOperation  = "operation"
	keyParamCount = "paramCount"
	keyDuration   = "duration"
	keyDriver     = "driver"

	operationOpen     = "open"
	operationQuery    = "query"
	operationQueryRow = "query_row"
	operationExec     = "exec"
	operationPing     = "ping"
	operationClose    = "close"
)

// Session is the call surface of a pinned sqlx connection.
type Session interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PingContext(ctx context.Context) error
	Close() error
}

// DB logs every call made on a pinned session.
type DB struct {
	driver string
	pool   *sqlx.DB
	db     Session
}

var (
	_ Session = (*DB)(nil)
	_ Session = (*sqlx.Conn)(nil)
)

// Open opens a pool capped at one connection and pins that connection, so
// the returned DB behaves like a single server session.
func Open(ctx context.Context, driver, dsn string) (_ *DB, err error) {
	ctx, done := (&DB{driver: driver}).track(ctx, operationOpen, 0)
	defer func() { done(err) }()

	pool, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	pool.SetMaxOpenConns(1)
	pool.SetMaxIdleConns(1)
	pool.SetConnMaxLifetime(0)

	conn, err := pool.Connx(ctx)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	return &DB{driver: driver, pool: pool, db: conn}, nil
}

// Wrap logs calls on an existing session.
func Wrap(db Session, driver string) *DB {
	return &DB{driver: driver, db: db}
}

func (d *DB) Driver() string { return d.driver }

func (d *DB) GetContext(ctx context.Context, dest any, query string, args ...any) (err error) {
	ctx, done := d.track(ctx, operationQueryRow, len(args))
	defer func() { done(err) }()
	return d.db.GetContext(ctx, dest, query, args...)
}

func (d *DB) SelectContext(ctx context.Context, dest any, query string, args ...any) (err error) {
	ctx, done := d.track(ctx, operationQuery, len(args))
	defer func() { done(err) }()
	return d.db.SelectContext(ctx, dest, query, args...)
}

func (d *DB) QueryxContext(ctx context.Context, query string, args ...any) (rows *sqlx.Rows, err error) {
	ctx, done := d.track(ctx, operationQuery, len(args))
	defer func() { done(err) }()
	return d.db.QueryxContext(ctx, query, args...)
}

func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (result sql.Result, err error) {
	ctx, done := d.track(ctx, operationExec, len(args))
	defer func() { done(err) }()
	return d.db.ExecContext(ctx, query, args...)
}

func (d *DB) PingContext(ctx context.Context) (err error) {
	ctx, done := d.track(ctx, operationPing, 0)
	defer func() { done(err) }()
	return d.db.PingContext(ctx)
}

// Close returns the pinned connection and closes the pool behind it.
func (d *DB) Close() (err error) {
	_, done := d.track(context.Background(), operationClose, 0)
	defer func() { done(err) }()
	err = d.db.Close()
	if d.pool != nil {
		if perr := d.pool.Close(); err == nil {
			err = perr
		}
	}
	return err
}

// track tags ctx with the call and returns the hook that logs its outcome.
func (d *DB) track(ctx context.Context, operation string, params int) (context.Context, func(error)) {
	attrs := []slog.Attr{slog.String(keyOperation, operation), slog.String(keyDriver, d.driver)}
	if params > 0 {
		attrs = append(attrs, slog.Int(keyParamCount, params))
	}
	ctx = logctx.WithAttrs(ctx, attrs...)
	start := time.Now()
	return ctx, func(err error) { logFinish(ctx, start, err) }
}

// logFinish logs failures at warn: a failing statement is a script outcome,
// not a server fault.
func logFinish(ctx context.Context, start time.Time, err error) {
	elapsed := slog.Duration(keyDuration, time.Since(start))
	if err != nil {
		slog.WarnContext(ctx, "database call failed", elapsed, slog.Any("err", err))
		return
	}
	slog.DebugContext(ctx, "database call finished", elapsed)
}
