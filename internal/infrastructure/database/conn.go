package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/crueladdict/ori/apps/ori-runner/internal/conn"
	"github.com/crueladdict/ori/apps/ori-runner/internal/infrastructure/database/dblogged"
)

const pingTimeout = 5 * time.Second

// Opener opens pinned sessions for one dialect.
type Opener struct {
	Dialect *Dialect
}

func (o Opener) Open(ctx context.Context, creds conn.Credentials) (conn.DriverConn, error) {
	return Open(ctx, o.Dialect, creds)
}

// Conn is a conn.DriverConn over one pinned database/sql session.
type Conn struct {
	dialect *Dialect

	mu sync.Mutex
	db DB
}

var (
	_ conn.DriverConn     = (*Conn)(nil)
	_ conn.SchemaRestorer = (*Conn)(nil)
	_ DB                  = (*dblogged.DB)(nil)
)

func Open(ctx context.Context, d *Dialect, creds conn.Credentials) (*Conn, error) {
	db, err := openDB(ctx, d, creds)
	if err != nil {
		return nil, err
	}
	return &Conn{dialect: d, db: db}, nil
}

// NewConn wraps an already pinned session, e.g. in tests.
func NewConn(d *Dialect, db DB) *Conn {
	return &Conn{dialect: d, db: db}
}

func openDB(ctx context.Context, d *Dialect, creds conn.Credentials) (DB, error) {
	driver := creds.Driver
	if driver == "" {
		driver = d.DriverName
	}
	db, err := dblogged.Open(ctx, driver, creds.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", d.Name, err)
	}
	return db, nil
}

func (c *Conn) Dialect() *Dialect { return c.dialect }

func (c *Conn) session() (DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil, conn.ErrNotConnected
	}
	return c.db, nil
}

// Execute runs stmt. With wantRows the statement is run as a query and the
// cursor walks its result sets; otherwise only the affected row count is
// reported.
func (c *Conn) Execute(ctx context.Context, stmt string, wantRows bool) (conn.Cursor, error) {
	db, err := c.session()
	if err != nil {
		return nil, err
	}
	if wantRows {
		rows, err := db.QueryxContext(ctx, stmt)
		if err != nil {
			return nil, c.dialect.TranslateError(err)
		}
		return &rowsCursor{rows: rows, translate: c.dialect.TranslateError}, nil
	}
	res, err := db.ExecContext(ctx, stmt)
	if err != nil {
		return nil, c.dialect.TranslateError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		affected = -1
	}
	return &execCursor{affected: affected}, nil
}

func (c *Conn) IsValid(ctx context.Context) bool {
	db, err := c.session()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return db.PingContext(ctx) == nil
}

// Reconnect drops the current session and opens a new one with creds.
func (c *Conn) Reconnect(ctx context.Context, creds conn.Credentials) error {
	db, err := openDB(ctx, c.dialect, creds)
	if err != nil {
		return err
	}
	c.mu.Lock()
	old := c.db
	c.db = db
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (c *Conn) SessionID(ctx context.Context) (string, error) {
	if c.dialect.SessionIDQuery == "" {
		return "", ErrUnsupported
	}
	db, err := c.session()
	if err != nil {
		return "", err
	}
	var id string
	if err := db.GetContext(ctx, &id, c.dialect.SessionIDQuery); err != nil {
		return "", c.dialect.TranslateError(err)
	}
	return id, nil
}

func (c *Conn) CurrentSchema(ctx context.Context) (string, error) {
	if c.dialect.CurrentSchemaQuery == "" {
		return "", ErrUnsupported
	}
	db, err := c.session()
	if err != nil {
		return "", err
	}
	var schema *string
	if err := db.GetContext(ctx, &schema, c.dialect.CurrentSchemaQuery); err != nil {
		return "", c.dialect.TranslateError(err)
	}
	if schema == nil {
		return "", nil
	}
	return *schema, nil
}

func (c *Conn) UseSchema(ctx context.Context, schema string) error {
	if c.dialect.UseStatement == nil {
		return ErrUnsupported
	}
	db, err := c.session()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, c.dialect.UseStatement(schema)); err != nil {
		return c.dialect.TranslateError(err)
	}
	return nil
}

// KillQuery interrupts whatever the session with the given id is running.
// It is issued from another connection.
func (c *Conn) KillQuery(ctx context.Context, sessionID string) error {
	if c.dialect.KillStatement == nil {
		return ErrUnsupported
	}
	stmt, err := c.dialect.KillStatement(sessionID)
	if err != nil {
		return err
	}
	db, err := c.session()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return c.dialect.TranslateError(err)
	}
	return nil
}

func (c *Conn) WarningCount(ctx context.Context) (int, error) {
	if c.dialect.WarningCountQuery == "" {
		return 0, ErrUnsupported
	}
	db, err := c.session()
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.GetContext(ctx, &n, c.dialect.WarningCountQuery); err != nil {
		return 0, c.dialect.TranslateError(err)
	}
	return n, nil
}

type statusRow struct {
	Name  string `db:"name"`
	Value string `db:"value"`
}

// SessionStatus reads numeric session counters. Non-numeric values are
// skipped.
func (c *Conn) SessionStatus(ctx context.Context) (map[string]float64, error) {
	if c.dialect.StatusQuery == "" {
		return nil, ErrUnsupported
	}
	db, err := c.session()
	if err != nil {
		return nil, err
	}
	var rows []statusRow
	if err := db.SelectContext(ctx, &rows, c.dialect.StatusQuery); err != nil {
		return nil, c.dialect.TranslateError(err)
	}
	out := make(map[string]float64, len(rows))
	for _, row := range rows {
		v, err := strconv.ParseFloat(row.Value, 64)
		if err != nil {
			continue
		}
		out[row.Name] = v
	}
	return out, nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	db := c.db
	c.db = nil
	c.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}

type rowsCursor struct {
	rows      *sqlx.Rows
	translate func(error) error
}

func (r *rowsCursor) Columns() ([]conn.Column, error) {
	types, err := r.rows.ColumnTypes()
	if err != nil {
		return nil, r.translate(err)
	}
	cols := make([]conn.Column, len(types))
	for i, ct := range types {
		nullable, _ := ct.Nullable()
		dbType := ct.DatabaseTypeName()
		if dbType == "" {
			dbType = "unknown"
		}
		cols[i] = conn.Column{Name: ct.Name(), DatabaseType: dbType, Nullable: nullable}
	}
	return cols, nil
}

func (r *rowsCursor) Next() bool { return r.rows.Next() }

// Values scans the current row. Byte slices are copied into strings since
// the driver may reuse their backing arrays.
func (r *rowsCursor) Values() ([]any, error) {
	values, err := r.rows.SliceScan()
	if err != nil {
		return nil, r.translate(err)
	}
	for i, v := range values {
		if b, ok := v.([]byte); ok {
			values[i] = string(b)
		}
	}
	return values, nil
}

func (r *rowsCursor) NextResultSet() bool { return r.rows.NextResultSet() }

func (r *rowsCursor) RowsAffected() int64 { return -1 }

func (r *rowsCursor) Err() error {
	err := r.rows.Err()
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	return r.translate(err)
}

func (r *rowsCursor) Close() error { return r.rows.Close() }

type execCursor struct {
	affected int64
}

func (e *execCursor) Columns() ([]conn.Column, error) { return nil, nil }
func (e *execCursor) Next() bool                      { return false }
func (e *execCursor) Values() ([]any, error)          { return nil, nil }
func (e *execCursor) NextResultSet() bool             { return false }
func (e *execCursor) RowsAffected() int64             { return e.affected }
func (e *execCursor) Err() error                      { return nil }
func (e *execCursor) Close() error                    { return nil }
