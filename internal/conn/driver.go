// Package conn wraps live database connections in lockable handles and
// supervises their validity.
package conn

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotConnected means no usable connection could be acquired or repaired.
	ErrNotConnected = errors.New("not connected")
	// ErrLockOrder is returned when a primary handle is locked while the same
	// call chain already holds an auxiliary handle.
	ErrLockOrder = errors.New("lock order violation: primary acquired after auxiliary")
)

// Credentials are everything a driver needs to (re)open a session.
type Credentials struct {
	Driver string
	DSN    string
}

// CredentialsProvider resolves credentials for a named resource at the time
// they are needed, so rotated secrets are picked up on reconnect.
type CredentialsProvider interface {
	Credentials(ctx context.Context, resource string) (Credentials, error)
}

// StaticCredentials always returns the same credentials.
type StaticCredentials Credentials

func (c StaticCredentials) Credentials(context.Context, string) (Credentials, error) {
	return Credentials(c), nil
}

// Column describes one result column.
type Column struct {
	Name         string `json:"name"`
	DatabaseType string `json:"type"`
	Nullable     bool   `json:"nullable"`
}

// Cursor iterates over the result sets produced by one statement. Rows are
// consumed with Next/Values, result sets advanced with NextResultSet.
type Cursor interface {
	// Columns of the current result set. Empty for statements without rows.
	Columns() ([]Column, error)
	Next() bool
	Values() ([]any, error)
	NextResultSet() bool
	// RowsAffected is -1 when the statement does not report it.
	RowsAffected() int64
	Err() error
	Close() error
}

// DriverConn is one network session to a database.
type DriverConn interface {
	// Execute runs stmt. wantRows tells the driver to expect result sets.
	Execute(ctx context.Context, stmt string, wantRows bool) (Cursor, error)
	IsValid(ctx context.Context) bool
	Reconnect(ctx context.Context, creds Credentials) error
	SessionID(ctx context.Context) (string, error)
	Close() error
}

// SchemaRestorer is implemented by connections that can switch the default
// schema, which is replayed after a reconnect.
type SchemaRestorer interface {
	UseSchema(ctx context.Context, schema string) error
}

// Opener creates driver connections for one kind of database.
type Opener interface {
	Open(ctx context.Context, creds Credentials) (DriverConn, error)
}

// DriverError is a failure reported by the database for one statement.
type DriverError struct {
	Code     int
	SQLState string
	Message  string
	Err      error
}

func (e *DriverError) Error() string {
	switch {
	case e.Code != 0 && e.SQLState != "":
		return fmt.Sprintf("error %d (%s): %s", e.Code, e.SQLState, e.Message)
	case e.Code != 0:
		return fmt.Sprintf("error %d: %s", e.Code, e.Message)
	case e.SQLState != "":
		return fmt.Sprintf("error %s: %s", e.SQLState, e.Message)
	default:
		return e.Message
	}
}

func (e *DriverError) Unwrap() error { return e.Err }
