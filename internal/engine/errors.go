package engine

import (
	"errors"
	"fmt"

	"github.com/crueladdict/ori/apps/ori-runner/internal/conn"
	"github.com/crueladdict/ori/apps/ori-runner/internal/dispatcher"
)

var (
	// ErrScriptInterrupted is the terminal status of a run stopped by Cancel
	// or KillQuery. It is not a failure; the task ends Cancelled.
	ErrScriptInterrupted = fmt.Errorf("script interrupted: %w", dispatcher.ErrCancelled)
	// ErrResultLimitExceeded is logged when result sets beyond the ceiling are
	// drained without being kept.
	ErrResultLimitExceeded = errors.New("result set limit exceeded")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")
)

// StatementError is one statement rejected by the database.
type StatementError struct {
	Index     int
	Line      int
	Statement string
	Code      int
	SQLState  string
	Message   string
	Err       error
}

func (e *StatementError) Error() string {
	switch {
	case e.Code != 0:
		return fmt.Sprintf("statement %d (line %d): error %d: %s", e.Index, e.Line, e.Code, e.Message)
	case e.SQLState != "":
		return fmt.Sprintf("statement %d (line %d): error %s: %s", e.Index, e.Line, e.SQLState, e.Message)
	default:
		return fmt.Sprintf("statement %d (line %d): %s", e.Index, e.Line, e.Message)
	}
}

func (e *StatementError) Unwrap() error { return e.Err }

func newStatementError(index, line int, stmt string, err error) *StatementError {
	se := &StatementError{Index: index, Line: line, Statement: stmt, Message: err.Error(), Err: err}
	var de *conn.DriverError
	if errors.As(err, &de) {
		se.Code = de.Code
		se.SQLState = de.SQLState
		se.Message = de.Message
	}
	return se
}

// InternalError is an unexpected failure inside the run. It always stops
// the script.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error during %s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

// IsNotConnected reports whether err means the session has no usable
// connection.
func IsNotConnected(err error) bool {
	return errors.Is(err, conn.ErrNotConnected)
}
