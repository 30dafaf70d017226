package engine

import (
	"time"

	"github.com/crueladdict/ori/apps/ori-runner/internal/conn"
)

// Status is the terminal status of a script run.
type Status string

const (
	StatusCompleted   Status = "completed"
	StatusInterrupted Status = "interrupted"
	StatusFailed      Status = "failed"
)

// ResultSet is one materialized result set.
type ResultSet struct {
	StatementIndex int           `json:"statementIndex"`
	Statement      string        `json:"statement"`
	Line           int           `json:"line"`
	Columns        []conn.Column `json:"columns"`
	Rows           [][]any       `json:"rows"`
	// Truncated is set when rows beyond the row limit were discarded.
	Truncated     bool          `json:"truncated"`
	FetchDuration time.Duration `json:"fetchDuration"`
}

// ExecutionResult is the outcome of one statement.
type ExecutionResult struct {
	Index             int    `json:"index"`
	Line              int    `json:"line"`
	Statement         string `json:"statement"`
	ExecutedStatement string `json:"executedStatement,omitempty"`
	Kind              string `json:"kind"`

	ExecDuration  time.Duration `json:"execDuration"`
	FetchDuration time.Duration `json:"fetchDuration"`
	// RowsAffected is -1 when the statement does not report it.
	RowsAffected         int64              `json:"rowsAffected"`
	ResultSets           []*ResultSet       `json:"resultSets,omitempty"`
	SuppressedResultSets int                `json:"suppressedResultSets,omitempty"`
	WarningCount         int                `json:"warningCount"`
	Profile              map[string]float64 `json:"profile,omitempty"`

	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

// OK reports whether the statement succeeded.
func (r *ExecutionResult) OK() bool { return r.Err == nil }

// Report is the value a script task finishes with, kept for failed and
// interrupted runs too.
type Report struct {
	Status     Status            `json:"status"`
	Results    []ExecutionResult `json:"results"`
	Statements int               `json:"statements"`
	Errors     int               `json:"errors"`
	ResultSets int               `json:"resultSets"`
	// SuppressedResultSets counts result sets drained past the ceiling.
	SuppressedResultSets int           `json:"suppressedResultSets"`
	Duration             time.Duration `json:"duration"`
	Err                  error         `json:"-"`
	Error                string        `json:"error,omitempty"`
}

// Succeeded returns the statements that ran without error.
func (r *Report) Succeeded() []ExecutionResult {
	var out []ExecutionResult
	for _, res := range r.Results {
		if res.OK() {
			out = append(out, res)
		}
	}
	return out
}

// StatementErrors returns the statement failures in script order.
func (r *Report) StatementErrors() []*StatementError {
	var out []*StatementError
	for _, res := range r.Results {
		if se, ok := res.Err.(*StatementError); ok {
			out = append(out, se)
		}
	}
	return out
}

func (r *Report) finish(status Status, err error, start time.Time) {
	r.Status = status
	r.Err = err
	if err != nil {
		r.Error = err.Error()
	}
	r.Duration = time.Since(start)
}
