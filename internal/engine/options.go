package engine

import (
	"context"
	"time"

	"github.com/crueladdict/ori/apps/ori-runner/internal/model"
)

// DefaultMaxResultSets is the result set ceiling used when none is given.
const DefaultMaxResultSets = 50

// ResultLimitPolicy is asked once per run, on the worker, when the result
// set ceiling is reached. Returning true lifts the ceiling for the rest of
// the run; false keeps draining further result sets without keeping them.
type ResultLimitPolicy func(ctx context.Context, count int) bool

type ExecOptions struct {
	DontAddLimitClause    bool `json:"dontAddLimitClause,omitempty"`
	NonStandardDelimiter  bool `json:"nonStandardDelimiter,omitempty"`
	ContinueOnError       bool `json:"continueOnError,omitempty"`
	CollectProfilingStats bool `json:"collectProfilingStats,omitempty"`
	// MaxResultSets caps materialized result sets per run. Zero means
	// DefaultMaxResultSets, negative means no ceiling.
	MaxResultSets int `json:"maxResultSets,omitempty"`
	// RowLimit caps rows kept per result set. Zero keeps everything.
	RowLimit int `json:"rowLimit,omitempty"`

	ResultLimitPolicy ResultLimitPolicy `json:"-"`
}

func (o ExecOptions) ceiling() int {
	switch {
	case o.MaxResultSets == 0:
		return DefaultMaxResultSets
	case o.MaxResultSets < 0:
		return 0
	default:
		return o.MaxResultSets
	}
}

// WithDefaults fills options left at their zero value from resource
// defaults.
func (o ExecOptions) WithDefaults(d *model.EngineDefaults) ExecOptions {
	if d == nil {
		return o
	}
	if o.MaxResultSets == 0 && d.MaxResultSets != nil {
		o.MaxResultSets = *d.MaxResultSets
	}
	if o.RowLimit == 0 && d.RowLimit != nil {
		o.RowLimit = *d.RowLimit
	}
	if !o.ContinueOnError && d.ContinueOnError != nil {
		o.ContinueOnError = *d.ContinueOnError
	}
	if !o.NonStandardDelimiter && d.NonStandardDelimiter != nil {
		o.NonStandardDelimiter = *d.NonStandardDelimiter
	}
	return o
}

// LogKind grades a log message.
type LogKind string

const (
	LogOK      LogKind = "ok"
	LogNote    LogKind = "note"
	LogWarning LogKind = "warning"
	LogError   LogKind = "error"
)

// LogMessage is one line of the per-statement action log.
type LogMessage struct {
	Kind           LogKind       `json:"kind"`
	Text           string        `json:"text"`
	StatementIndex int           `json:"statementIndex,omitempty"`
	Statement      string        `json:"statement,omitempty"`
	Line           int           `json:"line,omitempty"`
	Duration       time.Duration `json:"duration,omitempty"`
}

// Callbacks run on the session's home goroutine, in script order.
type Callbacks struct {
	OnLogMessage    func(msg LogMessage)
	OnResultSet     func(rs *ResultSet)
	OnSchemaChanged func(schema string)
}

// MetadataSink is told about statements that invalidate cached metadata.
// It is called on the home goroutine.
type MetadataSink interface {
	SchemaChanged(schema string)
	ObjectDropped(statement string)
}
