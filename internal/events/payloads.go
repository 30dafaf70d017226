package events

const (
	// ConnectionStateEvent is emitted whenever a session's connections change state.
	ConnectionStateEvent = "connection.state"

	ConnectionStateConnecting  = "connecting"
	ConnectionStateConnected   = "connected"
	ConnectionStateReconnected = "reconnected"
	ConnectionStateFailed      = "failed"
	ConnectionStateClosed      = "closed"

	ScriptLogEvent          = "script.log"
	ScriptResultSetEvent    = "script.resultset"
	ScriptJobCompletedEvent = "script.job.completed"
	SchemaChangedEvent      = "session.schema"
	MetadataInvalidEvent    = "metadata.invalidated"
)

type ConnectionStatePayload struct {
	ResourceName string `json:"resourceName"`
	State        string `json:"state"`
	Role         string `json:"role,omitempty"`
	Message      string `json:"message,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ScriptLogPayload is one action log line of a running script.
type ScriptLogPayload struct {
	SessionName    string `json:"sessionName"`
	JobID          string `json:"jobId,omitempty"`
	Kind           string `json:"kind"`
	Text           string `json:"text"`
	StatementIndex int    `json:"statementIndex,omitempty"`
	Line           int    `json:"line,omitempty"`
	Statement      string `json:"statement,omitempty"`
	DurationMs     int64  `json:"durationMs,omitempty"`
}

// ResultSetPayload announces a materialized result set. Rows are fetched
// through the result endpoint.
type ResultSetPayload struct {
	SessionName    string `json:"sessionName"`
	JobID          string `json:"jobId,omitempty"`
	StatementIndex int    `json:"statementIndex"`
	Line           int    `json:"line"`
	Columns        int    `json:"columns"`
	RowCount       int    `json:"rowCount"`
	Truncated      bool   `json:"truncated"`
}

type SchemaChangedPayload struct {
	SessionName string `json:"sessionName"`
	Schema      string `json:"schema"`
}

type MetadataInvalidatedPayload struct {
	SessionName string `json:"sessionName"`
	Statement   string `json:"statement"`
}

type ScriptJobCompletedPayload struct {
	JobID       string `json:"jobId"`
	SessionName string `json:"sessionName"`
	Status      string `json:"status"`
	FinishedAt  string `json:"finishedAt"`
	DurationMs  int64  `json:"durationMs"`
	Statements  int    `json:"statements"`
	Errors      int    `json:"errors"`
	Error       string `json:"error,omitempty"`
	Stored      bool   `json:"stored"`
}
