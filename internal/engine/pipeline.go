package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/crueladdict/ori/apps/ori-runner/internal/conn"
	"github.com/crueladdict/ori/apps/ori-runner/internal/dispatcher"
	"github.com/crueladdict/ori/apps/ori-runner/internal/pkg/logctx"
	"github.com/crueladdict/ori/apps/ori-runner/internal/pkg/sqlutil"
	"github.com/crueladdict/ori/apps/ori-runner/internal/splitter"
)

// Optional capabilities of a driver connection.
type (
	killer interface {
		KillQuery(ctx context.Context, sessionID string) error
	}
	warningCounter interface {
		WarningCount(ctx context.Context) (int, error)
	}
	statusReader interface {
		SessionStatus(ctx context.Context) (map[string]float64, error)
	}
	schemaReader interface {
		CurrentSchema(ctx context.Context) (string, error)
	}
)

// stmtOutcome tells the statement loop how to go on after one statement.
type stmtOutcome int

const (
	stmtOK stmtOutcome = iota
	stmtSkipped
	stmtFailed
	stmtInterrupted
	stmtFatal
)

// scriptState is the transient state of one run.
type scriptState struct {
	script string
	ranges []splitter.Range
	opts   ExecOptions
	task   *dispatcher.Task

	resultSets    int
	ceiling       int
	ceilingAsked  bool
	ceilingLifted bool
	ceilingWarned bool
}

type pipeline struct {
	s     *Session
	lease *conn.Lease
	state *scriptState
	rep   *Report
}

// run executes script on the worker. The report is returned in every case;
// the error decides the terminal task state.
func (s *Session) run(ctx context.Context, task *dispatcher.Task, script string, opts ExecOptions) (rep *Report, err error) {
	start := time.Now()
	rep = &Report{}
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "script run panicked", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			err = &InternalError{Op: "script run", Err: fmt.Errorf("%v", r)}
			s.log(LogMessage{Kind: LogError, Text: err.Error()})
			rep.finish(StatusFailed, err, start)
		}
	}()

	// a kill aimed at an earlier task may have landed after it ended
	s.primary.ClearStop()
	s.script.Store(task)
	defer s.script.CompareAndSwap(task, nil)

	lease, err := s.supervisor.Acquire(ctx, s.primary, false)
	if err != nil {
		s.log(LogMessage{Kind: LogError, Text: fmt.Sprintf("Could not acquire connection: %v", err)})
		rep.finish(StatusFailed, err, start)
		return rep, err
	}
	defer lease.Release()
	defer s.primary.ClearStop()

	delimiter := splitter.DefaultDelimiter
	if opts.NonStandardDelimiter {
		delimiter = splitter.RoutineDelimiter
	}
	state := &scriptState{
		script:  script,
		ranges:  splitter.Split(script, delimiter),
		opts:    opts,
		task:    task,
		ceiling: opts.ceiling(),
	}
	for _, r := range state.ranges {
		if sqlutil.Classify(r.Text(script)) != sqlutil.KindEmpty {
			rep.Statements++
		}
	}
	p := &pipeline{s: s, lease: lease, state: state, rep: rep}
	ctx = lease.Context()

	slog.InfoContext(ctx, "script started", slog.Int("statements", rep.Statements))

	status, runErr := p.loop(ctx)
	rep.finish(status, runErr, start)

	slog.InfoContext(ctx, "script finished",
		slog.String("status", string(status)),
		slog.Int("executed", len(rep.Results)),
		slog.Int("errors", rep.Errors),
		slog.Duration("duration", rep.Duration))
	if status == StatusInterrupted {
		s.log(LogMessage{Kind: LogWarning, Text: "Script execution interrupted", Duration: rep.Duration})
	}
	return rep, runErr
}

func (p *pipeline) loop(ctx context.Context) (Status, error) {
	for i, r := range p.state.ranges {
		if p.stopRequested() {
			return StatusInterrupted, ErrScriptInterrupted
		}

		res, outcome, err := p.runStatement(ctx, i+1, r)
		switch outcome {
		case stmtSkipped:
			continue
		case stmtOK:
			p.rep.Results = append(p.rep.Results, res)
		case stmtFailed:
			p.rep.Results = append(p.rep.Results, res)
			p.rep.Errors++
			if !p.state.opts.ContinueOnError {
				return StatusFailed, err
			}
		case stmtInterrupted:
			p.rep.Results = append(p.rep.Results, res)
			return StatusInterrupted, ErrScriptInterrupted
		case stmtFatal:
			p.rep.Results = append(p.rep.Results, res)
			p.rep.Errors++
			return StatusFailed, err
		}
	}
	return StatusCompleted, nil
}

// stopRequested is checked between statements: a cancelled task or a kill.
func (p *pipeline) stopRequested() bool {
	return p.state.task.Cancelled() || p.killRequested()
}

// killRequested is checked while a statement runs. Only a kill interrupts a
// statement; a cancelled task lets it finish.
func (p *pipeline) killRequested() bool {
	return p.s.primary.StopRequested()
}

func (p *pipeline) runStatement(ctx context.Context, index int, r splitter.Range) (ExecutionResult, stmtOutcome, error) {
	text := strings.TrimSpace(r.Text(p.state.script))
	kind := sqlutil.Classify(text)
	if kind == sqlutil.KindEmpty {
		return ExecutionResult{}, stmtSkipped, nil
	}

	ctx = logctx.WithStatement(ctx, index, r.Line)
	res := ExecutionResult{
		Index:        index,
		Line:         r.Line,
		Statement:    text,
		Kind:         kind.String(),
		RowsAffected: -1,
	}

	executed := text
	if kind == sqlutil.KindSelect && p.state.opts.RowLimit > 0 && !p.state.opts.DontAddLimitClause {
		// one extra row tells a truncated result apart from an exact fit
		executed = sqlutil.AddLimitClause(text, p.state.opts.RowLimit+1)
	}
	if executed != text {
		res.ExecutedStatement = executed
	}

	c := p.lease.Conn()
	if c == nil {
		return p.fatal(ctx, res, fmt.Errorf("%w: connection closed", conn.ErrNotConnected))
	}

	var before map[string]float64
	if p.state.opts.CollectProfilingStats {
		before = p.profile(ctx, c)
	}

	execStart := time.Now()
	cursor, err := c.Execute(ctx, executed, sqlutil.ReturnsRows(text))
	res.ExecDuration = time.Since(execStart)
	if err != nil {
		return p.statementFailed(ctx, res, err)
	}

	fetchStart := time.Now()
	outcome, err := p.fetch(ctx, &res, cursor)
	res.FetchDuration = time.Since(fetchStart)
	if cerr := cursor.Close(); cerr != nil && err == nil && outcome == stmtOK {
		err = cerr
		outcome = stmtFailed
	}
	switch outcome {
	case stmtInterrupted:
		res.Err = ErrScriptInterrupted
		res.Error = res.Err.Error()
		return res, stmtInterrupted, ErrScriptInterrupted
	case stmtFailed:
		return p.statementFailed(ctx, res, err)
	}

	p.applySideEffects(ctx, kind, text)

	if wc, ok := c.(warningCounter); ok {
		if n, err := wc.WarningCount(ctx); err == nil {
			res.WarningCount = n
		}
	}
	if before != nil {
		res.Profile = diffProfile(before, p.profile(ctx, c))
	}

	p.s.log(LogMessage{
		Kind:           p.okKind(res),
		Text:           summarize(res),
		StatementIndex: index,
		Statement:      text,
		Line:           r.Line,
		Duration:       res.ExecDuration + res.FetchDuration,
	})
	slog.DebugContext(ctx, "statement finished", slog.String("kind", res.Kind), slog.Duration("exec", res.ExecDuration))
	return res, stmtOK, nil
}

// statementFailed sorts a failed execute or fetch into a statement error,
// an interruption or a fatal error.
func (p *pipeline) statementFailed(ctx context.Context, res ExecutionResult, err error) (ExecutionResult, stmtOutcome, error) {
	if errors.Is(err, conn.ErrNotConnected) {
		return p.fatal(ctx, res, err)
	}
	if p.killRequested() || ctx.Err() != nil {
		// a killed query reports an error of its own; the interruption wins
		res.Err = ErrScriptInterrupted
		res.Error = res.Err.Error()
		return res, stmtInterrupted, ErrScriptInterrupted
	}

	se := newStatementError(res.Index, res.Line, res.Statement, err)
	res.Err = se
	res.Error = se.Error()
	slog.WarnContext(ctx, "statement failed", slog.Int("code", se.Code), slog.String("sqlState", se.SQLState), slog.String("message", se.Message))
	p.s.log(LogMessage{
		Kind:           LogError,
		Text:           se.Message,
		StatementIndex: res.Index,
		Statement:      res.Statement,
		Line:           res.Line,
		Duration:       res.ExecDuration + res.FetchDuration,
	})
	return res, stmtFailed, se
}

func (p *pipeline) fatal(ctx context.Context, res ExecutionResult, err error) (ExecutionResult, stmtOutcome, error) {
	res.Err = err
	res.Error = err.Error()
	slog.ErrorContext(ctx, "script aborted", slog.Any("err", err))
	p.s.log(LogMessage{
		Kind:           LogError,
		Text:           err.Error(),
		StatementIndex: res.Index,
		Statement:      res.Statement,
		Line:           res.Line,
	})
	return res, stmtFatal, err
}

// fetch walks every result set of cursor in driver order.
func (p *pipeline) fetch(ctx context.Context, res *ExecutionResult, cursor conn.Cursor) (stmtOutcome, error) {
	for {
		cols, err := cursor.Columns()
		if err != nil {
			return stmtFailed, err
		}
		if len(cols) > 0 {
			outcome, err := p.resultSet(ctx, res, cursor, cols)
			if outcome != stmtOK {
				return outcome, err
			}
		}
		if p.killRequested() {
			return stmtInterrupted, nil
		}
		if !cursor.NextResultSet() {
			break
		}
	}
	if err := cursor.Err(); err != nil {
		return stmtFailed, err
	}
	res.RowsAffected = cursor.RowsAffected()
	return stmtOK, nil
}

func (p *pipeline) resultSet(ctx context.Context, res *ExecutionResult, cursor conn.Cursor, cols []conn.Column) (stmtOutcome, error) {
	if !p.admitResultSet(ctx) {
		for cursor.Next() {
			if p.killRequested() {
				return stmtInterrupted, nil
			}
		}
		if err := cursor.Err(); err != nil {
			return stmtFailed, err
		}
		res.SuppressedResultSets++
		p.rep.SuppressedResultSets++
		return stmtOK, nil
	}

	start := time.Now()
	rs := &ResultSet{
		StatementIndex: res.Index,
		Statement:      res.Statement,
		Line:           res.Line,
		Columns:        cols,
		Rows:           [][]any{},
	}
	limit := p.state.opts.RowLimit
	for cursor.Next() {
		if p.killRequested() {
			return stmtInterrupted, nil
		}
		if limit > 0 && len(rs.Rows) >= limit {
			rs.Truncated = true
			continue
		}
		values, err := cursor.Values()
		if err != nil {
			return stmtFailed, err
		}
		rs.Rows = append(rs.Rows, values)
	}
	if err := cursor.Err(); err != nil {
		return stmtFailed, err
	}
	rs.FetchDuration = time.Since(start)

	p.state.resultSets++
	p.rep.ResultSets++
	res.ResultSets = append(res.ResultSets, rs)
	if cb := p.s.callbacks.OnResultSet; cb != nil {
		p.s.disp.Post(func() { cb(rs) })
	}
	return stmtOK, nil
}

// admitResultSet applies the result set ceiling. The policy is consulted
// once per run; after a refusal further sets are drained only.
func (p *pipeline) admitResultSet(ctx context.Context) bool {
	st := p.state
	if st.ceiling <= 0 || st.ceilingLifted || st.resultSets < st.ceiling {
		return true
	}
	if !st.ceilingAsked {
		st.ceilingAsked = true
		if st.opts.ResultLimitPolicy != nil && st.opts.ResultLimitPolicy(ctx, st.resultSets) {
			st.ceilingLifted = true
			slog.InfoContext(ctx, "result set ceiling lifted", slog.Int("ceiling", st.ceiling))
			return true
		}
	}
	if !st.ceilingWarned {
		st.ceilingWarned = true
		slog.WarnContext(ctx, "result set ceiling reached", slog.Int("ceiling", st.ceiling))
		p.s.log(LogMessage{
			Kind: LogWarning,
			Text: fmt.Sprintf("%v: only the first %d result sets are kept", ErrResultLimitExceeded, st.ceiling),
		})
	}
	return false
}

func (p *pipeline) applySideEffects(ctx context.Context, kind sqlutil.StatementKind, text string) {
	switch kind {
	case sqlutil.KindUse:
		if schema, ok := sqlutil.UseTarget(text); ok {
			p.lease.SetSchema(schema)
			p.s.notifySchema(schema)
			slog.InfoContext(ctx, "default schema changed", slog.String("schema", schema))
		}
	case sqlutil.KindDrop:
		if sink := p.s.sink; sink != nil {
			p.s.disp.Post(func() { sink.ObjectDropped(text) })
		}
	case sqlutil.KindSet:
		if on, ok := sqlutil.AutocommitValue(text); ok {
			p.lease.SetAutocommit(on)
			slog.InfoContext(ctx, "autocommit changed", slog.Bool("autocommit", on))
		}
	}
	switch sqlutil.TransactionEffect(text) {
	case sqlutil.TxBegin:
		p.lease.BeginTx()
	case sqlutil.TxEnd:
		p.lease.EndTx()
	}
}

func (p *pipeline) profile(ctx context.Context, c conn.DriverConn) map[string]float64 {
	sr, ok := c.(statusReader)
	if !ok {
		return nil
	}
	status, err := sr.SessionStatus(ctx)
	if err != nil {
		slog.DebugContext(ctx, "session status unavailable", slog.Any("err", err))
		return nil
	}
	return status
}

func diffProfile(before, after map[string]float64) map[string]float64 {
	if before == nil || after == nil {
		return nil
	}
	out := make(map[string]float64)
	for name, v := range after {
		if d := v - before[name]; d != 0 {
			out[name] = d
		}
	}
	return out
}

func (p *pipeline) okKind(res ExecutionResult) LogKind {
	if res.WarningCount > 0 || res.SuppressedResultSets > 0 {
		return LogWarning
	}
	return LogOK
}

func summarize(res ExecutionResult) string {
	var parts []string
	for _, rs := range res.ResultSets {
		msg := fmt.Sprintf("%d row(s) returned", len(rs.Rows))
		if rs.Truncated {
			msg += " (truncated)"
		}
		parts = append(parts, msg)
	}
	if res.RowsAffected >= 0 {
		parts = append(parts, fmt.Sprintf("%d row(s) affected", res.RowsAffected))
	}
	if res.SuppressedResultSets > 0 {
		parts = append(parts, fmt.Sprintf("%d result set(s) not kept", res.SuppressedResultSets))
	}
	if res.WarningCount > 0 {
		parts = append(parts, fmt.Sprintf("%d warning(s)", res.WarningCount))
	}
	if len(parts) == 0 {
		return "OK"
	}
	return strings.Join(parts, ", ")
}
