package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crueladdict/ori/apps/ori-runner/internal/conn"
	"github.com/crueladdict/ori/apps/ori-runner/internal/dispatcher"
	"github.com/crueladdict/ori/apps/ori-runner/internal/model"
)

// fakeResult scripts what one statement does on a fakeConn.
type fakeResult struct {
	cols     [][]conn.Column
	sets     [][][]any
	affected int64
	err      error
	panicMsg string
	// block makes Execute wait until the statement is killed or ctx ends.
	block bool
}

type fakeConn struct {
	mu        sync.Mutex
	valid     bool
	results   map[string]fakeResult
	executed  []string
	sessionID string
	schema    string
	warnings  int

	started  chan string
	released chan struct{}
	release  sync.Once

	// killTarget is the connection whose blocked statement KillQuery frees.
	killTarget *fakeConn
	killed     []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		valid:    true,
		results:  make(map[string]fakeResult),
		started:  make(chan string, 16),
		released: make(chan struct{}),
	}
}

func (f *fakeConn) on(stmt string, r fakeResult) *fakeConn {
	f.results[stmt] = r
	return f
}

func (f *fakeConn) unblock() { f.release.Do(func() { close(f.released) }) }

func (f *fakeConn) Execute(ctx context.Context, stmt string, _ bool) (conn.Cursor, error) {
	f.mu.Lock()
	f.executed = append(f.executed, stmt)
	r, ok := f.results[stmt]
	f.mu.Unlock()
	if !ok {
		return &fakeCursor{affected: 0}, nil
	}
	if r.panicMsg != "" {
		panic(r.panicMsg)
	}
	if r.block {
		f.started <- stmt
		select {
		case <-f.released:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return &fakeCursor{cols: r.cols, sets: r.sets, affected: r.affected}, nil
}

func (f *fakeConn) IsValid(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.valid
}

func (f *fakeConn) Reconnect(context.Context, conn.Credentials) error {
	return errors.New("connection refused")
}

func (f *fakeConn) SessionID(context.Context) (string, error) { return f.sessionID, nil }

func (f *fakeConn) CurrentSchema(context.Context) (string, error) { return f.schema, nil }

func (f *fakeConn) WarningCount(context.Context) (int, error) { return f.warnings, nil }

func (f *fakeConn) KillQuery(_ context.Context, id string) error {
	f.mu.Lock()
	f.killed = append(f.killed, id)
	f.mu.Unlock()
	if f.killTarget != nil {
		f.killTarget.unblock()
	}
	return nil
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) ran(stmt string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.executed {
		if s == stmt {
			return true
		}
	}
	return false
}

type fakeCursor struct {
	cols     [][]conn.Column
	sets     [][][]any
	set, row int
	affected int64
}

func (c *fakeCursor) Columns() ([]conn.Column, error) {
	if c.set < len(c.cols) {
		return c.cols[c.set], nil
	}
	return nil, nil
}

func (c *fakeCursor) Next() bool {
	if c.set >= len(c.sets) || c.row >= len(c.sets[c.set]) {
		return false
	}
	c.row++
	return true
}

func (c *fakeCursor) Values() ([]any, error) { return c.sets[c.set][c.row-1], nil }

func (c *fakeCursor) NextResultSet() bool {
	c.set++
	c.row = 0
	return c.set < len(c.sets)
}

func (c *fakeCursor) RowsAffected() int64 {
	if len(c.sets) > 0 {
		return -1
	}
	return c.affected
}

func (c *fakeCursor) Err() error   { return nil }
func (c *fakeCursor) Close() error { return nil }

func rows(n int) [][]any {
	out := make([][]any, n)
	for i := range out {
		out[i] = []any{int64(i + 1)}
	}
	return out
}

var idColumn = []conn.Column{{Name: "id", DatabaseType: "INTEGER"}}

type recorder struct {
	logs    []LogMessage
	sets    []*ResultSet
	schemas []string
	dropped []string
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnLogMessage:    func(msg LogMessage) { r.logs = append(r.logs, msg) },
		OnResultSet:     func(rs *ResultSet) { r.sets = append(r.sets, rs) },
		OnSchemaChanged: func(schema string) { r.schemas = append(r.schemas, "cb:"+schema) },
	}
}

func (r *recorder) SchemaChanged(schema string)    { r.schemas = append(r.schemas, "sink:"+schema) }
func (r *recorder) ObjectDropped(statement string) { r.dropped = append(r.dropped, statement) }

func (r *recorder) kinds() []LogKind {
	out := make([]LogKind, len(r.logs))
	for i, m := range r.logs {
		out[i] = m.Kind
	}
	return out
}

func newTestSession(t *testing.T, primary *fakeConn, rec *recorder) (*Session, *fakeConn) {
	t.Helper()
	aux := newFakeConn()
	aux.killTarget = primary
	cfg := Config{
		Name:      "test",
		Primary:   conn.NewHandle("db", conn.RolePrimary, primary, conn.StaticCredentials{}),
		Auxiliary: conn.NewHandle("db", conn.RoleAuxiliary, aux, conn.StaticCredentials{}),
	}
	if rec != nil {
		cfg.Callbacks = rec.callbacks()
		cfg.Sink = rec
	}
	s, err := NewSession(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() {
		primary.unblock()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s, aux
}

func missingTable() error {
	return &conn.DriverError{Code: 1146, SQLState: "42S02", Message: "Table 'shop.nope' doesn't exist"}
}

const threeStatements = "INSERT INTO t VALUES (1);\nINSERT INTO nope VALUES (1);\nSELECT id FROM t"

func TestExecuteContinuesAfterStatementError(t *testing.T) {
	fc := newFakeConn().
		on("INSERT INTO t VALUES (1)", fakeResult{affected: 1}).
		on("INSERT INTO nope VALUES (1)", fakeResult{err: missingTable()}).
		on("SELECT id FROM t", fakeResult{cols: [][]conn.Column{idColumn}, sets: [][][]any{rows(1)}})
	rec := &recorder{}
	s, _ := newTestSession(t, fc, rec)

	task, err := s.Submit(context.Background(), threeStatements, ExecOptions{ContinueOnError: true})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	defer task.Release()
	if err := s.Dispatcher().WaitForTask(context.Background(), task); err != nil {
		t.Fatalf("wait: %v", err)
	}

	rep, err := ReportOf(task)
	if err != nil {
		t.Fatalf("continue on error must not fail the run: %v", err)
	}
	if task.State() != dispatcher.StateCompleted {
		t.Fatalf("expected completed task, got %s", task.State())
	}
	if rep.Status != StatusCompleted || rep.Statements != 3 || len(rep.Results) != 3 || rep.Errors != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if got := len(rep.Succeeded()); got != 2 {
		t.Fatalf("expected 2 successful statements, got %d", got)
	}
	errs := rep.StatementErrors()
	if len(errs) != 1 {
		t.Fatalf("expected one statement error, got %d", len(errs))
	}
	if se := errs[0]; se.Index != 2 || se.Line != 2 || se.Code != 1146 || se.SQLState != "42S02" {
		t.Fatalf("unexpected statement error %+v", se)
	}
	if rep.Results[0].RowsAffected != 1 {
		t.Fatalf("expected 1 affected row, got %d", rep.Results[0].RowsAffected)
	}

	want := []LogKind{LogOK, LogError, LogOK}
	if got := rec.kinds(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected log kinds %v, got %v", want, got)
	}
	if len(rec.sets) != 1 || len(rec.sets[0].Rows) != 1 || rec.sets[0].StatementIndex != 3 {
		t.Fatalf("unexpected result sets %+v", rec.sets)
	}
}

func TestExecuteStopsAtFirstError(t *testing.T) {
	fc := newFakeConn().
		on("INSERT INTO nope VALUES (1)", fakeResult{err: missingTable()})
	s, _ := newTestSession(t, fc, nil)

	task, err := s.Submit(context.Background(), threeStatements, ExecOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	defer task.Release()
	if err := s.Dispatcher().WaitForTask(context.Background(), task); err != nil {
		t.Fatalf("wait: %v", err)
	}

	rep, err := ReportOf(task)
	var se *StatementError
	if !errors.As(err, &se) || se.Index != 2 {
		t.Fatalf("expected statement error for statement 2, got %v", err)
	}
	if task.State() != dispatcher.StateFailed {
		t.Fatalf("expected failed task, got %s", task.State())
	}
	if rep.Status != StatusFailed || len(rep.Results) != 2 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if fc.ran("SELECT id FROM t") {
		t.Fatalf("statement after the error must not run")
	}
}

func TestKillQueryInterruptsRunningStatement(t *testing.T) {
	fc := newFakeConn().
		on("SELECT SLEEP(10)", fakeResult{block: true, err: &conn.DriverError{Code: 1317, Message: "Query execution was interrupted"}})
	fc.sessionID = "7"
	rec := &recorder{}
	s, aux := newTestSession(t, fc, rec)

	task, err := s.Submit(context.Background(), "SELECT SLEEP(10);\nSELECT 2", ExecOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	defer task.Release()
	<-fc.started

	if err := s.KillQuery(context.Background()); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if err := s.Dispatcher().WaitForTask(context.Background(), task); err != nil {
		t.Fatalf("wait: %v", err)
	}

	rep, err := ReportOf(task)
	if !errors.Is(err, ErrScriptInterrupted) || !errors.Is(err, dispatcher.ErrCancelled) {
		t.Fatalf("expected interruption, got %v", err)
	}
	if task.State() != dispatcher.StateCancelled {
		t.Fatalf("expected cancelled task, got %s", task.State())
	}
	if rep.Status != StatusInterrupted || rep.Errors != 0 {
		t.Fatalf("interruption is not a statement error: %+v", rep)
	}
	if len(aux.killed) != 1 || aux.killed[0] != "7" {
		t.Fatalf("expected kill of session 7 on the auxiliary connection, got %v", aux.killed)
	}
	if fc.ran("SELECT 2") {
		t.Fatalf("statement after the kill must not run")
	}
	if s.Primary().StopRequested() {
		t.Fatalf("stop flag must be cleared after the run")
	}
	interrupted := false
	for _, m := range rec.logs {
		if m.Kind == LogWarning && strings.Contains(m.Text, "interrupted") {
			interrupted = true
		}
	}
	if !interrupted {
		t.Fatalf("expected an interruption warning, got %+v", rec.logs)
	}
}

func TestKillQueryWithoutRunningScript(t *testing.T) {
	s, aux := newTestSession(t, newFakeConn(), nil)
	if err := s.KillQuery(context.Background()); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if len(aux.killed) != 0 || s.Primary().StopRequested() {
		t.Fatalf("idle kill must be a no-op")
	}
}

func TestKillDuringCommitDoesNotStopNextScript(t *testing.T) {
	fc := newFakeConn().on("COMMIT", fakeResult{block: true})
	fc.sessionID = "7"
	s, aux := newTestSession(t, fc, nil)

	committed := make(chan error, 1)
	go func() { committed <- s.Commit(context.Background()) }()
	<-fc.started

	if err := s.KillQuery(context.Background()); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if err := <-committed; err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(aux.killed) != 1 {
		t.Fatalf("expected the COMMIT to be killed on the server, got %v", aux.killed)
	}
	if s.Primary().StopRequested() {
		t.Fatalf("a kill outside a script must not leave the stop flag set")
	}

	rep, err := s.Execute(context.Background(), "INSERT INTO t VALUES (1)", ExecOptions{})
	if err != nil || rep.Status != StatusCompleted || !fc.ran("INSERT INTO t VALUES (1)") {
		t.Fatalf("next script should run: %+v %v", rep, err)
	}
}

func TestStaleStopFlagClearedAtScriptStart(t *testing.T) {
	fc := newFakeConn()
	s, _ := newTestSession(t, fc, nil)

	// a kill racing with the end of the previous script
	s.Primary().RequestStop()

	rep, err := s.Execute(context.Background(), "SELECT 1;\nSELECT 2", ExecOptions{})
	if err != nil || rep.Status != StatusCompleted || len(rep.Results) != 2 {
		t.Fatalf("expected both statements to run: %+v %v", rep, err)
	}
}

func TestCancelStopsBeforeNextStatement(t *testing.T) {
	fc := newFakeConn().on("SELECT SLEEP(1)", fakeResult{block: true})
	s, _ := newTestSession(t, fc, nil)

	task, err := s.Submit(context.Background(), "SELECT SLEEP(1);\nSELECT 2", ExecOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	defer task.Release()
	<-fc.started

	if !s.Cancel(task) {
		t.Fatalf("cancel of a running task should be accepted")
	}
	fc.unblock()
	if err := s.Dispatcher().WaitForTask(context.Background(), task); err != nil {
		t.Fatalf("wait: %v", err)
	}

	rep, err := ReportOf(task)
	if !errors.Is(err, ErrScriptInterrupted) {
		t.Fatalf("expected interruption, got %v", err)
	}
	if len(rep.Results) != 1 || !rep.Results[0].OK() {
		t.Fatalf("the running statement should finish normally: %+v", rep.Results)
	}
	if fc.ran("SELECT 2") {
		t.Fatalf("statement after the cancel must not run")
	}
	if s.Cancel(task) {
		t.Fatalf("cancel of a finished task must be refused")
	}
}

func TestCancelQueuedScript(t *testing.T) {
	fc := newFakeConn().on("SELECT SLEEP(1)", fakeResult{block: true})
	s, _ := newTestSession(t, fc, nil)

	first, err := s.Submit(context.Background(), "SELECT SLEEP(1)", ExecOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	defer first.Release()
	<-fc.started

	second, err := s.Submit(context.Background(), "INSERT INTO t VALUES (2)", ExecOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	defer second.Release()
	s.Cancel(second)
	fc.unblock()

	if err := s.Dispatcher().WaitForTask(context.Background(), second); err != nil {
		t.Fatalf("wait: %v", err)
	}
	rep, err := ReportOf(second)
	if !errors.Is(err, ErrScriptInterrupted) || rep.Status != StatusInterrupted {
		t.Fatalf("expected interrupted report, got %+v / %v", rep, err)
	}
	if fc.ran("INSERT INTO t VALUES (2)") {
		t.Fatalf("cancelled queued script must not run")
	}
}

func TestResultSetCeiling(t *testing.T) {
	threeSets := fakeResult{
		cols: [][]conn.Column{idColumn, idColumn, idColumn},
		sets: [][][]any{rows(1), rows(2), rows(3)},
	}
	tests := []struct {
		name           string
		lift           bool
		wantKept       int
		wantSuppressed int
	}{
		{"policy refuses", false, 2, 1},
		{"policy lifts the ceiling", true, 3, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := newFakeConn().on("SELECT multi()", threeSets)
			rec := &recorder{}
			s, _ := newTestSession(t, fc, rec)

			var asked []int
			opts := ExecOptions{
				MaxResultSets: 2,
				ResultLimitPolicy: func(_ context.Context, count int) bool {
					asked = append(asked, count)
					return tt.lift
				},
			}
			rep, err := s.Execute(context.Background(), "SELECT multi()", opts)
			if err != nil {
				t.Fatalf("ceiling is not an error: %v", err)
			}
			if rep.ResultSets != tt.wantKept || rep.SuppressedResultSets != tt.wantSuppressed {
				t.Fatalf("expected %d kept / %d suppressed, got %d / %d", tt.wantKept, tt.wantSuppressed, rep.ResultSets, rep.SuppressedResultSets)
			}
			if len(rec.sets) != tt.wantKept {
				t.Fatalf("expected %d result set callbacks, got %d", tt.wantKept, len(rec.sets))
			}
			if len(asked) != 1 || asked[0] != 2 {
				t.Fatalf("policy should be asked once at the ceiling, got %v", asked)
			}
			warned := false
			for _, m := range rec.logs {
				if m.Kind == LogWarning && strings.Contains(m.Text, ErrResultLimitExceeded.Error()) {
					warned = true
				}
			}
			if warned == tt.lift {
				t.Fatalf("ceiling warning logged=%v with lift=%v", warned, tt.lift)
			}
		})
	}
}

func TestRowLimitTruncates(t *testing.T) {
	fc := newFakeConn().
		on("SELECT id FROM t LIMIT 3", fakeResult{cols: [][]conn.Column{idColumn}, sets: [][][]any{rows(3)}}).
		on("SELECT id FROM u", fakeResult{cols: [][]conn.Column{idColumn}, sets: [][][]any{rows(2)}})
	s, _ := newTestSession(t, fc, nil)

	results, err := s.RunSync(context.Background(), "SELECT id FROM t;\nSELECT id FROM u", ExecOptions{RowLimit: 2})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	first := results[0]
	if first.ExecutedStatement != "SELECT id FROM t LIMIT 3" {
		t.Fatalf("unexpected executed statement %q", first.ExecutedStatement)
	}
	if rs := first.ResultSets[0]; len(rs.Rows) != 2 || !rs.Truncated {
		t.Fatalf("expected 2 rows truncated, got %d truncated=%v", len(rs.Rows), rs.Truncated)
	}
	if rs := results[1].ResultSets; len(rs) != 0 {
		t.Fatalf("unexpected result for unscripted limited statement: %+v", rs)
	}

	results, err = s.RunSync(context.Background(), "SELECT id FROM u", ExecOptions{RowLimit: 2, DontAddLimitClause: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rs := results[0].ResultSets[0]; len(rs.Rows) != 2 || rs.Truncated {
		t.Fatalf("exact fit must not be truncated: %+v", rs)
	}
}

func TestSideEffects(t *testing.T) {
	fc := newFakeConn()
	rec := &recorder{}
	s, _ := newTestSession(t, fc, rec)

	script := "USE `shop`;\nSET autocommit = 0;\nDROP TABLE t;\nSTART TRANSACTION"
	if _, err := s.RunSync(context.Background(), script, ExecOptions{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Schema() != "shop" {
		t.Fatalf("expected schema shop, got %q", s.Schema())
	}
	if fmt.Sprint(rec.schemas) != "[cb:shop sink:shop]" {
		t.Fatalf("unexpected schema notifications %v", rec.schemas)
	}
	if len(rec.dropped) != 1 || rec.dropped[0] != "DROP TABLE t" {
		t.Fatalf("unexpected drop notifications %v", rec.dropped)
	}
	if s.Primary().Autocommit() || !s.Primary().InTransaction() {
		t.Fatalf("expected manual commit with an open transaction")
	}

	if err := s.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if s.Primary().InTransaction() || !fc.ran("COMMIT") {
		t.Fatalf("commit should close the transaction")
	}
}

func TestConnectionLossIsFatal(t *testing.T) {
	fc := newFakeConn().
		on("INSERT INTO nope VALUES (1)", fakeResult{err: fmt.Errorf("%w: broken pipe", conn.ErrNotConnected)})
	s, _ := newTestSession(t, fc, nil)

	rep, err := s.Execute(context.Background(), threeStatements, ExecOptions{ContinueOnError: true})
	if !IsNotConnected(err) {
		t.Fatalf("expected not connected, got %v", err)
	}
	if rep.Status != StatusFailed || len(rep.Results) != 2 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if fc.ran("SELECT id FROM t") {
		t.Fatalf("lost connection must end the run even with continue on error")
	}
}

func TestAcquireFailureFailsRun(t *testing.T) {
	fc := newFakeConn()
	fc.valid = false
	s, _ := newTestSession(t, fc, nil)

	rep, err := s.Execute(context.Background(), "SELECT 1", ExecOptions{})
	if !IsNotConnected(err) {
		t.Fatalf("expected not connected, got %v", err)
	}
	if rep.Status != StatusFailed || len(rep.Results) != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestPanicBecomesInternalError(t *testing.T) {
	fc := newFakeConn().on("CALL broken()", fakeResult{panicMsg: "boom"})
	s, _ := newTestSession(t, fc, nil)

	rep, err := s.Execute(context.Background(), "CALL broken()", ExecOptions{})
	var ie *InternalError
	if !errors.As(err, &ie) {
		t.Fatalf("expected internal error, got %v", err)
	}
	if rep.Status != StatusFailed {
		t.Fatalf("unexpected status %s", rep.Status)
	}
	if s.Primary().HeldBy(context.Background()) {
		t.Fatalf("lock must not leak")
	}

	// the session stays usable
	if _, err := s.Execute(context.Background(), "SELECT 1", ExecOptions{}); err != nil {
		t.Fatalf("run after panic: %v", err)
	}
}

func TestWarningsGradeLogMessage(t *testing.T) {
	fc := newFakeConn()
	fc.warnings = 2
	rec := &recorder{}
	s, _ := newTestSession(t, fc, rec)

	results, err := s.RunSync(context.Background(), "INSERT INTO t VALUES ('x')", ExecOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if results[0].WarningCount != 2 {
		t.Fatalf("expected 2 warnings, got %d", results[0].WarningCount)
	}
	if len(rec.logs) != 1 || rec.logs[0].Kind != LogWarning || !strings.Contains(rec.logs[0].Text, "2 warning(s)") {
		t.Fatalf("unexpected log %+v", rec.logs)
	}
}

func TestNewSessionReadsInitialState(t *testing.T) {
	fc := newFakeConn()
	fc.sessionID = "11"
	fc.schema = "inventory"
	s, _ := newTestSession(t, fc, nil)

	if s.Primary().SessionID() != "11" || s.Schema() != "inventory" {
		t.Fatalf("unexpected initial state id=%q schema=%q", s.Primary().SessionID(), s.Schema())
	}
}

func TestSubmitAfterClose(t *testing.T) {
	s, _ := newTestSession(t, newFakeConn(), nil)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := s.Submit(context.Background(), "SELECT 1", ExecOptions{}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestExecOptionsWithDefaults(t *testing.T) {
	limit, sets, cont := 100, 5, true
	d := &model.EngineDefaults{RowLimit: &limit, MaxResultSets: &sets, ContinueOnError: &cont}

	got := ExecOptions{}.WithDefaults(d)
	if got.RowLimit != 100 || got.MaxResultSets != 5 || !got.ContinueOnError {
		t.Fatalf("defaults not applied: %+v", got)
	}
	got = ExecOptions{RowLimit: 7}.WithDefaults(d)
	if got.RowLimit != 7 {
		t.Fatalf("explicit row limit must win, got %d", got.RowLimit)
	}
	if (ExecOptions{MaxResultSets: -1}).ceiling() != 0 || (ExecOptions{}).ceiling() != DefaultMaxResultSets {
		t.Fatalf("unexpected ceilings")
	}
}
