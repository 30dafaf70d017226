// Package engine runs SQL scripts against a session's connections on a
// background worker and reports per-statement outcomes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/crueladdict/ori/apps/ori-runner/internal/conn"
	"github.com/crueladdict/ori/apps/ori-runner/internal/dispatcher"
	"github.com/crueladdict/ori/apps/ori-runner/internal/pkg/logctx"
)

type Config struct {
	Name       string
	Primary    *conn.Handle
	Auxiliary  *conn.Handle
	Supervisor *conn.Supervisor
	Callbacks  Callbacks
	Sink       MetadataSink

	DispatcherOptions []dispatcher.Option
}

// Session is one logical client session: a primary handle for user
// statements, an auxiliary handle for bookkeeping and a dispatcher whose
// worker runs everything touching the primary.
type Session struct {
	name       string
	primary    *conn.Handle
	aux        *conn.Handle
	supervisor *conn.Supervisor
	disp       *dispatcher.Dispatcher
	callbacks  Callbacks
	sink       MetadataSink
	closed     atomic.Bool
	// script is the script task running on the worker, if any.
	script atomic.Pointer[dispatcher.Task]
}

// NewSession starts the session's dispatcher and reads the initial session
// ids and default schema. ctx only scopes that setup.
func NewSession(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Primary == nil || cfg.Auxiliary == nil {
		return nil, errors.New("engine: session needs a primary and an auxiliary handle")
	}
	if cfg.Primary.Role() != conn.RolePrimary || cfg.Auxiliary.Role() != conn.RoleAuxiliary {
		return nil, errors.New("engine: handle roles do not match")
	}
	sup := cfg.Supervisor
	if sup == nil {
		sup = conn.NewSupervisor()
	}

	base := logctx.WithSession(context.WithoutCancel(ctx), cfg.Name)
	s := &Session{
		name:       cfg.Name,
		primary:    cfg.Primary,
		aux:        cfg.Auxiliary,
		supervisor: sup,
		callbacks:  cfg.Callbacks,
		sink:       cfg.Sink,
	}
	s.disp = dispatcher.New(base, "session:"+cfg.Name, cfg.DispatcherOptions...)

	ctx = logctx.WithSession(ctx, cfg.Name)
	for _, h := range []*conn.Handle{s.primary, s.aux} {
		if _, err := sup.RefreshSessionID(ctx, h); err != nil {
			slog.DebugContext(ctx, "session id unavailable", slog.String(logctx.KeyRole, string(h.Role())), slog.Any("err", err))
		}
	}
	if err := s.readSchema(ctx); err != nil {
		slog.DebugContext(ctx, "default schema unavailable", slog.Any("err", err))
	}
	return s, nil
}

func (s *Session) readSchema(ctx context.Context) error {
	lease, err := s.supervisor.Acquire(ctx, s.primary, false)
	if err != nil {
		return err
	}
	defer lease.Release()
	r, ok := lease.Conn().(schemaReader)
	if !ok {
		return nil
	}
	schema, err := r.CurrentSchema(lease.Context())
	if err != nil {
		return err
	}
	lease.SetSchema(schema)
	return nil
}

func (s *Session) Name() string                       { return s.name }
func (s *Session) Primary() *conn.Handle              { return s.primary }
func (s *Session) Auxiliary() *conn.Handle            { return s.aux }
func (s *Session) Dispatcher() *dispatcher.Dispatcher { return s.disp }

// Schema returns the cached default schema of the primary connection.
func (s *Session) Schema() string { return s.primary.Schema() }

// RunHome makes the calling goroutine the session's home: it runs callbacks
// until the session closes or ctx ends.
func (s *Session) RunHome(ctx context.Context) error {
	return s.disp.RunHome(ctx)
}

// Submit queues script and returns at once. The caller owns one reference
// on the returned task and must Release it.
func (s *Session) Submit(ctx context.Context, script string, opts ExecOptions) (*dispatcher.Task, error) {
	return s.SubmitWith(ctx, script, opts, dispatcher.Callbacks{})
}

// SubmitWith is Submit with task lifecycle callbacks. The task result is a
// *Report.
func (s *Session) SubmitWith(ctx context.Context, script string, opts ExecOptions, cb dispatcher.Callbacks) (*dispatcher.Task, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	task := dispatcher.NewTask("script", func(ctx context.Context, t *dispatcher.Task) (any, error) {
		rep, err := s.run(ctx, t, script, opts)
		return rep, err
	}, cb)
	if err := s.disp.Submit(ctx, task); err != nil {
		task.Release()
		return nil, err
	}
	return task, nil
}

// Execute runs script and waits for its report. It must be called from the
// home goroutine, whose callbacks it keeps running while waiting.
func (s *Session) Execute(ctx context.Context, script string, opts ExecOptions) (*Report, error) {
	task, err := s.Submit(ctx, script, opts)
	if err != nil {
		return nil, err
	}
	defer task.Release()

	if err := s.disp.WaitForTask(ctx, task); err != nil {
		s.disp.Cancel(task)
		return nil, err
	}
	return ReportOf(task)
}

// RunSync runs script and returns the per-statement results. An interrupted
// run returns the statements that ran with ErrScriptInterrupted.
func (s *Session) RunSync(ctx context.Context, script string, opts ExecOptions) ([]ExecutionResult, error) {
	rep, err := s.Execute(ctx, script, opts)
	if rep == nil {
		return nil, err
	}
	return rep.Results, err
}

// ReportOf returns the report of a finished script task. A task cancelled
// before it started yields an empty interrupted report.
func ReportOf(task *dispatcher.Task) (*Report, error) {
	v, err := task.Result()
	if rep, ok := v.(*Report); ok && rep != nil {
		return rep, err
	}
	if errors.Is(err, dispatcher.ErrCancelled) {
		rep := &Report{Status: StatusInterrupted, Err: ErrScriptInterrupted, Error: ErrScriptInterrupted.Error()}
		return rep, ErrScriptInterrupted
	}
	if err == nil {
		err = &InternalError{Op: "script result", Err: fmt.Errorf("unexpected task result %T", v)}
	}
	return &Report{Status: StatusFailed, Err: err, Error: err.Error()}, err
}

// Cancel stops a queued task from starting and asks a running one to stop
// before its next statement. Finished tasks are left as they are.
func (s *Session) Cancel(task *dispatcher.Task) bool {
	return s.disp.Cancel(task)
}

// KillQuery interrupts the statement running on the primary connection.
// It works through the auxiliary handle so it never waits for the primary.
// Only a running script is marked stopped; other work such as a COMMIT just
// has its statement killed on the server.
func (s *Session) KillQuery(ctx context.Context) error {
	if s.disp.Current() == nil {
		return nil
	}
	ctx = logctx.WithSession(ctx, s.name)
	lease, err := s.supervisor.Acquire(ctx, s.aux, false)
	if err != nil {
		return err
	}
	defer lease.Release()

	if s.script.Load() != nil {
		s.primary.RequestStop()
	}
	id := s.primary.SessionID()
	k, ok := lease.Conn().(killer)
	if !ok || id == "" {
		slog.InfoContext(ctx, "server side kill unavailable, waiting for the statement to finish")
		return nil
	}
	if err := k.KillQuery(lease.Context(), id); err != nil {
		return fmt.Errorf("kill query %s: %w", id, err)
	}
	slog.InfoContext(ctx, "query killed", slog.String("sessionId", id))
	s.log(LogMessage{Kind: LogNote, Text: "Query kill requested"})
	return nil
}

// RefreshSessionIDs rereads both server session ids. The primary is read on
// the worker, after whatever is queued before it.
func (s *Session) RefreshSessionIDs(ctx context.Context) error {
	if _, err := s.supervisor.RefreshSessionID(ctx, s.aux); err != nil {
		return fmt.Errorf("auxiliary: %w", err)
	}
	err := s.await(ctx, dispatcher.NewTask("refresh-session-id", func(ctx context.Context, _ *dispatcher.Task) (any, error) {
		return s.supervisor.RefreshSessionID(ctx, s.primary)
	}, dispatcher.Callbacks{}))
	if err != nil {
		return fmt.Errorf("primary: %w", err)
	}
	return nil
}

// Commit commits the open transaction of the primary connection.
func (s *Session) Commit(ctx context.Context) error {
	return s.endTransaction(ctx, "COMMIT")
}

// Rollback rolls back the open transaction of the primary connection.
func (s *Session) Rollback(ctx context.Context) error {
	return s.endTransaction(ctx, "ROLLBACK")
}

func (s *Session) endTransaction(ctx context.Context, stmt string) error {
	return s.await(ctx, dispatcher.NewTask(strings.ToLower(stmt), func(ctx context.Context, _ *dispatcher.Task) (any, error) {
		lease, err := s.supervisor.Acquire(ctx, s.primary, false)
		if err != nil {
			return nil, err
		}
		defer lease.Release()

		cur, err := lease.Conn().Execute(lease.Context(), stmt, false)
		if err != nil {
			s.log(LogMessage{Kind: LogError, Text: err.Error(), Statement: stmt})
			return nil, err
		}
		_ = cur.Close()
		lease.EndTx()
		s.log(LogMessage{Kind: LogOK, Text: stmt, Statement: stmt})
		return nil, nil
	}, dispatcher.Callbacks{}))
}

func (s *Session) await(ctx context.Context, task *dispatcher.Task) error {
	defer task.Release()
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if err := s.disp.Submit(ctx, task); err != nil {
		return err
	}
	if s.disp.OnWorker(ctx) {
		_, err := task.Result()
		return err
	}
	if err := s.disp.WaitForTask(ctx, task); err != nil {
		return err
	}
	_, err := task.Result()
	return err
}

// Close stops the running script, lets queued work drain and closes both
// connections.
func (s *Session) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t := s.disp.Current(); t != nil {
		s.disp.Cancel(t)
		s.primary.RequestStop()
	}
	err := s.disp.Shutdown(ctx)
	if cerr := s.primary.Close(ctx); err == nil {
		err = cerr
	}
	if cerr := s.aux.Close(ctx); err == nil {
		err = cerr
	}
	return err
}

func (s *Session) log(msg LogMessage) {
	if cb := s.callbacks.OnLogMessage; cb != nil {
		s.disp.Post(func() { cb(msg) })
	}
}

func (s *Session) notifySchema(schema string) {
	cb := s.callbacks.OnSchemaChanged
	sink := s.sink
	if cb == nil && sink == nil {
		return
	}
	s.disp.Post(func() {
		if cb != nil {
			cb(schema)
		}
		if sink != nil {
			sink.SchemaChanged(schema)
		}
	})
}
