package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crueladdict/ori/apps/ori-runner/internal/engine"
	"github.com/crueladdict/ori/apps/ori-runner/internal/events"
	"github.com/crueladdict/ori/apps/ori-runner/internal/infrastructure/database"
	"github.com/crueladdict/ori/apps/ori-runner/internal/infrastructure/database/sqlite"
	"github.com/crueladdict/ori/apps/ori-runner/internal/model"
)

func intPtr(v int) *int { return &v }

func newTestServices(t *testing.T) (*SessionService, *ScriptService, *events.Hub) {
	t.Helper()
	catalog, err := NewStaticCatalog(&model.Config{Resources: []model.Resource{{
		Name:     "local",
		Type:     model.TypeSQLite,
		Database: "service.db",
		Engine:   &model.EngineDefaults{RowLimit: intPtr(2)},
	}}}, t.TempDir())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	hub := events.NewHubWithBuffer(256)
	sessions := NewSessionService(catalog, nil, database.NewRegistry(sqlite.Dialect()), hub)
	scripts := NewScriptService(sessions, hub)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		scripts.Stop(ctx)
		sessions.CloseAll(ctx)
		hub.Close()
	})
	return sessions, scripts, hub
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestScriptJobLifecycle(t *testing.T) {
	sessions, scripts, hub := newTestServices(t)
	ctx := waitCtx(t)

	stream, unsubscribe := hub.Subscribe(events.ForSession("local"))
	defer unsubscribe()

	if _, err := sessions.Open(ctx, "local"); err != nil {
		t.Fatalf("open: %v", err)
	}
	job, err := scripts.Exec(ctx, ExecRequest{
		SessionName: "local",
		Script:      "CREATE TABLE t (id INTEGER);\nINSERT INTO t VALUES (1), (2), (3);\nSELECT id FROM t ORDER BY id",
	})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if err := scripts.Wait(ctx, job.ID); err != nil {
		t.Fatalf("wait: %v", err)
	}

	info, err := scripts.Job(job.ID)
	if err != nil || info.Status != JobStatusSuccess {
		t.Fatalf("expected success, got %+v %v", info, err)
	}

	view, err := scripts.BuildResultView(job.ID, 0, intPtr(1), intPtr(1))
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.Statements != 3 || len(view.Results) != 3 {
		t.Fatalf("unexpected statements %+v", view)
	}
	set := view.ResultSet
	if set == nil || set.RowCount != 2 || !set.Truncated || len(set.Rows) != 1 || set.Rows[0][0] != int64(2) {
		t.Fatalf("row limit from resource defaults not applied: %+v", set)
	}

	var sawLog, sawResultSet, sawCompleted bool
	timeout := time.After(5 * time.Second)
	for !sawCompleted {
		select {
		case evt := <-stream:
			switch p := evt.Payload.(type) {
			case events.ScriptLogPayload:
				sawLog = sawLog || p.JobID == job.ID
			case events.ResultSetPayload:
				sawResultSet = sawResultSet || (p.JobID == job.ID && p.RowCount == 2)
			case events.ScriptJobCompletedPayload:
				sawCompleted = p.JobID == job.ID && p.Stored && p.Status == string(JobStatusSuccess)
			}
		case <-timeout:
			t.Fatalf("no completion event")
		}
	}
	if !sawLog || !sawResultSet {
		t.Fatalf("expected job tagged log and result set events (log=%v resultset=%v)", sawLog, sawResultSet)
	}
}

func TestScriptJobFailure(t *testing.T) {
	sessions, scripts, _ := newTestServices(t)
	ctx := waitCtx(t)
	if _, err := sessions.Open(ctx, "local"); err != nil {
		t.Fatalf("open: %v", err)
	}

	job, err := scripts.Exec(ctx, ExecRequest{SessionName: "local", Script: "SELECT 1;\nSELECT * FROM missing;\nSELECT 2", JobID: "job-1"})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if job.ID != "job-1" {
		t.Fatalf("caller job id not kept: %s", job.ID)
	}
	if err := scripts.Wait(ctx, job.ID); err != nil {
		t.Fatalf("wait: %v", err)
	}

	result, err := scripts.Result(job.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if result.Status != JobStatusFailed || result.Error == "" || len(result.Report.Results) != 2 {
		t.Fatalf("expected failure after statement 2, got %+v", result)
	}

	if _, err := scripts.Exec(ctx, ExecRequest{SessionName: "local", Script: "SELECT 1", JobID: "job-1"}); !errors.Is(err, ErrJobAlreadyExists) {
		t.Fatalf("expected duplicate job error, got %v", err)
	}
	if err := scripts.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("cancel of a finished job should be a no-op: %v", err)
	}
}

func TestScriptServiceErrors(t *testing.T) {
	sessions, scripts, _ := newTestServices(t)
	ctx := waitCtx(t)

	if _, err := scripts.Exec(ctx, ExecRequest{SessionName: "local", Script: "SELECT 1"}); !errors.Is(err, ErrSessionUnavailable) {
		t.Fatalf("expected closed session error, got %v", err)
	}
	if err := scripts.Cancel(ctx, "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if _, err := scripts.BuildResultView("nope", 0, nil, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := sessions.Open(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected unknown resource error, got %v", err)
	}
}

func TestSessionCommitAndClose(t *testing.T) {
	sessions, scripts, _ := newTestServices(t)
	ctx := waitCtx(t)
	rs, err := sessions.Open(ctx, "local")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	job, err := scripts.Exec(ctx, ExecRequest{SessionName: "local", Script: "CREATE TABLE t (id INTEGER);\nBEGIN;\nINSERT INTO t VALUES (1)"})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if err := scripts.Wait(ctx, job.ID); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !rs.Engine.Primary().InTransaction() {
		t.Fatalf("BEGIN should open a transaction")
	}
	if err := sessions.Commit(ctx, "local"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if rs.Engine.Primary().InTransaction() {
		t.Fatalf("commit should end the transaction")
	}

	if got := sessions.List(); len(got) != 1 || got[0].Name != "local" {
		t.Fatalf("unexpected sessions %+v", got)
	}
	if err := sessions.Close(ctx, "local"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := rs.Engine.Submit(ctx, "SELECT 1", engine.ExecOptions{}); !errors.Is(err, engine.ErrSessionClosed) {
		t.Fatalf("expected closed engine session, got %v", err)
	}
	if err := sessions.Kill(ctx, "local"); !errors.Is(err, ErrSessionUnavailable) {
		t.Fatalf("expected ErrSessionUnavailable, got %v", err)
	}
}
