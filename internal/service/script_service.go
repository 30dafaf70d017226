package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crueladdict/ori/apps/ori-runner/internal/conn"
	"github.com/crueladdict/ori/apps/ori-runner/internal/dispatcher"
	"github.com/crueladdict/ori/apps/ori-runner/internal/engine"
	"github.com/crueladdict/ori/apps/ori-runner/internal/events"
	"github.com/crueladdict/ori/apps/ori-runner/internal/pkg/logctx"
)

// ExecRequest describes one script submission.
type ExecRequest struct {
	SessionName string
	Script      string
	// JobID is optional; a uuid is generated when empty.
	JobID   string
	Options engine.ExecOptions
}

// ScriptResultView is a stored result with the rows of one result set.
type ScriptResultView struct {
	JobID                string          `json:"jobId"`
	SessionName          string          `json:"sessionName"`
	Status               JobStatus       `json:"status"`
	Statements           int             `json:"statements"`
	Errors               int             `json:"errors"`
	ResultSets           int             `json:"resultSets"`
	SuppressedResultSets int             `json:"suppressedResultSets,omitempty"`
	DurationMs           int64           `json:"durationMs"`
	Error                string          `json:"error,omitempty"`
	Results              []StatementView `json:"results"`
	ResultSet            *ResultSetView  `json:"resultSet,omitempty"`
}

// StatementView summarizes one statement without its rows.
type StatementView struct {
	Index        int                `json:"index"`
	Line         int                `json:"line"`
	Statement    string             `json:"statement"`
	Kind         string             `json:"kind"`
	RowsAffected int64              `json:"rowsAffected"`
	ResultSets   int                `json:"resultSets"`
	WarningCount int                `json:"warningCount,omitempty"`
	DurationMs   int64              `json:"durationMs"`
	Profile      map[string]float64 `json:"profile,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// ResultSetView is a page of rows of one result set. Index counts result
// sets across the whole script.
type ResultSetView struct {
	Index          int           `json:"index"`
	StatementIndex int           `json:"statementIndex"`
	Line           int           `json:"line"`
	Columns        []conn.Column `json:"columns"`
	Rows           [][]any       `json:"rows"`
	RowCount       int           `json:"rowCount"`
	Offset         int           `json:"offset"`
	Truncated      bool          `json:"truncated"`
}

// ScriptService runs scripts as asynchronous jobs on open sessions and
// keeps their results.
type ScriptService struct {
	sessions    *SessionService
	eventHub    *events.Hub
	resultStore *ResultStore

	mu         sync.RWMutex
	activeJobs map[string]*ScriptJob
}

func NewScriptService(sessions *SessionService, eventHub *events.Hub) *ScriptService {
	return &ScriptService{
		sessions:    sessions,
		eventHub:    eventHub,
		resultStore: NewResultStore(),
		activeJobs:  make(map[string]*ScriptJob),
	}
}

// Exec queues a script on its session and returns the job at once.
func (qs *ScriptService) Exec(ctx context.Context, req ExecRequest) (JobInfo, error) {
	rs, err := qs.sessions.Get(req.SessionName)
	if err != nil {
		return JobInfo{}, err
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	job := &ScriptJob{
		ID:          jobID,
		SessionName: rs.Name,
		Script:      req.Script,
		Options:     req.Options.WithDefaults(rs.Defaults()),
		Status:      JobStatusQueued,
		CreatedAt:   time.Now(),
		done:        make(chan struct{}),
	}

	qs.mu.Lock()
	if _, exists := qs.activeJobs[jobID]; exists {
		qs.mu.Unlock()
		return JobInfo{}, fmt.Errorf("%w: %s", ErrJobAlreadyExists, jobID)
	}
	if _, stored := qs.resultStore.Get(jobID); stored {
		qs.mu.Unlock()
		return JobInfo{}, fmt.Errorf("%w: %s", ErrJobAlreadyExists, jobID)
	}
	qs.activeJobs[jobID] = job
	qs.mu.Unlock()

	ctx = logctx.WithField(ctx, "jobId", jobID)
	task, err := rs.Engine.SubmitWith(ctx, job.Script, job.Options, dispatcher.Callbacks{
		Started: func(*dispatcher.Task) {
			rs.setJob(jobID)
			qs.markStarted(job)
		},
		Finished: func(t *dispatcher.Task, _ any) { qs.complete(rs, job, t) },
		Failed:   func(t *dispatcher.Task, _ error) { qs.complete(rs, job, t) },
	})
	if err != nil {
		qs.mu.Lock()
		delete(qs.activeJobs, jobID)
		qs.mu.Unlock()
		return JobInfo{}, err
	}

	qs.mu.Lock()
	job.task = task
	info := job.info()
	qs.mu.Unlock()

	slog.InfoContext(ctx, "script job queued", slog.String(logctx.KeySession, rs.Name))
	return info, nil
}

func (qs *ScriptService) markStarted(job *ScriptJob) {
	now := time.Now()
	qs.mu.Lock()
	job.StartedAt = &now
	job.Status = JobStatusRunning
	qs.mu.Unlock()
}

// complete runs on the session's home goroutine once the task is terminal.
func (qs *ScriptService) complete(rs *ResourceSession, job *ScriptJob, t *dispatcher.Task) {
	rep, err := engine.ReportOf(t)
	finished := time.Now()
	status := jobStatusOf(rep.Status)

	qs.mu.Lock()
	job.FinishedAt = &finished
	if job.StartedAt != nil {
		job.DurationMs = finished.Sub(*job.StartedAt).Milliseconds()
	}
	job.Status = status
	if err != nil {
		job.Error = err.Error()
	}
	delete(qs.activeJobs, job.ID)
	qs.mu.Unlock()

	result := &ScriptResult{
		JobID:       job.ID,
		SessionName: job.SessionName,
		Status:      status,
		Report:      rep,
		RowCount:    countRows(rep),
		Error:       job.Error,
		FinishedAt:  finished,
		DurationMs:  job.DurationMs,
	}
	qs.resultStore.Add(result)
	qs.emitJobCompletion(job, rep)

	if rs.CurrentJob() == job.ID {
		rs.setJob("")
	}
	t.Release()
	close(job.done)
}

// Job returns the state of a queued, running or finished job.
func (qs *ScriptService) Job(jobID string) (JobInfo, error) {
	qs.mu.RLock()
	job, ok := qs.activeJobs[jobID]
	if ok {
		info := job.info()
		qs.mu.RUnlock()
		return info, nil
	}
	qs.mu.RUnlock()

	result, ok := qs.resultStore.Get(jobID)
	if !ok {
		return JobInfo{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	finished := result.FinishedAt
	return JobInfo{
		ID:          result.JobID,
		SessionName: result.SessionName,
		Status:      result.Status,
		FinishedAt:  &finished,
		DurationMs:  result.DurationMs,
		Error:       result.Error,
	}, nil
}

// Cancel stops a job. A queued job never starts; a running one is stopped
// before its next statement and its current statement is killed on the
// server. Cancelling a finished job is a no-op.
func (qs *ScriptService) Cancel(ctx context.Context, jobID string) error {
	qs.mu.RLock()
	job, ok := qs.activeJobs[jobID]
	var task *dispatcher.Task
	if ok {
		task = job.task
	}
	qs.mu.RUnlock()

	if !ok {
		if _, stored := qs.resultStore.Get(jobID); stored {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if task == nil {
		return nil
	}
	rs, err := qs.sessions.Get(job.SessionName)
	if err != nil {
		return err
	}

	ctx = logctx.WithField(ctx, "jobId", jobID)
	running := task.State() == dispatcher.StateRunning
	rs.Engine.Cancel(task)
	slog.InfoContext(ctx, "script job cancel requested", slog.Bool("running", running))
	if running && rs.Engine.Dispatcher().Current() == task {
		return rs.Engine.KillQuery(ctx)
	}
	return nil
}

// Wait blocks until the job finished or ctx ends.
func (qs *ScriptService) Wait(ctx context.Context, jobID string) error {
	qs.mu.RLock()
	job, ok := qs.activeJobs[jobID]
	qs.mu.RUnlock()
	if !ok {
		if _, stored := qs.resultStore.Get(jobID); stored {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	select {
	case <-job.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result returns the stored outcome of a finished job.
func (qs *ScriptService) Result(jobID string) (*ScriptResult, error) {
	result, ok := qs.resultStore.Get(jobID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return result, nil
}

// BuildResultView pages through result set setIndex of a finished job.
func (qs *ScriptService) BuildResultView(jobID string, setIndex int, limit, offset *int) (*ScriptResultView, error) {
	result, err := qs.Result(jobID)
	if err != nil {
		return nil, err
	}
	if offset != nil && *offset < 0 {
		return nil, fmt.Errorf("offset cannot be negative")
	}
	if limit != nil && *limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	if setIndex < 0 {
		return nil, fmt.Errorf("result set index cannot be negative")
	}

	view := &ScriptResultView{
		JobID:       result.JobID,
		SessionName: result.SessionName,
		Status:      result.Status,
		DurationMs:  result.DurationMs,
		Error:       result.Error,
		Results:     []StatementView{},
	}
	rep := result.Report
	if rep == nil {
		return view, nil
	}
	view.Statements = rep.Statements
	view.Errors = rep.Errors
	view.ResultSets = rep.ResultSets
	view.SuppressedResultSets = rep.SuppressedResultSets

	var sets []*engine.ResultSet
	for _, res := range rep.Results {
		view.Results = append(view.Results, StatementView{
			Index:        res.Index,
			Line:         res.Line,
			Statement:    res.Statement,
			Kind:         res.Kind,
			RowsAffected: res.RowsAffected,
			ResultSets:   len(res.ResultSets),
			WarningCount: res.WarningCount,
			DurationMs:   (res.ExecDuration + res.FetchDuration).Milliseconds(),
			Profile:      res.Profile,
			Error:        res.Error,
		})
		sets = append(sets, res.ResultSets...)
	}
	if setIndex >= len(sets) {
		return view, nil
	}

	set := sets[setIndex]
	rowCount := len(set.Rows)
	start := 0
	if offset != nil {
		start = min(*offset, rowCount)
	}
	end := rowCount
	if limit != nil {
		end = min(start+*limit, rowCount)
	}
	view.ResultSet = &ResultSetView{
		Index:          setIndex,
		StatementIndex: set.StatementIndex,
		Line:           set.Line,
		Columns:        set.Columns,
		Rows:           set.Rows[start:end],
		RowCount:       rowCount,
		Offset:         start,
		Truncated:      set.Truncated,
	}
	return view, nil
}

// Stop cancels every queued and running job.
func (qs *ScriptService) Stop(ctx context.Context) {
	qs.mu.RLock()
	ids := make([]string, 0, len(qs.activeJobs))
	for id := range qs.activeJobs {
		ids = append(ids, id)
	}
	qs.mu.RUnlock()

	for _, id := range ids {
		if err := qs.Cancel(ctx, id); err != nil {
			slog.WarnContext(ctx, "failed to cancel script job", slog.String("jobId", id), slog.Any("err", err))
		}
	}
}

func (qs *ScriptService) emitJobCompletion(job *ScriptJob, rep *engine.Report) {
	if qs.eventHub == nil {
		return
	}

	qs.mu.RLock()
	payload := events.ScriptJobCompletedPayload{
		JobID:       job.ID,
		SessionName: job.SessionName,
		Status:      string(job.Status),
		FinishedAt:  job.FinishedAt.Format(time.RFC3339),
		DurationMs:  job.DurationMs,
		Error:       job.Error,
	}
	qs.mu.RUnlock()
	if rep != nil {
		payload.Statements = rep.Statements
		payload.Errors = rep.Errors
	}
	if _, stored := qs.resultStore.Get(job.ID); stored {
		payload.Stored = true
	}

	qs.eventHub.Publish(events.Event{
		Name:    events.ScriptJobCompletedEvent,
		Session: job.SessionName,
		Payload: payload,
	})
}
