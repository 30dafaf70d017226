package service

import (
	"time"

	"github.com/crueladdict/ori/apps/ori-runner/internal/dispatcher"
	"github.com/crueladdict/ori/apps/ori-runner/internal/engine"
)

// JobStatus represents the status of a script job
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusSuccess  JobStatus = "success"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailed || s == JobStatusCanceled
}

func jobStatusOf(s engine.Status) JobStatus {
	switch s {
	case engine.StatusCompleted:
		return JobStatusSuccess
	case engine.StatusInterrupted:
		return JobStatusCanceled
	default:
		return JobStatusFailed
	}
}

// ScriptJob is one script submitted to a session. Fields are guarded by the
// owning ScriptService.
type ScriptJob struct {
	ID          string
	SessionName string
	Script      string
	Options     engine.ExecOptions
	Status      JobStatus
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	DurationMs  int64
	Error       string

	task *dispatcher.Task
	done chan struct{}
}

// JobInfo is a point in time copy of a job.
type JobInfo struct {
	ID          string     `json:"jobId"`
	SessionName string     `json:"sessionName"`
	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	DurationMs  int64      `json:"durationMs"`
	Error       string     `json:"error,omitempty"`
}

func (j *ScriptJob) info() JobInfo {
	return JobInfo{
		ID:          j.ID,
		SessionName: j.SessionName,
		Status:      j.Status,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		FinishedAt:  j.FinishedAt,
		DurationMs:  j.DurationMs,
		Error:       j.Error,
	}
}

// ScriptResult is the stored outcome of a finished job.
type ScriptResult struct {
	JobID       string
	SessionName string
	Status      JobStatus
	Report      *engine.Report
	// RowCount is the number of materialized rows over all result sets.
	RowCount   int
	Error      string
	FinishedAt time.Time
	DurationMs int64
}

func countRows(rep *engine.Report) int {
	if rep == nil {
		return 0
	}
	n := 0
	for _, res := range rep.Results {
		for _, rs := range res.ResultSets {
			n += len(rs.Rows)
		}
	}
	return n
}
