package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/crueladdict/ori/apps/ori-runner/internal/engine"
	"github.com/crueladdict/ori/apps/ori-runner/internal/pkg/logctx"
	"github.com/crueladdict/ori/apps/ori-runner/internal/service"
)

func (h *Handler) execScript(w http.ResponseWriter, r *http.Request) {
	var payload ScriptExecRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}

	if strings.TrimSpace(payload.SessionName) == "" {
		respondError(w, http.StatusBadRequest, "missing_session", "sessionName is required", nil)
		return
	}
	if strings.TrimSpace(payload.Script) == "" {
		respondError(w, http.StatusBadRequest, "missing_script", "script is required", nil)
		return
	}

	var opts engine.ExecOptions
	if payload.Options != nil {
		opts = *payload.Options
	}

	ctx := logctx.WithSession(r.Context(), payload.SessionName)
	job, err := h.scripts.Exec(ctx, service.ExecRequest{
		SessionName: payload.SessionName,
		Script:      payload.Script,
		JobID:       strings.TrimSpace(payload.JobID),
		Options:     opts,
	})
	if err != nil {
		respondServiceError(w, err, "script_exec_failed")
		return
	}

	respondJSON(w, http.StatusAccepted, ScriptExecResponse{JobID: job.ID, Status: job.Status})
}

func (h *Handler) getScript(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathParam(r, "jobId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_job", err.Error(), nil)
		return
	}
	job, err := h.scripts.Job(jobID)
	if err != nil {
		respondServiceError(w, err, "job_unavailable")
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (h *Handler) cancelScript(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathParam(r, "jobId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_job", err.Error(), nil)
		return
	}

	if err := h.scripts.Cancel(r.Context(), jobID); err != nil {
		respondServiceError(w, err, "script_cancel_failed")
		return
	}
	job, err := h.scripts.Job(jobID)
	if err != nil {
		respondServiceError(w, err, "script_cancel_failed")
		return
	}
	respondJSON(w, http.StatusAccepted, StatusResponse{Status: string(job.Status)})
}

func (h *Handler) getScriptResult(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathParam(r, "jobId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_job", err.Error(), nil)
		return
	}

	page, err := parseResultPage(r.URL.Query())
	if err != nil {
		code := "invalid_query"
		var qe *queryParamError
		if errors.As(err, &qe) {
			code = "invalid_" + qe.Param
		}
		respondError(w, http.StatusBadRequest, code, err.Error(), nil)
		return
	}

	view, err := h.scripts.BuildResultView(jobID, page.Set, page.Limit, page.Offset)
	if errors.Is(err, service.ErrNotFound) {
		if job, jerr := h.scripts.Job(jobID); jerr == nil && !job.Status.Terminal() {
			respondError(w, http.StatusConflict, "result_not_ready", "job "+string(job.Status), nil)
			return
		}
	}
	if err != nil {
		respondServiceError(w, err, "result_unavailable")
		return
	}
	respondJSON(w, http.StatusOK, view)
}
