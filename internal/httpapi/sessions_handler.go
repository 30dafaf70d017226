package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/crueladdict/ori/apps/ori-runner/internal/pkg/logctx"
	"github.com/crueladdict/ori/apps/ori-runner/internal/service"
)

func (h *Handler) openSession(w http.ResponseWriter, r *http.Request) {
	var payload SessionOpenRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}

	name := strings.TrimSpace(payload.ResourceName)
	if name == "" {
		respondError(w, http.StatusBadRequest, "missing_resource", "resourceName is required", nil)
		return
	}
	if _, err := h.catalog.ByName(name); err != nil {
		respondError(w, http.StatusNotFound, "resource_not_found", err.Error(), nil)
		return
	}

	ctx := logctx.WithField(r.Context(), logctx.KeyResource, name)
	if payload.Wait {
		rs, err := h.sessions.Open(ctx, name)
		if err != nil {
			msg := err.Error()
			respondJSON(w, http.StatusBadGateway, SessionOpenResult{Result: service.SessionConnectResultFail, UserMessage: &msg})
			return
		}
		info := rs.Info()
		respondJSON(w, http.StatusCreated, SessionOpenResult{Result: service.SessionConnectResultSuccess, Session: &info})
		return
	}

	outcome := h.sessions.Connect(ctx, name)
	result := SessionOpenResult{Result: outcome.Result}
	if outcome.UserMessage != "" {
		result.UserMessage = &outcome.UserMessage
	}
	status := http.StatusAccepted
	if outcome.Result == service.SessionConnectResultSuccess {
		status = http.StatusCreated
	}
	respondJSON(w, status, result)
}

func (h *Handler) listSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, SessionsResponse{Sessions: h.sessions.List()})
}

func (h *Handler) closeSession(w http.ResponseWriter, r *http.Request) {
	h.sessionAction(w, r, "session_close_failed", "closed", h.sessions.Close)
}

func (h *Handler) killSession(w http.ResponseWriter, r *http.Request) {
	h.sessionAction(w, r, "kill_failed", "kill_requested", h.sessions.Kill)
}

func (h *Handler) commitSession(w http.ResponseWriter, r *http.Request) {
	h.sessionAction(w, r, "commit_failed", "committed", h.sessions.Commit)
}

func (h *Handler) rollbackSession(w http.ResponseWriter, r *http.Request) {
	h.sessionAction(w, r, "rollback_failed", "rolled_back", h.sessions.Rollback)
}

func (h *Handler) sessionAction(w http.ResponseWriter, r *http.Request, failure, done string, action func(context.Context, string) error) {
	name, err := pathParam(r, "name")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_session", err.Error(), nil)
		return
	}
	ctx := logctx.WithSession(r.Context(), name)
	if err := action(ctx, name); err != nil {
		respondServiceError(w, err, failure)
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Status: done})
}
