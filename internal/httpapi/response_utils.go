package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/crueladdict/ori/apps/ori-runner/internal/conn"
	"github.com/crueladdict/ori/apps/ori-runner/internal/engine"
	"github.com/crueladdict/ori/apps/ori-runner/internal/service"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	resp := ErrorPayload{Code: code, Message: message}
	if len(details) > 0 {
		resp.Details = &details
	}
	respondJSON(w, status, resp)
}

// respondServiceError maps service and engine errors to a status code.
// fallback is the code used for anything unrecognized.
func respondServiceError(w http.ResponseWriter, err error, fallback string) {
	var de *conn.DriverError
	switch {
	case errors.Is(err, service.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, service.ErrJobNotFound):
		respondError(w, http.StatusNotFound, "job_not_found", err.Error(), nil)
	case errors.Is(err, service.ErrSessionUnavailable):
		respondError(w, http.StatusConflict, "session_not_open", err.Error(), nil)
	case errors.Is(err, service.ErrJobAlreadyExists):
		respondError(w, http.StatusConflict, "job_already_exists", err.Error(), nil)
	case errors.Is(err, engine.ErrSessionClosed):
		respondError(w, http.StatusConflict, "session_closed", err.Error(), nil)
	case errors.Is(err, conn.ErrNotConnected):
		respondError(w, http.StatusServiceUnavailable, "not_connected", err.Error(), nil)
	case errors.As(err, &de):
		respondError(w, http.StatusUnprocessableEntity, "database_error", err.Error(), map[string]any{
			"code":     de.Code,
			"sqlState": de.SQLState,
		})
	default:
		respondError(w, http.StatusInternalServerError, fallback, err.Error(), nil)
	}
}
