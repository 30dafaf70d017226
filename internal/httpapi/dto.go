package httpapi

import (
	"github.com/crueladdict/ori/apps/ori-runner/internal/engine"
	"github.com/crueladdict/ori/apps/ori-runner/internal/model"
	"github.com/crueladdict/ori/apps/ori-runner/internal/service"
)

type ErrorPayload struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details *map[string]any `json:"details,omitempty"`
}

type ResourcesResponse struct {
	Resources []model.Resource `json:"resources"`
}

type SessionOpenRequest struct {
	ResourceName string `json:"resourceName"`
	// Wait opens the session before responding instead of in the background.
	Wait bool `json:"wait,omitempty"`
}

type SessionOpenResult struct {
	Result      string               `json:"result"`
	UserMessage *string              `json:"userMessage,omitempty"`
	Session     *service.SessionInfo `json:"session,omitempty"`
}

type SessionsResponse struct {
	Sessions []service.SessionInfo `json:"sessions"`
}

type ScriptExecRequest struct {
	SessionName string              `json:"sessionName"`
	Script      string              `json:"script"`
	JobID       string              `json:"jobId,omitempty"`
	Options     *engine.ExecOptions `json:"options,omitempty"`
}

type ScriptExecResponse struct {
	JobID  string            `json:"jobId"`
	Status service.JobStatus `json:"status"`
}

type StatusResponse struct {
	Status string `json:"status"`
}
