package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/exp/jsonrpc2"

	"github.com/crueladdict/ori/apps/ori-runner/internal/engine"
	"github.com/crueladdict/ori/apps/ori-runner/internal/model"
	"github.com/crueladdict/ori/apps/ori-runner/internal/service"
)

type ResourcesListResult struct {
	Resources []model.Resource `json:"resources"`
}

type SessionOpenParams struct {
	ResourceName string `json:"resourceName"`
}

type ScriptExecParams struct {
	SessionName string              `json:"sessionName"`
	Script      string              `json:"script"`
	JobID       string              `json:"jobId,omitempty"`
	Options     *engine.ExecOptions `json:"options,omitempty"`
}

type ScriptExecResult struct {
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type JobParams struct {
	JobID string `json:"jobId"`
	// Set, Limit and Offset page through script.result rows.
	Set    int  `json:"set,omitempty"`
	Limit  *int `json:"limit,omitempty"`
	Offset *int `json:"offset,omitempty"`
}

// Handler handles JSON-RPC requests using the jsonrpc2 library
type Handler struct {
	catalog  *service.ResourceCatalogService
	sessions *service.SessionService
	scripts  *service.ScriptService
}

func NewHandler(catalog *service.ResourceCatalogService, sessions *service.SessionService, scripts *service.ScriptService) *Handler {
	return &Handler{catalog: catalog, sessions: sessions, scripts: scripts}
}

// Handle dispatches one request by method name.
func (h *Handler) Handle(ctx context.Context, req *jsonrpc2.Request) (any, error) {
	slog.DebugContext(ctx, "rpc request", slog.String("method", req.Method))

	switch req.Method {
	case "resources.list":
		resources, err := h.catalog.ListResources()
		if err != nil {
			return nil, err
		}
		return ResourcesListResult{Resources: resources}, nil
	case "sessions.open":
		var params SessionOpenParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		rs, err := h.sessions.Open(ctx, params.ResourceName)
		if err != nil {
			return nil, err
		}
		return rs.Info(), nil
	case "script.exec":
		return h.execScript(ctx, req.Params)
	case "script.cancel":
		var params JobParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		if err := h.scripts.Cancel(ctx, params.JobID); err != nil {
			return nil, err
		}
		return h.scripts.Job(params.JobID)
	case "script.result":
		var params JobParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return h.scripts.BuildResultView(params.JobID, params.Set, params.Limit, params.Offset)
	default:
		slog.WarnContext(ctx, "rpc method not found", slog.String("method", req.Method))
		return nil, fmt.Errorf("%w: %s", jsonrpc2.ErrMethodNotFound, req.Method)
	}
}

// execScript reports submission failures in the result so clients can
// tell them apart from transport errors.
func (h *Handler) execScript(ctx context.Context, raw json.RawMessage) (*ScriptExecResult, error) {
	var params ScriptExecParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.SessionName) == "" || strings.TrimSpace(params.Script) == "" {
		return nil, fmt.Errorf("%w: sessionName and script are required", jsonrpc2.ErrInvalidParams)
	}

	var opts engine.ExecOptions
	if params.Options != nil {
		opts = *params.Options
	}
	job, err := h.scripts.Exec(ctx, service.ExecRequest{
		SessionName: params.SessionName,
		Script:      params.Script,
		JobID:       params.JobID,
		Options:     opts,
	})
	if err != nil {
		return &ScriptExecResult{Status: string(service.JobStatusFailed), Message: err.Error()}, nil
	}
	return &ScriptExecResult{JobID: job.ID, Status: string(job.Status)}, nil
}

// decodeParams accepts named params or a single element positional array.
func decodeParams(raw json.RawMessage, dest any) error {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return fmt.Errorf("%w: params are required", jsonrpc2.ErrInvalidParams)
	}
	if strings.HasPrefix(trimmed, "[") {
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err != nil || len(arr) != 1 {
			return fmt.Errorf("%w: expected one positional param", jsonrpc2.ErrInvalidParams)
		}
		raw = arr[0]
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("%w: %v", jsonrpc2.ErrInvalidParams, err)
	}
	return nil
}
