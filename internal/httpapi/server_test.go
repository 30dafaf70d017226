package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/crueladdict/ori/apps/ori-runner/internal/events"
	"github.com/crueladdict/ori/apps/ori-runner/internal/infrastructure/database"
	"github.com/crueladdict/ori/apps/ori-runner/internal/infrastructure/database/sqlite"
	"github.com/crueladdict/ori/apps/ori-runner/internal/model"
	"github.com/crueladdict/ori/apps/ori-runner/internal/rpc"
	"github.com/crueladdict/ori/apps/ori-runner/internal/service"
)

type testAPI struct {
	t      *testing.T
	server *httptest.Server
	hub    *events.Hub
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	catalog, err := service.NewStaticCatalog(&model.Config{Resources: []model.Resource{
		{Name: "local", Type: model.TypeSQLite, Database: "api.db"},
	}}, t.TempDir())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	hub := events.NewHubWithBuffer(256)
	sessions := service.NewSessionService(catalog, nil, database.NewRegistry(sqlite.Dialect()), hub)
	scripts := service.NewScriptService(sessions, hub)

	rpcHandler := rpc.NewHTTPHandler(rpc.NewHandler(catalog, sessions, scripts))
	srv := httptest.NewServer(NewRoutes(NewHandler(catalog, sessions, scripts), hub, rpcHandler))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		scripts.Stop(ctx)
		sessions.CloseAll(ctx)
		hub.Close()
	})
	return &testAPI{t: t, server: srv, hub: hub}
}

func (a *testAPI) do(method, path string, body any, out any) int {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			a.t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, a.server.URL+path, &buf)
	if err != nil {
		a.t.Fatalf("request: %v", err)
	}
	resp, err := a.server.Client().Do(req)
	if err != nil {
		a.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			a.t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (a *testAPI) waitForJob(jobID string) map[string]any {
	a.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		var job map[string]any
		if code := a.do(http.MethodGet, "/scripts/"+jobID, nil, &job); code != http.StatusOK {
			a.t.Fatalf("job lookup returned %d", code)
		}
		switch job["status"] {
		case "success", "failed", "canceled":
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	a.t.Fatalf("job %s did not finish", jobID)
	return nil
}

func TestScriptRoundTrip(t *testing.T) {
	api := newTestAPI(t)

	var resources ResourcesResponse
	if code := api.do(http.MethodGet, "/resources", nil, &resources); code != http.StatusOK || len(resources.Resources) != 1 {
		t.Fatalf("resources: %d %+v", code, resources)
	}

	var opened SessionOpenResult
	if code := api.do(http.MethodPost, "/sessions", SessionOpenRequest{ResourceName: "local", Wait: true}, &opened); code != http.StatusCreated {
		t.Fatalf("open session: %d %+v", code, opened)
	}

	var exec ScriptExecResponse
	code := api.do(http.MethodPost, "/scripts", map[string]any{
		"sessionName": "local",
		"script":      "CREATE TABLE t (id INTEGER);\nINSERT INTO t VALUES (1), (2), (3);\nSELECT id FROM t ORDER BY id",
		"options":     map[string]any{"rowLimit": 10},
	}, &exec)
	if code != http.StatusAccepted || exec.JobID == "" {
		t.Fatalf("exec: %d %+v", code, exec)
	}
	if job := api.waitForJob(exec.JobID); job["status"] != "success" {
		t.Fatalf("unexpected job %+v", job)
	}

	var view service.ScriptResultView
	if code := api.do(http.MethodGet, "/scripts/"+exec.JobID+"/result?limit=2&offset=1", nil, &view); code != http.StatusOK {
		t.Fatalf("result: %d", code)
	}
	if view.Statements != 3 || view.ResultSet == nil || view.ResultSet.RowCount != 3 || len(view.ResultSet.Rows) != 2 {
		t.Fatalf("unexpected view %+v", view)
	}
	if got := view.ResultSet.Rows[0][0]; got != float64(2) {
		t.Fatalf("expected second row first, got %v", got)
	}

	var status StatusResponse
	if code := api.do(http.MethodDelete, "/sessions/local", nil, &status); code != http.StatusOK || status.Status != "closed" {
		t.Fatalf("close: %d %+v", code, status)
	}
}

func TestErrorMapping(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown resource", http.MethodPost, "/sessions", SessionOpenRequest{ResourceName: "nope"}, http.StatusNotFound, "resource_not_found"},
		{"missing resource", http.MethodPost, "/sessions", SessionOpenRequest{}, http.StatusBadRequest, "missing_resource"},
		{"session not open", http.MethodPost, "/scripts", ScriptExecRequest{SessionName: "local", Script: "SELECT 1"}, http.StatusConflict, "session_not_open"},
		{"missing script", http.MethodPost, "/scripts", ScriptExecRequest{SessionName: "local"}, http.StatusBadRequest, "missing_script"},
		{"unknown field", http.MethodPost, "/scripts", map[string]any{"query": "SELECT 1"}, http.StatusBadRequest, "invalid_body"},
		{"unknown job", http.MethodPost, "/scripts/nope/cancel", nil, http.StatusNotFound, "job_not_found"},
		{"unknown result", http.MethodGet, "/scripts/nope/result", nil, http.StatusNotFound, "not_found"},
		{"bad limit", http.MethodGet, "/scripts/x/result?limit=0", nil, http.StatusBadRequest, "invalid_limit"},
		{"kill without session", http.MethodPost, "/sessions/local/kill", nil, http.StatusConflict, "session_not_open"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var payload ErrorPayload
			if code := api.do(tt.method, tt.path, tt.body, &payload); code != tt.status || payload.Code != tt.code {
				t.Fatalf("expected %d %s, got %d %+v", tt.status, tt.code, code, payload)
			}
		})
	}
}

func TestRPCEndpoint(t *testing.T) {
	api := newTestAPI(t)

	call := func(method string, params any) rpc.JSONRPCResponse {
		t.Helper()
		var resp rpc.JSONRPCResponse
		body := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method, "params": params}
		if code := api.do(http.MethodPost, "/rpc", body, &resp); code != http.StatusOK {
			t.Fatalf("%s returned %d", method, code)
		}
		return resp
	}

	if resp := call("resources.list", map[string]any{}); resp.Error != nil {
		t.Fatalf("resources.list: %+v", resp.Error)
	}
	if resp := call("sessions.open", map[string]any{"resourceName": "local"}); resp.Error != nil {
		t.Fatalf("sessions.open: %+v", resp.Error)
	}

	resp := call("script.exec", []any{map[string]any{"sessionName": "local", "script": "SELECT 1 AS one"}})
	result, _ := resp.Result.(map[string]any)
	jobID, _ := result["jobId"].(string)
	if resp.Error != nil || jobID == "" {
		t.Fatalf("script.exec: %+v", resp)
	}
	api.waitForJob(jobID)

	resp = call("script.result", map[string]any{"jobId": jobID})
	view, _ := resp.Result.(map[string]any)
	if resp.Error != nil || view["status"] != "success" {
		t.Fatalf("script.result: %+v", resp)
	}

	if resp := call("nope", map[string]any{}); resp.Error == nil || resp.Error.Code != -32601 {
		t.Fatalf("expected method not found, got %+v", resp.Error)
	}
	if resp := call("script.cancel", "bad"); resp.Error == nil || resp.Error.Code != -32602 {
		t.Fatalf("expected invalid params, got %+v", resp.Error)
	}
}

func TestEventStreamFiltersBySession(t *testing.T) {
	api := newTestAPI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, api.server.URL+"/events?session=local", nil)
	resp, err := api.server.Client().Do(req)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream; charset=utf-8" {
		t.Fatalf("unexpected content type %q", ct)
	}

	buf := make([]byte, 64)
	if _, err := resp.Body.Read(buf); err != nil {
		t.Fatalf("read greeting: %v", err)
	}

	api.hub.Publish(events.Event{Name: "other", Session: "remote", Payload: map[string]string{"x": "1"}})
	api.hub.Publish(events.Event{Name: "mine", Session: "local", Payload: map[string]string{"x": "2"}})

	got := make([]byte, 0, 512)
	for !bytes.Contains(got, []byte("event: mine")) {
		n, err := resp.Body.Read(buf)
		if err != nil {
			t.Fatalf("read: %v (have %q)", err, got)
		}
		got = append(got, buf[:n]...)
	}
	if bytes.Contains(got, []byte("event: other")) {
		t.Fatalf("event of another session leaked: %q", got)
	}
}
