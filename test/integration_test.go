package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crueladdict/ori/apps/ori-runner/internal/events"
	"github.com/crueladdict/ori/apps/ori-runner/internal/httpapi"
	"github.com/crueladdict/ori/apps/ori-runner/internal/infrastructure/database/drivers"
	"github.com/crueladdict/ori/apps/ori-runner/internal/rpc"
	"github.com/crueladdict/ori/apps/ori-runner/internal/service"
)

const resourcesYAML = `
resources:
  - name: local
    type: sqlite
    database: data/simple.db
    engine:
      continueOnError: true
`

const seedScript = `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL);
INSERT INTO users (name) VALUES ('ada'), ('grace'), ('linus');
UPDATE nope SET x = 1;
SELECT id, name FROM users ORDER BY id;
SELECT COUNT(*) AS n FROM users`

func TestRunScriptOverUDS(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "data"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	configPath := filepath.Join(root, "resources.yaml")
	if err := os.WriteFile(configPath, []byte(resourcesYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	catalog := service.NewResourceCatalogService(configPath)
	if err := catalog.LoadResources(); err != nil {
		t.Fatalf("load resources: %v", err)
	}

	ctx := context.Background()
	hub := events.NewHub()
	sessions := service.NewSessionService(catalog, service.NewPasswordService(), drivers.Registry(), hub)
	scripts := service.NewScriptService(sessions, hub)
	handler := httpapi.NewHandler(catalog, sessions, scripts)
	rpcHandler := rpc.NewHTTPHandler(rpc.NewHandler(catalog, sessions, scripts))

	// unix socket paths are length limited, t.TempDir can be too deep
	sockDir, err := os.MkdirTemp("", "ori")
	if err != nil {
		t.Fatalf("socket dir: %v", err)
	}
	defer os.RemoveAll(sockDir)
	sockPath := filepath.Join(sockDir, "runner.sock")

	srv, err := httpapi.NewUnixServer(ctx, handler, hub, rpcHandler, sockPath)
	if err != nil {
		t.Fatalf("failed to create unix server: %v", err)
	}
	defer func() {
		scripts.Stop(ctx)
		_ = srv.Shutdown(ctx)
		sessions.CloseAll(ctx)
		hub.Close()
	}()

	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", sockPath)
			},
		},
	}
	call := func(method, path string, body, out any) int {
		t.Helper()
		var buf bytes.Buffer
		if body != nil {
			_ = json.NewEncoder(&buf).Encode(body)
		}
		req, _ := http.NewRequest(method, "http://ori"+path, &buf)
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		defer resp.Body.Close()
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				t.Fatalf("decode %s: %v", path, err)
			}
		}
		return resp.StatusCode
	}

	if code := call(http.MethodGet, "/health", nil, nil); code != http.StatusOK {
		t.Fatalf("health returned %d", code)
	}
	if code := call(http.MethodPost, "/sessions", map[string]any{"resourceName": "local", "wait": true}, nil); code != http.StatusCreated {
		t.Fatalf("open session returned %d", code)
	}

	var exec httpapi.ScriptExecResponse
	if code := call(http.MethodPost, "/scripts", map[string]any{"sessionName": "local", "script": seedScript}, &exec); code != http.StatusAccepted {
		t.Fatalf("exec returned %d", code)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := scripts.Wait(waitCtx, exec.JobID); err != nil {
		t.Fatalf("wait: %v", err)
	}

	var view service.ScriptResultView
	if code := call(http.MethodGet, "/scripts/"+exec.JobID+"/result", nil, &view); code != http.StatusOK {
		t.Fatalf("result returned %d", code)
	}
	// continueOnError comes from the resource defaults
	if view.Status != service.JobStatusSuccess || view.Statements != 5 || view.Errors != 1 || view.ResultSets != 2 {
		t.Fatalf("unexpected summary %+v", view)
	}
	if view.Results[2].Error == "" || view.Results[2].Line != 3 {
		t.Fatalf("expected failing UPDATE on line 3, got %+v", view.Results[2])
	}
	if view.ResultSet == nil || view.ResultSet.RowCount != 3 || view.ResultSet.Rows[1][1] != "grace" {
		t.Fatalf("unexpected first result set %+v", view.ResultSet)
	}

	rpcClient := rpc.NewClientUnix(sockPath)
	count, err := rpcClient.ScriptResult(ctx, exec.JobID, 1, nil, nil)
	if err != nil {
		t.Fatalf("script.result: %v", err)
	}
	if count.ResultSet == nil || count.ResultSet.Rows[0][0] != float64(3) {
		t.Fatalf("unexpected count result %+v", count.ResultSet)
	}
}

func TestRPCClientOverUDS(t *testing.T) {
	root := t.TempDir()
	configPath := filepath.Join(root, "resources.yaml")
	if err := os.WriteFile(configPath, []byte("resources:\n  - {name: mem, type: sqlite, database: mem.db}\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	catalog := service.NewResourceCatalogService(configPath)
	if err := catalog.LoadResources(); err != nil {
		t.Fatalf("load resources: %v", err)
	}

	ctx := context.Background()
	hub := events.NewHub()
	sessions := service.NewSessionService(catalog, nil, drivers.Registry(), hub)
	scripts := service.NewScriptService(sessions, hub)
	rpcHandler := rpc.NewHTTPHandler(rpc.NewHandler(catalog, sessions, scripts))

	sockDir, err := os.MkdirTemp("", "ori")
	if err != nil {
		t.Fatalf("socket dir: %v", err)
	}
	defer os.RemoveAll(sockDir)
	sockPath := filepath.Join(sockDir, "rpc.sock")
	srv, err := httpapi.NewUnixServer(ctx, httpapi.NewHandler(catalog, sessions, scripts), hub, rpcHandler, sockPath)
	if err != nil {
		t.Fatalf("failed to create unix server: %v", err)
	}
	defer func() {
		_ = srv.Shutdown(ctx)
		sessions.CloseAll(ctx)
		hub.Close()
	}()

	client := rpc.NewClientUnix(sockPath)
	resources, err := client.ListResources(ctx)
	if err != nil || len(resources.Resources) != 1 || resources.Resources[0].Name != "mem" {
		t.Fatalf("resources.list: %+v %v", resources, err)
	}
	if _, err := client.OpenSession(ctx, "mem"); err != nil {
		t.Fatalf("sessions.open: %v", err)
	}

	job, err := client.ExecScript(ctx, "mem", "SELECT 1 AS one; SELECT 2 AS two", nil)
	if err != nil || job.JobID == "" {
		t.Fatalf("script.exec: %+v %v", job, err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := scripts.Wait(waitCtx, job.JobID); err != nil {
		t.Fatalf("wait: %v", err)
	}

	view, err := client.ScriptResult(ctx, job.JobID, 1, nil, nil)
	if err != nil || view.ResultSets != 2 || view.ResultSet.Columns[0].Name != "two" {
		t.Fatalf("script.result: %+v %v", view, err)
	}
	if info, err := client.CancelScript(ctx, job.JobID); err != nil || info.Status != service.JobStatusSuccess {
		t.Fatalf("cancel of a finished job: %+v %v", info, err)
	}

	var rpcErr *rpc.RPCError
	if _, err := client.OpenSession(ctx, "missing"); !errors.As(err, &rpcErr) || rpcErr.Code != -32004 {
		t.Fatalf("expected not found error for unknown resource, got %v", err)
	}
}
