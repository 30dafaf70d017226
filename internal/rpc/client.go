package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/crueladdict/ori/apps/ori-runner/internal/engine"
	"github.com/crueladdict/ori/apps/ori-runner/internal/service"
)

// Client calls the /rpc endpoint.
type Client struct {
	url        string
	httpClient *http.Client
	nextID     atomic.Int64
}

// NewClient talks to baseURL, e.g. http://localhost:8080.
func NewClient(baseURL string) *Client {
	return &Client{url: baseURL + "/rpc", httpClient: &http.Client{}}
}

// NewClientUnix talks HTTP over a Unix domain socket.
func NewClientUnix(socketPath string) *Client {
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socketPath)
	}
	transport := &http.Transport{
		DialContext:         dial,
		DisableCompression:  true,
		MaxIdleConnsPerHost: 2,
	}
	return &Client{url: "http://unix/rpc", httpClient: &http.Client{Transport: transport}}
}

type clientResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      c.nextID.Add(1),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	var rpcResp clientResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	return nil
}

func (c *Client) ListResources(ctx context.Context) (*ResourcesListResult, error) {
	var result ResourcesListResult
	if err := c.call(ctx, "resources.list", struct{}{}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) OpenSession(ctx context.Context, resourceName string) (*service.SessionInfo, error) {
	var result service.SessionInfo
	if err := c.call(ctx, "sessions.open", SessionOpenParams{ResourceName: resourceName}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) ExecScript(ctx context.Context, sessionName, script string, opts *engine.ExecOptions) (*ScriptExecResult, error) {
	var result ScriptExecResult
	params := ScriptExecParams{SessionName: sessionName, Script: script, Options: opts}
	if err := c.call(ctx, "script.exec", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) CancelScript(ctx context.Context, jobID string) (*service.JobInfo, error) {
	var result service.JobInfo
	if err := c.call(ctx, "script.cancel", JobParams{JobID: jobID}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ScriptResult fetches result set setIndex of a finished job.
func (c *Client) ScriptResult(ctx context.Context, jobID string, setIndex int, limit, offset *int) (*service.ScriptResultView, error) {
	var result service.ScriptResultView
	params := JobParams{JobID: jobID, Set: setIndex, Limit: limit, Offset: offset}
	if err := c.call(ctx, "script.result", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
