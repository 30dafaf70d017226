package rpc

import (
	"encoding/json"
	"errors"
	"net/http"

	"golang.org/x/exp/jsonrpc2"

	"github.com/crueladdict/ori/apps/ori-runner/internal/service"
)

// JSONRPCRequest represents a JSON-RPC 2.0 request (for HTTP compatibility)
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response (for HTTP compatibility)
type JSONRPCResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
	ID      any       `json:"id"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
	// codeNotFound is in the implementation-defined server error range.
	codeNotFound = -32004
)

// HTTPHandler serves JSON-RPC over plain HTTP POSTs, one call per request.
type HTTPHandler struct {
	handler *Handler
}

func NewHTTPHandler(handler *Handler) *HTTPHandler {
	return &HTTPHandler{handler: handler}
}

func (s *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		reply(w, failure(nil, codeParseError, "Parse error"))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		reply(w, failure(req.ID, codeInvalidRequest, "Invalid Request"))
		return
	}

	id, ok := requestID(req.ID)
	if !ok {
		reply(w, failure(req.ID, codeInvalidRequest, "Invalid Request ID"))
		return
	}

	result, err := s.handler.Handle(r.Context(), &jsonrpc2.Request{ID: id, Method: req.Method, Params: req.Params})
	if !id.IsValid() {
		// notifications get no response body
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		reply(w, failure(req.ID, errorCode(err), err.Error()))
		return
	}
	reply(w, JSONRPCResponse{JSONRPC: "2.0", Result: result, ID: req.ID})
}

// requestID converts a decoded JSON id; a missing id marks a notification.
func requestID(raw any) (jsonrpc2.ID, bool) {
	switch v := raw.(type) {
	case nil:
		return jsonrpc2.ID{}, true
	case float64:
		return jsonrpc2.Int64ID(int64(v)), true
	case string:
		return jsonrpc2.StringID(v), true
	default:
		return jsonrpc2.ID{}, false
	}
}

func errorCode(err error) int64 {
	switch {
	case errors.Is(err, jsonrpc2.ErrMethodNotFound):
		return codeMethodNotFound
	case errors.Is(err, jsonrpc2.ErrInvalidParams):
		return codeInvalidParams
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrJobNotFound):
		return codeNotFound
	default:
		return codeInternal
	}
}

func failure(id any, code int64, message string) JSONRPCResponse {
	return JSONRPCResponse{JSONRPC: "2.0", Error: &RPCError{Code: code, Message: message}, ID: id}
}

func reply(w http.ResponseWriter, resp JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
