package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/crueladdict/ori/apps/ori-runner/internal/events"
	"github.com/crueladdict/ori/apps/ori-runner/internal/pkg/logctx"
)

const (
	sseHeartbeat = 15 * time.Second
	// startGrace is how long a fresh listener may fail before Serve is
	// considered up.
	startGrace = 100 * time.Millisecond
)

// Server exposes the HTTP API, the SSE stream and the JSON-RPC endpoint.
type Server struct {
	handler    *Handler
	events     *events.Hub
	rpc        http.Handler
	httpServer *http.Server
	listener   net.Listener
	socketPath string
}

// NewServer listens on TCP port. rpc may be nil to leave /rpc unmounted.
func NewServer(ctx context.Context, handler *Handler, eventsHub *events.Hub, rpc http.Handler, port int) (*Server, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	s := &Server{handler: handler, events: eventsHub, rpc: rpc}
	if err := s.serve(ctx, ln); err != nil {
		return nil, err
	}
	return s, nil
}

// NewUnixServer listens on socketPath, replacing a stale socket file.
func NewUnixServer(ctx context.Context, handler *Handler, eventsHub *events.Hub, rpc http.Handler, socketPath string) (*Server, error) {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on unix socket %s: %w", socketPath, err)
	}
	s := &Server{handler: handler, events: eventsHub, rpc: rpc, socketPath: socketPath}
	if err := s.serve(ctx, ln); err != nil {
		return nil, err
	}
	return s, nil
}

// Routes returns the API mux without starting a listener.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /resources", s.handler.listResources)
	mux.HandleFunc("GET /sessions", s.handler.listSessions)
	mux.HandleFunc("POST /sessions", s.handler.openSession)
	mux.HandleFunc("DELETE /sessions/{name}", s.handler.closeSession)
	mux.HandleFunc("POST /sessions/{name}/kill", s.handler.killSession)
	mux.HandleFunc("POST /sessions/{name}/commit", s.handler.commitSession)
	mux.HandleFunc("POST /sessions/{name}/rollback", s.handler.rollbackSession)
	mux.HandleFunc("POST /scripts", s.handler.execScript)
	mux.HandleFunc("GET /scripts/{jobId}", s.handler.getScript)
	mux.HandleFunc("POST /scripts/{jobId}/cancel", s.handler.cancelScript)
	mux.HandleFunc("GET /scripts/{jobId}/result", s.handler.getScriptResult)
	if s.rpc != nil {
		mux.Handle("POST /rpc", s.rpc)
	}
	return mux
}

// NewRoutes builds the mux for handler, e.g. for httptest.
func NewRoutes(handler *Handler, eventsHub *events.Hub, rpc http.Handler) http.Handler {
	s := &Server{handler: handler, events: eventsHub, rpc: rpc}
	return withRequestID(s.Routes())
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      withRequestID(s.Routes()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return logctx.Detach(context.Background(), ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server on %s: %w", ln.Addr(), err)
	case <-time.After(startGrace):
		return nil
	}
}

// Addr is the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx ends.
// Open SSE streams end when the hub closes.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.socketPath != "" {
		_ = os.Remove(s.socketPath)
	}
	return err
}

// withRequestID tags every request's log context, reusing X-Request-ID when sent.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := logctx.WithField(r.Context(), "request", id)
		slog.DebugContext(ctx, "http request", slog.String("method", r.Method), slog.String("path", r.URL.Path))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleEvents streams hub events as SSE. ?session=name narrows the stream to
// one session's events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		slog.WarnContext(ctx, "failed to disable write deadline for SSE", slog.Any("err", err))
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream; charset=utf-8")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")

	var filter events.Filter
	if session := r.URL.Query().Get("session"); session != "" {
		filter = events.ForSession(session)
	}
	stream, unsubscribe := s.events.Subscribe(filter)
	defer unsubscribe()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	if _, err := io.WriteString(w, "retry: 3000\n: connected\n\n"); err != nil {
		return
	}
	flusher.Flush()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				slog.DebugContext(ctx, "sse heartbeat write failed", slog.Any("err", err))
				return
			}
		case evt, ok := <-stream:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				slog.ErrorContext(ctx, "failed to marshal sse payload", slog.String("event", evt.Name), slog.Any("err", err))
				continue
			}
			seq++
			if err := writeSSE(w, seq, evt.Name, data); err != nil {
				slog.DebugContext(ctx, "sse write failed", slog.Any("err", err))
				return
			}
		}
		flusher.Flush()
	}
}

// writeSSE writes one frame. data must not contain newlines.
func writeSSE(w io.Writer, seq uint64, name string, data []byte) error {
	var err error
	if name != "" {
		_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, name, data)
	} else {
		_, err = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", seq, data)
	}
	return err
}
