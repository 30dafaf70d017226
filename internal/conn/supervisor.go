package conn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/crueladdict/ori/apps/ori-runner/internal/pkg/logctx"
)

// ReconnectHook observes reconnect attempts. err is nil on success.
type ReconnectHook func(h *Handle, err error)

// Supervisor validates handles before use and repairs them when that cannot
// lose session state.
type Supervisor struct {
	onReconnect ReconnectHook
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithReconnectHook registers fn to run after every reconnect attempt.
func WithReconnectHook(fn ReconnectHook) SupervisorOption {
	return func(s *Supervisor) { s.onReconnect = fn }
}

func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire locks h and, unless lockOnly is set, makes sure its connection is
// alive. A dead connection is reopened once when the session is in
// autocommit mode with no open transaction; otherwise the lock is released
// and ErrNotConnected returned.
func (s *Supervisor) Acquire(ctx context.Context, h *Handle, lockOnly bool) (*Lease, error) {
	lease, err := h.lock(ctx)
	if err != nil {
		return nil, err
	}
	if lockOnly {
		return lease, nil
	}

	lctx := logctx.WithFields(lease.Context(), map[string]any{
		logctx.KeyResource: h.resource,
		logctx.KeyRole:     string(h.role),
	})

	c := lease.Conn()
	if c == nil {
		lease.Release()
		return nil, fmt.Errorf("%w: %s connection closed", ErrNotConnected, h.role)
	}
	if c.IsValid(lctx) {
		return lease, nil
	}

	if !h.Autocommit() || h.InTransaction() {
		slog.WarnContext(lctx, "connection lost with possible open transaction")
		lease.Release()
		return nil, fmt.Errorf("%w: connection lost while a transaction may be open", ErrNotConnected)
	}

	if err := s.reconnect(lctx, lease, c); err != nil {
		lease.Release()
		return nil, err
	}
	return lease, nil
}

func (s *Supervisor) reconnect(ctx context.Context, lease *Lease, c DriverConn) error {
	h := lease.h
	h.reconnects.Add(1)
	start := time.Now()

	err := func() error {
		if h.creds == nil {
			return fmt.Errorf("%w: no credentials provider", ErrNotConnected)
		}
		creds, err := h.creds.Credentials(ctx, h.resource)
		if err != nil {
			return fmt.Errorf("%w: resolve credentials: %v", ErrNotConnected, err)
		}
		if err := c.Reconnect(ctx, creds); err != nil {
			return fmt.Errorf("%w: reconnect: %v", ErrNotConnected, err)
		}
		return nil
	}()
	if s.onReconnect != nil {
		s.onReconnect(h, err)
	}
	if err != nil {
		slog.ErrorContext(ctx, "reconnect failed", slog.Any("err", err), slog.Duration("duration", time.Since(start)))
		return err
	}

	if id, err := c.SessionID(ctx); err == nil {
		lease.SetSessionID(id)
	} else {
		slog.WarnContext(ctx, "session id unavailable after reconnect", slog.Any("err", err))
		lease.SetSessionID("")
	}
	if schema := h.Schema(); schema != "" {
		if r, ok := c.(SchemaRestorer); ok {
			if err := r.UseSchema(ctx, schema); err != nil {
				slog.WarnContext(ctx, "restore schema after reconnect", slog.String("schema", schema), slog.Any("err", err))
			}
		}
	}
	slog.InfoContext(ctx, "reconnected", slog.Duration("duration", time.Since(start)))
	return nil
}

// RefreshSessionID reads the server session id of h through its own
// connection and caches it on the handle.
func (s *Supervisor) RefreshSessionID(ctx context.Context, h *Handle) (string, error) {
	lease, err := s.Acquire(ctx, h, false)
	if err != nil {
		return "", err
	}
	defer lease.Release()

	id, err := lease.Conn().SessionID(lease.Context())
	if err != nil {
		return "", fmt.Errorf("read session id: %w", err)
	}
	lease.SetSessionID(id)
	return id, nil
}
