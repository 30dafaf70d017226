package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/crueladdict/ori/apps/ori-runner/internal/conn"
	"github.com/crueladdict/ori/apps/ori-runner/internal/engine"
	"github.com/crueladdict/ori/apps/ori-runner/internal/events"
	"github.com/crueladdict/ori/apps/ori-runner/internal/infrastructure/database"
	"github.com/crueladdict/ori/apps/ori-runner/internal/model"
	"github.com/crueladdict/ori/apps/ori-runner/internal/pkg/logctx"
)

type SessionConnectOutcome struct {
	Result      string
	UserMessage string
}

const (
	SessionConnectResultSuccess    = "success"
	SessionConnectResultFail       = "fail"
	SessionConnectResultConnecting = "connecting"
)

const connectAttemptTimeout = 30 * time.Second

// ResourceSession is an open engine session for one resource, with the
// goroutine that runs its callbacks.
type ResourceSession struct {
	Name        string
	Type        string
	Engine      *engine.Session
	ConnectedAt time.Time

	defaults *model.EngineDefaults

	jobMu sync.Mutex
	job   string

	stopHome context.CancelFunc
	homeDone chan struct{}
}

// Defaults are the resource's engine defaults, nil when unset.
func (rs *ResourceSession) Defaults() *model.EngineDefaults { return rs.defaults }

// CurrentJob is the id of the script job running on the session, if any.
func (rs *ResourceSession) CurrentJob() string {
	rs.jobMu.Lock()
	defer rs.jobMu.Unlock()
	return rs.job
}

func (rs *ResourceSession) setJob(id string) {
	rs.jobMu.Lock()
	rs.job = id
	rs.jobMu.Unlock()
}

// SessionInfo is what the API exposes about an open session.
type SessionInfo struct {
	Name          string    `json:"name"`
	Type          string    `json:"type"`
	Schema        string    `json:"schema,omitempty"`
	ConnectedAt   time.Time `json:"connectedAt"`
	Running       bool      `json:"running"`
	CurrentJob    string    `json:"currentJob,omitempty"`
	InTransaction bool      `json:"inTransaction"`
	Reconnects    int       `json:"reconnects"`
}

func (rs *ResourceSession) Info() SessionInfo {
	p := rs.Engine.Primary()
	return SessionInfo{
		Name:          rs.Name,
		Type:          rs.Type,
		Schema:        rs.Engine.Schema(),
		ConnectedAt:   rs.ConnectedAt,
		Running:       rs.Engine.Dispatcher().Current() != nil,
		CurrentJob:    rs.CurrentJob(),
		InTransaction: p.InTransaction(),
		Reconnects:    p.Reconnects(),
	}
}

// SessionService opens one engine session per resource and streams its
// callbacks to the event hub.
type SessionService struct {
	catalog   *ResourceCatalogService
	passwords *PasswordService
	dialects  *database.Registry
	events    *events.Hub

	openMu sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*ResourceSession
}

func NewSessionService(catalog *ResourceCatalogService, passwords *PasswordService, dialects *database.Registry, hub *events.Hub) *SessionService {
	return &SessionService{
		catalog:   catalog,
		passwords: passwords,
		dialects:  dialects,
		events:    hub,
		sessions:  make(map[string]*ResourceSession),
	}
}

// Connect opens the session in the background and reports progress through
// connection events. An open session is reported ready at once.
func (ss *SessionService) Connect(ctx context.Context, name string) SessionConnectOutcome {
	if _, err := ss.catalog.ByName(name); err != nil {
		return SessionConnectOutcome{Result: SessionConnectResultFail, UserMessage: err.Error()}
	}
	if _, err := ss.Get(name); err == nil {
		ss.emitConnectionEvent(name, events.ConnectionStateConnected, "", fmt.Sprintf("session for resource '%s' is ready", name), nil)
		return SessionConnectOutcome{Result: SessionConnectResultSuccess}
	}

	message := fmt.Sprintf("opening session on resource '%s'", name)
	go func() {
		ctx, cancel := context.WithTimeout(logctx.Detach(context.Background(), ctx), connectAttemptTimeout)
		defer cancel()
		if _, err := ss.Open(ctx, name); err != nil {
			slog.ErrorContext(ctx, "session open failed", slog.String(logctx.KeyResource, name), slog.Any("err", err))
		}
	}()
	return SessionConnectOutcome{Result: SessionConnectResultConnecting, UserMessage: message}
}

// Open opens the session for resource name and waits for it. An already
// open session is returned as is.
func (ss *SessionService) Open(ctx context.Context, name string) (*ResourceSession, error) {
	ss.openMu.Lock()
	defer ss.openMu.Unlock()

	if rs, err := ss.Get(name); err == nil {
		return rs, nil
	}
	ctx = logctx.WithField(ctx, logctx.KeyResource, name)
	ss.emitConnectionEvent(name, events.ConnectionStateConnecting, "", fmt.Sprintf("opening session on resource '%s'", name), nil)

	rs, err := ss.open(ctx, name)
	if err != nil {
		ss.emitConnectionEvent(name, events.ConnectionStateFailed, "", "", err)
		return nil, err
	}

	ss.mu.Lock()
	ss.sessions[name] = rs
	ss.mu.Unlock()

	slog.InfoContext(ctx, "session opened", slog.String("driver", rs.Type), slog.String("schema", rs.Engine.Schema()))
	ss.emitConnectionEvent(name, events.ConnectionStateConnected, "", fmt.Sprintf("connected to '%s'", name), nil)
	return rs, nil
}

func (ss *SessionService) open(ctx context.Context, name string) (*ResourceSession, error) {
	res, err := ss.catalog.ByName(name)
	if err != nil {
		return nil, err
	}
	dialect, err := ss.dialects.Lookup(res.Type)
	if err != nil {
		return nil, err
	}

	provider := resourceCredentials{catalog: ss.catalog, passwords: ss.passwords, dialect: dialect}
	creds, err := provider.Credentials(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}

	opener := database.Opener{Dialect: dialect}
	var handles []*conn.Handle
	closeAll := func() {
		for _, h := range handles {
			_ = h.Close(ctx)
		}
	}
	for _, role := range []conn.Role{conn.RolePrimary, conn.RoleAuxiliary} {
		c, err := opener.Open(ctx, creds)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("open %s connection: %w", role, err)
		}
		handles = append(handles, conn.NewHandle(name, role, c, provider))
	}

	rs := &ResourceSession{
		Name:        name,
		Type:        dialect.Name,
		ConnectedAt: time.Now(),
		defaults:    res.Engine,
		homeDone:    make(chan struct{}),
	}
	sup := conn.NewSupervisor(conn.WithReconnectHook(func(h *conn.Handle, err error) {
		if err != nil {
			ss.emitConnectionEvent(name, events.ConnectionStateFailed, string(h.Role()), "reconnect failed", err)
			return
		}
		ss.emitConnectionEvent(name, events.ConnectionStateReconnected, string(h.Role()), "connection restored", nil)
	}))

	sess, err := engine.NewSession(ctx, engine.Config{
		Name:       name,
		Primary:    handles[0],
		Auxiliary:  handles[1],
		Supervisor: sup,
		Callbacks:  ss.callbacks(rs),
		Sink:       sessionSink{svc: ss, rs: rs},
	})
	if err != nil {
		closeAll()
		return nil, err
	}
	rs.Engine = sess

	homeCtx, stop := context.WithCancel(logctx.WithSession(context.Background(), name))
	rs.stopHome = stop
	go func() {
		defer close(rs.homeDone)
		if err := sess.RunHome(homeCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.WarnContext(homeCtx, "session home loop ended", slog.Any("err", err))
		}
	}()
	return rs, nil
}

func (ss *SessionService) callbacks(rs *ResourceSession) engine.Callbacks {
	return engine.Callbacks{
		OnLogMessage: func(msg engine.LogMessage) {
			ss.publish(rs.Name, events.ScriptLogEvent, events.ScriptLogPayload{
				SessionName:    rs.Name,
				JobID:          rs.CurrentJob(),
				Kind:           string(msg.Kind),
				Text:           msg.Text,
				StatementIndex: msg.StatementIndex,
				Line:           msg.Line,
				Statement:      msg.Statement,
				DurationMs:     msg.Duration.Milliseconds(),
			})
		},
		OnResultSet: func(set *engine.ResultSet) {
			ss.publish(rs.Name, events.ScriptResultSetEvent, events.ResultSetPayload{
				SessionName:    rs.Name,
				JobID:          rs.CurrentJob(),
				StatementIndex: set.StatementIndex,
				Line:           set.Line,
				Columns:        len(set.Columns),
				RowCount:       len(set.Rows),
				Truncated:      set.Truncated,
			})
		},
	}
}

// sessionSink publishes metadata invalidations. Schema changes are
// reported here rather than through OnSchemaChanged so they fire once.
type sessionSink struct {
	svc *SessionService
	rs  *ResourceSession
}

func (s sessionSink) SchemaChanged(schema string) {
	s.svc.publish(s.rs.Name, events.SchemaChangedEvent, events.SchemaChangedPayload{SessionName: s.rs.Name, Schema: schema})
}

func (s sessionSink) ObjectDropped(statement string) {
	s.svc.publish(s.rs.Name, events.MetadataInvalidEvent, events.MetadataInvalidatedPayload{SessionName: s.rs.Name, Statement: statement})
}

// Get returns the open session for resource name.
func (ss *SessionService) Get(name string) (*ResourceSession, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	rs, ok := ss.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionUnavailable, name)
	}
	return rs, nil
}

// List returns the open sessions sorted by name.
func (ss *SessionService) List() []SessionInfo {
	ss.mu.RLock()
	out := make([]SessionInfo, 0, len(ss.sessions))
	for _, rs := range ss.sessions {
		out = append(out, rs.Info())
	}
	ss.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Kill interrupts the statement running on the session.
func (ss *SessionService) Kill(ctx context.Context, name string) error {
	rs, err := ss.Get(name)
	if err != nil {
		return err
	}
	return rs.Engine.KillQuery(ctx)
}

func (ss *SessionService) Commit(ctx context.Context, name string) error {
	rs, err := ss.Get(name)
	if err != nil {
		return err
	}
	return rs.Engine.Commit(ctx)
}

func (ss *SessionService) Rollback(ctx context.Context, name string) error {
	rs, err := ss.Get(name)
	if err != nil {
		return err
	}
	return rs.Engine.Rollback(ctx)
}

// Close cancels the running script, waits for queued work and closes both
// connections.
func (ss *SessionService) Close(ctx context.Context, name string) error {
	ss.mu.Lock()
	rs, ok := ss.sessions[name]
	delete(ss.sessions, name)
	ss.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionUnavailable, name)
	}

	err := rs.Engine.Close(ctx)
	rs.stopHome()
	<-rs.homeDone

	ss.emitConnectionEvent(name, events.ConnectionStateClosed, "", fmt.Sprintf("session '%s' closed", name), err)
	slog.InfoContext(ctx, "session closed", slog.String(logctx.KeyResource, name))
	return err
}

// CloseAll closes every open session.
func (ss *SessionService) CloseAll(ctx context.Context) {
	ss.mu.RLock()
	names := make([]string, 0, len(ss.sessions))
	for name := range ss.sessions {
		names = append(names, name)
	}
	ss.mu.RUnlock()

	for _, name := range names {
		if err := ss.Close(ctx, name); err != nil && !errors.Is(err, ErrSessionUnavailable) {
			slog.WarnContext(ctx, "failed to close session", slog.String(logctx.KeyResource, name), slog.Any("err", err))
		}
	}
}

func (ss *SessionService) publish(session, name string, payload any) {
	if ss.events == nil {
		return
	}
	ss.events.Publish(events.Event{Name: name, Session: session, Payload: payload})
}

func (ss *SessionService) emitConnectionEvent(name, state, role, message string, err error) {
	payload := events.ConnectionStatePayload{
		ResourceName: name,
		State:        state,
		Role:         role,
		Message:      message,
	}
	if err != nil {
		payload.Error = err.Error()
		if payload.Message == "" {
			payload.Message = payload.Error
		}
	}
	ss.publish(name, events.ConnectionStateEvent, payload)
}

// resourceCredentials resolves the password on every call so reconnects
// see rotated secrets.
type resourceCredentials struct {
	catalog   *ResourceCatalogService
	passwords *PasswordService
	dialect   *database.Dialect
}

func (c resourceCredentials) Credentials(ctx context.Context, name string) (conn.Credentials, error) {
	res, err := c.catalog.ByName(name)
	if err != nil {
		return conn.Credentials{}, err
	}
	var password string
	if res.Password != nil {
		if c.passwords == nil {
			return conn.Credentials{}, fmt.Errorf("resource '%s' needs a password provider", name)
		}
		if password, err = c.passwords.Resolve(ctx, res.Password); err != nil {
			return conn.Credentials{}, err
		}
	}
	return c.dialect.Credentials(database.DSNParams{
		Resource: res,
		Password: password,
		BaseDir:  c.catalog.ResourcesBaseDir(),
	})
}
