package conn

import (
	"context"
	"sync"
	"sync/atomic"
)

// Role tells the primary (user statements) and auxiliary (bookkeeping)
// handles of a session apart.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleAuxiliary Role = "auxiliary"
)

var tokenSeq atomic.Uint64

type heldKey struct{ h *Handle }

type auxKey struct{}

// Handle is one live connection plus its session metadata. The lock is
// reentrant for a call chain: the token of a held lock travels in the context
// passed down by Lease.Context.
type Handle struct {
	resource string
	role     Role
	creds    CredentialsProvider

	sem   chan struct{}
	owner atomic.Uint64
	depth atomic.Int32

	stopRequested atomic.Bool
	reconnects    atomic.Int32

	mu         sync.RWMutex
	conn       DriverConn
	schema     string
	autocommit bool
	inTx       bool
	sessionID  string
}

// NewHandle wraps an opened connection. New handles are in autocommit mode.
func NewHandle(resource string, role Role, c DriverConn, creds CredentialsProvider) *Handle {
	return &Handle{
		resource:   resource,
		role:       role,
		creds:      creds,
		sem:        make(chan struct{}, 1),
		conn:       c,
		autocommit: true,
	}
}

// Resource is the name of the resource the handle connects to.
func (h *Handle) Resource() string { return h.resource }

// Role tells the primary handle from the auxiliary one.
func (h *Handle) Role() Role { return h.role }

// Schema is the cached default schema, updated by USE.
func (h *Handle) Schema() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.schema
}

// Autocommit is the tracked autocommit mode, true until SET autocommit = 0.
func (h *Handle) Autocommit() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.autocommit
}

// InTransaction reports whether an explicit transaction was opened.
func (h *Handle) InTransaction() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.inTx
}

// SessionID is the server session id last read for this connection, empty
// when the driver has none.
func (h *Handle) SessionID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessionID
}

// Connected reports whether the handle still owns a driver connection.
func (h *Handle) Connected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conn != nil
}

// Reconnects counts reconnect attempts made by the supervisor.
func (h *Handle) Reconnects() int { return int(h.reconnects.Load()) }

// RequestStop asks the statement loop running on this handle to stop at its
// next check. It does not need the lock.
func (h *Handle) RequestStop() { h.stopRequested.Store(true) }

// StopRequested reports whether RequestStop was called since the last ClearStop.
func (h *Handle) StopRequested() bool { return h.stopRequested.Load() }

// ClearStop resets the stop flag; script runs call it when they start and end.
func (h *Handle) ClearStop() { h.stopRequested.Store(false) }

// HeldBy reports whether ctx carries the token of the current holder.
func (h *Handle) HeldBy(ctx context.Context) bool {
	tok, ok := ctx.Value(heldKey{h}).(uint64)
	return ok && tok != 0 && h.owner.Load() == tok
}

func (h *Handle) lock(ctx context.Context) (*Lease, error) {
	if h.HeldBy(ctx) {
		h.depth.Add(1)
		return &Lease{h: h, ctx: ctx}, nil
	}
	if h.role == RolePrimary {
		if aux, ok := ctx.Value(auxKey{}).(*Handle); ok && aux.HeldBy(ctx) {
			return nil, ErrLockOrder
		}
	}

	select {
	case h.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	tok := tokenSeq.Add(1)
	h.owner.Store(tok)
	h.depth.Store(1)

	held := context.WithValue(ctx, heldKey{h}, tok)
	if h.role == RoleAuxiliary {
		held = context.WithValue(held, auxKey{}, h)
	}
	return &Lease{h: h, ctx: held}, nil
}

func (h *Handle) unlock() {
	if h.depth.Add(-1) > 0 {
		return
	}
	h.owner.Store(0)
	<-h.sem
}

// Close locks the handle and closes the driver connection.
func (h *Handle) Close(ctx context.Context) error {
	lease, err := h.lock(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	h.mu.Lock()
	c := h.conn
	h.conn = nil
	h.sessionID = ""
	h.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

// Lease is a held handle lock. All schema and autocommit mutation goes
// through a lease so it only happens under the lock.
type Lease struct {
	h        *Handle
	ctx      context.Context
	released atomic.Bool
}

// Context carries the lock token for reentrant acquisition further down the
// call chain.
func (l *Lease) Context() context.Context { return l.ctx }

// Handle is the locked handle.
func (l *Lease) Handle() *Handle { return l.h }

// Conn returns the driver connection, nil once the handle was closed.
func (l *Lease) Conn() DriverConn {
	l.h.mu.RLock()
	defer l.h.mu.RUnlock()
	return l.h.conn
}

// Release drops this acquisition. Extra calls are ignored.
func (l *Lease) Release() {
	if l.released.CompareAndSwap(false, true) {
		l.h.unlock()
	}
}

// SetSchema records a default schema change made by USE.
func (l *Lease) SetSchema(schema string) {
	l.h.mu.Lock()
	l.h.schema = schema
	l.h.mu.Unlock()
}

// SetAutocommit records the autocommit mode. Turning it on ends any open
// transaction.
func (l *Lease) SetAutocommit(on bool) {
	l.h.mu.Lock()
	l.h.autocommit = on
	if on {
		l.h.inTx = false
	}
	l.h.mu.Unlock()
}

// BeginTx marks an explicit transaction as open.
func (l *Lease) BeginTx() {
	l.h.mu.Lock()
	l.h.inTx = true
	l.h.mu.Unlock()
}

// EndTx marks the transaction as committed or rolled back.
func (l *Lease) EndTx() {
	l.h.mu.Lock()
	l.h.inTx = false
	l.h.mu.Unlock()
}

// SetSessionID stores a freshly read server session id.
func (l *Lease) SetSessionID(id string) {
	l.h.mu.Lock()
	l.h.sessionID = id
	l.h.mu.Unlock()
}
