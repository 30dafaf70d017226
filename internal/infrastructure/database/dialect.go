package database

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/crueladdict/ori/apps/ori-runner/internal/conn"
	"github.com/crueladdict/ori/apps/ori-runner/internal/model"
)

// ErrUnsupported is returned for session operations a dialect does not have.
var ErrUnsupported = errors.New("not supported by this database")

// DSNParams carry a resolved resource into a dialect's DSN builder.
type DSNParams struct {
	Resource *model.Resource
	Password string
	BaseDir  string
}

// Dialect holds what differs between databases behind database/sql.
// Empty queries mean the feature is unavailable.
type Dialect struct {
	Name       string
	Aliases    []string
	DriverName string

	BuildDSN func(p DSNParams) (string, error)

	SessionIDQuery     string
	CurrentSchemaQuery string
	WarningCountQuery  string
	// StatusQuery returns (name, value) rows of numeric session counters.
	StatusQuery string

	KillStatement func(sessionID string) (string, error)
	UseStatement  func(schema string) string
	// ErrorDetails extracts vendor code and SQLSTATE. ok is false for errors
	// the driver did not produce.
	ErrorDetails func(err error) (code int, sqlState, message string, ok bool)
	// ConnectionLost recognizes driver errors that mean the session is gone,
	// beyond driver.ErrBadConn.
	ConnectionLost func(err error) bool
}

// TranslateError turns a driver failure into a *conn.DriverError. The
// original error stays reachable through Unwrap.
func (d *Dialect) TranslateError(err error) error {
	if err == nil {
		return nil
	}
	var de *conn.DriverError
	if errors.As(err, &de) || errors.Is(err, conn.ErrNotConnected) {
		return err
	}
	if errors.Is(err, driver.ErrBadConn) || (d.ConnectionLost != nil && d.ConnectionLost(err)) {
		return fmt.Errorf("%w: %w", conn.ErrNotConnected, err)
	}
	if d.ErrorDetails != nil {
		if code, state, msg, ok := d.ErrorDetails(err); ok {
			return &conn.DriverError{Code: code, SQLState: state, Message: msg, Err: err}
		}
	}
	return &conn.DriverError{Message: err.Error(), Err: err}
}

// Registry maps resource types to dialects.
type Registry struct {
	dialects map[string]*Dialect
}

func NewRegistry(dialects ...*Dialect) *Registry {
	r := &Registry{dialects: make(map[string]*Dialect)}
	for _, d := range dialects {
		r.Register(d)
	}
	return r
}

// Register adds d under its name and aliases, replacing earlier entries.
func (r *Registry) Register(d *Dialect) {
	if d == nil {
		return
	}
	r.dialects[strings.ToLower(d.Name)] = d
	for _, alias := range d.Aliases {
		r.dialects[strings.ToLower(alias)] = d
	}
}

func (r *Registry) Lookup(resourceType string) (*Dialect, error) {
	d, ok := r.dialects[strings.ToLower(resourceType)]
	if !ok {
		return nil, fmt.Errorf("unsupported resource type %q", resourceType)
	}
	return d, nil
}

// Types lists every registered resource type.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.dialects))
	for name := range r.dialects {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Credentials resolves a resource into connection credentials.
func (d *Dialect) Credentials(p DSNParams) (conn.Credentials, error) {
	if d.BuildDSN == nil {
		return conn.Credentials{}, fmt.Errorf("%s: no DSN builder", d.Name)
	}
	dsn, err := d.BuildDSN(p)
	if err != nil {
		return conn.Credentials{}, err
	}
	return conn.Credentials{Driver: d.DriverName, DSN: dsn}, nil
}
