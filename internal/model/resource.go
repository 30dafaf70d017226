package model

import (
	"path/filepath"
	"strings"

	"github.com/crueladdict/ori/apps/ori-runner/internal/pkg/cloneutil"
)

const (
	TypeSQLite     = "sqlite"
	TypePostgres   = "postgres"
	TypePostgreSQL = "postgresql"
	TypeMySQL      = "mysql"
	TypeMariaDB    = "mariadb"
	TypeDuckDB     = "duckdb"
)

type PasswordConfig struct {
	Type string `yaml:"type" json:"type"`                   // Password provider type (plain_text, shell, keychain)
	Key  string `yaml:"key,omitempty" json:"key,omitempty"` // Provider-specific value (plain text, shell command, or keychain account)
}

type TLSConfig struct {
	Mode       *string `yaml:"mode,omitempty" json:"mode,omitempty"`
	CACertPath *string `yaml:"caCertPath,omitempty" json:"caCertPath,omitempty"`
	CertPath   *string `yaml:"certPath,omitempty" json:"certPath,omitempty"`
	KeyPath    *string `yaml:"keyPath,omitempty" json:"keyPath,omitempty"`
}

// EngineDefaults are per-resource defaults for script execution. Request
// options override them field by field.
type EngineDefaults struct {
	MaxResultSets        *int  `yaml:"maxResultSets,omitempty" json:"maxResultSets,omitempty"`
	RowLimit             *int  `yaml:"rowLimit,omitempty" json:"rowLimit,omitempty"`
	ContinueOnError      *bool `yaml:"continueOnError,omitempty" json:"continueOnError,omitempty"`
	NonStandardDelimiter *bool `yaml:"nonStandardDelimiter,omitempty" json:"nonStandardDelimiter,omitempty"`
}

type Resource struct {
	Name     string          `yaml:"name" json:"name"`
	Type     string          `yaml:"type" json:"type"`
	Host     *string         `yaml:"host,omitempty" json:"host,omitempty"`
	Port     *int            `yaml:"port,omitempty" json:"port,omitempty"`
	Database string          `yaml:"database" json:"database"`
	Username *string         `yaml:"username,omitempty" json:"username,omitempty"`
	Password *PasswordConfig `yaml:"password,omitempty" json:"password,omitempty"`
	TLS      *TLSConfig      `yaml:"tls,omitempty" json:"tls,omitempty"`
	Engine   *EngineDefaults `yaml:"engine,omitempty" json:"engine,omitempty"`
}

type Config struct {
	Resources []Resource `yaml:"resources" json:"resources"`
}

// Find returns the resource with the given name.
func (c *Config) Find(name string) (*Resource, bool) {
	if c == nil {
		return nil, false
	}
	for i := range c.Resources {
		if c.Resources[i].Name == name {
			return &c.Resources[i], true
		}
	}
	return nil, false
}

// IsFileBased reports whether the database field is a local path.
func (r *Resource) IsFileBased() bool {
	switch strings.ToLower(r.Type) {
	case TypeSQLite, TypeDuckDB:
		return true
	}
	return false
}

// Redacted returns a deep copy safe to hand out over the API: plain text
// passwords are blanked, provider references are kept.
func (r *Resource) Redacted() Resource {
	out := Resource{
		Name:     r.Name,
		Type:     r.Type,
		Host:     cloneutil.Ptr(r.Host),
		Port:     cloneutil.Ptr(r.Port),
		Database: r.Database,
		Username: cloneutil.Ptr(r.Username),
	}
	if r.Password != nil {
		pwd := *r.Password
		if pwd.Type == "plain_text" {
			pwd.Key = ""
		}
		out.Password = &pwd
	}
	if r.TLS != nil {
		out.TLS = &TLSConfig{
			Mode:       cloneutil.Ptr(r.TLS.Mode),
			CACertPath: cloneutil.Ptr(r.TLS.CACertPath),
			CertPath:   cloneutil.Ptr(r.TLS.CertPath),
			KeyPath:    cloneutil.Ptr(r.TLS.KeyPath),
		}
	}
	if r.Engine != nil {
		out.Engine = &EngineDefaults{
			MaxResultSets:        cloneutil.Ptr(r.Engine.MaxResultSets),
			RowLimit:             cloneutil.Ptr(r.Engine.RowLimit),
			ContinueOnError:      cloneutil.Ptr(r.Engine.ContinueOnError),
			NonStandardDelimiter: cloneutil.Ptr(r.Engine.NonStandardDelimiter),
		}
	}
	return out
}

// ResolvePath makes a relative file database path absolute against baseDir.
func ResolvePath(path, baseDir string) string {
	if path == "" || path == ":memory:" || filepath.IsAbs(path) || strings.HasPrefix(path, "file:") {
		return path
	}
	return filepath.Clean(filepath.Join(baseDir, path))
}

func ResolveTLSPaths(tls *TLSConfig, baseDir string) *TLSConfig {
	if tls == nil {
		return nil
	}

	return &TLSConfig{
		Mode:       cloneutil.Ptr(tls.Mode),
		CACertPath: resolveTLSPath(baseDir, tls.CACertPath),
		CertPath:   resolveTLSPath(baseDir, tls.CertPath),
		KeyPath:    resolveTLSPath(baseDir, tls.KeyPath),
	}
}

func resolveTLSPath(baseDir string, value *string) *string {
	if value == nil || *value == "" {
		return nil
	}

	if filepath.IsAbs(*value) {
		return cloneutil.Ptr(value)
	}

	resolved := filepath.Clean(filepath.Join(baseDir, *value))
	return &resolved
}
