package mysql

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	"github.com/crueladdict/ori/apps/ori-runner/internal/infrastructure/database"
	"github.com/crueladdict/ori/apps/ori-runner/internal/model"
	"github.com/crueladdict/ori/apps/ori-runner/internal/pkg/stringutil"
)

const statusQuery = `SELECT VARIABLE_NAME AS name, VARIABLE_VALUE AS value
FROM performance_schema.session_status
WHERE VARIABLE_NAME IN (
	'Bytes_received', 'Bytes_sent',
	'Created_tmp_disk_tables', 'Created_tmp_tables',
	'Handler_read_first', 'Handler_read_key', 'Handler_read_next', 'Handler_read_rnd_next',
	'Select_full_join', 'Select_range', 'Select_scan',
	'Sort_merge_passes', 'Sort_rows', 'Sort_scan'
)`

// Dialect describes MySQL and MariaDB through go-sql-driver/mysql.
func Dialect() *database.Dialect {
	return &database.Dialect{
		Name:               model.TypeMySQL,
		Aliases:            []string{model.TypeMariaDB},
		DriverName:         "mysql",
		BuildDSN:           buildDSN,
		SessionIDQuery:     "SELECT CONNECTION_ID()",
		CurrentSchemaQuery: "SELECT DATABASE()",
		WarningCountQuery:  "SELECT @@warning_count",
		StatusQuery:        statusQuery,
		KillStatement: func(sessionID string) (string, error) {
			if !stringutil.IsDigits(sessionID) {
				return "", fmt.Errorf("invalid mysql connection id %q", sessionID)
			}
			return "KILL QUERY " + sessionID, nil
		},
		UseStatement: func(schema string) string {
			return "USE " + stringutil.QuoteIdentifier(schema, '`')
		},
		ErrorDetails: func(err error) (int, string, string, bool) {
			var myErr *gomysql.MySQLError
			if !errors.As(err, &myErr) {
				return 0, "", "", false
			}
			return int(myErr.Number), strings.TrimRight(string(myErr.SQLState[:]), "\x00"), myErr.Message, true
		},
		ConnectionLost: func(err error) bool {
			return errors.Is(err, gomysql.ErrInvalidConn)
		},
	}
}

func buildDSN(p database.DSNParams) (string, error) {
	res := p.Resource
	if res == nil {
		return "", fmt.Errorf("mysql resource is nil")
	}
	if res.Host == nil || *res.Host == "" {
		return "", fmt.Errorf("mysql resource '%s' missing host", res.Name)
	}
	if res.Username == nil || *res.Username == "" {
		return "", fmt.Errorf("mysql resource '%s' missing username", res.Name)
	}
	port := 3306
	if res.Port != nil && *res.Port > 0 {
		port = *res.Port
	}

	cfg := gomysql.NewConfig()
	cfg.User = *res.Username
	cfg.Passwd = p.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", *res.Host, port)
	cfg.DBName = res.Database
	cfg.Timeout = 10 * time.Second
	cfg.ParseTime = true
	cfg.InterpolateParams = true

	tlsName, err := tlsConfigName(res.Name, model.ResolveTLSPaths(res.TLS, p.BaseDir))
	if err != nil {
		return "", fmt.Errorf("mysql resource '%s': %w", res.Name, err)
	}
	cfg.TLSConfig = tlsName
	return cfg.FormatDSN(), nil
}

// tlsConfigName maps the resource TLS block onto the driver's tls parameter,
// registering a custom config when certificates are given.
func tlsConfigName(resource string, cfg *model.TLSConfig) (string, error) {
	if cfg == nil {
		return "", nil
	}
	mode := ""
	if cfg.Mode != nil {
		mode = strings.ToLower(*cfg.Mode)
	}
	hasCerts := (cfg.CACertPath != nil && *cfg.CACertPath != "") || (cfg.CertPath != nil && *cfg.CertPath != "")
	if !hasCerts {
		switch mode {
		case "", "disable", "disabled":
			return "false", nil
		case "require", "required":
			return "skip-verify", nil
		case "prefer", "preferred":
			return "preferred", nil
		default:
			return "true", nil
		}
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if mode == "require" || mode == "required" {
		tlsCfg.InsecureSkipVerify = true
	}
	if cfg.CACertPath != nil && *cfg.CACertPath != "" {
		pem, err := os.ReadFile(*cfg.CACertPath)
		if err != nil {
			return "", fmt.Errorf("read ca cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return "", fmt.Errorf("no certificates in %s", *cfg.CACertPath)
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertPath != nil && *cfg.CertPath != "" && cfg.KeyPath != nil && *cfg.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(*cfg.CertPath, *cfg.KeyPath)
		if err != nil {
			return "", fmt.Errorf("load client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	name := "ori-" + stringutil.Slug(resource)
	if err := gomysql.RegisterTLSConfig(name, tlsCfg); err != nil {
		return "", fmt.Errorf("register tls config: %w", err)
	}
	return name, nil
}
